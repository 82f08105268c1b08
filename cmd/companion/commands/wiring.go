package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/adapters/audio"
	"github.com/alexlevy0/mycompanion/adapters/memory"
	mongoadapter "github.com/alexlevy0/mycompanion/adapters/mongo"
	"github.com/alexlevy0/mycompanion/domain/repositories"
	"github.com/alexlevy0/mycompanion/internal/auth"
	"github.com/alexlevy0/mycompanion/internal/duplex"
)

const (
	segmentMaxAge        = 10 * time.Minute
	segmentSweepInterval = 5 * time.Minute
)

// runtime holds everything a call needs besides the manager's callbacks
type runtime struct {
	recorder *audio.SegmentRecorder
	storage  *audio.FileSegmentStorage
	sweeper  *audio.SegmentSweeper
	store    *memory.Store
	history  repositories.CallRepository
	creds    repositories.CredentialSource

	closers []func()
}

// newRuntime opens the capture device, the segment directory and call history. input
// selects a looped WAV file instead of the microphone.
func newRuntime(ctx context.Context, input string) (*runtime, error) {
	rt := &runtime{store: memory.NewStore()}

	segmentDir := filepath.Join(cfg.SegmentDir, "mycompanion-segments")
	device, format, err := openCaptureDevice(input)
	if err != nil {
		return nil, err
	}
	rt.recorder = audio.NewSegmentRecorder(device, format, segmentDir, logger)
	rt.closers = append(rt.closers, rt.recorder.Close)

	rt.storage = audio.NewFileSegmentStorage(segmentDir)
	rt.sweeper = audio.NewSegmentSweeper(segmentDir, segmentMaxAge, segmentSweepInterval, logger)
	rt.sweeper.Start()
	rt.closers = append(rt.closers, rt.sweeper.Stop)

	history, closeHistory, err := openHistory(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.history = history
	rt.closers = append(rt.closers, closeHistory)

	if cfg.AuthToken != "" {
		rt.store.Set(auth.AccessTokenKey, cfg.AuthToken)
	}
	var refresher repositories.TokenRefresher
	if cfg.JWTSecret != "" {
		refresher = &auth.SigningRefresher{
			Secret:      []byte(cfg.JWTSecret),
			UserID:      "companion",
			WorkspaceID: cfg.WorkspaceID,
			TTL:         time.Hour,
		}
	}
	rt.creds = auth.NewSource(cfg.APIToken, rt.store, refresher, logger)
	return rt, nil
}

// newManager builds the session manager on top of rt
func (rt *runtime) newManager(players repositories.PlayerFactory, deps duplex.Dependencies) (*duplex.Manager, error) {
	deps.Credentials = rt.creds
	deps.Recorder = rt.recorder
	deps.Storage = rt.storage
	deps.Players = players
	deps.Store = rt.store
	deps.Calls = rt.history
	return duplex.NewManager(cfg.DuplexConfig(), deps, logger)
}

// Close releases resources in reverse order
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func openCaptureDevice(input string) (audio.CaptureDevice, audio.CaptureConfig, error) {
	if input != "" {
		device, format, err := audio.NewLoopCapture(input)
		if err != nil {
			return nil, audio.CaptureConfig{}, err
		}
		logger.Info("Using looped audio input", zap.String("path", input))
		return device, format, nil
	}

	format := audio.CaptureConfig{SampleRate: uint32(cfg.SampleRate), Channels: 1}
	mctx, err := audio.NewMalgoContext()
	if err != nil {
		return nil, format, err
	}
	device, err := mctx.NewCapture(format)
	if err != nil {
		mctx.Close()
		return nil, format, err
	}
	return &ownedDevice{CaptureDevice: device, owner: mctx}, format, nil
}

// ownedDevice closes the audio backend together with the device
type ownedDevice struct {
	audio.CaptureDevice
	owner *audio.MalgoContext
}

func (d *ownedDevice) Close() {
	d.CaptureDevice.Close()
	d.owner.Close()
}

// openHistory connects to MongoDB when configured and falls back to memory
func openHistory(ctx context.Context) (repositories.CallRepository, func(), error) {
	mcfg, ok := cfg.MongoConfig()
	if !ok {
		return memory.NewCallRepository(), func() {}, nil
	}

	client, err := mongoadapter.NewClient(ctx, mcfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open call history: %w", err)
	}
	repo := mongoadapter.NewCallRepository(client.Database)
	if err := repo.EnsureIndexes(ctx); err != nil {
		logger.Warn("Failed to create call history indexes", zap.Error(err))
	}
	return repo, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Close(ctx)
	}, nil
}
