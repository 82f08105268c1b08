package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/domain/repositories"
)

const segmentPattern = "seg-*.wav"

var errAlreadyRecording = errors.New("recorder is already recording")

// SegmentRecorder cuts a continuously running capture device into WAV segment files
type SegmentRecorder struct {
	device CaptureDevice
	dir    string
	format CaptureConfig
	logger *zap.Logger

	metering chan float64

	mu        sync.Mutex
	running   bool
	recording bool
	buf       []byte
}

var _ repositories.Recorder = (*SegmentRecorder)(nil)

// NewSegmentRecorder writes segments for device into dir
func NewSegmentRecorder(device CaptureDevice, format CaptureConfig, dir string, logger *zap.Logger) *SegmentRecorder {
	return &SegmentRecorder{
		device:   device,
		dir:      dir,
		format:   format,
		logger:   logger,
		metering: make(chan float64, 1),
	}
}

// Prepare starts the device the first time it is called
func (r *SegmentRecorder) Prepare(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create segment directory: %w", err)
	}
	r.device.SetCallback(r.onData)
	if err := r.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	r.running = true
	r.logger.Info("Capture device started",
		zap.Uint32("sampleRate", r.format.SampleRate),
		zap.Uint32("channels", r.format.Channels))
	return nil
}

// Start implements repositories.Recorder
func (r *SegmentRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return errors.New("recorder is not prepared")
	}
	if r.recording {
		return errAlreadyRecording
	}
	r.recording = true
	r.buf = r.buf[:0]
	return nil
}

// Stop writes the buffered PCM to a new segment file and returns its path
func (r *SegmentRecorder) Stop(ctx context.Context) (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", nil
	}
	r.recording = false
	pcm := make([]byte, len(r.buf))
	copy(pcm, r.buf)
	r.mu.Unlock()

	if len(pcm) == 0 {
		return "", nil
	}

	path := filepath.Join(r.dir, "seg-"+uuid.NewString()+".wav")
	data := EncodeWAV(pcm, int(r.format.SampleRate), int(r.format.Channels))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write segment: %w", err)
	}
	return path, nil
}

// IsRecording implements repositories.Recorder
func (r *SegmentRecorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Metering implements repositories.Recorder
func (r *SegmentRecorder) Metering() <-chan float64 {
	return r.metering
}

// Close stops the device
func (r *SegmentRecorder) Close() {
	r.mu.Lock()
	running := r.running
	r.running = false
	r.recording = false
	r.mu.Unlock()

	if running {
		r.device.Stop()
	}
	r.device.Close()
}

func (r *SegmentRecorder) onData(data []byte) {
	r.mu.Lock()
	if r.recording {
		r.buf = append(r.buf, data...)
	}
	r.mu.Unlock()

	level := LevelDB(data)
	select {
	case r.metering <- level:
	default:
		// keep only the latest level
		select {
		case <-r.metering:
		default:
		}
		select {
		case r.metering <- level:
		default:
		}
	}
}
