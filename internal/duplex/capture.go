package duplex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/domain/repositories"
)

var errCaptureStopped = errors.New("capture stopped")

// SegmentSink is where captured segments go
type SegmentSink interface {
	IsOpen() bool
	SendBinary(data []byte) error
}

// RetryPolicy controls how the capture loop recovers from a failed iteration
type RetryPolicy struct {
	Backoff time.Duration
	// MaxRetries bounds recoveries per session. Zero retries forever.
	MaxRetries uint64
}

func (p RetryPolicy) backoff() retry.Backoff {
	d := p.Backoff
	if d <= 0 {
		d = time.Second
	}
	b := retry.NewConstant(d)
	if p.MaxRetries > 0 {
		b = retry.WithMaxRetries(p.MaxRetries, b)
	}
	return b
}

// CaptureConfig configures the segment loop
type CaptureConfig struct {
	SegmentInterval time.Duration
	// MinSegmentBytes is the size a segment must exceed to be worth sending
	MinSegmentBytes int
	Retry           RetryPolicy
}

// CapturePipeline records fixed-length segments and streams them to the sink
type CapturePipeline struct {
	recorder repositories.Recorder
	storage  repositories.SegmentStorage
	sink     SegmentSink
	muted    func() bool
	cfg      CaptureConfig
	logger   *zap.Logger

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}
	last   []byte
	sent   int
}

// NewCapturePipeline creates a stopped pipeline
func NewCapturePipeline(
	recorder repositories.Recorder,
	storage repositories.SegmentStorage,
	sink SegmentSink,
	muted func() bool,
	cfg CaptureConfig,
	logger *zap.Logger,
) *CapturePipeline {
	if cfg.SegmentInterval <= 0 {
		cfg.SegmentInterval = 100 * time.Millisecond
	}
	if muted == nil {
		muted = func() bool { return false }
	}
	return &CapturePipeline{
		recorder: recorder,
		storage:  storage,
		sink:     sink,
		muted:    muted,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start launches the loop. It is a no-op while the loop is already running.
func (p *CapturePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.last = nil
	p.sent = 0
	p.active = true

	p.logger.Info("Starting streaming recording")
	go p.run(ctx, p.done)
}

// Stop ends the loop and force-stops an in-flight recording. Errors are swallowed.
func (p *CapturePipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.active = false
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	if !p.recorder.IsRecording() {
		return
	}
	ctx := context.Background()
	handle, err := p.recorder.Stop(ctx)
	if err != nil {
		p.logger.Warn("Error stopping active recording", zap.Error(err))
		return
	}
	if handle != "" {
		if err := p.storage.Delete(ctx, handle); err != nil {
			p.logger.Warn("Failed to delete segment", zap.String("handle", handle), zap.Error(err))
		}
	}
}

// Wait blocks until the loop started by the last Start has returned
func (p *CapturePipeline) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// IsActive reports whether the loop is currently recording segments
func (p *CapturePipeline) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// SentSegments returns how many segments were sent since the last Start
func (p *CapturePipeline) SentSegments() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func (p *CapturePipeline) setActive(v bool) {
	p.mu.Lock()
	p.active = v
	p.mu.Unlock()
}

func (p *CapturePipeline) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	err := retry.Do(ctx, p.cfg.Retry.backoff(), func(ctx context.Context) error {
		if !p.shouldContinue(ctx) {
			return nil
		}
		p.setActive(true)

		err := p.loop(ctx)
		if err == nil || errors.Is(err, errCaptureStopped) {
			return nil
		}

		p.setActive(false)
		if !p.shouldContinue(ctx) {
			return nil
		}
		p.logger.Warn("Error in segment recording, retrying", zap.Error(err))
		return retry.RetryableError(err)
	})

	p.setActive(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("Segment recording gave up", zap.Error(err))
	}
	p.logger.Info("Streaming recording stopped")
}

func (p *CapturePipeline) shouldContinue(ctx context.Context) bool {
	return ctx.Err() == nil && p.sink.IsOpen()
}

func (p *CapturePipeline) loop(ctx context.Context) error {
	for p.shouldContinue(ctx) {
		if err := p.recordSegment(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *CapturePipeline) recordSegment(ctx context.Context) error {
	if err := p.recorder.Prepare(ctx); err != nil {
		return fmt.Errorf("failed to prepare recorder: %w", err)
	}
	if err := p.recorder.Start(ctx); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	timer := time.NewTimer(p.cfg.SegmentInterval)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	// The artifact has to be released even when the loop is being cancelled.
	cleanupCtx := context.WithoutCancel(ctx)

	handle, err := p.recorder.Stop(cleanupCtx)
	if err != nil {
		if ctx.Err() != nil {
			return errCaptureStopped
		}
		return fmt.Errorf("failed to stop recording: %w", err)
	}
	if handle == "" {
		if ctx.Err() != nil {
			return errCaptureStopped
		}
		return nil
	}
	defer func() {
		if err := p.storage.Delete(cleanupCtx, handle); err != nil {
			p.logger.Warn("Failed to delete segment", zap.String("handle", handle), zap.Error(err))
		}
	}()

	if ctx.Err() != nil {
		return errCaptureStopped
	}
	if p.muted() {
		return nil
	}

	data, err := p.storage.ReadBytes(ctx, handle)
	if err != nil {
		return fmt.Errorf("failed to read segment: %w", err)
	}

	p.mu.Lock()
	if len(data) <= p.cfg.MinSegmentBytes || bytes.Equal(data, p.last) {
		p.mu.Unlock()
		return nil
	}
	p.last = data
	p.mu.Unlock()

	if err := p.sink.SendBinary(data); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return errCaptureStopped
		}
		return fmt.Errorf("failed to send segment: %w", err)
	}

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()

	p.logger.Debug("Segment sent", zap.Int("bytes", len(data)))
	return nil
}
