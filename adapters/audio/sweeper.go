package audio

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SegmentSweeper removes segment files left behind by crashed sessions
type SegmentSweeper struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger

	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSegmentSweeper creates a sweeper removing segments older than maxAge every interval
func NewSegmentSweeper(dir string, maxAge, interval time.Duration, logger *zap.Logger) *SegmentSweeper {
	return &SegmentSweeper{
		dir:      dir,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start sweeps once immediately and then periodically
func (s *SegmentSweeper) Start() {
	go s.sweepLoop()
	s.logger.Info("Segment sweeper started", zap.String("dir", s.dir))
}

// Stop stops the sweeper and waits for the loop to exit
func (s *SegmentSweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.done
		s.logger.Info("Segment sweeper stopped")
	})
}

func (s *SegmentSweeper) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes expired segments and returns how many were deleted
func (s *SegmentSweeper) Sweep() int {
	matches, err := filepath.Glob(filepath.Join(s.dir, segmentPattern))
	if err != nil {
		s.logger.Error("Failed to list segments", zap.Error(err))
		return 0
	}

	cutoff := time.Now().Add(-s.maxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to remove stale segment", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Removed stale segments", zap.Int("count", removed))
	}
	return removed
}
