package audio

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

const loopFrameSize = 1024

// LoopCapture replays a WAV file in real time, over and over. It stands in for a
// microphone in headless runs and demos.
type LoopCapture struct {
	pcm      []byte
	interval time.Duration
	chunk    int

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
}

// NewLoopCapture loads a 16-bit PCM WAV file
func NewLoopCapture(path string) (*LoopCapture, CaptureConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, CaptureConfig{}, err
	}
	pcm, cfg, err := DecodeWAV(data)
	if err != nil {
		return nil, CaptureConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	c, err := newLoopCapture(pcm, cfg)
	return c, cfg, err
}

func newLoopCapture(pcm []byte, cfg CaptureConfig) (*LoopCapture, error) {
	if len(pcm) == 0 {
		return nil, errors.New("empty audio")
	}
	if cfg.SampleRate == 0 || cfg.Channels == 0 {
		return nil, errors.New("invalid audio format")
	}
	return &LoopCapture{
		pcm:      pcm,
		chunk:    loopFrameSize * 2 * int(cfg.Channels),
		interval: time.Duration(loopFrameSize) * time.Second / time.Duration(cfg.SampleRate),
	}, nil
}

func (f *LoopCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *LoopCapture) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopCh != nil {
		return nil
	}
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	go f.feed(f.stopCh, f.feedDone)
	return nil
}

func (f *LoopCapture) feed(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		end := min(pos+f.chunk, len(f.pcm))
		chunk := make([]byte, end-pos)
		copy(chunk, f.pcm[pos:end])
		pos = end
		if pos >= len(f.pcm) {
			pos = 0
		}

		f.mu.Lock()
		cb := f.cb
		f.mu.Unlock()
		if cb != nil {
			cb(chunk)
		}
	}
}

func (f *LoopCapture) Stop() {
	f.mu.Lock()
	stop, done := f.stopCh, f.feedDone
	f.stopCh, f.feedDone = nil, nil
	f.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (f *LoopCapture) Close() {}
