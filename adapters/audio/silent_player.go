package audio

import (
	"sync"

	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/domain/repositories"
)

// SilentPlayerFactory creates players that drop audio and finish immediately
type SilentPlayerFactory struct{}

// NewPlayer creates a player for chunk
func (SilentPlayerFactory) NewPlayer(chunk entities.AudioChunk) (repositories.Player, error) {
	return &silentPlayer{done: make(chan error, 1)}, nil
}

type silentPlayer struct {
	mu       sync.Mutex
	done     chan error
	disposed bool
}

func (p *silentPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return errPlayerDisposed
	}
	select {
	case p.done <- nil:
	default:
	}
	return nil
}

func (p *silentPlayer) Finished() <-chan error {
	return p.done
}

func (p *silentPlayer) Dispose() error {
	p.mu.Lock()
	p.disposed = true
	p.mu.Unlock()
	return nil
}
