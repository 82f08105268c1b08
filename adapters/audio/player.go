package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/domain/repositories"
)

var errPlayerDisposed = errors.New("player disposed")

// FFplayFactory plays each inbound chunk through its own ffplay process. ffplay probes
// the container, so WAV, MP3 and M4A chunks all work.
type FFplayFactory struct {
	path     string
	logLevel string
	logger   *zap.Logger
}

var _ repositories.PlayerFactory = (*FFplayFactory)(nil)

// NewFFplayFactory creates a factory running the ffplay binary at path
func NewFFplayFactory(path string, logger *zap.Logger) *FFplayFactory {
	if path == "" {
		path = "ffplay"
	}
	return &FFplayFactory{path: path, logLevel: "error", logger: logger}
}

// NewPlayer implements repositories.PlayerFactory
func (f *FFplayFactory) NewPlayer(chunk entities.AudioChunk) (repositories.Player, error) {
	if len(chunk.Data) == 0 {
		return nil, fmt.Errorf("chunk %d is empty", chunk.Seq)
	}
	return &ffplayPlayer{
		factory:  f,
		chunk:    chunk,
		finished: make(chan error, 1),
	}, nil
}

func (f *FFplayFactory) args() []string {
	return []string{
		"-hide_banner",
		"-loglevel", f.logLevel,
		"-nostats",
		"-nodisp",
		"-autoexit",
		"-i", "-",
	}
}

type ffplayPlayer struct {
	factory  *FFplayFactory
	chunk    entities.AudioChunk
	finished chan error

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   bool
	disposed bool
}

func (p *ffplayPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return errPlayerDisposed
	}
	if p.cmd != nil {
		return errors.New("player already started")
	}

	cmd := exec.Command(p.factory.path, p.factory.args()...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	cmd.Stdin = bytes.NewReader(p.chunk.Data)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffplay: %w", err)
	}
	p.cmd = cmd

	go func() {
		err := cmd.Wait()
		if err != nil && stderr.Len() > 0 {
			err = fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		p.mu.Lock()
		p.exited = true
		disposed := p.disposed
		p.mu.Unlock()
		if err != nil && !disposed {
			p.factory.logger.Warn("Playback failed", zap.Uint64("seq", p.chunk.Seq), zap.Error(err))
		}
		p.finished <- err
	}()
	return nil
}

func (p *ffplayPlayer) Finished() <-chan error {
	return p.finished
}

func (p *ffplayPlayer) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil
	}
	p.disposed = true
	if p.cmd != nil && !p.exited {
		p.cmd.Process.Kill()
	}
	return nil
}
