package duplex

import (
	"sync"

	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/domain/repositories"
)

// PlaybackQueue plays inbound chunks strictly in arrival order, one player at a time
type PlaybackQueue struct {
	players    repositories.PlayerFactory
	onSpeaking func(bool)
	logger     *zap.Logger

	mu         sync.Mutex
	queue      []entities.AudioChunk
	processing bool
	gen        uint64
	current    repositories.Player
	stop       chan struct{}
}

// NewPlaybackQueue creates an empty queue. onSpeaking is called with the queue lock
// held and must not call back into the queue.
func NewPlaybackQueue(players repositories.PlayerFactory, onSpeaking func(bool), logger *zap.Logger) *PlaybackQueue {
	if onSpeaking == nil {
		onSpeaking = func(bool) {}
	}
	return &PlaybackQueue{
		players:    players,
		onSpeaking: onSpeaking,
		logger:     logger,
	}
}

// Enqueue appends a chunk and starts draining if nothing is playing
func (q *PlaybackQueue) Enqueue(chunk entities.AudioChunk) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queue = append(q.queue, chunk)
	if q.processing {
		return
	}

	q.processing = true
	q.stop = make(chan struct{})
	q.onSpeaking(true)
	go q.drain(q.gen, q.stop)
}

// Clear drops every pending chunk and force-disposes the chunk being played
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	q.gen++
	dropped := len(q.queue)
	q.queue = nil
	q.processing = false
	if q.stop != nil {
		close(q.stop)
		q.stop = nil
	}
	current := q.current
	q.current = nil
	q.onSpeaking(false)
	q.mu.Unlock()

	if current != nil {
		if err := current.Dispose(); err != nil {
			q.logger.Warn("Failed to dispose player", zap.Error(err))
		}
	}
	if dropped > 0 || current != nil {
		q.logger.Debug("Playback cleared", zap.Int("dropped", dropped), zap.Bool("interrupted", current != nil))
	}
}

// Len returns the number of chunks waiting to be played
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// IsProcessing reports whether a drain is in progress
func (q *PlaybackQueue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

func (q *PlaybackQueue) drain(gen uint64, stop <-chan struct{}) {
	for {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		if len(q.queue) == 0 {
			q.processing = false
			q.stop = nil
			q.onSpeaking(false)
			q.mu.Unlock()
			return
		}
		chunk := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		player, err := q.players.NewPlayer(chunk)
		if err != nil {
			q.logger.Warn("Failed to create player", zap.Uint64("seq", chunk.Seq), zap.Error(err))
			continue
		}

		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			player.Dispose()
			return
		}
		q.current = player
		q.onSpeaking(true)
		q.mu.Unlock()

		q.play(player, chunk, stop)

		q.mu.Lock()
		owned := q.current == player
		if owned {
			q.current = nil
		}
		q.mu.Unlock()

		// Clear disposes the player itself when it takes it away from us.
		if owned {
			if err := player.Dispose(); err != nil {
				q.logger.Warn("Failed to dispose player", zap.Error(err))
			}
		}
	}
}

func (q *PlaybackQueue) play(player repositories.Player, chunk entities.AudioChunk, stop <-chan struct{}) {
	if err := player.Play(); err != nil {
		q.logger.Warn("Failed to play chunk", zap.Uint64("seq", chunk.Seq), zap.Error(err))
		return
	}
	select {
	case err := <-player.Finished():
		if err != nil {
			q.logger.Warn("Playback error", zap.Uint64("seq", chunk.Seq), zap.Error(err))
		}
	case <-stop:
	}
}
