package repositories

import (
	"context"

	"github.com/alexlevy0/mycompanion/domain/entities"
)

// Recorder abstracts the microphone. One segment is recorded between Start and Stop.
// Implementations must be safe for concurrent use: teardown may call Stop while the
// capture loop is between Start and Stop.
type Recorder interface {
	// Prepare readies the device for the next segment
	Prepare(ctx context.Context) error
	// Start begins recording a segment
	Start(ctx context.Context) error
	// Stop ends the segment and returns its storage handle, or "" when nothing was recorded
	Stop(ctx context.Context) (string, error)
	// IsRecording reports whether a segment is in progress
	IsRecording() bool
	// Metering streams the real-time input level in dBFS (0 is full scale, -160 is silence)
	Metering() <-chan float64
}

// SegmentStorage reads and removes recorded segment artifacts
type SegmentStorage interface {
	ReadBytes(ctx context.Context, handle string) ([]byte, error)
	// Delete must succeed for handles that no longer exist
	Delete(ctx context.Context, handle string) error
}

// Player plays one audio chunk
type Player interface {
	// Play starts playback and returns once it is under way. Play after Dispose must fail.
	Play() error
	// Finished delivers nil when playback completes, or the playback error
	Finished() <-chan error
	// Dispose stops playback if needed and releases resources. Safe to call more than once.
	Dispose() error
}

// PlayerFactory creates a player for one inbound chunk
type PlayerFactory interface {
	NewPlayer(chunk entities.AudioChunk) (Player, error)
}
