package repositories

import (
	"context"
	"errors"

	"github.com/alexlevy0/mycompanion/domain/entities"
)

// KeyValueStore is the application's observable state store
type KeyValueStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
	// Subscribe returns a channel receiving every new value of key and a cancel func.
	// Slow subscribers miss intermediate values.
	Subscribe(key string) (<-chan string, func())
}

// ErrCallNotFound is returned when no call record matches the id
var ErrCallNotFound = errors.New("call not found")

// CallRepository defines data access methods for call history
type CallRepository interface {
	Create(ctx context.Context, record *entities.CallRecord) error
	GetByID(ctx context.Context, id string) (*entities.CallRecord, error)
	ListByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*entities.CallRecord, error)
}
