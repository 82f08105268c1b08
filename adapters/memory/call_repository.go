package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/domain/repositories"
)

// CallRepository is an in-memory implementation of repositories.CallRepository
type CallRepository struct {
	mu    sync.RWMutex
	calls map[string]*entities.CallRecord
}

var _ repositories.CallRepository = (*CallRepository)(nil)

// NewCallRepository creates an empty call repository
func NewCallRepository() *CallRepository {
	return &CallRepository{
		calls: make(map[string]*entities.CallRecord),
	}
}

// Create implements repositories.CallRepository
func (r *CallRepository) Create(ctx context.Context, record *entities.CallRecord) error {
	if record == nil {
		return errors.New("call record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[record.ID]; exists {
		return errors.New("call record with this id already exists")
	}
	r.calls[record.ID] = copyRecord(record)
	return nil
}

// GetByID implements repositories.CallRepository
func (r *CallRepository) GetByID(ctx context.Context, id string) (*entities.CallRecord, error) {
	if id == "" {
		return nil, errors.New("call ID cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.calls[id]
	if !exists {
		return nil, repositories.ErrCallNotFound
	}
	return copyRecord(record), nil
}

// ListByWorkspace returns the most recent calls first, at most limit when limit > 0
func (r *CallRepository) ListByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*entities.CallRecord, error) {
	if workspaceID == "" {
		return nil, errors.New("workspace ID cannot be empty")
	}

	r.mu.RLock()
	result := make([]*entities.CallRecord, 0)
	for _, record := range r.calls {
		if record.WorkspaceID == workspaceID {
			result = append(result, copyRecord(record))
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// copyRecord prevents callers from mutating stored records
func copyRecord(record *entities.CallRecord) *entities.CallRecord {
	c := *record
	c.Transcript = entities.CloneTranscript(record.Transcript)
	if record.Stats != nil {
		stats := *record.Stats
		c.Stats = &stats
	}
	return &c
}
