package memory

import (
	"sync"

	"github.com/alexlevy0/mycompanion/domain/repositories"
)

const subscriberBuffer = 8

// Store is an in-memory observable key-value store
type Store struct {
	mu     sync.RWMutex
	values map[string]string
	subs   map[string]map[int]chan string
	nextID int
}

var _ repositories.KeyValueStore = (*Store)(nil)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		values: make(map[string]string),
		subs:   make(map[string]map[int]chan string),
	}
}

// Get returns the value stored under key
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.values[key]
	return value, exists
}

// Set stores value and notifies the key's subscribers
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	s.broadcast(key, value)
}

// Delete removes key; subscribers receive an empty value
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.values[key]; !exists {
		return
	}
	delete(s.values, key)
	s.broadcast(key, "")
}

// Subscribe implements repositories.KeyValueStore. The returned channel is closed
// by the cancel func.
func (s *Store) Subscribe(key string) (<-chan string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	ch := make(chan string, subscriberBuffer)
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]chan string)
	}
	s.subs[key][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[key], id)
			if len(s.subs[key]) == 0 {
				delete(s.subs, key)
			}
			close(ch)
		})
	}
}

// broadcast must be called with s.mu held
func (s *Store) broadcast(key, value string) {
	for _, ch := range s.subs[key] {
		select {
		case ch <- value:
		default:
			// drop the oldest value so the subscriber ends up with the latest one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- value:
			default:
			}
		}
	}
}
