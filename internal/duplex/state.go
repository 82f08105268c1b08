package duplex

import (
	"errors"
	"sync"
)

// State is the primary state of a call
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
)

// EventType enumerates the inputs of the state machine
type EventType int

const (
	EventStart EventType = iota
	EventSessionStarted
	EventTeardown
	EventUserSpeechStart
	EventUserSpeechEnd
	EventModelSpeechOn
	EventModelSpeechOff
	EventToggleMute
	EventAudioLevel
)

func (e EventType) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventSessionStarted:
		return "sessionStarted"
	case EventTeardown:
		return "teardown"
	case EventUserSpeechStart:
		return "userSpeechStart"
	case EventUserSpeechEnd:
		return "userSpeechEnd"
	case EventModelSpeechOn:
		return "modelSpeechOn"
	case EventModelSpeechOff:
		return "modelSpeechOff"
	case EventToggleMute:
		return "toggleMute"
	case EventAudioLevel:
		return "audioLevel"
	}
	return "unknown"
}

// Event is one input to the state machine. Level is only read for EventAudioLevel.
type Event struct {
	Type  EventType
	Level float64
}

// Snapshot is the externally visible state of a call
type Snapshot struct {
	State           State   `json:"state"`
	IsLoading       bool    `json:"isLoading"`
	IsConnected     bool    `json:"isConnected"`
	IsUserSpeaking  bool    `json:"isUserSpeaking"`
	IsModelSpeaking bool    `json:"isModelSpeaking"`
	IsMicMuted      bool    `json:"isMicMuted"`
	AudioLevel      float64 `json:"audioLevel"`
}

var idleSnapshot = Snapshot{State: StateIdle}

var errUnexpectedSessionStarted = errors.New("sessionStarted received outside of handshake")

// Transition computes the state after ev. Flag events are ignored while idle so
// late signals from a torn down call cannot leak into the reset state.
func Transition(s Snapshot, ev Event) (Snapshot, error) {
	switch ev.Type {
	case EventStart:
		if s.State != StateIdle {
			return s, ErrSessionInProgress
		}
		next := idleSnapshot
		next.State = StateConnecting
		return derive(next), nil
	case EventSessionStarted:
		if s.State != StateConnecting {
			return s, errUnexpectedSessionStarted
		}
		s.State = StateActive
		return derive(s), nil
	case EventTeardown:
		return derive(idleSnapshot), nil
	}

	if s.State == StateIdle {
		return s, nil
	}

	switch ev.Type {
	case EventUserSpeechStart:
		s.IsUserSpeaking = true
	case EventUserSpeechEnd:
		s.IsUserSpeaking = false
	case EventModelSpeechOn:
		s.IsModelSpeaking = true
	case EventModelSpeechOff:
		s.IsModelSpeaking = false
	case EventToggleMute:
		s.IsMicMuted = !s.IsMicMuted
	case EventAudioLevel:
		s.AudioLevel = clamp01(ev.Level)
	}
	return s, nil
}

func derive(s Snapshot) Snapshot {
	s.IsLoading = s.State == StateConnecting
	s.IsConnected = s.State == StateActive
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NormalizeLevel maps a dBFS meter reading onto 0..1
func NormalizeLevel(db float64) float64 {
	return clamp01(1 + db/160)
}

// Machine serialises every state mutation through Transition
type Machine struct {
	mu       sync.Mutex
	snapshot Snapshot
	onChange func(Snapshot)
}

// NewMachine creates an idle machine. onChange runs under the machine lock on every
// change and must not block or call back into the machine.
func NewMachine(onChange func(Snapshot)) *Machine {
	return &Machine{
		snapshot: derive(idleSnapshot),
		onChange: onChange,
	}
}

// Apply feeds one event into the machine and returns the resulting snapshot
func (m *Machine) Apply(ev Event) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := Transition(m.snapshot, ev)
	if err != nil {
		return m.snapshot, err
	}
	if next != m.snapshot {
		m.snapshot = next
		if m.onChange != nil {
			m.onChange(next)
		}
	}
	return next, nil
}

// Snapshot returns the current state
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}
