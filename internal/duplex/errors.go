package duplex

import (
	"errors"
	"fmt"

	"github.com/alexlevy0/mycompanion/domain/entities"
)

var (
	// ErrAuthentication means no usable credential could be resolved; no socket was opened
	ErrAuthentication = errors.New("authentication failed")
	// ErrNotConnected is returned by send operations while the socket is not open
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidSessionMode is returned for a mode outside vocal, chatbot and custom
	ErrInvalidSessionMode = entities.ErrInvalidSessionMode
	// ErrSessionInProgress is returned when a call is already connecting or active
	ErrSessionInProgress = errors.New("session already in progress")
	// ErrHandshakeTimeout is reported when sessionStarted does not arrive in time
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

// ServerError is an error reported by the backend with {type:"error"}
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// TransportError wraps a socket failure that ended the session
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
