package transport

import (
	"errors"
	"fmt"
)

// Transport errors
var (
	ErrTransport        = errors.New("transport failed")
	ErrNilPayload       = errors.New("payload is nil")
	ErrManagerClosed    = errors.New("connection manager is closed")
	ErrAlreadyStarted   = errors.New("connection manager already started")
	ErrNoRegistry       = errors.New("connection manager has no entity registry")
	ErrUnknownKind      = errors.New("unknown reliable transport kind")
	ErrDatagramTooLarge = errors.New("frame does not fit in a datagram")
)

// TransportError wraps a socket failure with the operation and peer it
// happened on. It is what callers of the send operations see.
type TransportError struct {
	Op        string // dial, write, read, listen
	Transport string
	Addr      string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Transport, e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}
