package runspace

import (
	"errors"
	"fmt"

	"github.com/smnsjas/go-psremoting/messages"
)

// Errors for pool operations.
var (
	// ErrClosed is returned when an operation targets a pool that has been
	// closed.
	ErrClosed = errors.New("runspace: pool closed")

	// ErrBroken is returned when an operation targets a pool that entered
	// the Broken state after a fatal protocol error.
	ErrBroken = errors.New("runspace: pool broken")

	// ErrNotOpened is returned when an operation requires an Opened pool.
	ErrNotOpened = errors.New("runspace: pool not opened")
)

// InvalidStateError reports a state-machine violation: an inbound message or
// local operation that has no legal edge from the current state. Fatal for
// the pool.
type InvalidStateError struct {
	From messages.RunspacePoolStateValue
	To   messages.RunspacePoolStateValue
	Msg  string
}

func (e *InvalidStateError) Error() string {
	if e.Msg != "" {
		return "runspace: invalid state: " + e.Msg
	}
	return fmt.Sprintf("runspace: invalid state transition %s -> %s", e.From, e.To)
}

// InvalidMessageError reports malformed PSRP payloads or out-of-range enum
// values. Fatal for the pool.
type InvalidMessageError struct {
	Type messages.MessageType
	Err  error
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("runspace: invalid %s message: %v", e.Type, e.Err)
}

func (e *InvalidMessageError) Unwrap() error { return e.Err }
