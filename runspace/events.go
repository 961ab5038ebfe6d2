package runspace

import (
	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/host"
	"github.com/smnsjas/go-psremoting/messages"
)

// EventKind discriminates the pool-level events surfaced to drivers.
type EventKind int

const (
	// EventStateChanged fires on every RunspacePoolState transition.
	EventStateChanged EventKind = iota

	// EventHostCall fires for RunspacePoolHostCall and PipelineHostCall
	// messages; Event.HostCall carries the decoded call.
	EventHostCall

	// EventUserEvent fires for server-forwarded engine events
	// (Register-EngineEvent); Event.Message carries the raw message.
	EventUserEvent

	// EventSessionKeyEstablished fires once the EncryptedSessionKey
	// exchange completes and secure strings become decryptable.
	EventSessionKeyEstablished

	// EventPipelineCreated fires when a pipeline is registered with the
	// pool.
	EventPipelineCreated
)

// Event is one pool-level occurrence a driver may react to. Pipeline output
// and records flow through the owning Pipeline's stream channels instead.
type Event struct {
	Kind       EventKind
	PoolState  messages.RunspacePoolStateValue
	PipelineID uuid.UUID
	HostCall   *host.Call
	Message    *messages.Message
}

// eventBuffer bounds the pool event channel; events beyond it are dropped
// rather than blocking the receive loop.
const eventBuffer = 64
