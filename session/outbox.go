package session

import (
	"io"
	"sync"
)

// Outbox is the byte sink the transducer layer hands to the runspace pool
// as its "transport": every Write collects one contiguous run of outbound
// PSRP fragments, which the session later wraps into WS-Management Send
// requests. Read always reports EOF; inbound data reaches the pool through
// HandleInboundData instead.
type Outbox struct {
	mu     sync.Mutex
	chunks [][]byte
}

// NewOutbox returns an empty Outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Write implements io.Writer, queuing a copy of p.
func (o *Outbox) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	o.mu.Lock()
	o.chunks = append(o.chunks, buf)
	o.mu.Unlock()
	return len(p), nil
}

// Read implements io.Reader and always reports EOF.
func (o *Outbox) Read([]byte) (int, error) {
	return 0, io.EOF
}

// Drain removes and returns all queued chunks in write order.
func (o *Outbox) Drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	chunks := o.chunks
	o.chunks = nil
	return chunks
}
