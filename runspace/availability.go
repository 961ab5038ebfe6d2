package runspace

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/messages"
)

// availability gates concurrent pipeline dispatch on shared-transport
// backends: at most maxRunspaces pipelines run at once, and the server's
// GetAvailableRunspaces answer is tracked for utilization reporting.
type availability struct {
	mu       sync.Mutex
	slots    chan struct{}
	total    int32
	reported int64
}

func newAvailability(total int32) *availability {
	if total < 1 {
		total = 1
	}
	a := &availability{
		slots: make(chan struct{}, total),
		total: total,
	}
	for i := int32(0); i < total; i++ {
		a.slots <- struct{}{}
	}
	return a
}

func (a *availability) setReported(n int64) {
	a.mu.Lock()
	a.reported = n
	a.mu.Unlock()
}

// InitializeAvailabilityIfNeeded sets up the pipeline slot gate sized to
// MaxRunspaces. Idempotent; backends that multiplex one transport call it
// after the pool opens.
func (p *Pool) InitializeAvailabilityIfNeeded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.availability == nil {
		p.availability = newAvailability(p.maxRunspaces)
	}
}

// WaitForAvailability blocks until a pipeline slot is free. A no-op when the
// gate was never initialized (WSMan backends, which get per-command flow
// control from the server).
func (p *Pool) WaitForAvailability(ctx context.Context) error {
	p.mu.Lock()
	a := p.availability
	p.mu.Unlock()
	if a == nil {
		return nil
	}
	select {
	case <-a.slots:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseSlot returns a pipeline slot when a pipeline reaches a terminal
// state.
func (p *Pool) releaseSlot() {
	p.mu.Lock()
	a := p.availability
	p.mu.Unlock()
	if a == nil {
		return
	}
	select {
	case a.slots <- struct{}{}:
	default:
	}
}

// RunspaceUtilization reports pipelines in flight versus the pool maximum.
func (p *Pool) RunspaceUtilization() (inUse, total int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total = p.maxRunspaces
	if p.availability != nil {
		inUse = p.availability.total - int32(len(p.availability.slots))
		return inUse, p.availability.total
	}
	inUse = int32(len(p.pipelines))
	return inUse, total
}

// AvailableRunspaces returns the count the server last reported for
// GetAvailableRunspaces, or -1 when it never answered.
func (p *Pool) AvailableRunspaces() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.availability == nil || p.availability.reported == 0 {
		return -1
	}
	return p.availability.reported
}

// SendGetAvailableRunspaces asks the server for its current availability;
// the answer arrives as a RunspaceAvailability message.
func (p *Pool) SendGetAvailableRunspaces(ctx context.Context) error {
	p.mu.Lock()
	ci := p.nextCallIDLocked()
	p.mu.Unlock()
	return p.dispatchBody(ctx, messages.NewGetAvailableRunspacesBody(ci), uuid.Nil)
}
