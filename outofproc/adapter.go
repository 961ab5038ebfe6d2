package outofproc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Adapter bridges a packet Transport to the io.ReadWriter the runspace pool
// expects: Read yields the base64-decoded fragment bytes of inbound Data
// packets (acknowledging each), Write sends pool-scoped Data packets, and a
// background read loop answers the Close/Signal handshakes.
type Adapter struct {
	transport *Transport
	poolGUID  uuid.UUID

	readMu   sync.Mutex
	notifyCh chan struct{}
	pending  [][]byte
	closed   bool
	readErr  error

	ctx    context.Context
	cancel context.CancelFunc

	readLoopDone chan struct{}

	handlerMu    sync.RWMutex
	onCommandAck func(psGuid uuid.UUID)
	onCloseAck   func(psGuid uuid.UUID)
	onSignalAck  func(psGuid uuid.UUID)

	readTimeout time.Duration
}

// NewAdapter starts the read loop over transport for the given pool GUID.
func NewAdapter(transport *Transport, poolGUID uuid.UUID) *Adapter {
	return NewAdapterWithTimeout(transport, poolGUID, 0)
}

// NewAdapterWithTimeout is NewAdapter with a per-Read timeout; zero means
// block indefinitely.
func NewAdapterWithTimeout(transport *Transport, poolGUID uuid.UUID, readTimeout time.Duration) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		transport:    transport,
		poolGUID:     poolGUID,
		pending:      make([][]byte, 0, 16),
		notifyCh:     make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		readLoopDone: make(chan struct{}),
		readTimeout:  readTimeout,
	}
	go a.readLoop()
	return a
}

// OnCommandAck registers a callback for CommandAck packets.
func (a *Adapter) OnCommandAck(fn func(psGuid uuid.UUID)) {
	a.handlerMu.Lock()
	a.onCommandAck = fn
	a.handlerMu.Unlock()
}

// OnCloseAck registers a callback for CloseAck packets.
func (a *Adapter) OnCloseAck(fn func(psGuid uuid.UUID)) {
	a.handlerMu.Lock()
	a.onCloseAck = fn
	a.handlerMu.Unlock()
}

// OnSignalAck registers a callback for SignalAck packets.
func (a *Adapter) OnSignalAck(fn func(psGuid uuid.UUID)) {
	a.handlerMu.Lock()
	a.onSignalAck = fn
	a.handlerMu.Unlock()
}

func (a *Adapter) notify() {
	select {
	case a.notifyCh <- struct{}{}:
	default:
	}
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.readLoopDone)
		a.readMu.Lock()
		a.closed = true
		a.readMu.Unlock()
		a.notify()
	}()

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		packet, err := a.transport.ReceivePacket()
		if err != nil {
			a.readMu.Lock()
			a.readErr = err
			a.readMu.Unlock()
			a.notify()
			return
		}

		switch packet.Type {
		case PacketTypeData:
			_ = a.transport.SendDataAck(packet.PSGuid)
			a.readMu.Lock()
			a.pending = append(a.pending, packet.Data)
			a.readMu.Unlock()
			a.notify()
		case PacketTypeCommandAck:
			a.handlerMu.RLock()
			handler := a.onCommandAck
			a.handlerMu.RUnlock()
			if handler != nil {
				handler(packet.PSGuid)
			}
		case PacketTypeCloseAck:
			a.handlerMu.RLock()
			handler := a.onCloseAck
			a.handlerMu.RUnlock()
			if handler != nil {
				handler(packet.PSGuid)
			}
		case PacketTypeSignalAck:
			a.handlerMu.RLock()
			handler := a.onSignalAck
			a.handlerMu.RUnlock()
			if handler != nil {
				handler(packet.PSGuid)
			}
		case PacketTypeClose:
			_ = a.transport.SendCloseAck(packet.PSGuid)
		case PacketTypeSignal:
			_ = a.transport.SendSignalAck(packet.PSGuid)
		}
	}
}

// Read implements io.Reader over the buffered inbound Data payloads.
func (a *Adapter) Read(p []byte) (n int, err error) {
	a.readMu.Lock()
	defer a.readMu.Unlock()

	var deadline time.Time
	if a.readTimeout > 0 {
		deadline = time.Now().Add(a.readTimeout)
	}

	for len(a.pending) == 0 && !a.closed && a.readErr == nil {
		a.readMu.Unlock()

		timer := time.NewTimer(1 * time.Second)
		select {
		case <-a.notifyCh:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		case <-a.ctx.Done():
			timer.Stop()
			a.readMu.Lock()
			return 0, a.ctx.Err()
		}

		a.readMu.Lock()

		if !deadline.IsZero() && time.Now().After(deadline) {
			if len(a.pending) > 0 || a.closed || a.readErr != nil {
				break
			}
			return 0, fmt.Errorf("outofproc: read timeout: no data received in %s", a.readTimeout)
		}
	}

	if len(a.pending) > 0 {
		n = copy(p, a.pending[0])
		if n == len(a.pending[0]) {
			a.pending = a.pending[1:]
		} else {
			a.pending[0] = a.pending[0][n:]
		}
		return n, nil
	}

	if a.readErr != nil {
		return 0, a.readErr
	}
	if a.closed {
		return 0, io.EOF
	}
	return 0, nil
}

// Write implements io.Writer, sending pool-scoped Data packets.
func (a *Adapter) Write(p []byte) (int, error) {
	if err := a.transport.SendData(NullGUID, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SendCommand announces a new pipeline to the server host.
func (a *Adapter) SendCommand(pipelineGUID uuid.UUID) error {
	return a.transport.SendCommand(pipelineGUID)
}

// SendPipelineData transmits fragment bytes scoped to one pipeline.
func (a *Adapter) SendPipelineData(pipelineGUID uuid.UUID, data []byte) error {
	return a.transport.SendData(pipelineGUID, data)
}

// SendSignal requests a pipeline stop.
func (a *Adapter) SendSignal(pipelineGUID uuid.UUID) error {
	return a.transport.SendSignal(pipelineGUID)
}

// Close sends the pool-scoped Close packet and stops the read loop.
func (a *Adapter) Close() {
	_ = a.transport.SendClose(a.poolGUID)
	a.cancel()
	select {
	case <-a.readLoopDone:
	case <-time.After(300 * time.Millisecond):
	}
}
