// Package runspace implements the client side of the MS-PSRP runspace pool
// state machine (§2.2.3.4): capability negotiation, pool lifecycle, pipeline
// ownership, fragment framing over an opaque byte transport, the session-key
// exchange, and the routing of inbound messages to pipelines and host-call
// dispatch.
package runspace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/fragment"
	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/pipeline"
	"github.com/smnsjas/go-psremoting/psrpvalue"
)

// Protocol versions advertised in the client's SessionCapability.
const (
	psVersion            = "2.0"
	protocolVersion      = "2.3"
	serializationVersion = "1.1.0.1"
)

// minServerProtocolVersion is the lowest server protocolversion the pool
// accepts during negotiation.
const minServerProtocolVersion = "2.2"

// defaultMaxFragmentPayload bounds outbound fragment payloads, well below
// MaxEnvelopeSize×3/4 minus header overhead for the default envelope size.
const defaultMaxFragmentPayload = 32000

// State aliases the wire-level pool state enum for driver ergonomics.
type State = messages.RunspacePoolStateValue

// Re-exported states drivers switch on.
const (
	StateBeforeOpen   = messages.RunspaceBeforeOpen
	StateOpening      = messages.RunspaceOpening
	StateOpened       = messages.RunspaceOpened
	StateClosed       = messages.RunspaceClosed
	StateClosing      = messages.RunspaceClosing
	StateBroken       = messages.RunspaceBroken
	StateConnecting   = messages.RunspaceConnecting
	StateDisconnected = messages.RunspaceDisconnected
)

// HostHandler answers pool-scoped host calls. A nil handler auto-replies
// with a not-implemented exception for calls that require a reply.
type HostHandler func(callMsg *messages.Message) error

// SecurityEventCallback receives protocol-level security observations
// (key exchange, negotiation downgrades) for audit logging.
type SecurityEventCallback func(event string, details map[string]any)

// Pool is the client-side runspace pool. It owns its pipelines, the
// fragmenter/defragmenter pair, the negotiated session capability, and the
// session-key exchange state. All I/O goes through the transport the driver
// supplies: an io.ReadWriter carrying raw PSRP fragment bytes.
type Pool struct {
	id        uuid.UUID
	transport io.ReadWriter

	// SkipHandshakeSend tells Open not to write the handshake fragments
	// itself: the driver already piggybacked them on the WSMan shell
	// creation request (creationXml).
	SkipHandshakeSend bool

	mu            sync.Mutex
	state         State
	minRunspaces  int32
	maxRunspaces  int32
	threadOptions int32
	apartment     int32
	pipelines     map[uuid.UUID]*pipeline.Pipeline
	capability    *messages.SessionCapabilityBody
	appData       psrpvalue.Value
	hasAppData    bool
	nextObjectID  uint64
	nextCallID    int64
	availability  *availability
	defragmenter  *fragment.Defragmenter
	lastErr       error

	key keyExchange

	events     chan Event
	logger     *slog.Logger
	securityCB SecurityEventCallback
	hostMu     sync.Mutex
	host       HostHandler
}

// New creates a Pool bound to a transport and pool ID. The pool starts in
// BeforeOpen with the single-runspace defaults.
func New(transport io.ReadWriter, id uuid.UUID) *Pool {
	return &Pool{
		id:           id,
		transport:    transport,
		state:        StateBeforeOpen,
		minRunspaces: 1,
		maxRunspaces: 1,
		pipelines:    make(map[uuid.UUID]*pipeline.Pipeline),
		events:       make(chan Event, eventBuffer),
	}
}

// RunspacePoolID returns the pool's wire identity.
func (p *Pool) RunspacePoolID() uuid.UUID { return p.id }

// State returns the pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Events exposes pool-level events (state changes, host calls, user
// events). The channel is buffered; events beyond the buffer are dropped.
func (p *Pool) Events() <-chan Event { return p.events }

// SetTransport swaps the pool's transport, used when a reconnect rebuilds
// the underlying shell connection.
func (p *Pool) SetTransport(t io.ReadWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transport = t
}

// SetMinRunspaces and SetMaxRunspaces adjust the pool size before Open. On
// an opened pool they additionally send the corresponding PSRP message.
func (p *Pool) SetMinRunspaces(ctx context.Context, n int32) error {
	p.mu.Lock()
	p.minRunspaces = n
	opened := p.state == StateOpened
	ci := p.nextCallIDLocked()
	p.mu.Unlock()
	if !opened {
		return nil
	}
	return p.dispatchBody(ctx, messages.NewSetMinRunspacesBody(n, ci), uuid.Nil)
}

func (p *Pool) SetMaxRunspaces(ctx context.Context, n int32) error {
	p.mu.Lock()
	p.maxRunspaces = n
	opened := p.state == StateOpened
	ci := p.nextCallIDLocked()
	p.mu.Unlock()
	if !opened {
		return nil
	}
	return p.dispatchBody(ctx, messages.NewSetMaxRunspacesBody(n, ci), uuid.Nil)
}

// SetSlogLogger attaches a structured logger for protocol breadcrumbs.
func (p *Pool) SetSlogLogger(l *slog.Logger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = l
	return nil
}

// EnableDebugLogging attaches a debug-level stderr logger, the legacy
// PSRP_DEBUG behavior.
func (p *Pool) EnableDebugLogging() {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	_ = p.SetSlogLogger(slog.New(h))
}

// SetSecurityEventCallback registers a sink for security-relevant protocol
// events.
func (p *Pool) SetSecurityEventCallback(cb SecurityEventCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.securityCB = cb
}

// SetHostHandler installs the pool-scoped host-call handler.
func (p *Pool) SetHostHandler(h HostHandler) {
	p.hostMu.Lock()
	defer p.hostMu.Unlock()
	p.host = h
}

// SetMessageID seeds the outbound fragment object-id counter, used when
// resuming a disconnected session whose counter must continue monotonically.
func (p *Pool) SetMessageID(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextObjectID = id
}

// NextObjectID mints the next outbound fragment object id.
func (p *Pool) NextObjectID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextObjectIDLocked()
}

func (p *Pool) nextObjectIDLocked() uint64 {
	id := p.nextObjectID
	p.nextObjectID++
	return id
}

func (p *Pool) nextCallIDLocked() int64 {
	id := p.nextCallID
	p.nextCallID++
	return id
}

func (p *Pool) debugf(msg string, args ...any) {
	p.mu.Lock()
	l := p.logger
	p.mu.Unlock()
	if l != nil {
		l.Debug(msg, args...)
	}
}

func (p *Pool) securityEvent(event string, details map[string]any) {
	p.mu.Lock()
	cb := p.securityCB
	p.mu.Unlock()
	if cb != nil {
		cb(event, details)
	}
}

// hostInfoValue renders the default HostInfo block: a null host, so the
// server routes host UI calls to the client only when the application
// installs a handler.
func hostInfoValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	c.Extended.Set("_isHostNull", psrpvalue.Bool(true))
	c.Extended.Set("_isHostUINull", psrpvalue.Bool(true))
	c.Extended.Set("_isHostRawUINull", psrpvalue.Bool(true))
	c.Extended.Set("_useRunspaceHost", psrpvalue.Bool(true))
	return psrpvalue.Complex(c)
}

// sessionCapabilityBody is the client's negotiation offer.
func sessionCapabilityBody() *messages.SessionCapabilityBody {
	return &messages.SessionCapabilityBody{
		PSVersion:            psVersion,
		ProtocolVersion:      protocolVersion,
		SerializationVersion: serializationVersion,
	}
}

// fragmentMessages encodes and fragments a sequence of messages into one
// contiguous byte string, minting one object id per message.
func (p *Pool) fragmentMessages(msgs ...*messages.Message) ([]byte, error) {
	fr := fragment.NewFragmenter(defaultMaxFragmentPayload)
	var buf bytes.Buffer
	for _, m := range msgs {
		raw, err := messages.Encode(m)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		objectID := p.nextObjectIDLocked()
		p.mu.Unlock()
		frags, err := fr.Fragment(objectID, raw)
		if err != nil {
			return nil, err
		}
		for _, f := range frags {
			buf.Write(f.Marshal())
		}
	}
	return buf.Bytes(), nil
}

// FragmentMessage encodes and fragments one message without writing it to
// the transport, for callers that carry the bytes in their own envelope
// (WSMan Send bodies, Command arguments).
func (p *Pool) FragmentMessage(msg *messages.Message) ([]byte, error) {
	return p.fragmentMessages(msg)
}

// GetHandshakeFragments returns the SessionCapability + InitRunspacePool
// fragments the WSMan driver embeds as creationXml in the shell Create
// request.
func (p *Pool) GetHandshakeFragments() ([]byte, error) {
	p.mu.Lock()
	minR, maxR := p.minRunspaces, p.maxRunspaces
	threadOpts, apartment := p.threadOptions, p.apartment
	p.mu.Unlock()

	capMsg, err := messages.NewMessage(messages.DestinationServer, p.id, uuid.Nil, sessionCapabilityBody())
	if err != nil {
		return nil, fmt.Errorf("runspace: build SessionCapability: %w", err)
	}
	initMsg, err := messages.NewMessage(messages.DestinationServer, p.id, uuid.Nil, &messages.InitRunspacePoolBody{
		MinRunspaces:         minR,
		MaxRunspaces:         maxR,
		ThreadOptions:        threadOpts,
		ApartmentState:       apartment,
		HostInfo:             hostInfoValue(),
		ApplicationArguments: psrpvalue.Nil(),
	})
	if err != nil {
		return nil, fmt.Errorf("runspace: build InitRunspacePool: %w", err)
	}

	if err := p.applyState(StateOpening); err != nil {
		return nil, err
	}
	return p.fragmentMessages(capMsg, initMsg)
}

// GetConnectHandshakeFragments returns the SessionCapability +
// ConnectRunspacePool fragments used when attaching to a disconnected shell
// (WSManConnectShellEx).
func (p *Pool) GetConnectHandshakeFragments() ([]byte, error) {
	p.mu.Lock()
	minR, maxR := p.minRunspaces, p.maxRunspaces
	p.mu.Unlock()

	capMsg, err := messages.NewMessage(messages.DestinationServer, p.id, uuid.Nil, sessionCapabilityBody())
	if err != nil {
		return nil, fmt.Errorf("runspace: build SessionCapability: %w", err)
	}
	connMsg, err := messages.NewMessage(messages.DestinationServer, p.id, uuid.Nil, &messages.ConnectRunspacePoolBody{
		MinRunspaces: minR,
		MaxRunspaces: maxR,
	})
	if err != nil {
		return nil, fmt.Errorf("runspace: build ConnectRunspacePool: %w", err)
	}

	p.mu.Lock()
	p.state = StateConnecting
	p.mu.Unlock()
	return p.fragmentMessages(capMsg, connMsg)
}

// Dispatch encodes, fragments, and writes one message to the pool's
// transport. It satisfies the pipeline package's Pool interface.
func (p *Pool) Dispatch(ctx context.Context, msg *messages.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	t := p.transport
	state := p.state
	p.mu.Unlock()
	if t == nil {
		return fmt.Errorf("runspace: no transport attached")
	}
	if state == StateBroken {
		return ErrBroken
	}
	if state == StateClosed {
		return ErrClosed
	}

	data, err := p.fragmentMessages(msg)
	if err != nil {
		return err
	}
	p.debugf("psrp dispatch", "type", msg.Type.String(), "bytes", len(data))
	if _, err := t.Write(data); err != nil {
		return fmt.Errorf("runspace: write %s: %w", msg.Type, err)
	}
	return nil
}

func (p *Pool) dispatchBody(ctx context.Context, body messages.Body, pipelineID uuid.UUID) error {
	msg, err := messages.NewMessage(messages.DestinationServer, p.id, pipelineID, body)
	if err != nil {
		return err
	}
	return p.Dispatch(ctx, msg)
}

// Open drives the pool from BeforeOpen to Opened: it sends the handshake
// (unless the driver piggybacked it) and consumes inbound data from the
// transport until the server reports RunspacePoolState(Opened).
func (p *Pool) Open(ctx context.Context) error {
	p.mu.Lock()
	skip := p.SkipHandshakeSend
	state := p.state
	p.mu.Unlock()

	if state == StateOpened {
		return nil
	}
	if state == StateClosed || state == StateClosing {
		return ErrClosed
	}
	if state == StateBroken {
		return ErrBroken
	}

	if !skip {
		frags, err := p.GetHandshakeFragments()
		if err != nil {
			return err
		}
		p.mu.Lock()
		t := p.transport
		p.mu.Unlock()
		if t == nil {
			return fmt.Errorf("runspace: no transport attached")
		}
		if _, err := t.Write(frags); err != nil {
			return fmt.Errorf("runspace: send handshake: %w", err)
		}
	}
	p.mu.Lock()
	if p.state == StateBeforeOpen || p.state == StateOpening {
		p.state = messages.RunspaceNegotiationSent
	}
	p.mu.Unlock()

	// Poll the transport until negotiation completes.
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch p.State() {
		case StateOpened:
			return nil
		case StateBroken:
			return p.brokenErr()
		case StateClosed:
			return ErrClosed
		}

		p.mu.Lock()
		t := p.transport
		p.mu.Unlock()
		n, err := t.Read(buf)
		if n > 0 {
			if herr := p.HandleInboundData(buf[:n]); herr != nil {
				return herr
			}
		}
		if err != nil {
			if err == io.EOF {
				continue
			}
			return fmt.Errorf("runspace: read during open: %w", err)
		}
	}
}

func (p *Pool) brokenErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastErr != nil {
		return fmt.Errorf("%w: %v", ErrBroken, p.lastErr)
	}
	return ErrBroken
}

// ResumeOpened marks the pool Opened directly. Used by reconnect flows where
// the driver has already confirmed the server-side pool state out of band.
func (p *Pool) ResumeOpened() {
	p.mu.Lock()
	p.state = StateOpened
	p.mu.Unlock()
	p.emit(Event{Kind: EventStateChanged, PoolState: StateOpened})
}

// Connect drives the ConnectRunspacePool handshake on an already-attached
// transport (same-client Reconnect flows where creationXml was not used).
func (p *Pool) Connect(ctx context.Context) error {
	frags, err := p.GetConnectHandshakeFragments()
	if err != nil {
		return err
	}
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return fmt.Errorf("runspace: no transport attached")
	}
	if _, err := t.Write(frags); err != nil {
		return fmt.Errorf("runspace: send connect handshake: %w", err)
	}
	return p.Open(ctx)
}

// ProcessConnectResponse feeds the server's connect-response PSRP payload
// (RunspacePoolInitData, ApplicationPrivateData, state) into the pool.
func (p *Pool) ProcessConnectResponse(data []byte) error {
	return p.HandleInboundData(data)
}

// CreatePipeline registers a new pipeline for script and returns it. The
// caller invokes it through the driver's transport (WSMan Command or a
// shared-socket dispatch).
func (p *Pool) CreatePipeline(script string) (*pipeline.Pipeline, error) {
	p.mu.Lock()
	if p.state != StateOpened {
		state := p.state
		p.mu.Unlock()
		if state == StateClosed || state == StateClosing {
			return nil, ErrClosed
		}
		if state == StateBroken {
			return nil, ErrBroken
		}
		return nil, ErrNotOpened
	}
	pl := pipeline.New(p, p.id, script)
	p.pipelines[pl.ID()] = pl
	p.mu.Unlock()

	p.emit(Event{Kind: EventPipelineCreated, PipelineID: pl.ID()})
	return pl, nil
}

// FireGetCommandMetadata builds the fragments for a command-metadata query
// (Get-Command over the metadata pipeline). It registers a pipeline to
// receive the results and returns its id plus the encoded fragments the
// driver embeds in a WSMan Command request.
func (p *Pool) FireGetCommandMetadata(names []string, commandTypes int32) (uuid.UUID, []byte, error) {
	p.mu.Lock()
	if p.state != StateOpened {
		p.mu.Unlock()
		return uuid.Nil, nil, ErrNotOpened
	}
	pl := pipeline.NewWithID(p, p.id, uuid.New())
	p.pipelines[pl.ID()] = pl
	p.mu.Unlock()

	msg, err := messages.NewMessage(messages.DestinationServer, p.id, pl.ID(), &messages.GetCommandMetadataBody{
		Names:        names,
		CommandTypes: commandTypes,
	})
	if err != nil {
		p.RemovePipeline(pl.ID())
		return uuid.Nil, nil, fmt.Errorf("runspace: build GetCommandMetadata: %w", err)
	}
	data, err := p.fragmentMessages(msg)
	if err != nil {
		p.RemovePipeline(pl.ID())
		return uuid.Nil, nil, err
	}
	return pl.ID(), data, nil
}

// AdoptPipeline registers an externally constructed pipeline (reconnect
// recovery of a still-running remote pipeline).
func (p *Pool) AdoptPipeline(pl *pipeline.Pipeline) {
	p.mu.Lock()
	p.pipelines[pl.ID()] = pl
	p.mu.Unlock()
}

// RemovePipeline drops a finished pipeline from the registry.
func (p *Pool) RemovePipeline(id uuid.UUID) {
	p.mu.Lock()
	delete(p.pipelines, id)
	p.mu.Unlock()
	p.releaseSlot()
}

// GetActivePipelineIDs lists the pipelines currently registered.
func (p *Pool) GetActivePipelineIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(p.pipelines))
	for id := range p.pipelines {
		ids = append(ids, id)
	}
	return ids
}

// Pipeline returns the registered pipeline with the given id.
func (p *Pool) Pipeline(id uuid.UUID) (*pipeline.Pipeline, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.pipelines[id]
	return pl, ok
}

// Close marks the pool Closing/Closed and fails any live pipelines. The
// driver is responsible for the WSMan shell Delete (or socket close) around
// this call.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateClosing
	pipelines := make([]*pipeline.Pipeline, 0, len(p.pipelines))
	for _, pl := range p.pipelines {
		pipelines = append(pipelines, pl)
	}
	p.state = StateClosed
	p.mu.Unlock()

	for _, pl := range pipelines {
		pl.Fail(ErrClosed)
	}
	p.emit(Event{Kind: EventStateChanged, PoolState: StateClosed})
	return ctx.Err()
}

// Disconnect marks the pool Disconnected locally; the driver has already
// issued the WSMan Disconnect.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	p.state = StateDisconnected
	p.mu.Unlock()
	p.emit(Event{Kind: EventStateChanged, PoolState: StateDisconnected})
}

// markBroken transitions the pool to Broken and records the fatal error.
func (p *Pool) markBroken(err error) {
	p.mu.Lock()
	if p.state == StateBroken || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateBroken
	p.lastErr = err
	pipelines := make([]*pipeline.Pipeline, 0, len(p.pipelines))
	for _, pl := range p.pipelines {
		pipelines = append(pipelines, pl)
	}
	p.mu.Unlock()

	for _, pl := range pipelines {
		pl.Fail(err)
	}
	p.emit(Event{Kind: EventStateChanged, PoolState: StateBroken})
}

func (p *Pool) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.debugf("pool event dropped", "kind", ev.Kind)
	}
}

// protocolVersionAtLeast compares dotted protocol versions numerically.
func protocolVersionAtLeast(got, minimum string) bool {
	gp := strings.Split(got, ".")
	mp := strings.Split(minimum, ".")
	for i := 0; i < len(gp) || i < len(mp); i++ {
		var g, m int
		if i < len(gp) {
			g, _ = strconv.Atoi(gp[i])
		}
		if i < len(mp) {
			m, _ = strconv.Atoi(mp[i])
		}
		if g != m {
			return g > m
		}
	}
	return true
}
