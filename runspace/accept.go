package runspace

import (
	"context"
	"fmt"
	"io"

	"github.com/smnsjas/go-psremoting/fragment"
	"github.com/smnsjas/go-psremoting/host"
	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/psrpvalue"
)

// defrag lazily builds the pool's defragmenter. One instance lives for the
// pool's lifetime; object-id assembly state spans Receive responses.
func (p *Pool) defrag() *fragment.Defragmenter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.defragmenter == nil {
		p.defragmenter = fragment.NewDefragmenter()
	}
	return p.defragmenter
}

// HandleInboundData feeds raw fragment bytes (already base64-decoded from
// rsp:Stream elements, or read straight off a socket) through the
// defragmenter and routes every completed PSRP message. Messages are
// processed in stream order. A fragment or codec error breaks the pool.
func (p *Pool) HandleInboundData(data []byte) error {
	completed, err := p.defrag().Feed(data)
	if err != nil {
		p.markBroken(err)
		return err
	}
	for _, raw := range completed {
		msg, err := messages.Decode(raw)
		if err != nil {
			err = &InvalidMessageError{Err: err}
			p.markBroken(err)
			return err
		}
		if err := p.HandleInboundMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

// HandleInboundMessage applies one decoded PSRP message to the pool state
// machine, per the MS-PSRP client rules: negotiation and pool-control
// messages mutate the pool; pipeline-scoped messages route to the owning
// pipeline; host calls surface as events (with an auto-reply fallback).
func (p *Pool) HandleInboundMessage(msg *messages.Message) error {
	p.debugf("psrp inbound", "type", msg.Type.String(), "pipeline", msg.PipelineID.String())

	switch msg.Type {
	case messages.SessionCapability:
		return p.handleSessionCapability(msg)
	case messages.ApplicationPrivateData:
		v, err := msg.Value()
		if err != nil {
			return p.invalidMessage(msg, err)
		}
		p.mu.Lock()
		p.appData = v
		p.hasAppData = true
		p.mu.Unlock()
		return nil
	case messages.RunspacePoolInitData:
		// Carried on Connect responses; the interesting fields (min/max)
		// were chosen by this client already, so it is recorded verbatim.
		v, err := msg.Value()
		if err != nil {
			return p.invalidMessage(msg, err)
		}
		p.mu.Lock()
		p.appData = v
		p.mu.Unlock()
		return nil
	case messages.RunspacePoolState:
		return p.handlePoolState(msg)
	case messages.RunspaceAvailability:
		return p.handleAvailability(msg)
	case messages.RunspacePoolHostCall:
		_, err := p.handleHostCall(msg, host.ScopeRunspacePool)
		return err
	case messages.UserEvent:
		p.emit(Event{Kind: EventUserEvent, Message: msg})
		return nil
	case messages.PublicKeyRequest:
		return p.handlePublicKeyRequest(msg)
	case messages.EncryptedSessionKey:
		return p.handleEncryptedSessionKey(msg)
	case messages.PipelineHostCall:
		handled, err := p.handleHostCall(msg, host.ScopePipeline)
		if err != nil || handled {
			return err
		}
		return p.routeToPipeline(msg)
	case messages.PipelineOutput, messages.PipelineState,
		messages.ErrorRecord, messages.WarningRecord, messages.VerboseRecord,
		messages.DebugRecord, messages.ProgressRecord, messages.InformationRecord:
		return p.routeToPipeline(msg)
	default:
		// Unknown message types are ignored for forward compatibility.
		p.debugf("psrp inbound ignored", "type", msg.Type.String())
		return nil
	}
}

func (p *Pool) invalidMessage(msg *messages.Message, err error) error {
	e := &InvalidMessageError{Type: msg.Type, Err: err}
	p.markBroken(e)
	return e
}

func (p *Pool) handleSessionCapability(msg *messages.Message) error {
	var body messages.SessionCapabilityBody
	if err := messages.DecodeBody(msg, &body); err != nil {
		return p.invalidMessage(msg, err)
	}
	if !protocolVersionAtLeast(body.ProtocolVersion, minServerProtocolVersion) {
		err := p.invalidMessage(msg, fmt.Errorf("server protocolversion %s below supported minimum %s",
			body.ProtocolVersion, minServerProtocolVersion))
		p.securityEvent("negotiation_rejected", map[string]any{
			"subtype":         "protocol_version",
			"server_version":  body.ProtocolVersion,
			"minimum_version": minServerProtocolVersion,
		})
		return err
	}

	p.mu.Lock()
	p.capability = &body
	if p.state == messages.RunspaceNegotiationSent || p.state == StateOpening {
		p.state = messages.RunspaceNegotiationSucceeded
	}
	p.mu.Unlock()
	return nil
}

// poolStateEdges defines the legal transitions driven by inbound
// RunspacePoolState messages. Broken is reachable from every non-terminal
// state and is special-cased.
var poolStateEdges = map[State][]State{
	StateBeforeOpen:                       {StateOpening},
	StateOpening:                          {messages.RunspaceNegotiationSent},
	messages.RunspaceNegotiationSent:      {messages.RunspaceNegotiationSucceeded, StateOpened},
	messages.RunspaceNegotiationSucceeded: {StateOpened},
	StateOpened:                           {StateClosing, StateClosed, StateDisconnected},
	StateClosing:                          {StateClosed},
	StateDisconnected:                     {StateConnecting, StateClosed},
	StateConnecting:                       {StateOpened},
}

func (p *Pool) applyState(next State) error {
	p.mu.Lock()
	cur := p.state
	if cur == next {
		p.mu.Unlock()
		return nil
	}
	if next == StateBroken {
		p.mu.Unlock()
		p.markBroken(fmt.Errorf("runspace: server reported pool broken"))
		return nil
	}
	allowed := false
	for _, s := range poolStateEdges[cur] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		p.mu.Unlock()
		err := &InvalidStateError{From: cur, To: next}
		p.markBroken(err)
		return err
	}
	p.state = next
	p.mu.Unlock()
	p.emit(Event{Kind: EventStateChanged, PoolState: next})
	return nil
}

func (p *Pool) handlePoolState(msg *messages.Message) error {
	var body messages.RunspacePoolStateBody
	if err := messages.DecodeBody(msg, &body); err != nil {
		return p.invalidMessage(msg, err)
	}
	switch body.State {
	case StateOpened, StateClosed, StateBroken, StateDisconnected:
	default:
		return p.invalidMessage(msg, fmt.Errorf("unexpected server pool state %d", int32(body.State)))
	}
	if body.State == StateBroken && body.HasError {
		p.markBroken(fmt.Errorf("runspace: server error: %s", describeValue(body.ErrorRecord)))
		return nil
	}
	return p.applyState(body.State)
}

func (p *Pool) handleAvailability(msg *messages.Message) error {
	var body messages.RunspaceAvailabilityBody
	if err := messages.DecodeBody(msg, &body); err != nil {
		return p.invalidMessage(msg, err)
	}
	if body.AvailableRunspaces > 0 {
		p.mu.Lock()
		if p.availability != nil {
			p.availability.setReported(body.AvailableRunspaces)
		}
		p.mu.Unlock()
	}
	return nil
}

// handleHostCall decodes the call and surfaces it as an event. The installed
// handler consumes the call when present (handled=true); otherwise
// pool-scoped calls that require a reply get a not-implemented exception,
// and pipeline-scoped calls fall through to the owning pipeline's auto-reply.
func (p *Pool) handleHostCall(msg *messages.Message, scope host.Scope) (handled bool, err error) {
	var body messages.HostCallBody
	if err := messages.DecodeBody(msg, &body); err != nil {
		return false, p.invalidMessage(msg, err)
	}
	call := host.FromBody(&body, scope, msg.PipelineID)
	p.emit(Event{Kind: EventHostCall, PipelineID: msg.PipelineID, HostCall: &call, Message: msg})

	p.hostMu.Lock()
	handler := p.host
	p.hostMu.Unlock()
	if handler != nil {
		return true, handler(msg)
	}
	if scope == host.ScopePipeline {
		// The owning pipeline's auto-reply handles it in routeToPipeline.
		return false, nil
	}
	if !call.ShouldReply() {
		return true, nil
	}
	resp, err := host.BuildResponse(call, host.SendException(
		psrpvalue.String(fmt.Sprintf("host method %s not implemented", call.MethodName))))
	if err != nil {
		return true, err
	}
	return true, p.dispatchBody(context.Background(), resp.ForRunspacePool(), msg.PipelineID)
}

func (p *Pool) routeToPipeline(msg *messages.Message) error {
	p.mu.Lock()
	pl, ok := p.pipelines[msg.PipelineID]
	p.mu.Unlock()
	if !ok {
		p.debugf("message for unknown pipeline", "pipeline", msg.PipelineID.String(), "type", msg.Type.String())
		return nil
	}
	if err := pl.HandleMessage(msg); err != nil {
		return err
	}
	if msg.Type == messages.PipelineState {
		var body messages.PipelineStateBody
		if err := messages.DecodeBody(msg, &body); err == nil && body.State.Terminal() {
			p.releaseSlot()
		}
	}
	return nil
}

// StartDispatchLoop starts a goroutine that continuously reads the pool's
// shared transport and routes inbound messages. Used by socket-style
// backends (HvSocket) where all pipelines share one transport; the WSMan
// backend instead runs per-command receive loops in the driver.
func (p *Pool) StartDispatchLoop(ctx context.Context) {
	go func() {
		buf := make([]byte, 64*1024)
		for {
			if ctx.Err() != nil {
				return
			}
			p.mu.Lock()
			t := p.transport
			p.mu.Unlock()
			if t == nil {
				return
			}
			n, err := t.Read(buf)
			if n > 0 {
				if herr := p.HandleInboundData(buf[:n]); herr != nil {
					p.debugf("dispatch loop stopped", "error", herr)
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					p.markBroken(fmt.Errorf("runspace: transport read: %w", err))
				}
				return
			}
		}
	}()
}

func describeValue(v psrpvalue.Value) string {
	if c, err := v.AsComplex(); err == nil && c != nil && c.HasToString {
		return c.ToString
	}
	if s, err := v.AsString(); err == nil {
		return s
	}
	return v.Kind.String()
}
