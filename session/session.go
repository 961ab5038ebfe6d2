// Package session implements the ActiveSession orchestrator: the pure
// transducer that translates user operations and transport responses into
// the next HTTP request or user-facing event. It owns the runspace pool and
// the WS-Management request builder; drivers own the I/O and the scheduling.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/auth"
	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/pipeline"
	"github.com/smnsjas/go-psremoting/psrpvalue"
	"github.com/smnsjas/go-psremoting/runspace"
	"github.com/smnsjas/go-psremoting/wsman"
	"github.com/smnsjas/go-psremoting/wsman/transport"
)

// PipelineHandle is the copy-by-value pipeline identifier handed to users.
// All mutation flows through the owning ActiveSession.
type PipelineHandle struct {
	ID uuid.UUID
}

// UserOperation is a client-initiated session operation.
type UserOperation struct {
	// Exactly one of the following is set.
	CreatePipeline *CreatePipelineOp
	SendInput      *SendInputOp
	Stop           *StopOp
	Close          bool
}

// CreatePipelineOp starts a new pipeline running script.
type CreatePipelineOp struct {
	Script string
}

// SendInputOp feeds one input value into a running pipeline; End closes the
// input stream afterwards.
type SendInputOp struct {
	Pipeline PipelineHandle
	Value    psrpvalue.Value
	End      bool
}

// StopOp requests a Ctrl-C stop of a running pipeline.
type StopOp struct {
	Pipeline PipelineHandle
}

// ResultKind discriminates StepResult. The declared order is the delivery
// priority: drivers drain outbound work before surfacing events.
type ResultKind int

const (
	KindSendBack ResultKind = iota
	KindPipelineCreated
	KindError
	KindUserEvent
)

// StepResult is one output of an accept call.
type StepResult struct {
	Kind ResultKind

	// Request is set for KindSendBack.
	Request *transport.Request

	// Handle is set for KindPipelineCreated.
	Handle PipelineHandle

	// Event is set for KindUserEvent.
	Event UserEvent

	// Err is set for KindError.
	Err error
}

// Priority orders results for drivers that drain outbound work first:
// SendBack < PipelineCreated < Error < UserEvent.
func (r StepResult) Priority() int { return int(r.Kind) }

// UserEvent is a server-driven occurrence surfaced to the application.
type UserEvent struct {
	// Pool-level events forward the runspace event verbatim.
	Pool *runspace.Event

	// Pipeline stream deliveries.
	PipelineID uuid.UUID
	Stream     StreamKind
	Message    *messages.Message

	// Terminal pipeline state, when Stream == StreamState.
	PipelineState messages.PipelineStateValue
}

// StreamKind names the pipeline stream a message arrived on.
type StreamKind int

const (
	StreamNone StreamKind = iota
	StreamOutput
	StreamError
	StreamWarning
	StreamVerbose
	StreamDebug
	StreamProgress
	StreamInformation
	StreamState
)

// ActiveSession is the post-handshake orchestrator. It is not safe for
// concurrent use; drivers serialize calls to the two accept methods.
type ActiveSession struct {
	pool    *runspace.Pool
	builder *wsman.RequestBuilder
	engine  *auth.Engine
	epr     *wsman.EndpointReference
	outbox  *Outbox

	// commandIDs maps a pipeline to the WSMan CommandId carrying it.
	commandIDs map[uuid.UUID]string
	closed     bool
}

// NewActiveSession assembles a session around an opened pool. The outbox
// must be the same sink the pool dispatches to.
func NewActiveSession(pool *runspace.Pool, builder *wsman.RequestBuilder, engine *auth.Engine, epr *wsman.EndpointReference, outbox *Outbox) *ActiveSession {
	return &ActiveSession{
		pool:       pool,
		builder:    builder,
		engine:     engine,
		epr:        epr,
		outbox:     outbox,
		commandIDs: make(map[uuid.UUID]string),
	}
}

// Pool exposes the owned runspace pool (read-only use: state, key exchange,
// secure strings).
func (s *ActiveSession) Pool() *runspace.Pool { return s.pool }

// AcceptClientOperation translates op into step results, sorted by priority.
func (s *ActiveSession) AcceptClientOperation(op UserOperation) ([]StepResult, error) {
	if s.closed {
		return nil, runspace.ErrClosed
	}

	var results []StepResult
	switch {
	case op.CreatePipeline != nil:
		res, err := s.createPipeline(op.CreatePipeline.Script)
		if err != nil {
			return nil, err
		}
		results = append(results, res...)
	case op.SendInput != nil:
		res, err := s.sendInput(op.SendInput)
		if err != nil {
			return nil, err
		}
		results = append(results, res...)
	case op.Stop != nil:
		res, err := s.stop(op.Stop.Pipeline)
		if err != nil {
			return nil, err
		}
		results = append(results, res...)
	case op.Close:
		req, err := s.builder.Delete(s.epr)
		if err != nil {
			return nil, err
		}
		s.closed = true
		_ = s.pool.Close(context.Background())
		results = append(results, StepResult{Kind: KindSendBack, Request: req})
	default:
		return nil, fmt.Errorf("session: empty user operation")
	}

	results = append(results, s.drainPool()...)
	sortResults(results)
	return results, nil
}

func (s *ActiveSession) createPipeline(script string) ([]StepResult, error) {
	pl, err := s.pool.CreatePipeline(script)
	if err != nil {
		return nil, err
	}
	data, err := pl.GetCreatePipelineDataWithID(s.pool.NextObjectID())
	if err != nil {
		return nil, err
	}
	commandID := strings.ToUpper(pl.ID().String())
	req, err := s.builder.Command(s.epr, commandID, base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return nil, err
	}
	pl.SkipInvokeSend()
	if err := pl.Invoke(context.Background()); err != nil {
		return nil, err
	}
	s.commandIDs[pl.ID()] = commandID

	return []StepResult{
		{Kind: KindSendBack, Request: req},
		{Kind: KindPipelineCreated, Handle: PipelineHandle{ID: pl.ID()}},
	}, nil
}

func (s *ActiveSession) sendInput(op *SendInputOp) ([]StepResult, error) {
	commandID, ok := s.commandIDs[op.Pipeline.ID]
	if !ok {
		return nil, fmt.Errorf("session: unknown pipeline %s", op.Pipeline.ID)
	}

	msgs := []*messages.Message{}
	inputMsg, err := messages.NewMessage(messages.DestinationServer, s.pool.RunspacePoolID(), op.Pipeline.ID,
		&messages.PipelineInputBody{Data: op.Value})
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, inputMsg)
	if op.End {
		endMsg, err := messages.NewMessage(messages.DestinationServer, s.pool.RunspacePoolID(), op.Pipeline.ID,
			&messages.EndOfPipelineInputBody{})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, endMsg)
	}

	var results []StepResult
	for _, m := range msgs {
		data, err := s.pool.FragmentMessage(m)
		if err != nil {
			return nil, err
		}
		req, err := s.builder.Send(s.epr, commandID, "stdin", data)
		if err != nil {
			return nil, err
		}
		results = append(results, StepResult{Kind: KindSendBack, Request: req})
	}
	return results, nil
}

func (s *ActiveSession) stop(h PipelineHandle) ([]StepResult, error) {
	commandID, ok := s.commandIDs[h.ID]
	if !ok {
		return nil, fmt.Errorf("session: unknown pipeline %s", h.ID)
	}
	req, err := s.builder.Signal(s.epr, commandID, wsman.SignalPSCtrlC)
	if err != nil {
		return nil, err
	}
	if pl, ok := s.pool.Pipeline(h.ID); ok {
		pl.Cancel()
	}
	return []StepResult{{Kind: KindSendBack, Request: req}}, nil
}

// AcceptServerResponse folds a transport response into the session: SOAP
// faults become errors, receive payloads mutate the pool and surface
// events, and any outbound work the pool produced (host-call replies, key
// exchange) comes back as SendBack requests.
func (s *ActiveSession) AcceptServerResponse(resp *transport.Response) ([]StepResult, error) {
	contentType, _ := resp.Header("Content-Type")
	body, err := s.engine.UnwrapBody(resp.Body, contentType)
	if err != nil {
		return nil, err
	}

	var results []StepResult
	if err := wsman.CheckFault(body); err != nil {
		results = append(results, StepResult{Kind: KindError, Err: err})
		results = append(results, s.drainPool()...)
		sortResults(results)
		return results, nil
	}

	if strings.Contains(string(body), "ReceiveResponse") {
		out, err := wsman.ParseReceiveResponse(body)
		if err != nil {
			return nil, err
		}
		if data := out.Concat(); len(data) > 0 {
			if err := s.pool.HandleInboundData(data); err != nil {
				results = append(results, StepResult{Kind: KindError, Err: err})
			}
		}
	}

	results = append(results, s.drainEvents()...)
	results = append(results, s.drainPool()...)
	sortResults(results)
	return results, nil
}

// ReceiveRequest builds the next receive poll for the shell (or a specific
// pipeline's command).
func (s *ActiveSession) ReceiveRequest(h *PipelineHandle) (*transport.Request, error) {
	commandID := ""
	if h != nil {
		commandID = s.commandIDs[h.ID]
	}
	return s.builder.Receive(s.epr, commandID)
}

// drainPool wraps queued outbound fragment runs into Send requests.
func (s *ActiveSession) drainPool() []StepResult {
	var results []StepResult
	for _, chunk := range s.outbox.Drain() {
		req, err := s.builder.Send(s.epr, "", "stdin", chunk)
		if err != nil {
			results = append(results, StepResult{Kind: KindError, Err: err})
			continue
		}
		results = append(results, StepResult{Kind: KindSendBack, Request: req})
	}
	return results
}

// drainEvents converts buffered pool events and pipeline stream deliveries
// into user events.
func (s *ActiveSession) drainEvents() []StepResult {
	var results []StepResult
	for {
		select {
		case ev := <-s.pool.Events():
			poolEv := ev
			results = append(results, StepResult{Kind: KindUserEvent, Event: UserEvent{Pool: &poolEv}})
		default:
			goto pipelines
		}
	}
pipelines:
	for _, id := range s.pool.GetActivePipelineIDs() {
		pl, ok := s.pool.Pipeline(id)
		if !ok {
			continue
		}
		results = append(results, drainPipeline(id, pl)...)
		select {
		case <-pl.Done():
			state := pl.State()
			results = append(results, StepResult{Kind: KindUserEvent, Event: UserEvent{
				PipelineID: id, Stream: StreamState, PipelineState: state,
			}})
			s.pool.RemovePipeline(id)
			delete(s.commandIDs, id)
		default:
		}
	}
	return results
}

func drainPipeline(id uuid.UUID, pl *pipeline.Pipeline) []StepResult {
	var results []StepResult
	collect := func(stream StreamKind, ch <-chan *messages.Message) {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				results = append(results, StepResult{Kind: KindUserEvent, Event: UserEvent{
					PipelineID: id, Stream: stream, Message: msg,
				}})
			default:
				return
			}
		}
	}
	collect(StreamOutput, pl.Output())
	collect(StreamError, pl.Error())
	collect(StreamWarning, pl.Warning())
	collect(StreamVerbose, pl.Verbose())
	collect(StreamDebug, pl.Debug())
	collect(StreamProgress, pl.Progress())
	collect(StreamInformation, pl.Information())
	return results
}

func sortResults(results []StepResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Priority() < results[j].Priority()
	})
}
