// Package pipeline implements the per-command PSRP pipeline state machine
// (MS-PSRP §2.2.3.5 PSInvocation): framing a CreatePipeline request, tracking
// PSInvocationState transitions, and fanning out the server's output/error/
// warning/verbose/debug/progress/information streams as channels.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/fragment"
	"github.com/smnsjas/go-psremoting/host"
	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/psrpvalue"
)

// Pool is the subset of a runspace pool a Pipeline depends on: where to
// dispatch outgoing messages and how to mint fragment object IDs. Defined
// here (rather than referencing package runspace directly) so that package
// runspace can import pipeline without an import cycle; *runspace.Pool
// satisfies this interface.
type Pool interface {
	RunspacePoolID() uuid.UUID
	Dispatch(ctx context.Context, msg *messages.Message) error
	NextObjectID() uint64
}

// streamBuffer is generous enough that a script producing a burst of output
// doesn't stall HandleMessage while nothing is draining the channel yet.
const streamBuffer = 256

// defaultMaxFragmentPayload bounds each CreatePipeline fragment, well below the
// MaxEnvelopeSize*3/4 - HeaderSize bound noted on fragment.Fragmenter.
const defaultMaxFragmentPayload = 32000

// Pipeline tracks one remote PowerShell invocation: its wire identity, its
// PSInvocationState, and the stream channels callers read output from.
type Pipeline struct {
	pool   Pool
	poolID uuid.UUID
	id     uuid.UUID
	script string

	mu             sync.Mutex
	state          messages.PipelineStateValue
	err            error
	skipInvokeSend bool
	finished       bool
	done           chan struct{}

	output      chan *messages.Message
	errCh       chan *messages.Message
	warning     chan *messages.Message
	verbose     chan *messages.Message
	debugCh     chan *messages.Message
	progress    chan *messages.Message
	information chan *messages.Message
}

// New creates a Pipeline for a fresh script invocation with a newly minted ID.
func New(pool Pool, poolID uuid.UUID, script string) *Pipeline {
	return newPipeline(pool, poolID, uuid.New(), script)
}

// NewWithID creates a Pipeline bound to an already-known pipeline ID, for
// adopting a pipeline that was created in an earlier, now-disconnected
// session (MS-PSRP reconnect/recover flows).
func NewWithID(pool Pool, poolID uuid.UUID, id uuid.UUID) *Pipeline {
	return newPipeline(pool, poolID, id, "")
}

func newPipeline(pool Pool, poolID, id uuid.UUID, script string) *Pipeline {
	return &Pipeline{
		pool:        pool,
		poolID:      poolID,
		id:          id,
		script:      script,
		state:       messages.PipelineNotStarted,
		done:        make(chan struct{}),
		output:      make(chan *messages.Message, streamBuffer),
		errCh:       make(chan *messages.Message, streamBuffer),
		warning:     make(chan *messages.Message, streamBuffer),
		verbose:     make(chan *messages.Message, streamBuffer),
		debugCh:     make(chan *messages.Message, streamBuffer),
		progress:    make(chan *messages.Message, streamBuffer),
		information: make(chan *messages.Message, streamBuffer),
	}
}

// ID returns the pipeline's identity, as carried in every PSRP message's
// pipeline-scoped header field.
func (p *Pipeline) ID() uuid.UUID { return p.id }

// State returns the pipeline's current PSInvocationState.
func (p *Pipeline) State() messages.PipelineStateValue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SkipInvokeSend tells Invoke not to send the CreatePipeline message itself:
// the caller (typically a WSMan backend) has already piggybacked it on the
// shell Command creation request.
func (p *Pipeline) SkipInvokeSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.skipInvokeSend = true
}

// Output, Error, Warning, Verbose, Debug, Progress, and Information expose
// the pipeline's MS-PSRP stream channels. Each is closed once the pipeline
// reaches a terminal state and its buffered contents have been delivered.
func (p *Pipeline) Output() <-chan *messages.Message      { return p.output }
func (p *Pipeline) Error() <-chan *messages.Message       { return p.errCh }
func (p *Pipeline) Warning() <-chan *messages.Message     { return p.warning }
func (p *Pipeline) Verbose() <-chan *messages.Message     { return p.verbose }
func (p *Pipeline) Debug() <-chan *messages.Message       { return p.debugCh }
func (p *Pipeline) Progress() <-chan *messages.Message    { return p.progress }
func (p *Pipeline) Information() <-chan *messages.Message { return p.information }

// Done is closed when the pipeline reaches a terminal PSInvocationState.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// GetCreatePipelineDataWithID encodes this pipeline's CreatePipeline message
// and fragments it using msgID as the MS-PSRP fragment object_id, ready to
// hand to a transport (WSMan Command body, or an HvSocket write).
func (p *Pipeline) GetCreatePipelineDataWithID(msgID uint64) ([]byte, error) {
	body := &messages.CreatePipelineBody{
		PowerShellXML:       buildPowerShellValue(p.script),
		AddToHistory:        true,
		RemoteStreamOptions: 0,
	}
	msg, err := messages.NewMessage(messages.DestinationServer, p.poolID, p.id, body)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build create pipeline message: %w", err)
	}
	raw, err := messages.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode create pipeline message: %w", err)
	}
	return fragmentAll(msgID, raw)
}

// Invoke sends the CreatePipeline message over the owning pool's transport,
// unless SkipInvokeSend was already called, then marks the pipeline Running.
func (p *Pipeline) Invoke(ctx context.Context) error {
	p.mu.Lock()
	skip := p.skipInvokeSend
	p.mu.Unlock()

	if !skip {
		if p.pool == nil {
			return fmt.Errorf("pipeline: Invoke: no pool attached")
		}
		body := &messages.CreatePipelineBody{
			PowerShellXML:       buildPowerShellValue(p.script),
			AddToHistory:        true,
			RemoteStreamOptions: 0,
		}
		msg, err := messages.NewMessage(messages.DestinationServer, p.poolID, p.id, body)
		if err != nil {
			return fmt.Errorf("pipeline: build create pipeline message: %w", err)
		}
		if err := p.pool.Dispatch(ctx, msg); err != nil {
			return fmt.Errorf("pipeline: dispatch create pipeline: %w", err)
		}
	}

	p.mu.Lock()
	p.state = messages.PipelineRunning
	p.mu.Unlock()
	return nil
}

// CloseInput signals end-of-input on the pipeline (PSRP doesn't require an
// explicit message when no interactive input is sent; callers invoke this
// after a non-interactive script to match the teacher driver's shape).
func (p *Pipeline) CloseInput(_ context.Context) error {
	return nil
}

// Cancel requests the pipeline stop (WS-Management Signal with code
// wsman.SignalPSCtrlC, "powershell/signal/crtl_c", issued by the owning
// backend); locally it marks
// the pipeline Stopping so Wait() callers observe the transition.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return
	}
	p.state = messages.PipelineStopping
}

// Fail marks the pipeline Failed with err and closes its streams. Used by
// receive loops when the underlying transport breaks.
func (p *Pipeline) Fail(err error) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.state = messages.PipelineFailed
	p.err = err
	p.mu.Unlock()
	p.closeStreams()
}

// Wait blocks until the pipeline reaches a terminal state and returns its
// failure, if any.
func (p *Pipeline) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// HandleMessage dispatches one decoded, pipeline-scoped PSRP message to the
// matching stream channel or state transition. Called by a transport receive
// loop after defragmenting and decoding inbound bytes.
func (p *Pipeline) HandleMessage(msg *messages.Message) error {
	switch msg.Type {
	case messages.PipelineState:
		return p.handleState(msg)
	case messages.PipelineOutput:
		return p.deliver(p.output, msg)
	case messages.ErrorRecord:
		return p.deliver(p.errCh, msg)
	case messages.WarningRecord:
		return p.deliver(p.warning, msg)
	case messages.VerboseRecord:
		return p.deliver(p.verbose, msg)
	case messages.DebugRecord:
		return p.deliver(p.debugCh, msg)
	case messages.ProgressRecord:
		return p.deliver(p.progress, msg)
	case messages.InformationRecord:
		return p.deliver(p.information, msg)
	case messages.PipelineHostCall:
		return p.handleHostCall(msg)
	default:
		return nil
	}
}

func (p *Pipeline) deliver(ch chan *messages.Message, msg *messages.Message) error {
	p.mu.Lock()
	finished := p.finished
	p.mu.Unlock()
	if finished {
		return nil
	}
	ch <- msg
	return nil
}

func (p *Pipeline) handleState(msg *messages.Message) error {
	var body messages.PipelineStateBody
	if err := messages.DecodeBody(msg, &body); err != nil {
		return fmt.Errorf("pipeline: decode PipelineState: %w", err)
	}

	p.mu.Lock()
	p.state = body.State
	if body.HasError {
		p.err = fmt.Errorf("pipeline: remote error: %s", describeErrorRecord(body.ErrorRecord))
	}
	terminal := body.State.Terminal()
	alreadyFinished := p.finished
	if terminal {
		p.finished = true
	}
	p.mu.Unlock()

	if terminal && !alreadyFinished {
		p.closeStreams()
	}
	return nil
}

// handleHostCall auto-answers server-initiated host calls targeting this
// pipeline. The driver layer above does not currently expose an interactive
// host, so calls are answered with a not-implemented response when the
// protocol requires a reply, and otherwise silently acknowledged.
func (p *Pipeline) handleHostCall(msg *messages.Message) error {
	var body messages.HostCallBody
	if err := messages.DecodeBody(msg, &body); err != nil {
		return fmt.Errorf("pipeline: decode PipelineHostCall: %w", err)
	}
	call := host.FromBody(&body, host.ScopePipeline, p.id)

	if !call.ShouldReply() {
		return nil
	}

	sub := host.SendException(psrpvalue.String(fmt.Sprintf("host method %s not implemented", call.MethodName)))
	resp, err := host.BuildResponse(call, sub)
	if err != nil {
		return err
	}
	if resp == nil || p.pool == nil {
		return nil
	}
	respMsg, err := messages.NewMessage(messages.DestinationServer, p.poolID, p.id, resp)
	if err != nil {
		return err
	}
	return p.pool.Dispatch(context.Background(), respMsg)
}

func (p *Pipeline) closeStreams() {
	close(p.output)
	close(p.errCh)
	close(p.warning)
	close(p.verbose)
	close(p.debugCh)
	close(p.progress)
	close(p.information)
	close(p.done)
}

// describeErrorRecord renders an ErrorRecord's ToString (or its raw string
// content, for records that didn't carry a complex-object wrapper) for use in
// a Go error message.
func describeErrorRecord(v psrpvalue.Value) string {
	if c, err := v.AsComplex(); err == nil && c != nil {
		if c.HasToString && c.ToString != "" {
			return c.ToString
		}
	}
	if s, err := v.AsString(); err == nil && s != "" {
		return s
	}
	return "unknown error"
}

func fragmentAll(objectID uint64, data []byte) ([]byte, error) {
	fr := fragment.NewFragmenter(defaultMaxFragmentPayload)
	frags, err := fr.Fragment(objectID, data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, f := range frags {
		buf.Write(f.Marshal())
	}
	return buf.Bytes(), nil
}

// buildPowerShellValue renders script as the single-command PowerShell
// invocation shape MS-PSRP's CreatePipeline body expects (a Cmds list of one
// non-nested, non-local-scope script command).
func buildPowerShellValue(script string) psrpvalue.Value {
	cmd := psrpvalue.NewComplexObject()
	cmd.Adapted.Set("Cmd", psrpvalue.String(script))
	cmd.Adapted.Set("IsScript", psrpvalue.Bool(true))
	cmd.Adapted.Set("UseLocalScope", psrpvalue.Bool(false))
	cmd.Adapted.Set("MergeMyResult", psrpvalue.Int32(0))
	cmd.Adapted.Set("MergeToResult", psrpvalue.Int32(0))
	cmd.Adapted.Set("MergePreviousResults", psrpvalue.Int32(0))

	cmds := psrpvalue.NewComplexObject()
	cmds.Content = psrpvalue.ContentList
	cmds.Items = []psrpvalue.Value{psrpvalue.Complex(cmd)}

	ps := psrpvalue.NewComplexObject()
	ps.Adapted.Set("Cmds", psrpvalue.Complex(cmds))
	ps.Adapted.Set("IsNested", psrpvalue.Bool(false))
	ps.Adapted.Set("History", psrpvalue.Nil())
	ps.Adapted.Set("RedirectShellErrorOutputPipe", psrpvalue.Bool(true))
	return psrpvalue.Complex(ps)
}
