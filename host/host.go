// Package host implements the PSRP host-call dispatch surface (MS-PSRP
// §2.2.3.17, spec component C8): a static method_id -> descriptor table, the
// decode of inbound RunspacePoolHostCall/PipelineHostCall bodies into a
// typed HostCall, and the encode of the application's Submission back into a
// PipelineHostResponse.
//
// The table is static on purpose (see Design Note §9): no virtual tables,
// just a map lookup and a type switch the application performs over the
// decoded Params.
package host

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/psrpvalue"
)

// MethodID is the HostMethodIdentifier enum (MS-PSRP §2.2.3.17).
type MethodID int32

const (
	GetName                    MethodID = 1
	GetVersion                 MethodID = 2
	GetInstanceID              MethodID = 3
	GetCurrentCulture          MethodID = 4
	GetCurrentUICulture        MethodID = 5
	SetShouldExit              MethodID = 6
	EnterNestedPrompt          MethodID = 7
	ExitNestedPrompt           MethodID = 8
	NotifyBeginApplication     MethodID = 9
	NotifyEndApplication       MethodID = 10
	ReadLine                   MethodID = 11
	ReadLineAsSecureString     MethodID = 12
	Write1                     MethodID = 13
	Write2                     MethodID = 14
	WriteLine1                 MethodID = 15
	WriteLine2                 MethodID = 16
	WriteLine3                 MethodID = 17
	WriteErrorLine             MethodID = 18
	WriteDebugLine             MethodID = 19
	WriteProgress              MethodID = 20
	WriteVerboseLine           MethodID = 21
	WriteWarningLine           MethodID = 22
	Prompt                     MethodID = 23
	PromptForCredential1       MethodID = 24
	PromptForCredential2       MethodID = 25
	PromptForChoice            MethodID = 26
	GetForegroundColor         MethodID = 27
	SetForegroundColor         MethodID = 28
	GetBackgroundColor         MethodID = 29
	SetBackgroundColor         MethodID = 30
	GetCursorPosition          MethodID = 31
	SetCursorPosition          MethodID = 32
	GetWindowPosition          MethodID = 33
	SetWindowPosition          MethodID = 34
	GetCursorSize              MethodID = 35
	SetCursorSize              MethodID = 36
	GetBufferSize              MethodID = 37
	SetBufferSize              MethodID = 38
	GetWindowSize              MethodID = 39
	SetWindowSize              MethodID = 40
	GetWindowTitle             MethodID = 41
	SetWindowTitle             MethodID = 42
	GetMaxWindowSize           MethodID = 43
	GetMaxPhysicalWindowSize   MethodID = 44
	GetKeyAvailable            MethodID = 45
	ReadKey                    MethodID = 46
	FlushInputBuffer           MethodID = 47
	SetBufferContents1         MethodID = 48
	SetBufferContents2         MethodID = 49
	GetBufferContents          MethodID = 50
	ScrollBufferContents       MethodID = 51
)

func (id MethodID) String() string {
	if d, ok := table[id]; ok {
		return d.Name
	}
	return fmt.Sprintf("MethodID(%d)", int32(id))
}

type descriptor struct {
	Name        string
	ShouldReply bool
}

// table is the static method_id -> descriptor mapping. ShouldReply mirrors
// MS-PSRP: methods that return typed data require a PipelineHostResponse;
// pure notification methods (WriteLine*, WriteProgress, SetCursorPosition,
// ...) do not.
var table = map[MethodID]descriptor{
	GetName:                  {"GetName", true},
	GetVersion:               {"GetVersion", true},
	GetInstanceID:            {"GetInstanceId", true},
	GetCurrentCulture:        {"GetCurrentCulture", true},
	GetCurrentUICulture:      {"GetCurrentUICulture", true},
	SetShouldExit:            {"SetShouldExit", false},
	EnterNestedPrompt:        {"EnterNestedPrompt", false},
	ExitNestedPrompt:         {"ExitNestedPrompt", false},
	NotifyBeginApplication:   {"NotifyBeginApplication", false},
	NotifyEndApplication:     {"NotifyEndApplication", false},
	ReadLine:                 {"ReadLine", true},
	ReadLineAsSecureString:   {"ReadLineAsSecureString", true},
	Write1:                   {"Write1", false},
	Write2:                   {"Write2", false},
	WriteLine1:               {"WriteLine1", false},
	WriteLine2:               {"WriteLine2", false},
	WriteLine3:               {"WriteLine3", false},
	WriteErrorLine:           {"WriteErrorLine", false},
	WriteDebugLine:           {"WriteDebugLine", false},
	WriteProgress:            {"WriteProgress", false},
	WriteVerboseLine:         {"WriteVerboseLine", false},
	WriteWarningLine:         {"WriteWarningLine", false},
	Prompt:                   {"Prompt", true},
	PromptForCredential1:     {"PromptForCredential1", true},
	PromptForCredential2:     {"PromptForCredential2", true},
	PromptForChoice:          {"PromptForChoice", true},
	GetForegroundColor:       {"GetForegroundColor", true},
	SetForegroundColor:       {"SetForegroundColor", false},
	GetBackgroundColor:       {"GetBackgroundColor", true},
	SetBackgroundColor:       {"SetBackgroundColor", false},
	GetCursorPosition:        {"GetCursorPosition", true},
	SetCursorPosition:        {"SetCursorPosition", false},
	GetWindowPosition:        {"GetWindowPosition", true},
	SetWindowPosition:        {"SetWindowPosition", false},
	GetCursorSize:            {"GetCursorSize", true},
	SetCursorSize:            {"SetCursorSize", false},
	GetBufferSize:            {"GetBufferSize", true},
	SetBufferSize:            {"SetBufferSize", false},
	GetWindowSize:            {"GetWindowSize", true},
	SetWindowSize:            {"SetWindowSize", false},
	GetWindowTitle:           {"GetWindowTitle", true},
	SetWindowTitle:           {"SetWindowTitle", false},
	GetMaxWindowSize:         {"GetMaxWindowSize", true},
	GetMaxPhysicalWindowSize: {"GetMaxPhysicalWindowSize", true},
	GetKeyAvailable:          {"GetKeyAvailable", true},
	ReadKey:                  {"ReadKey", true},
	FlushInputBuffer:         {"FlushInputBuffer", false},
	SetBufferContents1:       {"SetBufferContents1", false},
	SetBufferContents2:       {"SetBufferContents2", false},
	GetBufferContents:        {"GetBufferContents", true},
	ScrollBufferContents:     {"ScrollBufferContents", false},
}

// Describe reports the registered name and should-reply rule for id.
func Describe(id MethodID) (name string, shouldReply bool, ok bool) {
	d, ok := table[id]
	if !ok {
		return "", false, false
	}
	return d.Name, d.ShouldReply, true
}

// Scope identifies whether a HostCall targets the runspace pool's host or a
// specific pipeline's host.
type Scope int

const (
	ScopeRunspacePool Scope = iota
	ScopePipeline
)

func (s Scope) String() string {
	if s == ScopePipeline {
		return "Pipeline"
	}
	return "RunspacePool"
}

// Call is one decoded inbound host-call, ready for application dispatch.
type Call struct {
	Scope      Scope
	PipelineID uuid.UUID // zero value when Scope == ScopeRunspacePool
	CallID     int64
	Method     MethodID
	MethodName string
	Params     []psrpvalue.Value

	shouldReply bool
}

// ShouldReply reports whether the protocol requires a PipelineHostResponse
// for this call.
func (c Call) ShouldReply() bool { return c.shouldReply }

// FromBody decodes a RunspacePoolHostCall/PipelineHostCall body into a Call.
func FromBody(b *messages.HostCallBody, scope Scope, pipelineID uuid.UUID) Call {
	id := MethodID(b.MethodID)
	name, shouldReply, ok := Describe(id)
	if !ok {
		name = id.String()
	}
	return Call{
		Scope:       scope,
		PipelineID:  pipelineID,
		CallID:      b.CallID,
		Method:      id,
		MethodName:  name,
		Params:      b.Parameters,
		shouldReply: ok && shouldReply,
	}
}

// Submission is what application code produces after handling a Call: either
// a typed reply to send back, or an explicit decision not to reply.
type Submission struct {
	send      bool
	result    psrpvalue.Value
	exception psrpvalue.Value
	hasExc    bool
}

// Send wraps a successful result as a Submission that will be sent back.
func Send(result psrpvalue.Value) Submission {
	return Submission{send: true, result: result}
}

// SendException wraps a failure as a Submission that will be sent back.
func SendException(exception psrpvalue.Value) Submission {
	return Submission{send: true, exception: exception, hasExc: true}
}

// NoSend indicates the application chose not to send a PipelineHostResponse.
// Valid only when Call.ShouldReply() is false.
func NoSend() Submission { return Submission{} }

// ErrKind enumerates the HostError taxonomy from spec §7.
type ErrKind int

const (
	ErrNotImplemented ErrKind = iota
	ErrInvalidParameters
	ErrRequestReturnMismatch
	ErrCancelled
	ErrOther
)

// Error is the host-dispatch error type (HostError in spec §7).
type Error struct {
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("host: %s", e.Msg)
	}
	switch e.Kind {
	case ErrNotImplemented:
		return "host: method not implemented"
	case ErrInvalidParameters:
		return "host: invalid parameters"
	case ErrRequestReturnMismatch:
		return "host: should_reply=true but application supplied NoSend"
	case ErrCancelled:
		return "host: cancelled"
	default:
		return "host: error"
	}
}

// BuildResponse turns a handled Call and its Submission into the
// PipelineHostResponse body to send back to the server. It enforces the
// should-reply contract from spec §4.8.
func BuildResponse(call Call, sub Submission) (*messages.PipelineHostResponseBody, error) {
	if call.ShouldReply() && !sub.send {
		return nil, &Error{Kind: ErrRequestReturnMismatch}
	}
	if !call.ShouldReply() && !sub.send {
		return nil, nil
	}
	return &messages.PipelineHostResponseBody{
		CallID:       call.CallID,
		MethodID:     int32(call.Method),
		Result:       sub.result,
		HasException: sub.hasExc,
		Exception:    sub.exception,
	}, nil
}
