package messages

import "fmt"

// MessageType is the PSRP message type discriminant carried in the header
// (MS-PSRP §2.2.1). Values are grouped by scope: session negotiation
// (0x0001xxxx), runspace-pool control and host calls (0x0002xxxx), and
// pipeline streams and host calls (0x0004xxxx).
type MessageType uint32

const (
	SessionCapability      MessageType = 0x00010002
	InitRunspacePool       MessageType = 0x00010004
	PublicKey              MessageType = 0x00010005
	EncryptedSessionKey    MessageType = 0x00010006
	PublicKeyRequest       MessageType = 0x00010007
	ConnectRunspacePool    MessageType = 0x00010008
	SetMaxRunspaces        MessageType = 0x00021002
	SetMinRunspaces        MessageType = 0x00021003
	RunspaceAvailability   MessageType = 0x00021004
	RunspacePoolState      MessageType = 0x00021005
	CreatePipeline         MessageType = 0x00021006
	GetAvailableRunspaces  MessageType = 0x00021007
	UserEvent              MessageType = 0x00021008
	ApplicationPrivateData MessageType = 0x00021009
	GetCommandMetadata     MessageType = 0x0002100A
	RunspacePoolInitData   MessageType = 0x0002100B
	ResetRunspaceState     MessageType = 0x0002100C
	RunspacePoolHostCall   MessageType = 0x00021100
	RunspacePoolHostResponse MessageType = 0x00021101
	PipelineInput          MessageType = 0x00041002
	EndOfPipelineInput     MessageType = 0x00041003
	PipelineOutput         MessageType = 0x00041004
	ErrorRecord            MessageType = 0x00041005
	PipelineState          MessageType = 0x00041006
	DebugRecord            MessageType = 0x00041007
	VerboseRecord          MessageType = 0x00041008
	WarningRecord          MessageType = 0x00041009
	ProgressRecord         MessageType = 0x00041010
	InformationRecord      MessageType = 0x00041011
	PipelineHostCall       MessageType = 0x00041100
	PipelineHostResponse   MessageType = 0x00041101
)

var messageTypeNames = map[MessageType]string{
	SessionCapability:        "SessionCapability",
	InitRunspacePool:         "InitRunspacePool",
	PublicKey:                "PublicKey",
	EncryptedSessionKey:      "EncryptedSessionKey",
	PublicKeyRequest:         "PublicKeyRequest",
	ConnectRunspacePool:      "ConnectRunspacePool",
	SetMaxRunspaces:          "SetMaxRunspaces",
	SetMinRunspaces:          "SetMinRunspaces",
	RunspaceAvailability:     "RunspaceAvailability",
	RunspacePoolState:        "RunspacePoolState",
	CreatePipeline:           "CreatePipeline",
	GetAvailableRunspaces:    "GetAvailableRunspaces",
	UserEvent:                "UserEvent",
	ApplicationPrivateData:   "ApplicationPrivateData",
	GetCommandMetadata:       "GetCommandMetadata",
	RunspacePoolInitData:     "RunspacePoolInitData",
	ResetRunspaceState:       "ResetRunspaceState",
	RunspacePoolHostCall:     "RunspacePoolHostCall",
	RunspacePoolHostResponse: "RunspacePoolHostResponse",
	PipelineInput:            "PipelineInput",
	EndOfPipelineInput:       "EndOfPipelineInput",
	PipelineOutput:           "PipelineOutput",
	ErrorRecord:              "ErrorRecord",
	PipelineState:            "PipelineState",
	DebugRecord:              "DebugRecord",
	VerboseRecord:            "VerboseRecord",
	WarningRecord:            "WarningRecord",
	ProgressRecord:           "ProgressRecord",
	InformationRecord:        "InformationRecord",
	PipelineHostCall:         "PipelineHostCall",
	PipelineHostResponse:     "PipelineHostResponse",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(0x%08x)", uint32(t))
}

// PipelineStateValue is the PSInvocationState enum (MS-PSRP §2.2.3.5).
type PipelineStateValue int32

const (
	PipelineNotStarted   PipelineStateValue = 0
	PipelineRunning      PipelineStateValue = 1
	PipelineStopping     PipelineStateValue = 2
	PipelineStopped      PipelineStateValue = 3
	PipelineCompleted    PipelineStateValue = 4
	PipelineFailed       PipelineStateValue = 5
	PipelineDisconnected PipelineStateValue = 6
)

func (s PipelineStateValue) String() string {
	switch s {
	case PipelineNotStarted:
		return "NotStarted"
	case PipelineRunning:
		return "Running"
	case PipelineStopping:
		return "Stopping"
	case PipelineStopped:
		return "Stopped"
	case PipelineCompleted:
		return "Completed"
	case PipelineFailed:
		return "Failed"
	case PipelineDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("PipelineState(%d)", int32(s))
	}
}

// Terminal reports whether s ends the pipeline's lifecycle.
func (s PipelineStateValue) Terminal() bool {
	switch s {
	case PipelineStopped, PipelineCompleted, PipelineFailed, PipelineDisconnected:
		return true
	default:
		return false
	}
}

// RunspacePoolStateValue is the RunspacePoolState enum (MS-PSRP §2.2.3.4).
type RunspacePoolStateValue int32

const (
	RunspaceBeforeOpen           RunspacePoolStateValue = 0
	RunspaceOpening              RunspacePoolStateValue = 1
	RunspaceOpened               RunspacePoolStateValue = 2
	RunspaceClosed               RunspacePoolStateValue = 3
	RunspaceClosing              RunspacePoolStateValue = 4
	RunspaceBroken               RunspacePoolStateValue = 5
	RunspaceNegotiationSent      RunspacePoolStateValue = 6
	RunspaceNegotiationSucceeded RunspacePoolStateValue = 7
	RunspaceConnecting           RunspacePoolStateValue = 8
	RunspaceDisconnected         RunspacePoolStateValue = 9
)

func (s RunspacePoolStateValue) String() string {
	switch s {
	case RunspaceBeforeOpen:
		return "BeforeOpen"
	case RunspaceOpening:
		return "Opening"
	case RunspaceOpened:
		return "Opened"
	case RunspaceClosed:
		return "Closed"
	case RunspaceClosing:
		return "Closing"
	case RunspaceBroken:
		return "Broken"
	case RunspaceNegotiationSent:
		return "NegotiationSent"
	case RunspaceNegotiationSucceeded:
		return "NegotiationSucceeded"
	case RunspaceConnecting:
		return "Connecting"
	case RunspaceDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("RunspacePoolState(%d)", int32(s))
	}
}
