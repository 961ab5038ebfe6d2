package messages

import (
	"fmt"

	"github.com/smnsjas/go-psremoting/psrpvalue"
)

// Body is implemented by every typed PSRP message body. ToValue renders the
// body as a PsValue tree (always a ComplexObject, per MS-PSRP's CLIXML
// object shape); FromValue populates the body's fields from one.
type Body interface {
	Type() MessageType
	ToValue() psrpvalue.Value
	FromValue(v psrpvalue.Value) error
}

func complexFrom(v psrpvalue.Value) (*psrpvalue.ComplexObject, error) {
	c, err := v.AsComplex()
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("messages: nil complex object")
	}
	return c, nil
}

func stringProp(c *psrpvalue.ComplexObject, name string) (string, error) {
	p, ok := c.Adapted.Get(name)
	if !ok {
		p, ok = c.Extended.Get(name)
	}
	if !ok {
		return "", fmt.Errorf("messages: missing property %q", name)
	}
	return p.Value.AsString()
}

func optionalStringProp(c *psrpvalue.ComplexObject, name string) string {
	s, err := stringProp(c, name)
	if err != nil {
		return ""
	}
	return s
}

// --- SessionCapability ---

type SessionCapabilityBody struct {
	PSVersion            string
	ProtocolVersion      string
	SerializationVersion string
}

func (b *SessionCapabilityBody) Type() MessageType { return SessionCapability }

func (b *SessionCapabilityBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	c.Adapted.Set("PSVersion", psrpvalue.String(b.PSVersion))
	c.Adapted.Set("protocolversion", psrpvalue.String(b.ProtocolVersion))
	c.Adapted.Set("SerializationVersion", psrpvalue.String(b.SerializationVersion))
	return psrpvalue.Complex(c)
}

func (b *SessionCapabilityBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	b.PSVersion = optionalStringProp(c, "PSVersion")
	b.ProtocolVersion = optionalStringProp(c, "protocolversion")
	b.SerializationVersion = optionalStringProp(c, "SerializationVersion")
	if b.ProtocolVersion == "" {
		return fmt.Errorf("messages: SessionCapability: missing protocolversion")
	}
	return nil
}

// --- InitRunspacePool ---

type InitRunspacePoolBody struct {
	MinRunspaces  int32
	MaxRunspaces  int32
	ThreadOptions int32
	ApartmentState int32
	HostInfo      psrpvalue.Value
	ApplicationArguments psrpvalue.Value
}

func (b *InitRunspacePoolBody) Type() MessageType { return InitRunspacePool }

func (b *InitRunspacePoolBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	c.Adapted.Set("MinRunspaces", psrpvalue.Int32(b.MinRunspaces))
	c.Adapted.Set("MaxRunspaces", psrpvalue.Int32(b.MaxRunspaces))
	c.Adapted.Set("PSThreadOptions", psrpvalue.Int32(b.ThreadOptions))
	c.Adapted.Set("ApartmentState", psrpvalue.Int32(b.ApartmentState))
	c.Adapted.Set("HostInfo", b.HostInfo)
	c.Adapted.Set("ApplicationArguments", b.ApplicationArguments)
	return psrpvalue.Complex(c)
}

func (b *InitRunspacePoolBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	if p, ok := c.Adapted.Get("MinRunspaces"); ok {
		b.MinRunspaces = p.Value.I32
	}
	if p, ok := c.Adapted.Get("MaxRunspaces"); ok {
		b.MaxRunspaces = p.Value.I32
	}
	if p, ok := c.Adapted.Get("PSThreadOptions"); ok {
		b.ThreadOptions = p.Value.I32
	}
	if p, ok := c.Adapted.Get("ApartmentState"); ok {
		b.ApartmentState = p.Value.I32
	}
	if p, ok := c.Adapted.Get("HostInfo"); ok {
		b.HostInfo = p.Value
	}
	if p, ok := c.Adapted.Get("ApplicationArguments"); ok {
		b.ApplicationArguments = p.Value
	}
	return nil
}

// --- RunspacePoolState ---

type RunspacePoolStateBody struct {
	State          RunspacePoolStateValue
	HasError       bool
	ErrorRecord    psrpvalue.Value
}

func (b *RunspacePoolStateBody) Type() MessageType { return RunspacePoolState }

func (b *RunspacePoolStateBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	c.Adapted.Set("RunspaceState", psrpvalue.Int32(int32(b.State)))
	if b.HasError {
		c.Adapted.Set("ExceptionAsErrorRecord", b.ErrorRecord)
	}
	return psrpvalue.Complex(c)
}

func (b *RunspacePoolStateBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	p, ok := c.Adapted.Get("RunspaceState")
	if !ok {
		return fmt.Errorf("messages: RunspacePoolState: missing RunspaceState")
	}
	b.State = RunspacePoolStateValue(p.Value.I32)
	if p, ok := c.Adapted.Get("ExceptionAsErrorRecord"); ok {
		b.HasError = true
		b.ErrorRecord = p.Value
	}
	return nil
}

// --- CreatePipeline ---

type CreatePipelineBody struct {
	IsNested            bool
	PowerShellXML       psrpvalue.Value // the serialized Command chain / script
	HistoryString       string
	AddToHistory        bool
	ApartmentState      int32
	RemoteStreamOptions int32
	RedirectShellErrorOutputPipe bool
}

func (b *CreatePipelineBody) Type() MessageType { return CreatePipeline }

func (b *CreatePipelineBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	c.Adapted.Set("IsNested", psrpvalue.Bool(b.IsNested))
	c.Adapted.Set("PowerShell", b.PowerShellXML)
	c.Adapted.Set("History", psrpvalue.String(b.HistoryString))
	c.Adapted.Set("AddToHistory", psrpvalue.Bool(b.AddToHistory))
	c.Adapted.Set("ApartmentState", psrpvalue.Int32(b.ApartmentState))
	c.Adapted.Set("RemoteStreamOptions", psrpvalue.Int32(b.RemoteStreamOptions))
	c.Adapted.Set("RedirectShellErrorOutputPipe", psrpvalue.Bool(b.RedirectShellErrorOutputPipe))
	return psrpvalue.Complex(c)
}

func (b *CreatePipelineBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	if p, ok := c.Adapted.Get("IsNested"); ok {
		b.IsNested = p.Value.Bool
	}
	if p, ok := c.Adapted.Get("PowerShell"); ok {
		b.PowerShellXML = p.Value
	}
	b.HistoryString = optionalStringProp(c, "History")
	if p, ok := c.Adapted.Get("AddToHistory"); ok {
		b.AddToHistory = p.Value.Bool
	}
	if p, ok := c.Adapted.Get("ApartmentState"); ok {
		b.ApartmentState = p.Value.I32
	}
	if p, ok := c.Adapted.Get("RemoteStreamOptions"); ok {
		b.RemoteStreamOptions = p.Value.I32
	}
	if p, ok := c.Adapted.Get("RedirectShellErrorOutputPipe"); ok {
		b.RedirectShellErrorOutputPipe = p.Value.Bool
	}
	return nil
}

// --- PipelineInput / PipelineOutput ---

type PipelineInputBody struct {
	Data psrpvalue.Value
}

func (b *PipelineInputBody) Type() MessageType      { return PipelineInput }
func (b *PipelineInputBody) ToValue() psrpvalue.Value { return b.Data }
func (b *PipelineInputBody) FromValue(v psrpvalue.Value) error {
	b.Data = v
	return nil
}

type PipelineOutputBody struct {
	Data psrpvalue.Value
}

func (b *PipelineOutputBody) Type() MessageType      { return PipelineOutput }
func (b *PipelineOutputBody) ToValue() psrpvalue.Value { return b.Data }
func (b *PipelineOutputBody) FromValue(v psrpvalue.Value) error {
	b.Data = v
	return nil
}

// --- PipelineState ---

type PipelineStateBody struct {
	State       PipelineStateValue
	HasError    bool
	ErrorRecord psrpvalue.Value
}

func (b *PipelineStateBody) Type() MessageType { return PipelineState }

func (b *PipelineStateBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	c.Adapted.Set("PipelineState", psrpvalue.Int32(int32(b.State)))
	if b.HasError {
		c.Adapted.Set("ExceptionAsErrorRecord", b.ErrorRecord)
	}
	return psrpvalue.Complex(c)
}

func (b *PipelineStateBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	p, ok := c.Adapted.Get("PipelineState")
	if !ok {
		return fmt.Errorf("messages: PipelineState: missing PipelineState")
	}
	b.State = PipelineStateValue(p.Value.I32)
	if p, ok := c.Adapted.Get("ExceptionAsErrorRecord"); ok {
		b.HasError = true
		b.ErrorRecord = p.Value
	}
	return nil
}

// --- RunspacePoolHostCall / PipelineHostCall ---

type HostCallBody struct {
	CallID     int64
	MethodID   int32
	MethodName string
	Parameters []psrpvalue.Value
	pipeline   bool
}

func (b *HostCallBody) Type() MessageType {
	if b.pipeline {
		return PipelineHostCall
	}
	return RunspacePoolHostCall
}

func (b *HostCallBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	c.Adapted.Set("ci", psrpvalue.Int64(b.CallID))
	c.Adapted.Set("mi", psrpvalue.Int32(b.MethodID))
	params := psrpvalue.NewComplexObject()
	params.Content = psrpvalue.ContentList
	params.Items = b.Parameters
	c.Adapted.Set("mp", psrpvalue.Complex(params))
	return psrpvalue.Complex(c)
}

func (b *HostCallBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	if p, ok := c.Adapted.Get("ci"); ok {
		b.CallID = p.Value.I64
	}
	if p, ok := c.Adapted.Get("mi"); ok {
		b.MethodID = p.Value.I32
	}
	if p, ok := c.Adapted.Get("mp"); ok {
		params, err := p.Value.AsComplex()
		if err != nil {
			return fmt.Errorf("messages: HostCall: mp: %w", err)
		}
		if params != nil {
			b.Parameters = params.Items
		}
	}
	return nil
}

// NewRunspacePoolHostCallBody and NewPipelineHostCallBody fix the `pipeline`
// discriminant so callers get the right MessageType back.

func NewRunspacePoolHostCallBody() *HostCallBody { return &HostCallBody{pipeline: false} }
func NewPipelineHostCallBody() *HostCallBody     { return &HostCallBody{pipeline: true} }

// --- PipelineHostResponse ---

type PipelineHostResponseBody struct {
	CallID       int64
	MethodID     int32
	Result       psrpvalue.Value
	HasException bool
	Exception    psrpvalue.Value

	// pool marks the response as answering a RunspacePoolHostCall instead of
	// a PipelineHostCall.
	pool bool
}

// NewRunspacePoolHostResponseBody returns a host response addressed to the
// pool-scoped host call stream.
func NewRunspacePoolHostResponseBody() *PipelineHostResponseBody {
	return &PipelineHostResponseBody{pool: true}
}

// ForRunspacePool retargets the response at the pool-scoped stream.
func (b *PipelineHostResponseBody) ForRunspacePool() *PipelineHostResponseBody {
	b.pool = true
	return b
}

func (b *PipelineHostResponseBody) Type() MessageType {
	if b.pool {
		return RunspacePoolHostResponse
	}
	return PipelineHostResponse
}

func (b *PipelineHostResponseBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	c.Adapted.Set("ci", psrpvalue.Int64(b.CallID))
	c.Adapted.Set("mi", psrpvalue.Int32(b.MethodID))
	if b.HasException {
		c.Adapted.Set("me", b.Exception)
	} else {
		c.Adapted.Set("mr", b.Result)
	}
	return psrpvalue.Complex(c)
}

func (b *PipelineHostResponseBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	if p, ok := c.Adapted.Get("ci"); ok {
		b.CallID = p.Value.I64
	}
	if p, ok := c.Adapted.Get("mi"); ok {
		b.MethodID = p.Value.I32
	}
	if p, ok := c.Adapted.Get("me"); ok {
		b.HasException = true
		b.Exception = p.Value
	} else if p, ok := c.Adapted.Get("mr"); ok {
		b.Result = p.Value
	}
	return nil
}

// --- PublicKeyRequest / PublicKey / EncryptedSessionKey ---

type PublicKeyRequestBody struct{}

func (b *PublicKeyRequestBody) Type() MessageType        { return PublicKeyRequest }
func (b *PublicKeyRequestBody) ToValue() psrpvalue.Value { return psrpvalue.Complex(psrpvalue.NewComplexObject()) }
func (b *PublicKeyRequestBody) FromValue(v psrpvalue.Value) error {
	_, err := complexFrom(v)
	return err
}

type PublicKeyBody struct {
	PublicKeyBase64 string
}

func (b *PublicKeyBody) Type() MessageType { return PublicKey }
func (b *PublicKeyBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	c.Adapted.Set("PublicKey", psrpvalue.String(b.PublicKeyBase64))
	return psrpvalue.Complex(c)
}
func (b *PublicKeyBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	b.PublicKeyBase64 = optionalStringProp(c, "PublicKey")
	return nil
}

type EncryptedSessionKeyBody struct {
	EncryptedSessionKeyBase64 string
}

func (b *EncryptedSessionKeyBody) Type() MessageType { return EncryptedSessionKey }
func (b *EncryptedSessionKeyBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	c.Adapted.Set("EncryptedSessionKey", psrpvalue.String(b.EncryptedSessionKeyBase64))
	return psrpvalue.Complex(c)
}
func (b *EncryptedSessionKeyBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	b.EncryptedSessionKeyBase64 = optionalStringProp(c, "EncryptedSessionKey")
	return nil
}

// --- ApplicationPrivateData ---

type ApplicationPrivateDataBody struct {
	Data psrpvalue.Value
}

func (b *ApplicationPrivateDataBody) Type() MessageType      { return ApplicationPrivateData }
func (b *ApplicationPrivateDataBody) ToValue() psrpvalue.Value { return b.Data }
func (b *ApplicationPrivateDataBody) FromValue(v psrpvalue.Value) error {
	b.Data = v
	return nil
}

// --- *Record streams (ErrorRecord, WarningRecord, VerboseRecord,
// DebugRecord, ProgressRecord, InformationRecord) all carry an opaque
// PsValue payload whose shape is stream-specific. ---

type RecordBody struct {
	Data psrpvalue.Value
	kind MessageType
}

func NewErrorRecordBody() *RecordBody       { return &RecordBody{kind: ErrorRecord} }
func NewWarningRecordBody() *RecordBody     { return &RecordBody{kind: WarningRecord} }
func NewVerboseRecordBody() *RecordBody     { return &RecordBody{kind: VerboseRecord} }
func NewDebugRecordBody() *RecordBody       { return &RecordBody{kind: DebugRecord} }
func NewProgressRecordBody() *RecordBody    { return &RecordBody{kind: ProgressRecord} }
func NewInformationRecordBody() *RecordBody { return &RecordBody{kind: InformationRecord} }

func (b *RecordBody) Type() MessageType        { return b.kind }
func (b *RecordBody) ToValue() psrpvalue.Value { return b.Data }
func (b *RecordBody) FromValue(v psrpvalue.Value) error {
	b.Data = v
	return nil
}

// --- GetCommandMetadata ---

type GetCommandMetadataBody struct {
	Names          []string
	CommandTypes   int32
	Namespace      []string
	ArgumentList   []psrpvalue.Value
}

func (b *GetCommandMetadataBody) Type() MessageType { return GetCommandMetadata }

func (b *GetCommandMetadataBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	names := psrpvalue.NewComplexObject()
	names.Content = psrpvalue.ContentList
	for _, n := range b.Names {
		names.Items = append(names.Items, psrpvalue.String(n))
	}
	c.Adapted.Set("Name", psrpvalue.Complex(names))
	c.Adapted.Set("CommandType", psrpvalue.Int32(b.CommandTypes))
	return psrpvalue.Complex(c)
}

func (b *GetCommandMetadataBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	if p, ok := c.Adapted.Get("Name"); ok {
		names, err := p.Value.AsComplex()
		if err == nil && names != nil {
			for _, item := range names.Items {
				s, err := item.AsString()
				if err == nil {
					b.Names = append(b.Names, s)
				}
			}
		}
	}
	if p, ok := c.Adapted.Get("CommandType"); ok {
		b.CommandTypes = p.Value.I32
	}
	return nil
}


// --- ConnectRunspacePool ---

type ConnectRunspacePoolBody struct {
	MinRunspaces int32
	MaxRunspaces int32
}

func (b *ConnectRunspacePoolBody) Type() MessageType { return ConnectRunspacePool }

func (b *ConnectRunspacePoolBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	if b.MinRunspaces > 0 {
		c.Adapted.Set("MinRunspaces", psrpvalue.Int32(b.MinRunspaces))
	}
	if b.MaxRunspaces > 0 {
		c.Adapted.Set("MaxRunspaces", psrpvalue.Int32(b.MaxRunspaces))
	}
	return psrpvalue.Complex(c)
}

func (b *ConnectRunspacePoolBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	if p, ok := c.Adapted.Get("MinRunspaces"); ok {
		b.MinRunspaces = p.Value.I32
	}
	if p, ok := c.Adapted.Get("MaxRunspaces"); ok {
		b.MaxRunspaces = p.Value.I32
	}
	return nil
}

// --- SetMaxRunspaces / SetMinRunspaces / GetAvailableRunspaces ---
// All three carry a target count (or none) plus a call id the server echoes
// back in RunspaceAvailability.

type runspaceCountBody struct {
	Count  int32
	CallID int64
	kind   MessageType
	field  string
}

func NewSetMaxRunspacesBody(count int32, callID int64) *runspaceCountBody {
	return &runspaceCountBody{Count: count, CallID: callID, kind: SetMaxRunspaces, field: "MaxRunspaces"}
}

func NewSetMinRunspacesBody(count int32, callID int64) *runspaceCountBody {
	return &runspaceCountBody{Count: count, CallID: callID, kind: SetMinRunspaces, field: "MinRunspaces"}
}

func NewGetAvailableRunspacesBody(callID int64) *runspaceCountBody {
	return &runspaceCountBody{CallID: callID, kind: GetAvailableRunspaces}
}

func (b *runspaceCountBody) Type() MessageType { return b.kind }

func (b *runspaceCountBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	if b.field != "" {
		c.Adapted.Set(b.field, psrpvalue.Int32(b.Count))
	}
	c.Adapted.Set("ci", psrpvalue.Int64(b.CallID))
	return psrpvalue.Complex(c)
}

func (b *runspaceCountBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	if b.field != "" {
		if p, ok := c.Adapted.Get(b.field); ok {
			b.Count = p.Value.I32
		}
	}
	if p, ok := c.Adapted.Get("ci"); ok {
		b.CallID = p.Value.I64
	}
	return nil
}

// --- RunspaceAvailability ---

type RunspaceAvailabilityBody struct {
	// SetResponse holds the boolean reply to SetMax/SetMinRunspaces;
	// AvailableRunspaces holds the count reply to GetAvailableRunspaces.
	// Which one is meaningful depends on the ci being answered.
	SetResponse        bool
	AvailableRunspaces int64
	CallID             int64
}

func (b *RunspaceAvailabilityBody) Type() MessageType { return RunspaceAvailability }

func (b *RunspaceAvailabilityBody) ToValue() psrpvalue.Value {
	c := psrpvalue.NewComplexObject()
	c.Adapted.Set("ci", psrpvalue.Int64(b.CallID))
	if b.AvailableRunspaces > 0 {
		c.Adapted.Set("SetMinMaxRunspacesResponse", psrpvalue.Int64(b.AvailableRunspaces))
	} else {
		c.Adapted.Set("SetMinMaxRunspacesResponse", psrpvalue.Bool(b.SetResponse))
	}
	return psrpvalue.Complex(c)
}

func (b *RunspaceAvailabilityBody) FromValue(v psrpvalue.Value) error {
	c, err := complexFrom(v)
	if err != nil {
		return err
	}
	if p, ok := c.Adapted.Get("ci"); ok {
		b.CallID = p.Value.I64
	}
	if p, ok := c.Adapted.Get("SetMinMaxRunspacesResponse"); ok {
		switch p.Value.Kind {
		case psrpvalue.KindBool:
			b.SetResponse = p.Value.Bool
		case psrpvalue.KindInt64:
			b.AvailableRunspaces = p.Value.I64
		case psrpvalue.KindInt32:
			b.AvailableRunspaces = int64(p.Value.I32)
		}
	}
	return nil
}

// --- UserEvent ---
// Engine events forwarded from the server (Register-EngineEvent). The body
// shape is a positional property list; it is carried opaquely.

type UserEventBody struct {
	Data psrpvalue.Value
}

func (b *UserEventBody) Type() MessageType        { return UserEvent }
func (b *UserEventBody) ToValue() psrpvalue.Value { return b.Data }
func (b *UserEventBody) FromValue(v psrpvalue.Value) error {
	b.Data = v
	return nil
}

// --- EndOfPipelineInput ---

type EndOfPipelineInputBody struct{}

func (b *EndOfPipelineInputBody) Type() MessageType        { return EndOfPipelineInput }
func (b *EndOfPipelineInputBody) ToValue() psrpvalue.Value { return psrpvalue.Nil() }
func (b *EndOfPipelineInputBody) FromValue(psrpvalue.Value) error {
	return nil
}
