package wsman

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/wsman/transport"
)

// PSRP signal code for stopping a pipeline. The "crtl" spelling is the
// protocol's own (MS-PSRP §2.2.5.1), not a typo here.
const SignalPSCtrlC = "powershell/signal/crtl_c"

// Defaults applied by NewRequestBuilder.
const (
	DefaultMaxEnvelopeSize  = 153600
	DefaultLocale           = "en-US"
	DefaultOperationTimeout = "PT20S"
)

// RequestBuilder renders WS-Management operations as transport.Request
// values without performing any I/O. It is the pure half of the envelope
// layer: the connector and session core consume it, and Client wraps it with
// an HTTP transport for the blocking driver.
type RequestBuilder struct {
	Endpoint         string
	ResourceURI      string
	Locale           string
	DataLocale       string
	MaxEnvelopeSize  int
	OperationTimeout string // ISO-8601 duration
	SessionID        string
}

// NewRequestBuilder returns a builder targeting endpoint with the standard
// PowerShell remoting defaults.
func NewRequestBuilder(endpoint string) *RequestBuilder {
	return &RequestBuilder{
		Endpoint:         endpoint,
		ResourceURI:      ResourceURIPowerShell,
		Locale:           DefaultLocale,
		DataLocale:       DefaultLocale,
		MaxEnvelopeSize:  DefaultMaxEnvelopeSize,
		OperationTimeout: DefaultOperationTimeout,
		SessionID:        "uuid:" + strings.ToUpper(uuid.New().String()),
	}
}

// envelope assembles the headers every operation shares: To, ReplyTo, a
// fresh MessageID, MaxEnvelopeSize, Locale/DataLocale, OperationTimeout.
func (b *RequestBuilder) envelope(action, resourceURI string) *envelope {
	return &envelope{
		action:           action,
		to:               b.Endpoint,
		resourceURI:      resourceURI,
		messageID:        "uuid:" + strings.ToUpper(uuid.New().String()),
		sessionID:        b.SessionID,
		operationTimeout: b.OperationTimeout,
		locale:           b.Locale,
		dataLocale:       b.DataLocale,
		maxEnvelopeSize:  b.MaxEnvelopeSize,
	}
}

func (b *RequestBuilder) finish(env *envelope) (*transport.Request, error) {
	return &transport.Request{
		Method: "POST",
		URL:    b.Endpoint,
		Headers: []transport.HeaderField{
			{Name: "Content-Type", Value: transport.ContentTypeSOAP},
		},
		Body: env.Render(),
	}, nil
}

// ShellDefinition describes the rsp:Shell element of a Create request.
type ShellDefinition struct {
	ShellID       string
	InputStreams  string
	OutputStreams string
	IdleTimeout   string
	WorkingDir    string
	Environment   map[string]string

	// CreationXML is the base64 PSRP handshake (SessionCapability +
	// InitRunspacePool fragments) piggybacked per MS-PSRP; empty for plain
	// WinRS shells.
	CreationXML string
}

func (d ShellDefinition) render() string {
	inputs := d.InputStreams
	if inputs == "" {
		inputs = "stdin pr"
	}
	outputs := d.OutputStreams
	if outputs == "" {
		outputs = "stdout"
	}
	idle := d.IdleTimeout
	if idle == "" {
		idle = "PT30M"
	}

	var body strings.Builder
	body.WriteString(`<rsp:Shell ShellId="` + d.ShellID + "\">\n")
	body.WriteString("  <rsp:InputStreams>" + inputs + "</rsp:InputStreams>\n")
	body.WriteString("  <rsp:OutputStreams>" + outputs + "</rsp:OutputStreams>\n")
	body.WriteString("  <rsp:IdleTimeOut>" + idle + "</rsp:IdleTimeOut>\n")
	if len(d.Environment) > 0 {
		body.WriteString("  <rsp:Environment>\n")
		for name, value := range d.Environment {
			body.WriteString(`    <rsp:Variable Name=` + quoteXMLAttr(name) + `>` + xmlEscape(value) + "</rsp:Variable>\n")
		}
		body.WriteString("  </rsp:Environment>\n")
	}
	if d.WorkingDir != "" {
		body.WriteString("  <rsp:WorkingDirectory>" + xmlEscape(d.WorkingDir) + "</rsp:WorkingDirectory>\n")
	}
	if d.CreationXML != "" {
		body.WriteString(`  <creationXml xmlns="http://schemas.microsoft.com/powershell">` + d.CreationXML + "</creationXml>\n")
	}
	body.WriteString("</rsp:Shell>")
	return body.String()
}

// Create builds the shell-creation request. shellID is the client-suggested
// ShellId; creationXML, when non-empty, is the base64 PSRP handshake
// piggybacked per MS-PSRP.
func (b *RequestBuilder) Create(options map[string]string, shellID, creationXML string) (*transport.Request, error) {
	return b.CreateShell(options, ShellDefinition{ShellID: shellID, CreationXML: creationXML})
}

// CreateShell builds a shell-creation request from a full ShellDefinition.
func (b *RequestBuilder) CreateShell(options map[string]string, def ShellDefinition) (*transport.Request, error) {
	env := b.envelope(ActionCreate, b.ResourceURI)
	for name, value := range options {
		if name == "protocolversion" {
			env.addMustComplyOption(name, value)
		} else {
			env.addOption(name, value)
		}
	}
	env.body = []byte(def.render())
	return b.finish(env)
}

// Command builds the pipeline-creation request: the client-chosen CommandId
// (the pipeline GUID) rides the CommandLine attribute, and arguments carries
// the base64-encoded CreatePipeline fragments inside an empty rsp:Command.
func (b *RequestBuilder) Command(epr *EndpointReference, commandID, arguments string) (*transport.Request, error) {
	env := b.envelope(ActionCommand, epr.ResourceURI)
	env.addSelectors(epr)

	var cmd strings.Builder
	if commandID != "" {
		cmd.WriteString(`<rsp:CommandLine CommandId="` + commandID + "\">\n  <rsp:Command></rsp:Command>\n")
	} else {
		cmd.WriteString("<rsp:CommandLine>\n  <rsp:Command></rsp:Command>\n")
	}
	if arguments != "" {
		cmd.WriteString("  <rsp:Arguments>" + arguments + "</rsp:Arguments>\n")
	}
	cmd.WriteString("</rsp:CommandLine>\n")
	env.body = []byte(cmd.String())
	return b.finish(env)
}

// Send builds the request that writes data to a command's input stream.
func (b *RequestBuilder) Send(epr *EndpointReference, commandID, stream string, data []byte) (*transport.Request, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	env := b.envelope(ActionSend, epr.ResourceURI)
	env.addSelectors(epr)

	var node string
	if commandID != "" {
		node = `<rsp:Stream Name="` + stream + `" CommandId="` + commandID + `">` + encoded + `</rsp:Stream>`
	} else {
		node = `<rsp:Stream Name="` + stream + `">` + encoded + `</rsp:Stream>`
	}
	env.body = []byte("<rsp:Send>\n  " + node + "\n</rsp:Send>")
	return b.finish(env)
}

// Receive builds the output-poll request for the shell (empty commandID) or
// one command.
func (b *RequestBuilder) Receive(epr *EndpointReference, commandID string) (*transport.Request, error) {
	env := b.envelope(ActionReceive, epr.ResourceURI)
	env.addOption("WSMAN_CMDSHELL_OPTION_KEEPALIVE", "True")
	env.addSelectors(epr)

	var node string
	if commandID != "" {
		node = `<rsp:DesiredStream CommandId="` + commandID + `">stdout</rsp:DesiredStream>`
	} else {
		node = `<rsp:DesiredStream>stdout</rsp:DesiredStream>`
	}
	env.body = []byte("<rsp:Receive>\n  " + node + "\n</rsp:Receive>")
	return b.finish(env)
}

// Signal builds the signal request for a command (terminate, ctrl_c).
func (b *RequestBuilder) Signal(epr *EndpointReference, commandID, code string) (*transport.Request, error) {
	env := b.envelope(ActionSignal, epr.ResourceURI)
	env.addSelectors(epr)
	env.body = []byte(`<rsp:Signal CommandId="` + commandID + "\">\n  <rsp:Code>" + code + "</rsp:Code>\n</rsp:Signal>")
	return b.finish(env)
}

// Delete builds the shell-deletion request.
func (b *RequestBuilder) Delete(epr *EndpointReference) (*transport.Request, error) {
	env := &envelope{
		action:    ActionDelete,
		to:        b.Endpoint,
		messageID: "uuid:" + strings.ToUpper(uuid.New().String()),
	}
	env.resourceURI = epr.ResourceURI
	env.addSelectors(epr)
	return b.finish(env)
}

// Disconnect builds the request that detaches the shell without closing it.
func (b *RequestBuilder) Disconnect(epr *EndpointReference) (*transport.Request, error) {
	env := b.envelope(ActionDisconnect, epr.ResourceURI)
	env.addSelectors(epr)
	env.body = []byte(`<rsp:Disconnect></rsp:Disconnect>`)
	return b.finish(env)
}

// Reconnect builds the same-client reattach request for a disconnected shell.
func (b *RequestBuilder) Reconnect(shellID string) (*transport.Request, error) {
	env := b.envelope(ActionReconnect, b.ResourceURI)
	env.addSelector("ShellId", shellID)
	env.body = []byte(`<rsp:Reconnect></rsp:Reconnect>`)
	return b.finish(env)
}

// Connect builds the new-client attach request (WSManConnectShellEx) with the
// PSRP connect handshake piggybacked as base64 connectXml.
func (b *RequestBuilder) Connect(shellID, connectXML string) (*transport.Request, error) {
	env := b.envelope(ActionConnect, b.ResourceURI)
	env.addSelector("ShellId", shellID)
	env.body = []byte("<rsp:Connect>\n  " +
		`<connectXml xmlns="http://schemas.microsoft.com/powershell">` + connectXML + "</connectXml>\n</rsp:Connect>")
	return b.finish(env)
}

// ReceiveStream is one rsp:Stream element from a ReceiveResponse, in
// document order, base64-decoded.
type ReceiveStream struct {
	Name      string
	CommandID string
	Data      []byte
}

// ReceiveOutput is the parsed form of a ReceiveResponse body.
type ReceiveOutput struct {
	Streams      []ReceiveStream
	CommandState string
	CommandDone  bool
	ExitCode     int
	HasExitCode  bool
}

// Concat returns all stream payloads concatenated in document order — the
// shape the PSRP defragmenter consumes.
func (o *ReceiveOutput) Concat() []byte {
	var out []byte
	for _, s := range o.Streams {
		out = append(out, s.Data...)
	}
	return out
}

// CommandState URI suffix the server reports when a command has finished.
const commandStateDone = "CommandState/Done"

// ParseCreateResponse extracts the shell's EndpointReference from a
// CreateResponse body.
func ParseCreateResponse(body []byte) (*EndpointReference, error) {
	var resp createResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("wsman: parse create response: %w", err)
	}
	epr := &EndpointReference{
		Address:     resp.Body.ResourceCreated.Address,
		ResourceURI: resp.Body.ResourceCreated.ReferenceParameters.ResourceURI,
		Selectors:   resp.Body.ResourceCreated.ReferenceParameters.SelectorSet.Selectors,
	}
	if epr.ResourceURI == "" {
		epr.ResourceURI = ResourceURIPowerShell
	}
	return epr, nil
}

// ParseCommandResponse extracts the server-assigned CommandId.
func ParseCommandResponse(body []byte) (string, error) {
	var resp commandResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("wsman: parse command response: %w", err)
	}
	return resp.Body.CommandResponse.CommandID, nil
}

// ParseReceiveResponse decodes every rsp:Stream in document order plus the
// CommandState, preserving stream ordering for the defragmenter.
func ParseReceiveResponse(body []byte) (*ReceiveOutput, error) {
	var resp receiveResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("wsman: parse receive response: %w", err)
	}
	out := &ReceiveOutput{}
	for _, stream := range resp.Body.ReceiveResponse.Streams {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(stream.Content))
		if err != nil {
			continue // skip undecodable stream payloads, matching Receive
		}
		out.Streams = append(out.Streams, ReceiveStream{
			Name:      stream.Name,
			CommandID: stream.CommandID,
			Data:      decoded,
		})
	}
	state := resp.Body.ReceiveResponse.CommandState
	out.CommandState = state.State
	out.CommandDone = strings.HasSuffix(state.State, commandStateDone)
	if state.ExitCode != nil {
		out.ExitCode = *state.ExitCode
		out.HasExitCode = true
	}
	return out, nil
}

// ParseConnectResponse extracts and base64-decodes the connectResponseXml
// payload (the server's PSRP connect handshake reply).
func ParseConnectResponse(body []byte) ([]byte, error) {
	var resp connectResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("wsman: parse connect response: %w", err)
	}
	if resp.Body.ConnectResponse.ConnectResponseXml == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Body.ConnectResponse.ConnectResponseXml)
	if err != nil {
		return nil, fmt.Errorf("wsman: decode connect response: %w", err)
	}
	return decoded, nil
}
