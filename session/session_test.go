package session

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-psremoting/auth"
	"github.com/smnsjas/go-psremoting/fragment"
	"github.com/smnsjas/go-psremoting/host"
	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/psrpvalue"
	"github.com/smnsjas/go-psremoting/runspace"
	"github.com/smnsjas/go-psremoting/wsman"
	"github.com/smnsjas/go-psremoting/wsman/transport"
)

func newTestSession(t *testing.T) (*ActiveSession, *runspace.Pool) {
	t.Helper()

	outbox := NewOutbox()
	pool := runspace.New(outbox, uuid.New())
	pool.SkipHandshakeSend = true
	_, err := pool.GetHandshakeFragments()
	require.NoError(t, err)
	feed(t, pool, uuid.Nil, &messages.SessionCapabilityBody{ProtocolVersion: "2.3", PSVersion: "2.0", SerializationVersion: "1.1.0.1"})
	feed(t, pool, uuid.Nil, &messages.RunspacePoolStateBody{State: messages.RunspaceOpened})
	require.Equal(t, runspace.StateOpened, pool.State())

	builder := wsman.NewRequestBuilder("http://127.0.0.1:5985/wsman")
	engine := auth.NewBasicEngine(auth.Credentials{Username: "u", Password: "p"})
	engine.AllowUnencryptedBasic = true
	epr := &wsman.EndpointReference{
		ResourceURI: wsman.ResourceURIPowerShell,
		Selectors:   []wsman.Selector{{Name: "ShellId", Value: "SHELL-1"}},
	}
	return NewActiveSession(pool, builder, engine, epr, outbox), pool
}

func feed(t *testing.T, pool *runspace.Pool, pipelineID uuid.UUID, body messages.Body) {
	t.Helper()
	msg, err := messages.NewMessage(messages.DestinationClient, pool.RunspacePoolID(), pipelineID, body)
	require.NoError(t, err)
	require.NoError(t, pool.HandleInboundMessage(msg))
}

// receiveResponseWith renders a ReceiveResponse envelope whose stdout stream
// carries the given messages as PSRP fragments.
func receiveResponseWith(t *testing.T, pool *runspace.Pool, pipelineID uuid.UUID, bodies ...messages.Body) *transport.Response {
	t.Helper()
	fr := fragment.NewFragmenter(32000)
	var raw []byte
	for i, b := range bodies {
		msg, err := messages.NewMessage(messages.DestinationClient, pool.RunspacePoolID(), pipelineID, b)
		require.NoError(t, err)
		enc, err := messages.Encode(msg)
		require.NoError(t, err)
		frags, err := fr.Fragment(uint64(100+i), enc)
		require.NoError(t, err)
		for _, f := range frags {
			raw = append(raw, f.Marshal()...)
		}
	}
	body := `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:rsp="http://schemas.microsoft.com/wbem/wsman/1/windows/shell">` +
		`<s:Body><rsp:ReceiveResponse>` +
		`<rsp:Stream Name="stdout">` + base64.StdEncoding.EncodeToString(raw) + `</rsp:Stream>` +
		`<rsp:CommandState State="http://schemas.microsoft.com/wbem/wsman/1/windows/shell/CommandState/Running"></rsp:CommandState>` +
		`</rsp:ReceiveResponse></s:Body></s:Envelope>`
	return &transport.Response{
		StatusCode: 200,
		Headers:    []transport.HeaderField{{Name: "Content-Type", Value: transport.ContentTypeSOAP}},
		Body:       []byte(body),
	}
}

func TestCreatePipelineEmitsCommandRequest(t *testing.T) {
	s, _ := newTestSession(t)

	results, err := s.AcceptClientOperation(UserOperation{CreatePipeline: &CreatePipelineOp{Script: "Get-Date"}})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Priority ordering: SendBack before PipelineCreated.
	assert.Equal(t, KindSendBack, results[0].Kind)
	assert.Equal(t, KindPipelineCreated, results[1].Kind)
	assert.NotEqual(t, uuid.Nil, results[1].Handle.ID)

	body := string(results[0].Request.Body)
	assert.Contains(t, body, "shell/Command")
	assert.Contains(t, body, "CommandId=")
	assert.Contains(t, body, "rsp:Arguments")
}

func TestPipelineLifecycleEvents(t *testing.T) {
	s, pool := newTestSession(t)

	results, err := s.AcceptClientOperation(UserOperation{CreatePipeline: &CreatePipelineOp{Script: "Get-Date"}})
	require.NoError(t, err)
	handle := results[1].Handle

	resp := receiveResponseWith(t, pool, handle.ID,
		&messages.PipelineStateBody{State: messages.PipelineRunning},
		&messages.PipelineOutputBody{Data: psrpvalue.String("now")},
		&messages.PipelineStateBody{State: messages.PipelineCompleted},
	)
	out, err := s.AcceptServerResponse(resp)
	require.NoError(t, err)

	var streams []StreamKind
	var sawTerminal bool
	for _, r := range out {
		if r.Kind != KindUserEvent || r.Event.PipelineID != handle.ID {
			continue
		}
		streams = append(streams, r.Event.Stream)
		if r.Event.Stream == StreamState {
			sawTerminal = true
			assert.Equal(t, messages.PipelineCompleted, r.Event.PipelineState)
		}
	}
	assert.Contains(t, streams, StreamOutput)
	assert.True(t, sawTerminal, "terminal PipelineState never surfaced")

	// After the terminal event, the pipeline is forgotten: further input
	// operations on the handle fail.
	_, err = s.AcceptClientOperation(UserOperation{SendInput: &SendInputOp{Pipeline: handle, Value: psrpvalue.String("x")}})
	assert.Error(t, err)
}

func TestStopEmitsCtrlCSignal(t *testing.T) {
	s, _ := newTestSession(t)

	results, err := s.AcceptClientOperation(UserOperation{CreatePipeline: &CreatePipelineOp{Script: "Start-Sleep 60"}})
	require.NoError(t, err)
	handle := results[1].Handle

	out, err := s.AcceptClientOperation(UserOperation{Stop: &StopOp{Pipeline: handle}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, KindSendBack, out[0].Kind)

	body := string(out[0].Request.Body)
	assert.Contains(t, body, "shell/Signal")
	assert.True(t, strings.Contains(body, wsman.SignalPSCtrlC), "signal code missing: %s", body)
}

func TestHostCallReplyFlowsBackAsSend(t *testing.T) {
	s, pool := newTestSession(t)

	// Application answers ReadLine with "hello".
	pool.SetHostHandler(func(callMsg *messages.Message) error {
		var body messages.HostCallBody
		if err := messages.DecodeBody(callMsg, &body); err != nil {
			return err
		}
		call := host.FromBody(&body, host.ScopePipeline, callMsg.PipelineID)
		resp, err := host.BuildResponse(call, host.Send(psrpvalue.String("hello")))
		if err != nil {
			return err
		}
		respMsg, err := messages.NewMessage(messages.DestinationServer, pool.RunspacePoolID(), callMsg.PipelineID, resp)
		if err != nil {
			return err
		}
		return pool.Dispatch(context.Background(), respMsg)
	})

	results, err := s.AcceptClientOperation(UserOperation{CreatePipeline: &CreatePipelineOp{Script: "Read-Host"}})
	require.NoError(t, err)
	handle := results[1].Handle

	callBody := messages.NewPipelineHostCallBody()
	callBody.CallID = 42
	callBody.MethodID = int32(host.ReadLine)

	resp := receiveResponseWith(t, pool, handle.ID, callBody)
	out, err := s.AcceptServerResponse(resp)
	require.NoError(t, err)

	var sendBack *StepResult
	for i := range out {
		if out[i].Kind == KindSendBack {
			sendBack = &out[i]
		}
	}
	require.NotNil(t, sendBack, "no Send request emitted for host response")
	body := string(sendBack.Request.Body)
	assert.Contains(t, body, "shell/Send")

	// Decode the rsp:Stream payload and verify the PipelineHostResponse.
	start := strings.Index(body, `Name="stdin"`)
	require.Greater(t, start, 0)
	open := strings.Index(body[start:], ">") + start + 1
	end := strings.Index(body[open:], "<") + open
	payload, err := base64.StdEncoding.DecodeString(body[open:end])
	require.NoError(t, err)

	d := fragment.NewDefragmenter()
	complete, err := d.Feed(payload)
	require.NoError(t, err)
	require.Len(t, complete, 1)
	msg, err := messages.Decode(complete[0])
	require.NoError(t, err)
	assert.Equal(t, messages.PipelineHostResponse, msg.Type)

	var respBody messages.PipelineHostResponseBody
	require.NoError(t, messages.DecodeBody(msg, &respBody))
	assert.Equal(t, int64(42), respBody.CallID)
	result, err := respBody.Result.AsString()
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestCloseEmitsDelete(t *testing.T) {
	s, _ := newTestSession(t)
	out, err := s.AcceptClientOperation(UserOperation{Close: true})
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, KindSendBack, out[0].Kind)
	assert.Contains(t, string(out[0].Request.Body), "transfer/Delete")

	_, err = s.AcceptClientOperation(UserOperation{CreatePipeline: &CreatePipelineOp{Script: "x"}})
	assert.ErrorIs(t, err, runspace.ErrClosed)
}
