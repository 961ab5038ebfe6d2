package host

import (
	"testing"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/psrpvalue"
)

func TestDescribeShouldReplyRules(t *testing.T) {
	tests := []struct {
		id          MethodID
		name        string
		shouldReply bool
	}{
		{ReadLine, "ReadLine", true},
		{Prompt, "Prompt", true},
		{GetName, "GetName", true},
		{GetCursorPosition, "GetCursorPosition", true},
		{WriteProgress, "WriteProgress", false},
		{SetCursorPosition, "SetCursorPosition", false},
		{WriteLine2, "WriteLine2", false},
		{SetShouldExit, "SetShouldExit", false},
	}
	for _, tt := range tests {
		name, shouldReply, ok := Describe(tt.id)
		if !ok {
			t.Errorf("%s not registered", tt.name)
			continue
		}
		if name != tt.name {
			t.Errorf("Describe(%d) name = %q, want %q", tt.id, name, tt.name)
		}
		if shouldReply != tt.shouldReply {
			t.Errorf("%s shouldReply = %v, want %v", tt.name, shouldReply, tt.shouldReply)
		}
	}
}

func callFor(method MethodID, params ...psrpvalue.Value) Call {
	body := &messages.HostCallBody{
		CallID:     7,
		MethodID:   int32(method),
		Parameters: params,
	}
	return FromBody(body, ScopePipeline, uuid.New())
}

func TestBuildResponseEnforcesReplyContract(t *testing.T) {
	// should_reply=true + NoSend is a RequestReturnMismatch.
	call := callFor(ReadLine)
	_, err := BuildResponse(call, NoSend())
	hostErr, ok := err.(*Error)
	if !ok || hostErr.Kind != ErrRequestReturnMismatch {
		t.Fatalf("err = %v, want RequestReturnMismatch", err)
	}

	// should_reply=true + Send produces the typed response.
	resp, err := BuildResponse(call, Send(psrpvalue.String("hello")))
	if err != nil {
		t.Fatalf("BuildResponse: %v", err)
	}
	if resp.CallID != 7 || resp.MethodID != int32(ReadLine) {
		t.Errorf("response ids = %d/%d", resp.CallID, resp.MethodID)
	}
	if resp.Type() != messages.PipelineHostResponse {
		t.Errorf("type = %v", resp.Type())
	}

	// should_reply=false + NoSend produces nothing.
	resp, err = BuildResponse(callFor(WriteProgress), NoSend())
	if err != nil || resp != nil {
		t.Errorf("WriteProgress NoSend: resp=%v err=%v", resp, err)
	}
}

func TestDecodeParamsTyped(t *testing.T) {
	p, err := DecodeParams(callFor(WriteLine2, psrpvalue.String("hi")))
	if err != nil {
		t.Fatalf("WriteLine2: %v", err)
	}
	if wl, ok := p.(WriteLineParams); !ok || wl.Text != "hi" {
		t.Errorf("WriteLine2 params = %#v", p)
	}

	p, err = DecodeParams(callFor(ReadLine))
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if _, ok := p.(ReadLineParams); !ok {
		t.Errorf("ReadLine params = %#v", p)
	}

	coords := psrpvalue.NewComplexObject()
	coords.Extended.Set("x", psrpvalue.Int32(10))
	coords.Extended.Set("y", psrpvalue.Int32(20))
	p, err = DecodeParams(callFor(SetCursorPosition, psrpvalue.Complex(coords)))
	if err != nil {
		t.Fatalf("SetCursorPosition: %v", err)
	}
	if c, ok := p.(CoordinatesParams); !ok || c.X != 10 || c.Y != 20 {
		t.Errorf("SetCursorPosition params = %#v", p)
	}

	p, err = DecodeParams(callFor(Prompt, psrpvalue.String("Caption"), psrpvalue.String("Message")))
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if pp, ok := p.(PromptParams); !ok || pp.Caption != "Caption" || pp.Message != "Message" {
		t.Errorf("Prompt params = %#v", p)
	}

	// Methods without a typed bundle decode to RawParams.
	p, err = DecodeParams(callFor(GetBufferContents, psrpvalue.Int32(1)))
	if err != nil {
		t.Fatalf("GetBufferContents: %v", err)
	}
	if _, ok := p.(RawParams); !ok {
		t.Errorf("GetBufferContents params = %#v", p)
	}
}

func TestDecodeParamsInvalid(t *testing.T) {
	_, err := DecodeParams(callFor(SetForegroundColor))
	hostErr, ok := err.(*Error)
	if !ok || hostErr.Kind != ErrInvalidParameters {
		t.Fatalf("err = %v, want InvalidParameters", err)
	}
}

func TestUnknownMethodHasNoReply(t *testing.T) {
	body := &messages.HostCallBody{CallID: 1, MethodID: 9999}
	call := FromBody(body, ScopeRunspacePool, uuid.Nil)
	if call.ShouldReply() {
		t.Error("unknown methods must not demand a reply")
	}
}
