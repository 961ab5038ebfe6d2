package client

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/fragment"
	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/psrpvalue"
	"github.com/smnsjas/go-psremoting/runspace"
)

// fakeWinRM is an httptest-backed WinRM endpoint speaking just enough
// SOAP+PSRP for the client's happy path: shell create, negotiation, one
// pipeline with output, delete.
type fakeWinRM struct {
	mu sync.Mutex

	shellID  string
	objectID uint64
	defrag   *fragment.Defragmenter

	// pipeline responses queued per CommandId.
	pipelineQueues map[string][]byte

	requests []string
}

func newFakeWinRM() *fakeWinRM {
	return &fakeWinRM{
		shellID:        strings.ToUpper(uuid.New().String()),
		defrag:         fragment.NewDefragmenter(),
		pipelineQueues: make(map[string][]byte),
	}
}

func (f *fakeWinRM) fragmentFor(poolID, pipelineID uuid.UUID, bodies ...messages.Body) []byte {
	var out []byte
	fr := fragment.NewFragmenter(32000)
	for _, b := range bodies {
		msg, _ := messages.NewMessage(messages.DestinationClient, poolID, pipelineID, b)
		raw, _ := messages.Encode(msg)
		f.objectID++
		frags, _ := fr.Fragment(f.objectID, raw)
		for _, fr := range frags {
			out = append(out, fr.Marshal()...)
		}
	}
	return out
}

func soapOK(inner string) string {
	return `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"` +
		` xmlns:a="http://schemas.xmlsoap.org/ws/2004/08/addressing"` +
		` xmlns:w="http://schemas.dmtf.org/wbem/wsman/1/wsman.xsd"` +
		` xmlns:rsp="http://schemas.microsoft.com/wbem/wsman/1/windows/shell">` +
		`<s:Body>` + inner + `</s:Body></s:Envelope>`
}

func (f *fakeWinRM) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodyStr := string(body)
		f.mu.Lock()
		defer f.mu.Unlock()

		w.Header().Set("Content-Type", "application/soap+xml;charset=UTF-8")

		switch {
		case strings.Contains(bodyStr, "transfer/Create"):
			f.requests = append(f.requests, "create")
			// Parse the creationXml, note the pool id from the handshake.
			var env struct {
				Body struct {
					Shell struct {
						CreationXML string `xml:"creationXml"`
					} `xml:"Shell"`
				} `xml:"Body"`
			}
			if err := xml.Unmarshal(body, &env); err != nil {
				t.Errorf("create parse: %v", err)
			}
			raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Body.Shell.CreationXML))
			if err != nil {
				t.Errorf("creationXml decode: %v", err)
			}
			if _, err := f.defrag.Feed(raw); err != nil {
				t.Errorf("creationXml fragments: %v", err)
			}
			fmt.Fprint(w, soapOK(`<w:ResourceCreated><a:Address>`+r.Host+`</a:Address>`+
				`<a:ReferenceParameters>`+
				`<w:ResourceURI>http://schemas.microsoft.com/powershell/Microsoft.PowerShell</w:ResourceURI>`+
				`<w:SelectorSet><w:Selector Name="ShellId">`+f.shellID+`</w:Selector></w:SelectorSet>`+
				`</a:ReferenceParameters></w:ResourceCreated>`))

		case strings.Contains(bodyStr, "shell/Command"):
			f.requests = append(f.requests, "command")
			var env struct {
				Body struct {
					CommandLine struct {
						CommandID string `xml:"CommandId,attr"`
						Arguments string `xml:"Arguments"`
					} `xml:"CommandLine"`
				} `xml:"Body"`
			}
			if err := xml.Unmarshal(body, &env); err != nil {
				t.Errorf("command parse: %v", err)
			}
			commandID := env.Body.CommandLine.CommandID
			args, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Body.CommandLine.Arguments))
			if err != nil {
				t.Errorf("arguments decode: %v", err)
			}
			complete, err := f.defrag.Feed(args)
			if err != nil {
				t.Errorf("argument fragments: %v", err)
			}
			for _, raw := range complete {
				msg, err := messages.Decode(raw)
				if err != nil || msg.Type != messages.CreatePipeline {
					t.Errorf("expected CreatePipeline, got %v (%v)", msg, err)
					continue
				}
				f.pipelineQueues[commandID] = f.fragmentFor(msg.RunspacePoolID, msg.PipelineID,
					&messages.PipelineStateBody{State: messages.PipelineRunning},
					&messages.PipelineOutputBody{Data: psrpvalue.String("e2e output")},
					&messages.PipelineStateBody{State: messages.PipelineCompleted},
				)
			}
			fmt.Fprint(w, soapOK(`<rsp:CommandResponse><rsp:CommandId>`+commandID+`</rsp:CommandId></rsp:CommandResponse>`))

		case strings.Contains(bodyStr, "shell/Receive"):
			var env struct {
				Body struct {
					Receive struct {
						DesiredStream struct {
							CommandID string `xml:"CommandId,attr"`
						} `xml:"DesiredStream"`
					} `xml:"Receive"`
				} `xml:"Body"`
			}
			if err := xml.Unmarshal(body, &env); err != nil {
				t.Errorf("receive parse: %v", err)
			}
			commandID := env.Body.Receive.DesiredStream.CommandID
			if commandID == "" {
				f.requests = append(f.requests, "receive-shell")
				// Shell-level poll during negotiation: deliver the
				// handshake reply once.
				payload := f.shellNegotiation()
				fmt.Fprint(w, soapOK(`<rsp:ReceiveResponse>`+payload+`</rsp:ReceiveResponse>`))
				return
			}
			f.requests = append(f.requests, "receive-"+commandID)
			data := f.pipelineQueues[commandID]
			delete(f.pipelineQueues, commandID)
			stream := ""
			if len(data) > 0 {
				stream = `<rsp:Stream Name="stdout" CommandId="` + commandID + `">` +
					base64.StdEncoding.EncodeToString(data) + `</rsp:Stream>`
			}
			fmt.Fprint(w, soapOK(`<rsp:ReceiveResponse>`+stream+
				`<rsp:CommandState CommandId="`+commandID+`" State="http://schemas.microsoft.com/wbem/wsman/1/windows/shell/CommandState/Done">`+
				`<rsp:ExitCode>0</rsp:ExitCode></rsp:CommandState></rsp:ReceiveResponse>`))

		case strings.Contains(bodyStr, "shell/Signal"):
			f.requests = append(f.requests, "signal")
			fmt.Fprint(w, soapOK(`<rsp:SignalResponse></rsp:SignalResponse>`))

		case strings.Contains(bodyStr, "transfer/Delete"):
			f.requests = append(f.requests, "delete")
			fmt.Fprint(w, soapOK(``))

		default:
			preview := bodyStr
			if len(preview) > 200 {
				preview = preview[:200]
			}
			t.Errorf("unexpected request: %s", preview)
			w.WriteHeader(http.StatusBadRequest)
		}
	}
}

// shellNegotiation emits the server handshake: capability, private data,
// pool Opened. The pool id is recovered from the client's handshake, so a
// fresh fakeWinRM answers any pool.
var negotiationPoolID uuid.UUID

func (f *fakeWinRM) shellNegotiation() string {
	data := f.fragmentFor(negotiationPoolID, uuid.Nil,
		&messages.SessionCapabilityBody{ProtocolVersion: "2.3", PSVersion: "5.1", SerializationVersion: "1.1.0.1"},
		&messages.ApplicationPrivateDataBody{},
		&messages.RunspacePoolStateBody{State: messages.RunspaceOpened},
	)
	return `<rsp:Stream Name="stdout">` + base64.StdEncoding.EncodeToString(data) + `</rsp:Stream>`
}

func TestClientEndToEnd(t *testing.T) {
	fake := newFakeWinRM()
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())

	cfg := DefaultConfig()
	cfg.Username = "user"
	cfg.Password = "pass"
	cfg.AuthType = AuthBasic
	cfg.AllowUnencrypted = true
	cfg.Port = port
	cfg.Timeout = 10 * time.Second

	c, err := New(u.Hostname(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	negotiationPoolID = c.PoolID()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.State(); got != runspace.StateOpened {
		t.Fatalf("state after connect = %v", got)
	}
	if c.ShellID() != fake.shellID {
		t.Errorf("shell id = %q, want %q", c.ShellID(), fake.shellID)
	}

	result, err := c.Execute(ctx, "Get-Date")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Output) != 1 || result.Output[0] != "e2e output" {
		t.Fatalf("output = %#v", result.Output)
	}
	if result.HadErrors {
		t.Error("HadErrors = true")
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fake.mu.Lock()
	reqs := strings.Join(fake.requests, ",")
	fake.mu.Unlock()
	for _, want := range []string{"create", "command", "delete"} {
		if !strings.Contains(reqs, want) {
			t.Errorf("request log missing %q: %s", want, reqs)
		}
	}
}
