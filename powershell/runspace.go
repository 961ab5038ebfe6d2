package powershell

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/smnsjas/go-psremoting/pipeline"
	"github.com/smnsjas/go-psremoting/runspace"
	"github.com/smnsjas/go-psremoting/wsman"
)

// PoolClient is the slice of the WSMan client the backends depend on.
type PoolClient interface {
	Create(ctx context.Context, options map[string]string, creationXML string) (*wsman.EndpointReference, error)
	Delete(ctx context.Context, epr *wsman.EndpointReference) error
	Command(ctx context.Context, epr *wsman.EndpointReference, commandID, arguments string) (string, error)
	Send(ctx context.Context, epr *wsman.EndpointReference, commandID, stream string, data []byte) error
	Receive(ctx context.Context, epr *wsman.EndpointReference, commandID string) (*wsman.ReceiveResult, error)
	Signal(ctx context.Context, epr *wsman.EndpointReference, commandID, code string) error
	Disconnect(ctx context.Context, epr *wsman.EndpointReference) error
	Reconnect(ctx context.Context, shellID string) error
	Connect(ctx context.Context, shellID string, connectXML string) ([]byte, error)
	CloseIdleConnections()
}

// Errors for backend lifecycle misuse.
var (
	ErrPoolNotOpened = errors.New("runspace pool not opened")
	ErrPoolClosed    = errors.New("runspace pool already closed")
)

// WSManBackend carries a runspace pool over a WSMan shell: the PSRP
// handshake rides the shell Create as creationXml, pipelines become shell
// commands, and each pipeline polls its own command for output.
type WSManBackend struct {
	mu sync.RWMutex

	client    PoolClient
	epr       *wsman.EndpointReference
	shellID   string
	opened    bool
	closed    bool
	transport *WSManTransport
}

// NewWSManBackend creates a backend over client; transport is the
// shell-scoped transport the pool reads during negotiation.
func NewWSManBackend(client PoolClient, transport *WSManTransport) *WSManBackend {
	return &WSManBackend{
		client:    client,
		transport: transport,
	}
}

// ShellID returns the WSMan shell id once the shell exists.
func (b *WSManBackend) ShellID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shellID
}

// EPR returns the shell's endpoint reference.
func (b *WSManBackend) EPR() *wsman.EndpointReference {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.epr
}

// Connect is a no-op: the HTTP transport connects lazily per request.
func (b *WSManBackend) Connect(_ context.Context) error {
	return nil
}

// Transport returns the shell-scoped pool transport.
func (b *WSManBackend) Transport() io.ReadWriter {
	return b.transport
}

// Init creates the WSMan shell with the pool's handshake piggybacked as
// creationXml, then drives the pool's Open over the shell transport.
func (b *WSManBackend) Init(ctx context.Context, pool *runspace.Pool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrPoolClosed
	}
	if b.opened {
		return nil
	}

	frags, err := pool.GetHandshakeFragments()
	if err != nil {
		return err
	}

	epr, err := b.client.Create(ctx,
		map[string]string{"protocolversion": "2.3"},
		base64.StdEncoding.EncodeToString(frags))
	if err != nil {
		return err
	}
	// Some servers echo the generic WinRS resource URI in CreateResponse;
	// every following operation must target the PowerShell one.
	epr.ResourceURI = wsman.ResourceURIPowerShell

	b.epr = epr
	b.transport.Configure(b.client, epr, "")
	b.shellID = epr.ShellID()
	b.opened = true

	// The handshake already went out inside Create.
	pool.SkipHandshakeSend = true
	return pool.Open(ctx)
}

// Close deletes the WSMan shell.
func (b *WSManBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.opened {
		return ErrPoolNotOpened
	}
	if b.closed {
		return nil
	}
	if err := b.client.Delete(ctx, b.epr); err != nil {
		return err
	}
	b.closed = true
	return nil
}

// Disconnect detaches the shell server-side; the backend is spent and a
// fresh one reattaches later.
func (b *WSManBackend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.opened {
		return ErrPoolNotOpened
	}
	if b.closed {
		return ErrPoolClosed
	}
	if err := b.client.Disconnect(ctx, b.epr); err != nil {
		return err
	}
	b.closed = true
	return nil
}

// Reconnect replays the same-client Reconnect verb for shellID.
func (b *WSManBackend) Reconnect(ctx context.Context, shellID string) error {
	return b.client.Reconnect(ctx, shellID)
}

// Reattach joins a disconnected shell with WSManConnectShellEx semantics:
// the pool's connect handshake rides the Connect request, and the server's
// PSRP reply seeds the pool state.
func (b *WSManBackend) Reattach(ctx context.Context, pool *runspace.Pool, shellID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opened {
		return nil
	}

	connectFrags, err := pool.GetConnectHandshakeFragments()
	if err != nil {
		return fmt.Errorf("get connect fragments: %w", err)
	}
	respData, err := b.client.Connect(ctx, shellID, base64.StdEncoding.EncodeToString(connectFrags))
	if err != nil {
		return fmt.Errorf("wsman connect: %w", err)
	}

	b.epr = wsman.ShellEPR(wsman.ResourceURIPowerShell, shellID)
	b.transport.Configure(b.client, b.epr, "")
	b.shellID = shellID
	b.opened = true

	if len(respData) > 0 {
		if err := pool.ProcessConnectResponse(respData); err != nil {
			return fmt.Errorf("process connect response: %w", err)
		}
	}

	// No dispatch loop here: WSMan pipelines run their own per-command
	// receive loops; the shared loop is the socket backends' model.
	pool.ResumeOpened()
	return nil
}

// SupportsPSRPKeepalive returns false: WSMan runs a per-command transport
// with its own receive loop, so the pool's shared dispatch loop stays off.
func (b *WSManBackend) SupportsPSRPKeepalive() bool {
	return false
}

// PreparePipeline creates the shell command carrying the CreatePipeline
// payload and returns the per-command transport its receive loop reads.
func (b *WSManBackend) PreparePipeline(ctx context.Context, p *pipeline.Pipeline, payload string) (io.Reader, func(), error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.opened {
		return nil, nil, ErrPoolNotOpened
	}
	if b.closed {
		return nil, nil, ErrPoolClosed
	}

	// The pipeline GUID doubles as the CommandId so Receive responses route
	// unambiguously.
	returnedID, err := b.client.Command(ctx, b.epr, strings.ToUpper(p.ID().String()), payload)
	if err != nil {
		return nil, nil, fmt.Errorf("create wsman command: %w", err)
	}

	pipelineTransport := NewWSManTransport(b.client, b.epr, returnedID)
	pipelineTransport.SetContext(ctx)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = b.client.Signal(ctx, b.epr, returnedID, wsman.SignalTerminate)
	}

	// CreatePipeline already rode the Command request; Invoke must not send
	// it again.
	p.SkipInvokeSend()

	return pipelineTransport, cleanup, nil
}
