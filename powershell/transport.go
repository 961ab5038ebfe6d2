package powershell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/smnsjas/go-psremoting/wsman"
)

// WSManTransport implements io.ReadWriter over WSMan Send/Receive operations.
// This is the bridge between the runspace package (which expects an
// io.ReadWriter carrying raw PSRP fragment bytes) and our WSMan client
// (which provides HTTP-based Send/Receive verbs).
type WSManTransport struct {
	mu sync.Mutex

	client    PoolClient
	epr       *wsman.EndpointReference
	commandID string
	ctx       context.Context

	// Buffered data from Receive.
	readBuf bytes.Buffer
	done    bool
}

// NewWSManTransport creates a transport that bridges WSMan to io.ReadWriter.
// epr and commandID may be nil/empty and set later via Configure, since the
// transport is often constructed before the shell/command exist.
func NewWSManTransport(client PoolClient, epr *wsman.EndpointReference, commandID string) *WSManTransport {
	return &WSManTransport{
		client:    client,
		epr:       epr,
		commandID: commandID,
		ctx:       context.Background(),
	}
}

// SetContext sets the context used for subsequent Send/Receive operations.
func (t *WSManTransport) SetContext(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx = ctx
}

// Write sends PSRP fragment bytes to the command's stdin stream via WSMan Send.
func (t *WSManTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	ctx := t.ctx
	client, epr, commandID := t.client, t.epr, t.commandID
	t.mu.Unlock()

	if client == nil {
		return 0, fmt.Errorf("transport not configured")
	}

	if err := client.Send(ctx, epr, commandID, "stdin", p); err != nil {
		return 0, fmt.Errorf("wsman send: %w", err)
	}
	return len(p), nil
}

// Read receives PSRP fragment bytes from the command's stdout stream via
// WSMan Receive, polling as necessary. Returns io.EOF once the command
// reports CommandState/Done.
func (t *WSManTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return 0, fmt.Errorf("transport not configured")
	}

	if err := t.ctx.Err(); err != nil {
		return 0, err
	}

	if t.readBuf.Len() > 0 {
		return t.readBuf.Read(p)
	}

	if t.done {
		return 0, io.EOF
	}

	result, err := t.client.Receive(t.ctx, t.epr, t.commandID)
	if err != nil {
		return 0, fmt.Errorf("wsman receive: %w", err)
	}

	if len(result.Stdout) > 0 {
		t.readBuf.Write(result.Stdout)
	}

	if result.Done {
		t.done = true
	}

	if t.readBuf.Len() > 0 {
		return t.readBuf.Read(p)
	}
	if t.done {
		return 0, io.EOF
	}

	// No data yet; caller should retry.
	return 0, nil
}

// Close signals the command to terminate.
func (t *WSManTransport) Close() error {
	t.mu.Lock()
	ctx, client, epr, commandID := t.ctx, t.client, t.epr, t.commandID
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Signal(ctx, epr, commandID, SignalTerminate)
}

// Configure sets the WSMan client, endpoint reference, and command ID for the
// transport. This allows the transport to be created before the shell and
// command are established.
func (t *WSManTransport) Configure(client PoolClient, epr *wsman.EndpointReference, commandID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client = client
	t.epr = epr
	t.commandID = commandID
}

// CloseIdleConnections closes any idle connections on the underlying client,
// forcing a fresh auth handshake on the next request.
func (t *WSManTransport) CloseIdleConnections() {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
}
