package powershell

import (
	"context"

	"github.com/smnsjas/go-psremoting/wsman"
)

// Pipeline represents a PowerShell pipeline running in a RunspacePool.
type Pipeline struct {
	client    PoolClient
	epr       *wsman.EndpointReference
	commandID string
}

// CommandID returns the WSMan command ID for this pipeline.
func (p *Pipeline) CommandID() string {
	return p.commandID
}

// GetTransport returns an io.ReadWriter transport for this pipeline,
// suitable as a runspace pool transport.
func (p *Pipeline) GetTransport() *WSManTransport {
	t := NewWSManTransport(p.client, p.epr, p.commandID)
	t.SetContext(context.Background())
	return t
}

// Close terminates this pipeline.
func (p *Pipeline) Close(ctx context.Context) error {
	return p.client.Signal(ctx, p.epr, p.commandID, SignalTerminate)
}

// SignalTerminate is the signal code to terminate a command.
const SignalTerminate = "http://schemas.microsoft.com/wbem/wsman/1/windows/shell/signal/terminate"
