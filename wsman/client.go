package wsman

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/smnsjas/go-psremoting/wsman/transport"
)

// Client is a WSMan client for communicating with WinRM endpoints. It is a
// thin blocking driver over RequestBuilder: every verb builds its envelope
// through the pure builder, posts it, checks for a SOAP fault, and parses
// the response body.
type Client struct {
	builder   *RequestBuilder
	transport *transport.HTTPTransport
}

// NewClient creates a new WSMan client.
func NewClient(endpoint string, tr *transport.HTTPTransport) *Client {
	return &Client{
		builder:   NewRequestBuilder(endpoint),
		transport: tr,
	}
}

// Builder exposes the client's request builder so callers can adjust the
// negotiated sizes, locale, or resource URI before issuing operations.
func (c *Client) Builder() *RequestBuilder {
	return c.builder
}

// SetTransport swaps the underlying HTTP transport (used by tests and
// reconnect flows that need a fresh connection pool).
func (c *Client) SetTransport(tr *transport.HTTPTransport) {
	c.transport = tr
}

// SetSessionID sets the WS-Management SessionId for the client.
func (c *Client) SetSessionID(sessionID string) {
	c.builder.SessionID = sessionID
}

// SetResourceURI overrides the shell resource URI (custom session
// configurations, JEA endpoints).
func (c *Client) SetResourceURI(uri string) {
	c.builder.ResourceURI = uri
}

// ReceiveResult contains the result of a Receive operation.
type ReceiveResult struct {
	Stdout       []byte
	Stderr       []byte
	CommandState string
	ExitCode     int
	Done         bool
}

// Create creates a new shell (RunspacePool) and returns the EndpointReference.
// For PowerShell remoting, creationXML should contain base64-encoded PSRP
// fragments (SessionCapability + InitRunspacePool messages).
func (c *Client) Create(ctx context.Context, options map[string]string, creationXML string) (*EndpointReference, error) {
	shellID := strings.ToUpper(uuid.New().String())
	req, err := c.builder.Create(options, shellID, creationXML)
	if err != nil {
		return nil, fmt.Errorf("create shell: %w", err)
	}
	respBody, err := c.post(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create shell: %w", err)
	}
	return ParseCreateResponse(respBody)
}

// Command creates a new command (Pipeline) in the shell and returns the
// command ID the server assigned.
func (c *Client) Command(ctx context.Context, epr *EndpointReference, commandID, arguments string) (string, error) {
	req, err := c.builder.Command(epr, commandID, arguments)
	if err != nil {
		return "", fmt.Errorf("create command: %w", err)
	}
	respBody, err := c.post(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create command: %w", err)
	}
	return ParseCommandResponse(respBody)
}

// Send sends data to a command's input stream.
func (c *Client) Send(ctx context.Context, epr *EndpointReference, commandID, stream string, data []byte) error {
	req, err := c.builder.Send(epr, commandID, stream, data)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if _, err := c.post(ctx, req); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Receive retrieves output from a command's output streams.
func (c *Client) Receive(ctx context.Context, epr *EndpointReference, commandID string) (*ReceiveResult, error) {
	req, err := c.builder.Receive(epr, commandID)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	respBody, err := c.post(ctx, req)
	if err != nil {
		// An operation timeout just means no data was available; return an
		// empty result so the caller can poll again.
		var fault *Fault
		if errors.As(err, &fault) && fault.IsTimeout() {
			return &ReceiveResult{}, nil
		}
		return nil, fmt.Errorf("receive: %w", err)
	}

	out, err := ParseReceiveResponse(respBody)
	if err != nil {
		return nil, err
	}
	result := &ReceiveResult{CommandState: out.CommandState}
	for _, s := range out.Streams {
		switch s.Name {
		case "stdout":
			result.Stdout = append(result.Stdout, s.Data...)
		case "stderr":
			result.Stderr = append(result.Stderr, s.Data...)
		}
	}
	if out.HasExitCode {
		result.ExitCode = out.ExitCode
		result.Done = true
	}
	return result, nil
}

// Signal sends a signal to a command.
func (c *Client) Signal(ctx context.Context, epr *EndpointReference, commandID, code string) error {
	req, err := c.builder.Signal(epr, commandID, code)
	if err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	if _, err := c.post(ctx, req); err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	return nil
}

// Delete deletes a shell.
func (c *Client) Delete(ctx context.Context, epr *EndpointReference) error {
	req, err := c.builder.Delete(epr)
	if err != nil {
		return fmt.Errorf("delete shell: %w", err)
	}
	if _, err := c.post(ctx, req); err != nil {
		return fmt.Errorf("delete shell: %w", err)
	}
	return nil
}

// Disconnect disconnects the shell on the server without closing it. The
// shell remains active and can be reconnected to later.
func (c *Client) Disconnect(ctx context.Context, epr *EndpointReference) error {
	req, err := c.builder.Disconnect(epr)
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if _, err := c.post(ctx, req); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Reconnect reconnects to a disconnected shell. Only the ShellId selector is
// sent; the server resolves the shell from it.
func (c *Client) Reconnect(ctx context.Context, shellID string) error {
	req, err := c.builder.Reconnect(shellID)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if _, err := c.post(ctx, req); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

// Connect connects to an existing disconnected shell using
// WSManConnectShellEx semantics. This is for NEW clients attaching to a
// session disconnected by a different client. connectXML carries the
// base64-encoded PSRP handshake (SessionCapability + ConnectRunspacePool);
// the returned bytes are the server's decoded PSRP reply.
func (c *Client) Connect(ctx context.Context, shellID string, connectXML string) ([]byte, error) {
	req, err := c.builder.Connect(shellID, connectXML)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	respBody, err := c.post(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	decoded, err := ParseConnectResponse(respBody)
	if err != nil {
		return nil, err
	}
	if decoded == nil {
		return respBody, nil
	}
	return decoded, nil
}

// post sends a marshaled request, returning the response body after checking
// for a SOAP fault.
func (c *Client) post(ctx context.Context, req *transport.Request) ([]byte, error) {
	respBody, err := c.transport.Post(ctx, req.URL, req.Body)
	if err != nil {
		return nil, err
	}
	if err := CheckFault(respBody); err != nil {
		return nil, fmt.Errorf("wsman: %w", err)
	}
	return respBody, nil
}

// CloseIdleConnections closes any idle connections in the underlying
// transport. This forces a fresh NTLM handshake for subsequent requests.
func (c *Client) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

// Response types for XML parsing.

type createResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		ResourceCreated struct {
			Address             string `xml:"Address"`
			ReferenceParameters struct {
				ResourceURI string `xml:"ResourceURI"`
				SelectorSet struct {
					Selectors []Selector `xml:"Selector"`
				} `xml:"SelectorSet"`
			} `xml:"ReferenceParameters"`
		} `xml:"ResourceCreated"`
	} `xml:"Body"`
}

type commandResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		CommandResponse struct {
			CommandID string `xml:"CommandId"`
		} `xml:"http://schemas.microsoft.com/wbem/wsman/1/windows/shell CommandResponse"`
	} `xml:"Body"`
}

type receiveResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		ReceiveResponse struct {
			Streams []struct {
				Name      string `xml:"Name,attr"`
				CommandID string `xml:"CommandId,attr"`
				Content   string `xml:",chardata"`
			} `xml:"Stream"`
			CommandState struct {
				CommandID string `xml:"CommandId,attr"`
				State     string `xml:"State,attr"`
				ExitCode  *int   `xml:"ExitCode"`
			} `xml:"CommandState"`
		} `xml:"ReceiveResponse"`
	} `xml:"Body"`
}

type connectResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		ConnectResponse struct {
			ConnectResponseXml string `xml:"connectResponseXml"`
		} `xml:"ConnectResponse"`
	} `xml:"Body"`
}
