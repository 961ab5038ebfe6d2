// Package connector implements the pre-session state machine: from initial
// configuration through authentication and shell creation to an open
// runspace pool. It is a pure transducer — it emits HTTP request values and
// consumes HTTP response values, never performing I/O itself — so the same
// connector serves blocking, asynchronous, and tunnelled drivers.
package connector

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/auth"
	"github.com/smnsjas/go-psremoting/runspace"
	"github.com/smnsjas/go-psremoting/session"
	"github.com/smnsjas/go-psremoting/wsman"
	"github.com/smnsjas/go-psremoting/wsman/transport"
)

// Scheme selects the endpoint transport.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// DefaultPort returns the WinRM default port for the scheme (5985/5986).
func (s Scheme) DefaultPort() int {
	if s == SchemeHTTPS {
		return 5986
	}
	return 5985
}

// Config is the connector's input: endpoint location, authentication, and
// the WS-Management negotiation parameters.
type Config struct {
	Server string
	Port   int
	Scheme Scheme

	Auth auth.Config

	Locale           string
	MaxEnvelopeSize  int
	OperationTimeout time.Duration

	// ResourceURI overrides the default PowerShell session configuration.
	ResourceURI string

	// MinRunspaces/MaxRunspaces size the pool; zero means 1.
	MinRunspaces int32
	MaxRunspaces int32
}

// Endpoint renders the WSMan endpoint URL.
func (c Config) Endpoint() string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = SchemeHTTP
	}
	port := c.Port
	if port == 0 {
		port = scheme.DefaultPort()
	}
	return fmt.Sprintf("%s://%s:%d/wsman", scheme, c.Server, port)
}

// connState is the connector's lifecycle.
type connState int

const (
	stateFresh connState = iota
	stateShellCreating
	stateRunspaceInitializing
	stateConnected
	stateFailed
)

// StepResult is what one Step produced: either a request the driver must
// send and loop back, or the completed session.
type StepResult struct {
	// SendBack, when non-nil, is the next request to send. Hint tells the
	// driver how to schedule it.
	SendBack *SendBack

	// Connected, when non-nil, carries the handshake result.
	Connected *Connected
}

// SendBack pairs the request with its connection-affinity hint.
type SendBack struct {
	Request *transport.Request
	Hint    transport.ConnectionHint
}

// Connected is the terminal success result.
type Connected struct {
	Session *session.ActiveSession

	// NextReceive is the receive poll the driver should issue next to keep
	// draining server output.
	NextReceive *transport.Request
}

// Connector drives the handshake. Construct with New, then call Step with
// nil, send the returned request, and feed each response back into Step
// until Connected is returned.
type Connector struct {
	cfg     Config
	state   connState
	engine  *auth.Engine
	builder *wsman.RequestBuilder
	pool    *runspace.Pool
	sink    *session.Outbox

	// pending is the request awaiting its response, replayed during the
	// auth token loop.
	pending *transport.Request

	shellEPR *wsman.EndpointReference
	shellID  string
}

// New builds a connector for cfg.
func New(cfg Config) (*Connector, error) {
	authCfg := cfg.Auth
	if authCfg.Host == "" {
		authCfg.Host = cfg.Server
	}
	authCfg.HTTPS = cfg.Scheme == SchemeHTTPS
	engine, err := auth.NewEngine(authCfg)
	if err != nil {
		return nil, err
	}

	builder := wsman.NewRequestBuilder(cfg.Endpoint())
	if cfg.ResourceURI != "" {
		builder.ResourceURI = cfg.ResourceURI
	}
	if cfg.Locale != "" {
		builder.Locale = cfg.Locale
		builder.DataLocale = cfg.Locale
	}
	if cfg.MaxEnvelopeSize > 0 {
		builder.MaxEnvelopeSize = cfg.MaxEnvelopeSize
	}
	if cfg.OperationTimeout > 0 {
		builder.OperationTimeout = isoDuration(cfg.OperationTimeout)
	}

	sink := session.NewOutbox()
	pool := runspace.New(sink, uuid.New())
	pool.SkipHandshakeSend = true
	ctx := context.Background()
	if cfg.MinRunspaces > 0 {
		_ = pool.SetMinRunspaces(ctx, cfg.MinRunspaces)
	}
	if cfg.MaxRunspaces > 0 {
		_ = pool.SetMaxRunspaces(ctx, cfg.MaxRunspaces)
	}

	return &Connector{
		cfg:     cfg,
		engine:  engine,
		builder: builder,
		pool:    pool,
		sink:    sink,
	}, nil
}

// Pool exposes the pool being negotiated; useful for tests and for drivers
// that register event listeners before the handshake completes.
func (c *Connector) Pool() *runspace.Pool { return c.pool }

// Step advances the state machine. resp is nil on the first call.
func (c *Connector) Step(ctx context.Context, resp *transport.Response) (StepResult, error) {
	switch c.state {
	case stateFailed:
		return StepResult{}, fmt.Errorf("connector: already failed")
	case stateConnected:
		return StepResult{}, fmt.Errorf("connector: already connected")
	case stateFresh:
		return c.stepFresh(ctx)
	case stateShellCreating:
		return c.stepShellCreating(ctx, resp)
	case stateRunspaceInitializing:
		return c.stepRunspaceInitializing(ctx, resp)
	default:
		return StepResult{}, fmt.Errorf("connector: invalid state %d", c.state)
	}
}

func (c *Connector) fail(err error) error {
	c.state = stateFailed
	return err
}

// stepFresh builds the shell Create request carrying the PSRP handshake as
// creationXml and authorizes it.
func (c *Connector) stepFresh(ctx context.Context) (StepResult, error) {
	frags, err := c.pool.GetHandshakeFragments()
	if err != nil {
		return StepResult{}, c.fail(err)
	}
	creationXML := base64.StdEncoding.EncodeToString(frags)
	c.shellID = strings.ToUpper(uuid.New().String())

	req, err := c.builder.Create(map[string]string{"protocolversion": "2.3"}, c.shellID, creationXML)
	if err != nil {
		return StepResult{}, c.fail(err)
	}
	if err := c.authorize(ctx, req, nil); err != nil {
		return StepResult{}, c.fail(err)
	}
	c.pending = req
	c.state = stateShellCreating
	return StepResult{SendBack: &SendBack{Request: req, Hint: transport.HintSameConnection}}, nil
}

// authorize applies the engine's next Authorization header to req.
func (c *Connector) authorize(ctx context.Context, req *transport.Request, challenge []byte) error {
	if c.engine.Established() && c.engine.Scheme() != "Basic" {
		return nil
	}
	header, _, err := c.engine.Step(c.authCtx(ctx), challenge)
	if err != nil {
		return err
	}
	if header != "" {
		req.SetHeader("Authorization", header)
	}
	return nil
}

func (c *Connector) authCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, auth.ContextKeyIsHTTPS, c.cfg.Scheme == SchemeHTTPS)
}

// handleAuth runs the token loop on a response. It returns a retry request
// when the exchange needs another round trip.
func (c *Connector) handleAuth(ctx context.Context, resp *transport.Response) (*SendBack, error) {
	challenge, retry, err := c.engine.HandleResponse(c.authCtx(ctx), resp)
	if err != nil {
		return nil, err
	}
	if !retry {
		return nil, nil
	}
	req := c.pending
	if err := c.authorize(ctx, req, challenge); err != nil {
		return nil, err
	}
	return &SendBack{Request: req, Hint: transport.HintSameConnection}, nil
}

func (c *Connector) stepShellCreating(ctx context.Context, resp *transport.Response) (StepResult, error) {
	if resp == nil {
		return StepResult{}, c.fail(fmt.Errorf("connector: expected a response"))
	}

	retry, err := c.handleAuth(ctx, resp)
	if err != nil {
		return StepResult{}, c.fail(err)
	}
	if retry != nil {
		return StepResult{SendBack: retry}, nil
	}

	body, err := c.unwrap(resp)
	if err != nil {
		return StepResult{}, c.fail(err)
	}
	if err := wsman.CheckFault(body); err != nil {
		return StepResult{}, c.fail(err)
	}
	if resp.StatusCode >= 400 {
		return StepResult{}, c.fail(fmt.Errorf("connector: shell create failed with HTTP %d", resp.StatusCode))
	}

	epr, err := wsman.ParseCreateResponse(body)
	if err != nil {
		return StepResult{}, c.fail(err)
	}
	// Subsequent operations must target the PowerShell resource URI even
	// when the server echoed the generic WinRS one.
	epr.ResourceURI = c.builder.ResourceURI
	c.shellEPR = epr
	if id := epr.ShellID(); id != "" {
		c.shellID = id
	}

	c.state = stateRunspaceInitializing
	return c.emitReceive()
}

func (c *Connector) emitReceive() (StepResult, error) {
	req, err := c.builder.Receive(c.shellEPR, "")
	if err != nil {
		return StepResult{}, c.fail(err)
	}
	if err := c.authorize(context.Background(), req, nil); err != nil {
		return StepResult{}, c.fail(err)
	}
	c.pending = req
	return StepResult{SendBack: &SendBack{Request: req, Hint: transport.HintAny}}, nil
}

func (c *Connector) stepRunspaceInitializing(ctx context.Context, resp *transport.Response) (StepResult, error) {
	if resp == nil {
		return StepResult{}, c.fail(fmt.Errorf("connector: expected a response"))
	}

	retry, err := c.handleAuth(ctx, resp)
	if err != nil {
		return StepResult{}, c.fail(err)
	}
	if retry != nil {
		return StepResult{SendBack: retry}, nil
	}

	body, err := c.unwrap(resp)
	if err != nil {
		return StepResult{}, c.fail(err)
	}
	if err := wsman.CheckFault(body); err != nil {
		return StepResult{}, c.fail(err)
	}

	out, err := wsman.ParseReceiveResponse(body)
	if err != nil {
		return StepResult{}, c.fail(err)
	}
	if data := out.Concat(); len(data) > 0 {
		if err := c.pool.HandleInboundData(data); err != nil {
			return StepResult{}, c.fail(err)
		}
	}

	switch c.pool.State() {
	case runspace.StateOpened:
		c.state = stateConnected
		sess := session.NewActiveSession(c.pool, c.builder, c.engine, c.shellEPR, c.sink)
		next, err := c.builder.Receive(c.shellEPR, "")
		if err != nil {
			return StepResult{}, c.fail(err)
		}
		return StepResult{Connected: &Connected{Session: sess, NextReceive: next}}, nil
	case runspace.StateBroken:
		return StepResult{}, c.fail(fmt.Errorf("connector: pool broke during negotiation"))
	default:
		return c.emitReceive()
	}
}

func (c *Connector) unwrap(resp *transport.Response) ([]byte, error) {
	contentType, _ := resp.Header("Content-Type")
	return c.engine.UnwrapBody(resp.Body, contentType)
}

// ShellID returns the negotiated shell identity once the shell exists.
func (c *Connector) ShellID() string { return c.shellID }

// isoDuration renders d as the ISO-8601 duration WS-Management headers use.
func isoDuration(d time.Duration) string {
	secs := d.Seconds()
	if secs == float64(int64(secs)) {
		return fmt.Sprintf("PT%dS", int64(secs))
	}
	return fmt.Sprintf("PT%.3fS", secs)
}
