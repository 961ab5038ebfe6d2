// Package client provides a high-level API for PowerShell Remoting over WSMan.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psremoting/auth"
	"github.com/smnsjas/go-psremoting/internal/log"
	"github.com/smnsjas/go-psremoting/messages"
	"github.com/smnsjas/go-psremoting/pipeline"
	"github.com/smnsjas/go-psremoting/powershell"
	"github.com/smnsjas/go-psremoting/runspace"
	"github.com/smnsjas/go-psremoting/serialization"
	"github.com/smnsjas/go-psremoting/wsman"
	"github.com/smnsjas/go-psremoting/wsman/transport"
)

// Sentinel errors for client state.
var (
	// ErrNotConnected is returned when an operation requires Connect first.
	ErrNotConnected = errors.New("client: not connected")

	// ErrClosed is returned when the client has been closed.
	ErrClosed = errors.New("client: closed")
)

// Health summarizes the connection state for monitoring loops.
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// Result holds the collected output of one Execute call, deserialized into
// plain Go values.
type Result struct {
	Output      []interface{}
	Errors      []interface{}
	Warnings    []interface{}
	Verbose     []interface{}
	Debug       []interface{}
	Progress    []interface{}
	Information []interface{}
	HadErrors   bool
}

// Client is the high-level PSRP client: it owns the WSMan client, the auth
// engine, and the runspace pool. Command concurrency is governed by the
// pool's own availability gate, sized to MaxRunspaces.
type Client struct {
	mu sync.Mutex

	host   string
	config Config

	engine        *auth.Engine
	httpTransport *transport.HTTPTransport
	wsman         *wsman.Client
	backend       powershell.RunspaceBackend
	psrpPool      *runspace.Pool
	poolID        uuid.UUID

	connected bool
	closed    bool

	slogLogger   *slog.Logger
	reconnectMgr *reconnectManager

	keepaliveStop chan struct{}
}

// New creates a client for host with the given configuration. Connect must
// be called before executing commands.
func New(host string, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		host:   host,
		config: cfg,
		poolID: uuid.New(),
	}
	logger := cfg.Logger
	if logger == nil && cfg.LogFile != "" {
		maxSize := cfg.LogFileMaxSize
		if maxSize <= 0 {
			maxSize = 10 * 1024 * 1024
		}
		rf, err := log.NewRotatingFile(cfg.LogFile, maxSize, cfg.LogFileBackups)
		if err != nil {
			return nil, fmt.Errorf("client: open log file: %w", err)
		}
		logger = slog.New(slog.NewJSONHandler(rf, nil))
	}
	if logger != nil {
		c.slogLogger = slog.New(log.NewRedactingHandler(logger.Handler()))
	}
	c.reconnectMgr = newReconnectManager(c, cfg.Reconnect)

	// The transport stack is assembled eagerly so auth misconfiguration
	// (bad scheme, unreadable krb5.conf) surfaces at construction, and so
	// WSMan-only flows (eventing) work without Connect.
	if err := c.initWSMan(); err != nil {
		return nil, err
	}
	return c, nil
}

// Endpoint renders the WSMan endpoint URL for this client.
func (c *Client) Endpoint() string {
	scheme := "http"
	if c.config.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/wsman", scheme, c.host, c.config.Port)
}

func (c *Client) logInfo(format string, args ...any) {
	if c.slogLogger != nil {
		c.slogLogger.Info(fmt.Sprintf(format, args...))
	}
}

func (c *Client) logWarn(format string, args ...any) {
	if c.slogLogger != nil {
		c.slogLogger.Warn(fmt.Sprintf(format, args...))
	}
}

func (c *Client) logError(format string, args ...any) {
	if c.slogLogger != nil {
		c.slogLogger.Error(fmt.Sprintf(format, args...))
	}
}

// newAuthEngine builds the auth engine for the configured scheme.
func (c *Client) newAuthEngine() (*auth.Engine, error) {
	scheme := auth.Scheme(c.config.AuthType)
	if c.config.AuthType == "" {
		scheme = auth.SchemeNegotiate
	}
	return auth.NewEngine(auth.Config{
		Scheme: scheme,
		Credentials: auth.Credentials{
			Username: c.config.Username,
			Password: c.config.Password,
			Domain:   c.config.Domain,
		},
		Host:                  c.host,
		SPN:                   c.config.SPN,
		Realm:                 c.config.Realm,
		Krb5ConfPath:          c.config.Krb5ConfPath,
		HTTPS:                 c.config.UseTLS,
		AllowUnencryptedBasic: c.config.AllowUnencrypted,
	})
}

// initWSMan sets up the HTTP transport, auth engine, and WSMan client.
// Caller holds c.mu (or the client is not yet shared).
func (c *Client) initWSMan() error {
	engine, err := c.newAuthEngine()
	if err != nil {
		return err
	}

	opts := []transport.HTTPTransportOption{transport.WithTimeout(c.config.Timeout)}
	if c.config.UseTLS && c.config.InsecureSkipVerify {
		opts = append(opts, transport.WithInsecureSkipVerify(true))
	}
	ht := transport.NewHTTPTransport(opts...)
	// The engine's RoundTripper drives the token loop and body encryption
	// over the pooled transport.
	ht.Client().Transport = engine.HTTPTransport(ht.Client().Transport)

	c.engine = engine
	c.httpTransport = ht
	c.wsman = wsman.NewClient(c.Endpoint(), ht)
	c.wsman.SetResourceURI(c.config.resourceURI())
	return nil
}

// ConnectWSManOnly initializes the WSMan layer without opening a PSRP pool.
// Sufficient for WS-Eventing subscriptions.
func (c *Client) ConnectWSManOnly(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.wsman != nil {
		return nil
	}
	return c.initWSMan()
}

// newPool builds a pool wired to a fresh WSMan transport, with logging and
// sizing applied. Caller holds c.mu.
func (c *Client) newPool(ctx context.Context) (*powershell.WSManBackend, *runspace.Pool) {
	wsTransport := powershell.NewWSManTransport(c.wsman, nil, "")
	wsTransport.SetContext(ctx)
	backend := powershell.NewWSManBackend(c.wsman, wsTransport)
	pool := runspace.New(wsTransport, c.poolID)
	if c.slogLogger != nil {
		_ = pool.SetSlogLogger(c.slogLogger)
	}
	if c.config.MinRunspaces > 1 {
		_ = pool.SetMinRunspaces(ctx, c.config.MinRunspaces)
	}
	if c.config.MaxRunspaces > 1 {
		_ = pool.SetMaxRunspaces(ctx, c.config.MaxRunspaces)
	}
	return backend, pool
}

// Connect establishes the WSMan shell and opens the runspace pool.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.wsman == nil {
		if err := c.initWSMan(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	backend, pool := c.newPool(ctx)
	c.backend = backend
	c.psrpPool = pool
	c.mu.Unlock()

	if err := backend.Init(ctx, pool); err != nil {
		c.logError("connect failed: %v", err)
		return err
	}

	// The pool's availability slots gate concurrent Execute calls.
	pool.InitializeAvailabilityIfNeeded()

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.startKeepalive()
	c.reconnectMgr.start()
	c.logInfo("Connected to %s (shell %s)", c.Endpoint(), backend.ShellID())
	return nil
}

// Execute runs a PowerShell script and collects its output streams.
func (c *Client) Execute(ctx context.Context, script string) (*Result, error) {
	attempts := 1
	if c.config.Retry != nil && c.config.Retry.MaxAttempts > 1 {
		attempts = c.config.Retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.executeOnce(ctx, script)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryableError(err) || attempt == attempts {
			return nil, err
		}
		backoff := calculateRetryBackoff(attempt, c.config.Retry)
		c.logWarn("Execute attempt %d failed (%v), retrying in %s", attempt, err, backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) executeOnce(ctx context.Context, script string) (*Result, error) {
	sr, err := c.ExecuteStream(ctx, script)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	deser := serialization.NewDeserializer()
	defer func() { _ = deser.Close() }()

	var wg sync.WaitGroup
	var resMu sync.Mutex
	collect := func(dst *[]interface{}, ch <-chan *messages.Message) {
		defer wg.Done()
		for msg := range ch {
			vals, derr := deser.Deserialize(msg.Data)
			if derr != nil {
				c.logWarn("deserialize stream record: %v", derr)
				continue
			}
			resMu.Lock()
			*dst = append(*dst, vals...)
			resMu.Unlock()
		}
	}
	wg.Add(7)
	go collect(&result.Output, sr.Output)
	go collect(&result.Errors, sr.Errors)
	go collect(&result.Warnings, sr.Warnings)
	go collect(&result.Verbose, sr.Verbose)
	go collect(&result.Debug, sr.Debug)
	go collect(&result.Progress, sr.Progress)
	go collect(&result.Information, sr.Information)

	waitErr := sr.Wait()
	wg.Wait()
	result.HadErrors = len(result.Errors) > 0

	outcome := "ok"
	if waitErr != nil || result.HadErrors {
		outcome = "failed"
	}
	c.logInfo("Execute %s: '%s' (%d objects, %d errors)",
		outcome, sanitizeScriptForLogging(script), len(result.Output), len(result.Errors))

	if waitErr != nil && !errors.Is(waitErr, io.EOF) {
		return result, waitErr
	}
	return result, nil
}

// ExecuteAsync starts a script and returns immediately with the streaming
// handle; alias of ExecuteStream matching the named-result convention.
func (c *Client) ExecuteAsync(ctx context.Context, script string) (*StreamResult, error) {
	return c.ExecuteStream(ctx, script)
}

// State returns the pool state, or BeforeOpen when never connected.
func (c *Client) State() runspace.State {
	c.mu.Lock()
	pool := c.psrpPool
	c.mu.Unlock()
	if pool == nil {
		return runspace.StateBeforeOpen
	}
	return pool.State()
}

// Health maps the pool state to a monitoring verdict.
func (c *Client) Health() Health {
	c.mu.Lock()
	closed := c.closed
	connected := c.connected
	pool := c.psrpPool
	c.mu.Unlock()

	if closed || !connected || pool == nil {
		return HealthUnhealthy
	}
	switch pool.State() {
	case runspace.StateOpened:
		return HealthHealthy
	case runspace.StateClosing, runspace.StateConnecting:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// PoolID returns the runspace pool identity.
func (c *Client) PoolID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poolID
}

// ShellID returns the WSMan shell id once connected.
func (c *Client) ShellID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return ""
	}
	return c.backend.ShellID()
}

// Pool exposes the underlying runspace pool (events, key exchange, secure
// strings).
func (c *Client) Pool() *runspace.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.psrpPool
}

// Disconnect detaches the shell server-side so it can be resumed later
// (by this client via Reconnect, or by a new client via ReconnectSession).
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	backend := c.backend
	pool := c.psrpPool
	c.mu.Unlock()
	if backend == nil || pool == nil {
		return ErrNotConnected
	}

	wsBackend, ok := backend.(*powershell.WSManBackend)
	if !ok {
		return errors.New("client: disconnect requires a WSMan backend")
	}
	if err := wsBackend.Disconnect(ctx); err != nil {
		return err
	}
	pool.Disconnect()
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// Reconnect tears down local state and reattaches to shellID, rebuilding
// the pool transport. Used by the reconnect manager and manual recovery.
func (c *Client) Reconnect(ctx context.Context, shellID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.wsman == nil {
		if err := c.initWSMan(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	// Force fresh connections so the auth handshake restarts cleanly.
	c.wsman.CloseIdleConnections()
	backend, pool := c.newPool(ctx)
	c.backend = backend
	c.psrpPool = pool
	c.mu.Unlock()

	if shellID == "" {
		// No shell to reattach; run a full fresh connect.
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return c.Connect(ctx)
	}

	if err := backend.Reattach(ctx, pool, shellID); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	pool.InitializeAvailabilityIfNeeded()

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logInfo("Reconnected to shell %s", shellID)
	return nil
}

// ReconnectSession attaches this client to a shell disconnected by another
// client (WSManConnectShellEx semantics).
func (c *Client) ReconnectSession(ctx context.Context, shellID string) error {
	return c.Reconnect(ctx, shellID)
}

// Close shuts the pool and the shell down and releases the client.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	backend := c.backend
	pool := c.psrpPool
	keepalive := c.keepaliveStop
	connected := c.connected
	c.mu.Unlock()

	c.reconnectMgr.stop()
	if keepalive != nil {
		close(keepalive)
	}

	var firstErr error
	if pool != nil {
		if err := pool.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if backend != nil && connected {
		if err := backend.Close(ctx); err != nil && firstErr == nil && !errors.Is(err, powershell.ErrPoolNotOpened) {
			firstErr = err
		}
	}
	if c.engine != nil {
		_ = c.engine.Close()
	}
	c.logInfo("Session closed")
	return firstErr
}

// startKeepalive polls the shell on the configured interval so the
// server-side session outlives idle gaps.
func (c *Client) startKeepalive() {
	if c.config.KeepAliveInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.mu.Lock()
	c.keepaliveStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.config.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.keepalivePoll()
			}
		}
	}()
}

func (c *Client) keepalivePoll() {
	c.mu.Lock()
	pool := c.psrpPool
	backend := c.backend
	connected := c.connected
	c.mu.Unlock()
	if !connected || pool == nil || backend == nil {
		return
	}
	wsBackend, ok := backend.(*powershell.WSManBackend)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	result, err := c.wsman.Receive(ctx, wsBackend.EPR(), "")
	if err != nil {
		c.logWarn("keepalive poll failed: %v", err)
		return
	}
	if len(result.Stdout) > 0 {
		if err := pool.HandleInboundData(result.Stdout); err != nil {
			c.logError("keepalive inbound processing failed: %v", err)
		}
	}
}

// runPipelineReceive pumps a per-pipeline transport into the pool until the
// pipeline finishes or the reader drains.
func (c *Client) runPipelineReceive(ctx context.Context, pool *runspace.Pool, pl *pipeline.Pipeline, reader io.Reader) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-pl.Done():
			return
		case <-ctx.Done():
			pl.Fail(ctx.Err())
			return
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			if herr := pool.HandleInboundData(buf[:n]); herr != nil {
				pl.Fail(herr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The command finished; the terminal PipelineState (if any)
				// was routed above.
				select {
				case <-pl.Done():
				default:
					pl.Fail(io.EOF)
				}
				return
			}
			pl.Fail(fmt.Errorf("receive loop: %w", err))
			return
		}
	}
}

// sanitizeScriptForLogging truncates and sanitizes scripts for safe logging.
// It prevents accidental credential exposure in logs by truncating long
// scripts and suppressing potentially sensitive content.
func sanitizeScriptForLogging(script string) string {
	const maxLen = 100

	if containsSensitivePattern(script) {
		return "[script contains sensitive data - not logged]"
	}
	if len(script) <= maxLen {
		return script
	}
	return script[:maxLen] + "... [truncated]"
}

// containsSensitivePattern reports whether s looks like it carries
// credential material.
func containsSensitivePattern(s string) bool {
	lower := strings.ToLower(s)

	sensitivePatterns := []string{
		"password",
		"credential",
		"secret",
		"apikey",
		"api_key",
		"access_token",
		"accesstoken",
		"-password",
		"-credential",
		"convertto-securestring",
		"pscredential",
		"get-credential",
	}

	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
