//go:build windows

package hvsock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"
)

// Service GUIDs for PowerShell Direct.
var (
	// PsrpBrokerServiceID is the credential broker (vmicvmsession).
	PsrpBrokerServiceID = uuid.MustParse("999e53d4-3d5c-4c3e-8779-bed06ec056e1")
	// PsrpServerServiceID is the spawned PowerShell host process.
	PsrpServerServiceID = uuid.MustParse("a5201c21-2770-4c11-a68e-f182edb29220")
)

// Handshake protocol constants. Control words ride as ASCII; credential
// strings as UTF-16LE, matching the guest-side vmicvmsession service.
const (
	versionRequest = "VERSION"
	clientVersion  = "VERSION_2"
	versionPrefix  = "VERSION_"

	defaultAuthTimeout = 10 * time.Second
)

// ErrInvalidCredentials is returned when the broker rejects the login.
var ErrInvalidCredentials = errors.New("hvsock: authentication failed: invalid credentials")

// Verbose enables debug logging via PSRP_DEBUG when no logger is attached.
var Verbose = os.Getenv("PSRP_DEBUG") != ""

var logger *slog.Logger

// SetSlogLogger routes the handshake's debug breadcrumbs to a structured
// logger instead of the PSRP_DEBUG stderr fallback.
func SetSlogLogger(l *slog.Logger) {
	logger = l
}

func debugf(format string, args ...interface{}) {
	if logger != nil {
		logger.Debug(fmt.Sprintf("[hvsock] "+format, args...))
		return
	}
	if Verbose {
		log.Printf("[hvsock] "+format, args...)
	}
}

// handshake wraps one socket with the word-oriented exchange both stages
// share: deadline-bounded reads, ASCII control words, UTF-16LE payloads.
type handshake struct {
	conn    net.Conn
	timeout time.Duration
}

func newHandshake(conn net.Conn) *handshake {
	return &handshake{conn: conn, timeout: defaultAuthTimeout}
}

func (h *handshake) send(word string) error {
	if _, err := h.conn.Write([]byte(word)); err != nil {
		return fmt.Errorf("send %q: %w", word, err)
	}
	return nil
}

// sendString transmits a credential string as UTF-16LE.
func (h *handshake) sendString(s string) error {
	runes := utf16.Encode([]rune(s))
	buf := make([]byte, len(runes)*2)
	for i, r := range runes {
		binary.LittleEndian.PutUint16(buf[i*2:], r)
	}
	if _, err := h.conn.Write(buf); err != nil {
		return fmt.Errorf("send string: %w", err)
	}
	return nil
}

// recv reads one control word of at most maxLen bytes, trimming NUL padding.
func (h *handshake) recv(maxLen int) (string, error) {
	buf := make([]byte, maxLen)
	if err := h.conn.SetReadDeadline(time.Now().Add(h.timeout)); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	defer h.conn.SetReadDeadline(time.Time{})

	n, err := h.conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", fmt.Errorf("read timeout: server did not respond within %v", h.timeout)
		}
		return "", err
	}
	if n == 0 {
		return "", io.EOF
	}
	return strings.TrimRight(string(buf[:n]), "\x00"), nil
}

// expectAck reads a 4-byte word and verifies it is PASS.
func (h *handshake) expectAck(stage string) error {
	ack, err := h.recv(4)
	if err != nil {
		return fmt.Errorf("%s ack: %w", stage, err)
	}
	if ack != "PASS" {
		return fmt.Errorf("%s rejected: %s", stage, ack)
	}
	return nil
}

// negotiateVersion runs the VERSION/VERSION_2 exchange both stages begin
// with. Legacy guests that answer without a VERSION_ prefix are rejected.
func (h *handshake) negotiateVersion() error {
	if err := h.send(versionRequest); err != nil {
		return err
	}
	serverVersion, err := h.recv(16)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	debugf("server version: %q", serverVersion)
	if !strings.HasPrefix(serverVersion, versionPrefix) {
		return fmt.Errorf("server uses legacy protocol (got %q), VERSION_2+ required", serverVersion)
	}
	if err := h.send(clientVersion); err != nil {
		return err
	}
	return h.expectAck("version")
}

// sendOptional transmits an optionally-empty string: the empty marker alone,
// or the non-empty marker, an ack round trip, then the value.
func (h *handshake) sendOptional(value, emptyWord, presentWord string) error {
	if value == "" {
		return h.send(emptyWord)
	}
	if err := h.send(presentWord); err != nil {
		return err
	}
	if err := h.expectAck(presentWord); err != nil {
		return err
	}
	return h.sendString(value)
}

// brokerLogin runs the stage-1 exchange: version, domain, user, password,
// session configuration. It returns the one-shot token the PowerShell host
// process expects on the stage-2 socket.
func brokerLogin(conn net.Conn, domain, user, pass, configName string) (string, error) {
	if domain == "" || domain == "." {
		domain = "localhost"
	}
	debugf("broker login: domain=%q user=%q config=%q", domain, user, configName)

	h := newHandshake(conn)
	if err := h.negotiateVersion(); err != nil {
		return "", err
	}

	if err := h.sendString(domain); err != nil {
		return "", err
	}
	if err := h.expectAck("domain"); err != nil {
		return "", err
	}
	if err := h.sendString(user); err != nil {
		return "", err
	}
	if err := h.expectAck("user"); err != nil {
		return "", err
	}
	if err := h.sendOptional(pass, "EMPTYPW", "NONEMPTYPW"); err != nil {
		return "", err
	}

	verdict, err := h.recv(4)
	if err != nil {
		return "", fmt.Errorf("credential verdict: %w", err)
	}
	debugf("credential verdict: %q", verdict)

	switch verdict {
	case "FAIL":
		_ = h.send("FAIL")
		return "", ErrInvalidCredentials
	case "PASS":
		// Legacy single-connection mode: no token follows.
		_ = h.send("PASS")
		return "", nil
	case "CONF":
	default:
		return "", fmt.Errorf("unexpected credential verdict: %q", verdict)
	}

	if err := h.sendOptional(configName, "EMPTYCF", "NONEMPTYCF"); err != nil {
		return "", err
	}

	tokenResp, err := h.recv(1024)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	if !strings.HasPrefix(tokenResp, "TOKEN ") {
		return "", fmt.Errorf("expected token, got: %q", tokenResp)
	}
	token := strings.TrimSpace(strings.TrimPrefix(tokenResp, "TOKEN "))
	debugf("token received: %d bytes", len(token))

	if err := h.send("PASS"); err != nil {
		return "", fmt.Errorf("token ack: %w", err)
	}
	return token, nil
}

// tokenLogin runs the stage-2 exchange against the PowerShell host process.
func tokenLogin(conn net.Conn, token string) error {
	h := newHandshake(conn)
	if err := h.negotiateVersion(); err != nil {
		return err
	}
	if err := h.send("TOKEN " + token); err != nil {
		return err
	}
	return h.expectAck("token")
}

// ConnectAndAuthenticate performs the full two-stage PowerShell Direct
// connection: credentials to the broker for a token, then the token to the
// freshly spawned PowerShell process. The returned socket is ready for PSRP
// out-of-process framing.
func ConnectAndAuthenticate(ctx context.Context, vmID uuid.UUID, domain, user, pass, configName string) (net.Conn, error) {
	brokerConn, err := dialWithTimeout(ctx, vmID, PsrpBrokerServiceID, defaultAuthTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	token, err := brokerLogin(brokerConn, domain, user, pass, configName)
	brokerConn.Close()
	if err != nil {
		return nil, fmt.Errorf("broker auth: %w", err)
	}
	if token == "" {
		return nil, fmt.Errorf("no token received from broker (legacy mode not supported)")
	}

	psConn, err := dialServerWithRetry(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if err := tokenLogin(psConn, token); err != nil {
		psConn.Close()
		return nil, fmt.Errorf("ps auth: %w", err)
	}
	debugf("both stages complete, connection ready for PSRP")
	return psConn, nil
}

// dialServerWithRetry polls the stage-2 service. The guest has to spawn
// pwsh.exe and bind the socket first, which takes a load-dependent while.
func dialServerWithRetry(ctx context.Context, vmID uuid.UUID) (net.Conn, error) {
	const (
		maxRetries  = 10
		maxDelay    = 3 * time.Second
		dialTimeout = 5 * time.Second
	)

	// Give the guest a head start before the first attempt.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	delay := 250 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err := dialWithTimeout(ctx, vmID, PsrpServerServiceID, dialTimeout)
		if err == nil {
			debugf("stage 2 connected on attempt %d", attempt)
			return conn, nil
		}
		lastErr = err
		debugf("stage 2 attempt %d failed: %v", attempt, err)

		if attempt == maxRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("cancelled during connection retry: %w", ctx.Err())
		}
		delay = time.Duration(float64(delay) * 1.5)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, fmt.Errorf("stage 2 failed after %d attempts: %w", maxRetries, lastErr)
}

func dialWithTimeout(ctx context.Context, vmID, serviceID uuid.UUID, timeout time.Duration) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return DialService(dialCtx, vmID, serviceID)
}
