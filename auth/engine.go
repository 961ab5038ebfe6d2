package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/smnsjas/go-psremoting/wsman/transport"
)

// maxTokenSteps bounds the SPNEGO exchange so a misbehaving server cannot
// loop the handshake forever.
const maxTokenSteps = 5

// state is the engine's auth context lifecycle.
type state int

const (
	stateUninit state = iota
	stateInProgress
	stateEstablished
)

// Engine drives per-request authorization for a WinRM connection: a one-shot
// Basic header, or a SPNEGO-style token loop (NTLM/Kerberos/Negotiate) plus
// message-level encryption once the context is established.
//
// The engine owns the auth context across steps and is driven by the
// connector (or the RoundTripper adapter in transport drivers): it never
// performs I/O itself.
type Engine struct {
	scheme   string
	creds    Credentials
	provider SecurityProvider
	state    state
	steps    int

	// AllowUnencryptedBasic permits Basic over plain HTTP. Off by default;
	// Basic credentials are readable on the wire without TLS.
	AllowUnencryptedBasic bool

	// encryptBodies is set when the exchange happens over plain HTTP with a
	// sealing-capable provider: SOAP bodies are wrapped as
	// multipart/encrypted after context establishment.
	encryptBodies bool
}

// NewBasicEngine returns an engine that pre-encodes Basic authorization.
func NewBasicEngine(creds Credentials) *Engine {
	return &Engine{scheme: "Basic", creds: creds}
}

// NewNegotiateEngine returns an engine that drives the given provider under
// the Negotiate scheme. encryptBodies selects message-level encryption for
// plain-HTTP endpoints.
func NewNegotiateEngine(provider SecurityProvider, encryptBodies bool) *Engine {
	return &Engine{scheme: "Negotiate", provider: provider, encryptBodies: encryptBodies}
}

// NewNTLMEngine returns an engine that drives the given provider under the
// NTLM scheme.
func NewNTLMEngine(provider SecurityProvider, encryptBodies bool) *Engine {
	return &Engine{scheme: "NTLM", provider: provider, encryptBodies: encryptBodies}
}

// NewKerberosEngine returns an engine that drives the given provider under
// the Kerberos scheme.
func NewKerberosEngine(provider SecurityProvider, encryptBodies bool) *Engine {
	return &Engine{scheme: "Kerberos", provider: provider, encryptBodies: encryptBodies}
}

// Scheme returns the HTTP authentication scheme name the engine emits.
func (e *Engine) Scheme() string { return e.scheme }

// Established reports whether the context is complete and requests no longer
// need the token loop.
func (e *Engine) Established() bool {
	if e.scheme == "Basic" {
		return true
	}
	return e.state == stateEstablished
}

// EncryptsBodies reports whether SOAP bodies must be wrapped with WrapBody
// after establishment.
func (e *Engine) EncryptsBodies() bool {
	return e.encryptBodies && e.provider != nil
}

// Step produces the next Authorization header value. challenge is the
// base64-decoded server token from the previous 401 (nil on the first call).
// done reports that no further token exchange is expected after this header
// is sent.
func (e *Engine) Step(ctx context.Context, challenge []byte) (header string, done bool, err error) {
	if e.scheme == "Basic" {
		if !e.AllowUnencryptedBasic {
			if https, _ := ctx.Value(ContextKeyIsHTTPS).(bool); !https {
				return "", false, fatal("Basic authentication over non-HTTPS connection is not permitted", nil)
			}
		}
		userpass := e.creds.Username + ":" + e.creds.Password
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(userpass)), true, nil
	}

	if e.provider == nil {
		return "", false, fatal("no security provider configured", nil)
	}
	if e.steps >= maxTokenSteps {
		return "", false, fatal(fmt.Sprintf("token exchange exhausted after %d steps", e.steps), nil)
	}
	e.steps++

	token, continueNeeded, err := e.provider.Step(ctx, challenge)
	if err != nil {
		return "", false, fatal("token exchange", err)
	}

	if continueNeeded {
		e.state = stateInProgress
	} else {
		e.state = stateEstablished
	}

	if len(token) == 0 {
		return "", !continueNeeded, nil
	}
	return e.scheme + " " + base64.StdEncoding.EncodeToString(token), !continueNeeded, nil
}

// HandleResponse feeds a server response back into the engine. On 401 with a
// scheme challenge it returns the decoded token and retry=true; on success
// responses it completes any pending mutual-auth token (Kerberos AP-REP) and
// returns retry=false.
func (e *Engine) HandleResponse(ctx context.Context, resp *transport.Response) (challenge []byte, retry bool, err error) {
	if e.scheme == "Basic" {
		if resp.StatusCode == 401 {
			return nil, false, fatal("credentials rejected", nil)
		}
		return nil, false, nil
	}

	authHeader, _ := resp.Header("WWW-Authenticate")
	token := e.tokenFromHeader(authHeader)

	if resp.StatusCode == 401 {
		if e.state == stateEstablished {
			// A 401 after establishment means the server rejected the
			// context; not a loop continuation.
			return nil, false, fatal("context rejected after establishment", nil)
		}
		if token == nil && e.state == stateInProgress {
			return nil, false, fatal("server ended token exchange without a challenge", nil)
		}
		return token, true, nil
	}

	// Success response may still carry the final mutual-auth token.
	if token != nil && !e.provider.Complete() {
		if _, _, err := e.provider.Step(ctx, token); err != nil {
			return nil, false, fatal("mutual authentication", err)
		}
	}
	if e.provider.Complete() {
		e.state = stateEstablished
	}
	return nil, false, nil
}

// tokenFromHeader extracts and decodes this engine's scheme token from a
// WWW-Authenticate header value.
func (e *Engine) tokenFromHeader(header string) []byte {
	if header == "" {
		return nil
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		fields := strings.SplitN(part, " ", 2)
		if !strings.EqualFold(fields[0], e.scheme) {
			continue
		}
		if len(fields) != 2 {
			return nil
		}
		token, err := base64.StdEncoding.DecodeString(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil
		}
		return token
	}
	return nil
}

// WrapBody seals a SOAP body for transmission over plain HTTP, returning the
// multipart/encrypted payload and its Content-Type.
func (e *Engine) WrapBody(body []byte) ([]byte, string, error) {
	if !e.EncryptsBodies() {
		return body, transport.ContentTypeSOAP, nil
	}
	if e.state != stateEstablished {
		return nil, "", fatal("wrap before context establishment", nil)
	}
	sealed, err := e.provider.Wrap(body)
	if err != nil {
		return nil, "", fatal("seal request body", err)
	}
	wrapped, contentType := wrapWinRMMultipart(sealed, len(body))
	return wrapped, contentType, nil
}

// UnwrapBody reverses WrapBody on an inbound response body. contentType is
// the response's Content-Type header; plain SOAP passes through untouched.
// A seal verification failure is fatal.
func (e *Engine) UnwrapBody(body []byte, contentType string) ([]byte, error) {
	if !strings.Contains(contentType, "multipart/encrypted") {
		return body, nil
	}
	if e.provider == nil || e.state != stateEstablished {
		return nil, fatal("encrypted response before context establishment", nil)
	}
	sealed, err := unwrapWinRMMultipart(body)
	if err != nil {
		return nil, fatal("parse encrypted response", err)
	}
	plain, err := e.provider.Unwrap(sealed)
	if err != nil {
		return nil, fatal("verify response seal", err)
	}
	return plain, nil
}

// Close releases the provider's context.
func (e *Engine) Close() error {
	if e.provider != nil {
		return e.provider.Close()
	}
	return nil
}

// contextKey is a context key type.
type contextKey string

// ContextKeyIsHTTPS marks a Step context as belonging to a TLS-protected
// exchange; providers skip application-layer sealing when set.
const ContextKeyIsHTTPS = contextKey("isHTTPS")

// ContextKeyChannelBindings carries *ChannelBindings for providers that
// support Extended Protection.
const ContextKeyChannelBindings = contextKey("ChannelBindings")
