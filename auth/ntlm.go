package auth

import (
	"context"
	"fmt"

	"github.com/Azure/go-ntlmssp"
)

// NTLMProvider implements SecurityProvider over the go-ntlmssp message
// codec: NEGOTIATE on the first step, AUTHENTICATE from the server's
// CHALLENGE on the second. Optional channel bindings (Extended Protection)
// are injected into the challenge's target info before the response is
// computed, so the resulting Type 3 is CBT-bound.
type NTLMProvider struct {
	creds    Credentials
	bindings *ChannelBindings
	complete bool
	stepped  bool
}

// NewNTLMProvider creates an NTLM provider for the given credentials.
func NewNTLMProvider(creds Credentials) *NTLMProvider {
	return &NTLMProvider{creds: creds}
}

// SetChannelBindings enables Extended Protection with the given TLS channel
// binding. Must be set before the challenge step.
func (p *NTLMProvider) SetChannelBindings(cb *ChannelBindings) {
	p.bindings = cb
}

// Step implements SecurityProvider.
func (p *NTLMProvider) Step(ctx context.Context, inputToken []byte) ([]byte, bool, error) {
	if cb, ok := ctx.Value(ContextKeyChannelBindings).(*ChannelBindings); ok && cb != nil {
		p.bindings = cb
	}

	if !p.stepped {
		p.stepped = true
		negotiate, err := ntlmssp.NewNegotiateMessage(p.creds.Domain, "")
		if err != nil {
			return nil, false, fmt.Errorf("ntlm: build negotiate message: %w", err)
		}
		return negotiate, true, nil
	}

	if len(inputToken) == 0 {
		return nil, false, fmt.Errorf("ntlm: challenge step without a server token")
	}

	challenge := inputToken
	if p.bindings != nil {
		challenge = injectChannelBindings(challenge, p.bindings.MD5Hash())
	}

	qualified := p.creds.Username
	if p.creds.Domain != "" {
		qualified = p.creds.Domain + "\\" + p.creds.Username
	}
	user, _, domainNeeded := ntlmssp.GetDomain(qualified)

	authenticate, err := ntlmssp.ProcessChallenge(challenge, user, p.creds.Password, domainNeeded)
	if err != nil {
		return nil, false, fmt.Errorf("ntlm: process challenge: %w", err)
	}
	p.complete = true
	return authenticate, false, nil
}

// Complete implements SecurityProvider.
func (p *NTLMProvider) Complete() bool { return p.complete }

// Wrap implements SecurityProvider. The NTLM message codec does not expose
// the exported session key, so application-layer sealing is unavailable;
// NTLM endpoints need TLS (or AllowUnencrypted on the server).
func (p *NTLMProvider) Wrap([]byte) ([]byte, error) {
	return nil, fmt.Errorf("ntlm: message sealing not supported; use HTTPS or Kerberos")
}

// Unwrap implements SecurityProvider.
func (p *NTLMProvider) Unwrap([]byte) ([]byte, error) {
	return nil, fmt.Errorf("ntlm: message sealing not supported; use HTTPS or Kerberos")
}

// Close implements SecurityProvider.
func (p *NTLMProvider) Close() error {
	p.complete = false
	return nil
}
