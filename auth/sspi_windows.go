//go:build windows

package auth

import (
	"context"
	"fmt"

	"github.com/alexbrainman/sspi"
	"github.com/alexbrainman/sspi/negotiate"
)

// SSPIProvider implements SecurityProvider using Windows native SSPI,
// enabling single sign-on with the logged-in user's credentials.
type SSPIProvider struct {
	cred      *sspi.Credentials
	ctx       *negotiate.ClientContext
	targetSPN string
	complete  bool
}

// SSPIConfig holds the configuration for SSPIProvider.
type SSPIConfig struct {
	// UseDefaultCreds uses the current logged-in user's credentials (SSO).
	UseDefaultCreds bool

	// Explicit credentials, used when UseDefaultCreds is false.
	Username string
	Password string
	Domain   string
}

// NewSSPIProvider creates a Windows SSPI-based Negotiate/Kerberos provider.
func NewSSPIProvider(cfg SSPIConfig, targetSPN string) (*SSPIProvider, error) {
	var cred *sspi.Credentials
	var err error

	if cfg.UseDefaultCreds {
		cred, err = negotiate.AcquireCurrentUserCredentials()
	} else {
		cred, err = negotiate.AcquireUserCredentials(cfg.Domain, cfg.Username, cfg.Password)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire credentials: %w", err)
	}

	return &SSPIProvider{
		cred:      cred,
		targetSPN: targetSPN,
	}, nil
}

// Step implements SecurityProvider via SSPI's context update loop.
func (p *SSPIProvider) Step(_ context.Context, inputToken []byte) ([]byte, bool, error) {
	var outputToken []byte
	var err error

	if p.ctx == nil {
		p.ctx, outputToken, err = negotiate.NewClientContext(p.cred, p.targetSPN)
		if err != nil {
			return nil, false, fmt.Errorf("init security context: %w", err)
		}
	} else {
		p.complete, outputToken, err = p.ctx.Update(inputToken)
		if err != nil {
			return nil, false, fmt.Errorf("update security context: %w", err)
		}
	}

	if p.complete {
		return outputToken, false, nil
	}
	return outputToken, true, nil
}

// Complete implements SecurityProvider.
func (p *SSPIProvider) Complete() bool {
	return p.complete
}

// Wrap implements SecurityProvider. The negotiate package does not expose
// EncryptMessage, so SSPI sessions rely on TLS for confidentiality.
func (p *SSPIProvider) Wrap([]byte) ([]byte, error) {
	return nil, fmt.Errorf("sspi: message sealing not exposed; use HTTPS")
}

// Unwrap implements SecurityProvider.
func (p *SSPIProvider) Unwrap([]byte) ([]byte, error) {
	return nil, fmt.Errorf("sspi: message sealing not exposed; use HTTPS")
}

// Close releases SSPI resources.
func (p *SSPIProvider) Close() error {
	if p.ctx != nil {
		if err := p.ctx.Release(); err != nil {
			return err
		}
	}
	if p.cred != nil {
		return p.cred.Release()
	}
	return nil
}
