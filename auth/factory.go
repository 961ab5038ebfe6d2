package auth

import (
	"fmt"
	"strings"
)

// Scheme selects the authentication mechanism for a connection.
type Scheme string

const (
	SchemeBasic     Scheme = "Basic"
	SchemeNTLM      Scheme = "NTLM"
	SchemeKerberos  Scheme = "Kerberos"
	SchemeNegotiate Scheme = "Negotiate"
)

// Config is everything needed to construct an Engine for an endpoint.
type Config struct {
	Scheme      Scheme
	Credentials Credentials

	// Host is the endpoint host name, used to build the HTTP/<host> SPN for
	// Kerberos. SPN overrides it when set.
	Host string
	SPN  string

	// Kerberos settings (pure-Go provider).
	Realm        string
	Krb5ConfPath string
	KeytabPath   string
	CCachePath   string

	// UseDefaultCreds selects the platform's logged-in identity where
	// supported (Windows SSPI).
	UseDefaultCreds bool

	// HTTPS marks the endpoint as TLS-protected; plain-HTTP endpoints get
	// message-level encryption when the provider supports sealing.
	HTTPS bool

	// AllowUnencryptedBasic permits Basic over plain HTTP.
	AllowUnencryptedBasic bool
}

// TargetSPN returns the service principal name the Kerberos exchange
// targets.
func (c Config) TargetSPN() string {
	if c.SPN != "" {
		return c.SPN
	}
	return "HTTP/" + c.Host
}

// NewEngine builds the Engine for cfg, constructing the platform-appropriate
// SecurityProvider for SPNEGO schemes.
func NewEngine(cfg Config) (*Engine, error) {
	switch strings.ToLower(string(cfg.Scheme)) {
	case "basic", "":
		e := NewBasicEngine(cfg.Credentials)
		e.AllowUnencryptedBasic = cfg.AllowUnencryptedBasic
		return e, nil
	case "ntlm":
		// The NTLM provider cannot seal, so bodies are never wrapped.
		return NewNTLMEngine(NewNTLMProvider(cfg.Credentials), false), nil
	case "kerberos":
		p, err := newPlatformKerberosProvider(cfg)
		if err != nil {
			return nil, err
		}
		_, seals := p.(*KerberosProvider)
		return NewKerberosEngine(p, !cfg.HTTPS && seals), nil
	case "negotiate":
		p, err := newPlatformNegotiateProvider(cfg)
		if err != nil {
			return nil, err
		}
		_, seals := p.(*KerberosProvider)
		return NewNegotiateEngine(p, !cfg.HTTPS && seals), nil
	default:
		return nil, fmt.Errorf("auth: unknown scheme %q", cfg.Scheme)
	}
}
