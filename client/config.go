package client

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthType selects the authentication mechanism.
type AuthType string

const (
	AuthBasic     AuthType = "basic"
	AuthNTLM      AuthType = "ntlm"
	AuthKerberos  AuthType = "kerberos"
	AuthNegotiate AuthType = "negotiate"
)

// RetryPolicy controls per-command retry of transient transport failures.
type RetryPolicy struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// ReconnectPolicy controls automatic reconnection after the pool breaks or
// disconnects.
type ReconnectPolicy struct {
	Enabled      bool          `yaml:"enabled"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 = unlimited
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       float64       `yaml:"jitter"`
}

// Config holds the client configuration.
type Config struct {
	// Endpoint settings. The host is passed to New separately.
	Port               int  `yaml:"port"`
	UseTLS             bool `yaml:"use_tls"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Credentials.
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Domain   string   `yaml:"domain"`
	AuthType AuthType `yaml:"auth_type"`

	// Kerberos settings (AuthKerberos / AuthNegotiate).
	Realm        string `yaml:"realm"`
	Krb5ConfPath string `yaml:"krb5_conf"`
	SPN          string `yaml:"spn"`

	// AllowUnencrypted permits Basic auth over plain HTTP.
	AllowUnencrypted bool `yaml:"allow_unencrypted"`

	// Timeout bounds each HTTP exchange.
	Timeout time.Duration `yaml:"timeout"`

	// Session configuration.
	ConfigurationName string `yaml:"configuration_name"`
	ResourceURI       string `yaml:"resource_uri"`

	// Pool sizing. MaxRunspaces also bounds concurrent Execute calls:
	// the pool's availability gate blocks further commands until a
	// runspace frees up.
	MinRunspaces int32 `yaml:"min_runspaces"`
	MaxRunspaces int32 `yaml:"max_runspaces"`

	// KeepAliveInterval spaces the idle shell polls that keep the session
	// alive server-side; zero disables keepalive.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	Retry     *RetryPolicy    `yaml:"retry"`
	Reconnect ReconnectPolicy `yaml:"reconnect"`

	// Logger receives structured protocol and security logs; nil disables.
	Logger *slog.Logger `yaml:"-"`

	// LogFile, when set and Logger is nil, writes JSON logs to a
	// size-rotated file instead.
	LogFile        string `yaml:"log_file"`
	LogFileMaxSize int64  `yaml:"log_file_max_size"`
	LogFileBackups int    `yaml:"log_file_backups"`
}

// DefaultConfig returns the standard configuration: plain HTTP on 5985,
// AuthType left empty (New then uses Negotiate), 60s HTTP timeout, and a
// pool of one to five runspaces.
func DefaultConfig() Config {
	return Config{
		Port:         5985,
		Timeout:      60 * time.Second,
		MinRunspaces: 1,
		MaxRunspaces: 5,
		Reconnect: ReconnectPolicy{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
		},
	}
}

// LogValue implements slog.LogValuer so a Config logged wholesale never
// leaks credentials.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", "REDACTED"),
		slog.String("domain", c.Domain),
		slog.String("auth_type", string(c.AuthType)),
		slog.Int("port", c.Port),
		slog.Bool("use_tls", c.UseTLS),
	)
}

// resourceURI resolves the shell resource URI: an explicit ResourceURI
// override wins, then a session configuration name, then the default
// Microsoft.PowerShell endpoint. Configuration names carrying path
// separators fall back to the default rather than escaping the scheme.
func (c Config) resourceURI() string {
	if c.ResourceURI != "" {
		return c.ResourceURI
	}
	const base = "http://schemas.microsoft.com/powershell/"
	if c.ConfigurationName != "" &&
		!strings.ContainsAny(c.ConfigurationName, `/\`) {
		return base + c.ConfigurationName
	}
	return base + "Microsoft.PowerShell"
}

// Validate checks the configuration for required fields.
func (c Config) Validate() error {
	if c.Username == "" {
		return errors.New("client: username is required")
	}
	if c.Password == "" {
		return errors.New("client: password is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("client: invalid port %d", c.Port)
	}
	return nil
}

// LoadConfig reads a YAML profile into a Config, starting from
// DefaultConfig for unset fields.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- caller-chosen profile path
	if err != nil {
		return Config{}, fmt.Errorf("client: read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("client: parse config: %w", err)
	}
	return cfg, nil
}
