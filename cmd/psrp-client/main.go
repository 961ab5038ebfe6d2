// Command psrp-client is an example PowerShell Remoting client.
//
// Password can be provided via:
//   - -pass flag (least secure, visible in process list)
//   - PSRP_PASSWORD environment variable (recommended)
//   - stdin prompt (if neither flag nor env var is set)
//
// Usage:
//
//	psrp-client -server <hostname> -user <username> -script <command>
//
// Examples:
//
//	# Using environment variable (recommended)
//	export PSRP_PASSWORD='secret'
//	psrp-client -server myserver -user admin -script "Get-Process"
//
//	# Stop-and-resume: disconnect leaves the shell resumable
//	psrp-client -server myserver -user admin -script "Get-Date" -disconnect
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/smnsjas/go-psremoting/client"
)

func main() {
	server := flag.String("server", "", "WinRM server hostname")
	username := flag.String("user", "", "Username for authentication")
	password := flag.String("pass", "", "Password (use PSRP_PASSWORD env var instead)")
	domain := flag.String("domain", "", "Domain for NTLM/Kerberos authentication")
	script := flag.String("script", "", "PowerShell script to execute")
	useTLS := flag.Bool("tls", false, "Use HTTPS (port 5986)")
	port := flag.Int("port", 0, "WinRM port (default: 5985 for HTTP, 5986 for HTTPS)")
	insecure := flag.Bool("insecure", false, "Skip TLS certificate verification")
	timeout := flag.Duration("timeout", 120*time.Second, "Operation timeout")
	useBasic := flag.Bool("basic", false, "Use Basic authentication")
	useNTLM := flag.Bool("ntlm", false, "Use NTLM authentication")
	useKerberos := flag.Bool("kerberos", false, "Use Kerberos authentication")
	realm := flag.String("realm", "", "Kerberos realm (e.g., EXAMPLE.COM)")
	krb5Conf := flag.String("krb5conf", "", "Path to krb5.conf file")
	spn := flag.String("spn", "", "Service Principal Name for Kerberos (e.g., HTTP/server.domain.com)")
	configName := flag.String("configname", "", "PowerShell configuration name (e.g. Microsoft.Exchange)")
	doDisconnect := flag.Bool("disconnect", false, "Disconnect from shell after execution (instead of closing)")
	reconnectShellID := flag.String("reconnect", "", "Reconnect to existing ShellID")
	keepAlive := flag.Duration("keepalive", 0, "Keepalive interval (e.g. 30s). 0 to disable.")
	maxRunspaces := flag.Int("max-runspaces", 0, "Max concurrent pipelines (values below 2 keep the configured pool size)")
	logLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (empty = no logging)")
	configPath := flag.String("config", "", "YAML config profile to load before flags apply")
	flag.Parse()

	if *server == "" || *username == "" {
		fmt.Fprintln(os.Stderr, "psrp-client: -server and -user are required")
		flag.Usage()
		os.Exit(2)
	}
	if *script == "" && *reconnectShellID == "" {
		fmt.Fprintln(os.Stderr, "psrp-client: one of -script or -reconnect is required")
		os.Exit(2)
	}

	cfg := client.DefaultConfig()
	if *configPath != "" {
		loaded, err := client.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "psrp-client: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	cfg.Username = *username
	cfg.Domain = *domain
	cfg.UseTLS = *useTLS
	cfg.InsecureSkipVerify = *insecure
	cfg.Timeout = *timeout
	cfg.ConfigurationName = *configName
	cfg.KeepAliveInterval = *keepAlive
	cfg.Realm = *realm
	cfg.Krb5ConfPath = *krb5Conf
	cfg.SPN = *spn
	if *maxRunspaces > 1 {
		cfg.MaxRunspaces = int32(*maxRunspaces)
	}
	if *port != 0 {
		cfg.Port = *port
	} else if *useTLS {
		cfg.Port = 5986
	}

	switch {
	case *useBasic:
		cfg.AuthType = client.AuthBasic
		cfg.AllowUnencrypted = !*useTLS
	case *useNTLM:
		cfg.AuthType = client.AuthNTLM
	case *useKerberos:
		cfg.AuthType = client.AuthKerberos
	default:
		cfg.AuthType = client.AuthNegotiate
	}

	cfg.Password = resolvePassword(*password)
	if cfg.Password == "" {
		fmt.Fprintln(os.Stderr, "psrp-client: no password supplied (flag, PSRP_PASSWORD, or prompt)")
		os.Exit(2)
	}

	if *logLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(*logLevel)); err == nil {
			cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		}
	}

	c, err := client.New(*server, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "psrp-client: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, c, *script, *reconnectShellID, *doDisconnect); err != nil {
		fmt.Fprintf(os.Stderr, "psrp-client: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, script, reconnectShellID string, doDisconnect bool) error {
	if reconnectShellID != "" {
		if err := c.ReconnectSession(ctx, reconnectShellID); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "reconnected to shell %s\n", reconnectShellID)
	} else if err := c.Connect(ctx); err != nil {
		return err
	}

	if script != "" {
		result, err := c.Execute(ctx, script)
		if err != nil {
			return err
		}
		for _, obj := range result.Output {
			fmt.Println(render(obj))
		}
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n", render(e))
		}
		if result.HadErrors {
			return fmt.Errorf("script reported %d error(s)", len(result.Errors))
		}
	}

	if doDisconnect {
		fmt.Fprintf(os.Stderr, "disconnecting; shell %s stays resumable\n", c.ShellID())
	}
	return closeOrDisconnect(c, doDisconnect)
}

func closeOrDisconnect(c *client.Client, doDisconnect bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if doDisconnect {
		return c.Disconnect(ctx)
	}
	return c.Close(ctx)
}

// resolvePassword prefers the flag, then PSRP_PASSWORD, then an interactive
// prompt when stdin is a terminal.
func resolvePassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PSRP_PASSWORD"); env != "" {
		return env
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err == nil {
			return strings.TrimSpace(string(pw))
		}
	}
	return ""
}

func render(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if str, ok := v.(fmt.Stringer); ok {
		return str.String()
	}
	return fmt.Sprintf("%v", v)
}
