// Package client provides a high-level convenience API for PowerShell remoting.
//
// This is the recommended entry point for most users. It handles:
//   - Connection management
//   - RunspacePool lifecycle
//   - Simple command execution
//
// # Quick Start
//
//	cfg := client.DefaultConfig()
//	cfg.Username = "administrator"
//	cfg.Password = "password"
//	cfg.UseTLS = true
//	cfg.Port = 5986
//	cfg.AuthType = client.AuthNTLM
//
//	c, err := client.New("server", cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close(ctx)
//
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	result, err := c.Execute(ctx, "Get-Process")
package client
