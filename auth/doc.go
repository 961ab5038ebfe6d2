// Package auth implements the WinRM authentication engine: one-shot Basic
// authorization and the SPNEGO-style token exchange (NTLM, Kerberos,
// Negotiate), plus message-level encryption of SOAP bodies for plain-HTTP
// endpoints (MS-WSMV multipart/encrypted).
//
// The Engine is transport-free: the connector drives it step by step,
// feeding server challenges in and sending the produced Authorization
// headers out. Blocking net/http drivers use Engine.HTTPTransport, which
// wraps the same engine as an http.RoundTripper.
//
// SecurityProvider abstracts the token mechanics. Three implementations
// ship: NTLMProvider (go-ntlmssp message codec, with optional channel
// bindings for Extended Protection), KerberosProvider (pure Go krb5 with
// GSS-API sealing for HTTP), and SSPIProvider (Windows native, SSO-capable).
package auth
