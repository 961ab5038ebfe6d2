// Package powershell bridges byte transports to the runspace pool. The
// WSMan backend maps the pool onto a remote shell (handshake via
// creationXml, one shell command per pipeline, per-command receive
// polling); the HvSocket backend maps it onto a single shared PowerShell
// Direct socket using out-of-process packet framing.
package powershell
