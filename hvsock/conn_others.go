//go:build !windows

// Package hvsock provides Hyper-V socket connectivity for PowerShell
// Direct. Off Windows the dialers exist only so cross-platform callers
// compile; every entry point reports ErrNotSupported.
package hvsock

import (
	"context"
	"errors"
	"net"

	"github.com/google/uuid"
)

// ErrNotSupported indicates Hyper-V sockets require a Windows host.
var ErrNotSupported = errors.New("hvsock: only supported on windows")

// Dial reports ErrNotSupported off Windows.
func Dial(context.Context, uuid.UUID) (net.Conn, error) {
	return nil, ErrNotSupported
}

// DialService reports ErrNotSupported off Windows.
func DialService(context.Context, uuid.UUID, uuid.UUID) (net.Conn, error) {
	return nil, ErrNotSupported
}

// ConnectAndAuthenticate reports ErrNotSupported off Windows.
func ConnectAndAuthenticate(context.Context, uuid.UUID, string, string, string, string) (net.Conn, error) {
	return nil, ErrNotSupported
}
