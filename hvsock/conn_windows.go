//go:build windows

package hvsock

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/google/uuid"
)

// Dial opens the PowerShell Direct broker socket (vmicvmsession) on vmID.
// Callers needing a different registered service use DialService.
func Dial(ctx context.Context, vmID uuid.UUID) (net.Conn, error) {
	return DialService(ctx, vmID, PsrpBrokerServiceID)
}

// DialService opens a Hyper-V socket to one registered service on vmID.
// Timeouts and cancellation come from ctx; go-winio honors both.
func DialService(ctx context.Context, vmID, serviceID uuid.UUID) (net.Conn, error) {
	addr := &winio.HvsockAddr{
		VMID:      asWinioGUID(vmID),
		ServiceID: asWinioGUID(serviceID),
	}

	debugf("Dialing HvSocket: VM=%s Service=%s", vmID, serviceID)
	conn, err := winio.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("hvsock dial %s/%s: %w", vmID, serviceID, err)
	}
	debugf("Dial succeeded")
	return conn, nil
}

// asWinioGUID bridges google/uuid to go-winio's GUID type. Both store the
// RFC 4122 big-endian byte order, so the array converts directly.
func asWinioGUID(u uuid.UUID) guid.GUID {
	return guid.FromArray([16]byte(u))
}
