//go:build !linux

package linkio

import (
	"context"
	"log/slog"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// Conn is not implemented on this platform: the client needs an AF_PACKET
// socket to talk to servers before the interface has an address.
type Conn struct{}

// type check
var _ Sender = (*Conn)(nil)

// Open returns an error on platforms without packet sockets.
func Open(_ *slog.Logger, ifaceName string) (c *Conn, err error) {
	return nil, errors.Error("packet sockets are not supported on this os")
}

// HWAddr returns nil on platforms without packet sockets.
func (c *Conn) HWAddr() (hwAddr net.HardwareAddr) { return nil }

// Close implements the [io.Closer] interface for *Conn.
func (c *Conn) Close() (err error) { return nil }

// Send implements the [Sender] interface for *Conn.
func (c *Conn) Send(
	_ context.Context,
	_ []byte,
	_ netip.Addr,
	_ netip.Addr,
	_ net.HardwareAddr,
) (n int, err error) {
	return 0, errors.Error("packet sockets are not supported on this os")
}

// Serve implements the receive loop on platforms without packet sockets.
func (c *Conn) Serve(_ context.Context, _ Handler) (err error) {
	return errors.Error("packet sockets are not supported on this os")
}
