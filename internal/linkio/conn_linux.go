//go:build linux

package linkio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
)

// Conn is a packet socket bound to one interface.  It sends and receives
// DHCP payloads framed in IPv4+UDP datagrams and can operate before the
// interface has any address configured.
type Conn struct {
	logger *slog.Logger
	pc     *packet.Conn
	iface  *net.Interface
}

// type check
var _ Sender = (*Conn)(nil)

// Open binds a datagram packet socket to the named interface.
func Open(logger *slog.Logger, ifaceName string) (c *Conn, err error) {
	defer func() { err = errors.Annotate(err, "opening %q: %w", ifaceName) }()

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	pc, err := packet.Listen(iface, packet.Datagram, int(ethernet.EtherTypeIPv4), nil)
	if err != nil {
		return nil, fmt.Errorf("binding packet socket: %w", err)
	}

	return &Conn{
		logger: logger,
		pc:     pc,
		iface:  iface,
	}, nil
}

// HWAddr returns the hardware address of the interface.
func (c *Conn) HWAddr() (hwAddr net.HardwareAddr) {
	return c.iface.HardwareAddr
}

// Close closes the packet socket.
func (c *Conn) Close() (err error) {
	return c.pc.Close()
}

// Send implements the [Sender] interface for *Conn.  Broadcast and
// not-yet-configured unicast go out of the packet socket; once the interface
// has src configured, unicast datagrams are routed through a regular UDP
// socket instead, so that the kernel resolves the next hop.
func (c *Conn) Send(
	ctx context.Context,
	payload []byte,
	src netip.Addr,
	dst netip.Addr,
	dstHW net.HardwareAddr,
) (n int, err error) {
	if src.Is4() && !src.IsUnspecified() && dst != netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return c.sendRouted(payload, src, dst)
	}

	frame, err := buildFrame(payload, src, dst)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return 0, err
	}

	if len(dstHW) == 0 {
		dstHW = ethernet.Broadcast
	}

	n, err = c.pc.WriteTo(frame, &packet.Addr{HardwareAddr: dstHW})
	if err != nil {
		return n, fmt.Errorf("writing frame: %w", err)
	}

	return n, nil
}

// sendRouted sends payload through a regular UDP socket bound to src.
func (c *Conn) sendRouted(payload []byte, src, dst netip.Addr) (n int, err error) {
	uc, err := net.DialUDP(
		"udp4",
		net.UDPAddrFromAddrPort(netip.AddrPortFrom(src, ClientPort)),
		net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, ServerPort)),
	)
	if err != nil {
		return 0, fmt.Errorf("dialing server: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, uc.Close()) }()

	n, err = uc.Write(payload)
	if err != nil {
		return n, fmt.Errorf("writing datagram: %w", err)
	}

	return n, nil
}

// Serve reads frames until ctx is canceled or the socket is closed, handing
// each DHCP payload to handler.  It is meant to be run on its own goroutine;
// handler must only enqueue the packet into the dispatch loop.
func (c *Conn) Serve(ctx context.Context, handler Handler) (err error) {
	buf := make([]byte, 1<<16)
	for {
		n, _, readErr := c.pc.ReadFrom(buf)
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("reading frame: %w", readErr)
		}

		pkt, parseErr := parseFrame(buf[:n])
		if parseErr != nil {
			c.logger.DebugContext(ctx, "dropping frame", slogutil.KeyError, parseErr)

			continue
		} else if pkt == nil {
			continue
		}

		handler(pkt)
	}
}
