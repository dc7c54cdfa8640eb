// Package linkio contains the link-layer collaborator of the client: framed
// send and receive of DHCP payloads over an interface that may not yet have
// an address.  The client core depends only on the [Sender] contract; the
// AF_PACKET implementation lives in conn_linux.go.
package linkio

import (
	"context"
	"net"
	"net/netip"
)

// UDP port numbers of DHCPv4, RFC 2131 section 4.1.
const (
	ServerPort = 67
	ClientPort = 68
)

// Packet is a received DHCP payload together with its addresses as seen on
// the wire.
type Packet struct {
	// Source is the IP source address of the datagram.
	Source netip.Addr

	// Dest is the IP destination address of the datagram.
	Dest netip.Addr

	// Payload is the raw BOOTP/DHCP message.
	Payload []byte
}

// Sender sends a framed DHCP payload out of an interface.  src may be the
// unspecified address for clients that have no address yet; dstHW is the
// link-level destination, normally the broadcast address.
type Sender interface {
	Send(
		ctx context.Context,
		payload []byte,
		src netip.Addr,
		dst netip.Addr,
		dstHW net.HardwareAddr,
	) (n int, err error)
}

// Handler consumes received packets.  Implementations hand the packet over
// to the dispatch loop instead of acting on it directly.
type Handler func(pkt *Packet)
