// Package dhcpmsg implements the DHCPv4 message layer of the client: decoding
// of BOOTP and DHCP replies, including overloaded sname and file fields,
// construction of outbound client messages, and the option store keyed by
// option space and code.
package dhcpmsg

import (
	"fmt"
	"math"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/u-root/uio/uio"
)

// BootpMinLen is the minimum length of an outbound BOOTP packet.  Shorter
// packets are padded with zero bytes up to it.
const BootpMinLen = 300

// MaxSecs is the saturation value of the secs header field.
const MaxSecs = math.MaxUint16

// optOverload is the DHCP option overload option, RFC 2132 section 9.3.
var optOverload = dhcpv4.GenericOptionCode(52)

// Overload option value bits.
const (
	overloadFile  = 1 << 0
	overloadSName = 1 << 1
)

// Kind is the tagged variant of an incoming message.
type Kind uint8

// Kind values.  KindNone marks messages that must not mutate client state,
// such as requests from other clients seen on the link.
const (
	KindNone Kind = iota
	KindOffer
	KindAck
	KindNak
	KindBootp
)

// String implements the [fmt.Stringer] interface for Kind.
func (k Kind) String() (s string) {
	switch k {
	case KindNone:
		return "none"
	case KindOffer:
		return "offer"
	case KindAck:
		return "ack"
	case KindNak:
		return "nak"
	case KindBootp:
		return "bootp"
	default:
		return fmt.Sprintf("!bad_kind_%d", k)
	}
}

// Message is a parsed incoming DHCP message together with its link-level
// source address.
type Message struct {
	// Packet is the underlying decoded packet.  It is not nil.
	Packet *dhcpv4.DHCPv4

	// Options is the option store assembled from the packet, including
	// options recovered from overloaded header fields and the vendor
	// sub-space.
	Options *Store

	// Source is the IP source address as seen on the wire.
	Source netip.Addr

	// Kind is the variant of the message.
	Kind Kind

	// OptionsValid is false when the option stream was truncated.  The
	// prefix parsed so far is kept.
	OptionsValid bool
}

// Decode parses raw as a BOOTP/DHCP reply received from src.  Requests yield
// a message of [KindNone] with an empty option store; unparsable packets
// yield an error.
func Decode(raw []byte, src netip.Addr) (msg *Message, err error) {
	defer func() { err = errors.Annotate(err, "decoding dhcpv4: %w") }()

	p, err := dhcpv4.FromBytes(raw)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	if p.OpCode != dhcpv4.OpcodeBootReply {
		return &Message{
			Packet:       p,
			Options:      NewStore(),
			Source:       src,
			Kind:         KindNone,
			OptionsValid: true,
		}, nil
	}

	msg = &Message{
		Packet:       p,
		Source:       src,
		OptionsValid: true,
	}

	msg.unpackOptions()

	switch p.MessageType() {
	case dhcpv4.MessageTypeOffer:
		msg.Kind = KindOffer
	case dhcpv4.MessageTypeAck:
		msg.Kind = KindAck
	case dhcpv4.MessageTypeNak:
		msg.Kind = KindNak
	case dhcpv4.MessageTypeNone:
		// A BOOTREPLY without a DHCP message-type option comes from a
		// BOOTP-only server.
		msg.Kind = KindBootp
	default:
		msg.Kind = KindNone
	}

	return msg, nil
}

// unpackOptions fills msg.Options from the packet options, applying the
// option-overload walk over the file and sname fields first, so that the
// overloaded fields are never consumed as text.
func (msg *Message) unpackOptions() {
	p := msg.Packet
	msg.Options = NewStore()

	for _, code := range optionOrder(p) {
		msg.Options.Save(SpaceDHCP, code, p.Options.Get(dhcpv4.GenericOptionCode(code)))
	}

	ov := p.Options.Get(optOverload)
	if len(ov) == 1 {
		if ov[0]&overloadFile != 0 {
			msg.parseOverloaded([]byte(p.BootFileName))
			p.BootFileName = ""
		}

		if ov[0]&overloadSName != 0 {
			msg.parseOverloaded([]byte(p.ServerHostName))
			p.ServerHostName = ""
		}
	}

	msg.Options.ExpandVendor()
}

// parseOverloaded walks the TLV stream in an overloaded header field.  A
// truncated option keeps the prefix parsed so far and marks the whole message
// as having invalid options.
func (msg *Message) parseOverloaded(data []byte) {
	buf := uio.NewBigEndianBuffer(data)
	for buf.Len() > 0 {
		code := buf.Read8()
		if code == 0 {
			// Pad.
			continue
		} else if code == 255 {
			// End.
			return
		}

		if !buf.Has(1) {
			msg.OptionsValid = false

			return
		}

		length := int(buf.Read8())
		if !buf.Has(length) {
			msg.OptionsValid = false

			return
		}

		msg.Options.Save(SpaceDHCP, code, buf.CopyN(length))
	}
}

// optionOrder returns the codes of the packet options.  The underlying
// library stores options in a map, so the deterministic code order of its
// encoding is used; the order of list-valued options lives inside their
// values and is unaffected.
func optionOrder(p *dhcpv4.DHCPv4) (codes []uint8) {
	seen := map[uint8]bool{}
	buf := uio.NewBigEndianBuffer(p.Options.ToBytes())
	for buf.Len() > 0 {
		code := buf.Read8()
		if code == 0 {
			continue
		} else if code == 255 {
			break
		}

		if !buf.Has(1) {
			break
		}

		length := int(buf.Read8())
		if !buf.Has(length) {
			break
		}

		buf.Consume(length)

		if !seen[code] {
			seen[code] = true
			codes = append(codes, code)
		}
	}

	return codes
}

// SaturatedSecs converts the elapsed time of the current exchange into the
// secs header field value, saturating at [MaxSecs].
func SaturatedSecs(elapsed time.Duration) (secs uint16) {
	s := int64(elapsed.Seconds())
	if s < 0 {
		return 0
	} else if s > MaxSecs {
		return MaxSecs
	}

	return uint16(s)
}

// EncodePacket serializes p and pads it to [BootpMinLen].
func EncodePacket(p *dhcpv4.DHCPv4) (raw []byte) {
	raw = p.ToBytes()
	if len(raw) < BootpMinLen {
		raw = append(raw, make([]byte, BootpMinLen-len(raw))...)
	}

	return raw
}

// AddrFromIP converts a net.IP into a netip.Addr, unmapping IPv4-in-IPv6.
// An invalid or absent address converts to the zero value.
func AddrFromIP(ip net.IP) (addr netip.Addr) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}

	return addr.Unmap()
}
