package linkio

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/u-root/uio/uio"
)

// Constants of the IPv4 header.
const (
	ipProtoVersion = 4
	ipDefaultTTL   = 64
	udpProtoNumber = 17
)

// parseFrame parses an IPv4 datagram and returns the UDP payload destined to
// the DHCP client port.  Datagrams for other protocols or ports yield a nil
// packet and no error.
func parseFrame(frame []byte) (pkt *Packet, err error) {
	defer func() { err = errors.Annotate(err, "parsing frame: %w") }()

	buf := uio.NewBigEndianBuffer(frame)
	if !buf.Has(20) {
		return nil, errors.Error("short ipv4 header")
	}

	hdr := buf.Data()
	if hdr[0]>>4 != ipProtoVersion {
		return nil, nil
	}

	hdrLen := int(hdr[0]&0x0F) * 4
	if hdrLen < 20 || !buf.Has(hdrLen) {
		return nil, errors.Error("bad ipv4 header length")
	}

	if hdr[9] != udpProtoNumber {
		return nil, nil
	}

	src, _ := netip.AddrFromSlice(hdr[12:16])
	dst, _ := netip.AddrFromSlice(hdr[16:20])

	buf.Consume(hdrLen)
	if !buf.Has(8) {
		return nil, errors.Error("short udp header")
	}

	buf.Read16()
	dstPort := buf.Read16()
	udpLen := int(buf.Read16())
	buf.Read16()

	if dstPort != ClientPort {
		return nil, nil
	}

	if udpLen < 8 || !buf.Has(udpLen-8) {
		return nil, errors.Error("short udp payload")
	}

	return &Packet{
		Source:  src,
		Dest:    dst,
		Payload: buf.CopyN(udpLen - 8),
	}, nil
}

// buildFrame serializes an IPv4+UDP datagram carrying payload.
func buildFrame(payload []byte, src, dst netip.Addr) (frame []byte, err error) {
	srcIP := net.IPv4zero.To4()
	if src.Is4() {
		srcIP = src.AsSlice()
	}

	ip := &layers.IPv4{
		Version:  ipProtoVersion,
		TTL:      ipDefaultTTL,
		SrcIP:    srcIP,
		DstIP:    dst.AsSlice(),
		Protocol: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{
		SrcPort: ClientPort,
		DstPort: ServerPort,
	}
	_ = udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	err = gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload))
	if err != nil {
		return nil, fmt.Errorf("constructing dhcp frame: %w", err)
	}

	return buf.Bytes(), nil
}
