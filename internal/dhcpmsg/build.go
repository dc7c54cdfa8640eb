package dhcpmsg

import (
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
)

// BuildParams are the inputs of an outbound client message.
type BuildParams struct {
	// RequestedIP goes into the dhcp-requested-address option when valid.
	RequestedIP netip.Addr

	// ServerID goes into the dhcp-server-identifier option when valid.
	ServerID netip.Addr

	// ClientIP is the ciaddr header field.  It is only set for renewals and
	// releases.
	ClientIP netip.Addr

	// HWAddr is the chaddr header field.  It must not be nil.
	HWAddr net.HardwareAddr

	// ClientID is the raw dhcp-client-identifier value, if any.
	ClientID []byte

	// ParameterRequestList is the ordered list of requested option codes.
	ParameterRequestList []uint8

	// HostName goes into the host-name option when not empty.
	HostName string

	// Message goes into the dhcp-message option when not empty.  It is used
	// by declines.
	Message string

	// XID is the transaction id of the exchange.  It must not be zero.
	XID dhcpv4.TransactionID

	// Secs is the elapsed time of the current exchange.
	Secs uint16

	// Broadcast sets the broadcast flag, for interfaces that cannot receive
	// unconfigured unicast.
	Broadcast bool
}

// Option codes used only on the build side.
var (
	optClientID = dhcpv4.GenericOptionCode(61)
	optMessage  = dhcpv4.GenericOptionCode(56)
)

// newPacket builds the common part of all outbound client messages.
func newPacket(p *BuildParams, typ dhcpv4.MessageType) (d *dhcpv4.DHCPv4, err error) {
	if p.XID == (dhcpv4.TransactionID{}) {
		return nil, errors.Error("xid must not be zero")
	}

	d, err = dhcpv4.New()
	if err != nil {
		return nil, err
	}

	d.OpCode = dhcpv4.OpcodeBootRequest
	d.HWType = iana.HWTypeEthernet
	d.ClientHWAddr = p.HWAddr
	d.TransactionID = p.XID
	d.NumSeconds = p.Secs

	if p.Broadcast {
		d.SetBroadcast()
	} else {
		d.SetUnicast()
	}

	if p.ClientIP.Is4() {
		d.ClientIPAddr = p.ClientIP.AsSlice()
	}

	d.UpdateOption(dhcpv4.OptMessageType(typ))

	if len(p.ClientID) > 0 {
		d.UpdateOption(dhcpv4.OptGeneric(optClientID, p.ClientID))
	}

	if p.HostName != "" {
		d.UpdateOption(dhcpv4.OptHostName(p.HostName))
	}

	if p.RequestedIP.Is4() {
		d.UpdateOption(dhcpv4.OptRequestedIPAddress(p.RequestedIP.AsSlice()))
	}

	if p.ServerID.Is4() {
		d.UpdateOption(dhcpv4.OptServerIdentifier(p.ServerID.AsSlice()))
	}

	if p.Message != "" {
		d.UpdateOption(dhcpv4.OptGeneric(optMessage, []byte(p.Message)))
	}

	if len(p.ParameterRequestList) > 0 {
		codes := make([]dhcpv4.OptionCode, 0, len(p.ParameterRequestList))
		for _, c := range p.ParameterRequestList {
			codes = append(codes, dhcpv4.GenericOptionCode(c))
		}

		d.UpdateOption(dhcpv4.OptParameterRequestList(codes...))
	}

	return d, nil
}

// NewDiscover builds a DHCPDISCOVER message.
func NewDiscover(p *BuildParams) (d *dhcpv4.DHCPv4, err error) {
	defer func() { err = errors.Annotate(err, "building discover: %w") }()

	return newPacket(p, dhcpv4.MessageTypeDiscover)
}

// NewRequest builds a DHCPREQUEST message.  Depending on the state of the
// client, p.ServerID, p.RequestedIP, and p.ClientIP select between the
// SELECTING, INIT-REBOOT, and RENEWING/REBINDING shapes of the message.
func NewRequest(p *BuildParams) (d *dhcpv4.DHCPv4, err error) {
	defer func() { err = errors.Annotate(err, "building request: %w") }()

	return newPacket(p, dhcpv4.MessageTypeRequest)
}

// NewDecline builds a DHCPDECLINE message for the address in p.RequestedIP.
func NewDecline(p *BuildParams) (d *dhcpv4.DHCPv4, err error) {
	defer func() { err = errors.Annotate(err, "building decline: %w") }()

	return newPacket(p, dhcpv4.MessageTypeDecline)
}

// NewRelease builds a DHCPRELEASE message for the address in p.ClientIP.
func NewRelease(p *BuildParams) (d *dhcpv4.DHCPv4, err error) {
	defer func() { err = errors.Annotate(err, "building release: %w") }()

	return newPacket(p, dhcpv4.MessageTypeRelease)
}
