package dhcpc

import (
	"bytes"
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/configurator"
	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/AdGuardDHCP/internal/dispatch"
	"github.com/AdguardTeam/AdGuardDHCP/internal/leasedb"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// client4 is the live DHCPv4 state machine of one interface.  All of its
// methods run on the dispatch loop goroutine.
type client4 struct {
	rt     *Runtime
	ifc    *netInterface
	logger *slog.Logger

	// state is the current state of the machine.
	state state

	// xid is the transaction id of the in-flight exchange.  It is non-zero
	// and unchanged from the first transmission until an ACK or NAK is
	// received or the machine leaves the exchange.
	xid dhcpv4.TransactionID

	// firstSending is the wall time the current exchange began.
	firstSending time.Time

	// interval is the current retransmission delay.
	interval time.Duration

	// destination is the address outbound messages are sent to.
	destination netip.Addr

	// requestedAddr is the address asked for in DISCOVER and INIT-REBOOT
	// exchanges.
	requestedAddr netip.Addr

	// medium is the currently selected media setup string, if any.
	medium string

	// mediumIdx is the next entry of the media list to try.
	mediumIdx int

	// Lease slots.  Each slot exclusively owns its entries; transitions
	// move ownership and never share it.
	active   *leasedb.Lease
	newLease *leasedb.Lease
	alias    *leasedb.Lease

	// offered are the candidate leases collected in SELECTING.
	offered []*leasedb.Lease

	// leases are the historical and fallback leases, oldest first.
	leases []*leasedb.Lease

	// pending is the operation postponed while the machine is paused.
	pending pendingOp

	// lastWrite is when the active lease was last persisted.
	lastWrite time.Time
}

// newClient4 creates a client for ifc.
func newClient4(rt *Runtime, ifc *netInterface) (c *client4) {
	return &client4{
		rt:     rt,
		ifc:    ifc,
		logger: ifc.logger,
		state:  stateInit,
	}
}

// newXID generates a fresh non-zero transaction id for a new exchange.
func (c *client4) newXID() {
	for {
		v := c.rt.rand.Uint32()
		if v == 0 {
			continue
		}

		c.xid = dhcpv4.TransactionID{
			byte(v >> 24),
			byte(v >> 16),
			byte(v >> 8),
			byte(v),
		}

		return
	}
}

// matches reports whether msg belongs to this client: the transaction id
// equals the in-flight one and the chaddr equals the interface hardware
// address.  Packets that do not match are never allowed to mutate state.
func (c *client4) matches(msg *dhcpmsg.Message) (ok bool) {
	if msg.Packet.TransactionID != c.xid {
		return false
	}

	return bytes.Equal(msg.Packet.ClientHWAddr, c.ifc.hwAddr)
}

// cancelTimers cancels the pending timers with the given tags.
func (c *client4) cancelTimers(tags ...dispatch.Tag) {
	for _, tag := range tags {
		c.rt.loop.Cancel(tag, c)
	}
}

// cancelAllTimers cancels every pending timer of the client.
func (c *client4) cancelAllTimers() {
	c.cancelTimers(tagTick, tagSelect, tagT1, tagDefer)
}

// elapsed returns the time since the current exchange began.
func (c *client4) elapsed(now time.Time) (d time.Duration) {
	return now.Sub(c.firstSending)
}

// clientID returns the dhcp-client-identifier value of the client: the
// RFC 4361 form when the runtime is configured for it and has a DUID, the
// hardware-type form otherwise.
func (c *client4) clientID() (id []byte) {
	if c.rt.conf.DUIDClientID {
		duid := c.rt.db.DUID()
		if len(duid) > 0 {
			// Type 255, a zero IAID, and the DUID.
			id = append([]byte{255, 0, 0, 0, 0}, duid...)

			return id
		}
	}

	return append([]byte{0x01}, c.ifc.hwAddr...)
}

// requestedOptionCodes returns the parameter request list of the client.
func (c *client4) requestedOptionCodes() (codes []uint8) {
	names := c.ifc.conf.RequestedOptions
	if len(names) == 0 {
		names = defaultRequestedOptions
	}

	return optionCodes(names)
}

// invocation builds a configurator invocation with the interface-level
// fields preset.  The caller fills the lease slots it needs.
func (c *client4) invocation(reason configurator.Reason) (inv *configurator.Invocation) {
	return &configurator.Invocation{
		Env:       c.ifc.conf.Env,
		Reason:    reason,
		Interface: c.ifc.name,
		Medium:    c.medium,
		Alias:     c.alias,
	}
}

// leaseFromMessage builds a lease record from an incoming OFFER, ACK, or
// BOOTP reply.
func (c *client4) leaseFromMessage(msg *dhcpmsg.Message) (l *leasedb.Lease) {
	p := msg.Packet

	l = &leasedb.Lease{
		Options:    msg.Options.Clone(),
		Address:    dhcpmsg.AddrFromIP(p.YourIPAddr),
		NextServer: dhcpmsg.AddrFromIP(p.ServerIPAddr),
		Interface:  c.ifc.name,
		ServerName: p.ServerHostName,
		Filename:   p.BootFileName,
		Medium:     c.medium,
		IsBootP:    msg.Kind == dhcpmsg.KindBootp,
	}

	return l
}

// keepHistorical appends l to the tail of the historical list, removing any
// prior lease with the same address and staticness first.
func (c *client4) keepHistorical(l *leasedb.Lease) {
	for i, prev := range c.leases {
		if prev.Address == l.Address && prev.IsStatic == l.IsStatic {
			c.leases = append(c.leases[:i], c.leases[i+1:]...)

			break
		}
	}

	c.leases = append(c.leases, l)
}

// takeHistorical removes and returns the lease at index i of the historical
// list.
func (c *client4) takeHistorical(i int) (l *leasedb.Lease) {
	l = c.leases[i]
	c.leases = append(c.leases[:i], c.leases[i+1:]...)

	return l
}

// persistActive writes the active lease to the store unless one was written
// more recently than the minimum write interval.
func (c *client4) persistActive(ctx context.Context, now time.Time) {
	if !c.lastWrite.IsZero() && now.Sub(c.lastWrite) < c.rt.timing.minLeaseWrite {
		return
	}

	err := c.rt.db.Append(ctx, c.active, false)
	if err != nil {
		c.logger.ErrorContext(ctx, "persisting lease", slogutil.KeyError, err)

		return
	}

	c.lastWrite = now
}
