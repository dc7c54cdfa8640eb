package dhcpc

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/AdGuardDHCP/internal/leasedb"
)

// rejectReturnDelay is how soon the machine returns to INIT after rejecting
// a lease without a usable lease time.
const rejectReturnDelay = 500 * time.Millisecond

// handle consumes one incoming message.  It is total over (state, kind):
// combinations without a defined transition are explicit no-ops with a trace
// line.
func (c *client4) handle(ctx context.Context, msg *dhcpmsg.Message) {
	switch msg.Kind {
	case dhcpmsg.KindOffer, dhcpmsg.KindBootp:
		if c.state == stateSelecting {
			c.handleOffer(ctx, msg)

			return
		}
	case dhcpmsg.KindAck:
		switch c.state {
		case stateRequesting, stateRebooting, stateRenewing, stateRebinding:
			c.handleAck(ctx, msg)

			return
		}
	case dhcpmsg.KindNak:
		switch c.state {
		case stateRequesting, stateRebooting, stateRenewing, stateRebinding:
			c.handleNak(ctx, msg)

			return
		}
	}

	c.logger.DebugContext(ctx, "ignoring message", "kind", msg.Kind, "state", c.state)
}

// handleOffer collects an offered lease in SELECTING.
func (c *client4) handleOffer(ctx context.Context, msg *dhcpmsg.Message) {
	l := c.leaseFromMessage(msg)
	if !l.Address.Is4() {
		c.logger.DebugContext(ctx, "ignoring offer without address", "src", msg.Source)

		return
	}

	if msg.Kind == dhcpmsg.KindOffer {
		if leaseTime, ok := optUint32(l, 51); !ok || leaseTime == 0 {
			// An offer without a usable lease time: suppress the server.
			c.logger.InfoContext(ctx, "ignoring offer without lease time", "src", msg.Source)
			c.ifc.addReject(ctx, msg.Source)

			return
		}
	}

	for _, code := range optionCodes(c.ifc.conf.RequiredOptions) {
		if _, ok := msg.Options.Evaluate(dhcpmsg.SpaceDHCP, code); !ok {
			c.logger.InfoContext(
				ctx,
				"ignoring offer without required option",
				"src", msg.Source,
				"option", dhcpmsg.OptionName(code),
			)

			return
		}
	}

	// First-seen wins for a given offered address.
	for _, prev := range c.offered {
		if prev.Address == l.Address {
			c.logger.DebugContext(ctx, "suppressing duplicate offer", "addr", l.Address)

			return
		}
	}

	c.logger.InfoContext(ctx, "offer received", "addr", l.Address, "src", msg.Source)

	c.offered = append(c.offered, l)

	if len(c.offered) > 1 {
		return
	}

	// The first offer opens the collection window.
	when := c.firstSending.Add(c.rt.timing.selectInterval)
	c.rt.loop.ScheduleReplacing(tagSelect, c, when, func(fnCtx context.Context) {
		c.selectOffer(fnCtx)
	})
}

// selectOffer closes the offer-collection window: it picks the originally
// requested address when it was re-offered and the first received offer
// otherwise, destroys the rest, and moves to REQUESTING.
func (c *client4) selectOffer(ctx context.Context) {
	if len(c.offered) == 0 {
		c.stateInitFn(ctx)

		return
	}

	pick := c.offered[0]
	for _, l := range c.offered {
		if c.requestedAddr.Is4() && l.Address == c.requestedAddr {
			pick = l

			break
		}
	}

	c.offered = nil
	c.newLease = pick

	if pick.IsBootP {
		// A BOOTP reply is a complete binding already; no REQUEST exchange
		// follows.
		c.logger.InfoContext(ctx, "using bootp reply", "addr", pick.Address)

		c.synthesizeBootpTimes(pick)
		c.bindLease(ctx)

		return
	}

	c.state = stateRequesting
	c.destination = broadcastAddr
	c.firstSending = c.rt.clock.Now()
	c.interval = 0

	c.cancelTimers(tagTick)
	c.sendRequestTick(ctx)
}

// handleAck processes a matching ACK: it computes the lease time fields,
// validates them, and commits the binding.
func (c *client4) handleAck(ctx context.Context, msg *dhcpmsg.Message) {
	l := c.leaseFromMessage(msg)
	if !l.Address.Is4() {
		c.logger.DebugContext(ctx, "ignoring ack without address", "src", msg.Source)

		return
	}

	ok := c.computeLeaseTimes(ctx, l)
	if !ok {
		// An ACK without a usable lease time: reject the lease, suppress
		// the server, and restart shortly.
		c.ifc.addReject(ctx, msg.Source)

		when := c.rt.clock.Now().Add(rejectReturnDelay)
		c.rt.loop.ScheduleReplacing(tagDefer, c, when, func(fnCtx context.Context) {
			c.stateInitFn(fnCtx)
		})

		return
	}

	c.newLease = l
	c.bindLease(ctx)
}

// handleNak processes a matching NAK: the active lease is destroyed through
// the expire hook and the machine restarts from INIT.
func (c *client4) handleNak(ctx context.Context, msg *dhcpmsg.Message) {
	c.logger.InfoContext(ctx, "nak received", "src", msg.Source, "state", c.state)

	c.expireLease(ctx)
	c.stateInitFn(ctx)
}

// Synthetic time fields of a BOOTP binding, in seconds.
const (
	bootpRenewal = 12000
	bootpRebind  = 8000
	bootpExpiry  = 10000
)

// synthesizeBootpTimes fills the time fields of a lease made from a BOOTP
// reply, which carries no timing options.
func (c *client4) synthesizeBootpTimes(l *leasedb.Lease) {
	now := c.rt.clock.Now()
	l.Renewal = leasedb.AddClamped(now, bootpRenewal)
	l.Rebind = leasedb.AddClamped(now, bootpRebind)
	l.Expiry = leasedb.AddClamped(now, bootpExpiry)
}

// computeLeaseTimes computes the renewal, rebind, and expiry fields of l
// from its options.  It returns false when the lease carries no usable lease
// time and must be rejected.
func (c *client4) computeLeaseTimes(ctx context.Context, l *leasedb.Lease) (ok bool) {
	leaseTime, hasLeaseTime := optUint32(l, 51)
	if !hasLeaseTime || leaseTime == 0 {
		c.logger.InfoContext(ctx, "lease has no lease time", "addr", l.Address)

		return false
	}

	renewal, hasRenewal := optUint32(l, 58)
	if !hasRenewal || renewal == 0 {
		renewal = leaseTime/2 + 1
	}

	// Multiplicative jitter into [0.75R, R], computed in 64 bits so that a
	// large R does not wrap around.
	r := uint64(renewal)
	jittered := (r*3+3)/4 + (uint64(c.rt.rand.Uint32N(renewal))+3)/4
	renewal = uint32(min(jittered, math.MaxUint32))

	rebind, hasRebind := optUint32(l, 59)
	if !hasRebind {
		rebind = uint32(uint64(leaseTime) * 7 / 8)
	}

	if renewal > rebind {
		renewal = rebind * 3 / 4
	}

	now := c.rt.clock.Now()
	l.Renewal = leasedb.AddClamped(now, renewal)
	l.Rebind = leasedb.AddClamped(now, rebind)
	l.Expiry = leasedb.AddClamped(now, leaseTime)

	return true
}

// optUint32 reads a four-byte option of l as a big-endian integer.
func optUint32(l *leasedb.Lease, code uint8) (v uint32, ok bool) {
	data, ok := l.Options.Evaluate(dhcpmsg.SpaceDHCP, code)
	if !ok || len(data) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(data), true
}
