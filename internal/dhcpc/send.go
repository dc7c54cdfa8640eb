package dhcpc

import (
	"context"
	"net/netip"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/configurator"
	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// stateInitFn starts a fresh DISCOVER exchange.
func (c *client4) stateInitFn(ctx context.Context) {
	c.state = stateInit
	c.newXID()
	c.firstSending = c.rt.clock.Now()
	c.interval = 0
	c.destination = broadcastAddr
	c.offered = nil
	c.newLease = nil

	c.requestedAddr = netip.Addr{}
	if c.active != nil {
		c.requestedAddr = c.active.Address
	}

	c.cancelTimers(tagSelect, tagT1, tagDefer)

	c.state = stateSelecting
	c.sendDiscoverTick(ctx)
}

// stateRebootFn starts an INIT-REBOOT exchange for the remembered address,
// or falls through to INIT when there is nothing usable to reboot with.
func (c *client4) stateRebootFn(ctx context.Context) {
	now := c.rt.clock.Now()
	if c.active == nil || c.active.Expired(now) || c.active.IsBootP {
		c.stateInitFn(ctx)

		return
	}

	c.state = stateRebooting
	c.newXID()
	c.firstSending = now
	c.interval = 0
	c.destination = broadcastAddr
	c.requestedAddr = c.active.Address

	c.cancelTimers(tagSelect, tagT1, tagDefer)
	c.sendRequestTick(ctx)
}

// stateBoundFn fires at the renewal milestone: it starts the unicast
// renewal exchange for the active lease.
func (c *client4) stateBoundFn(ctx context.Context) {
	c.state = stateRenewing
	c.newXID()
	c.firstSending = c.rt.clock.Now()
	c.interval = 0
	c.requestedAddr = netip.Addr{}

	c.destination = c.active.ServerID()
	if !c.destination.Is4() {
		c.destination = broadcastAddr
	}

	c.sendRequestTick(ctx)
}

// sendDiscoverTick is one tick of the DISCOVER retransmission loop: it
// checks the panic timeout, walks the media list, backs the interval off,
// emits the message, and schedules the next tick.
func (c *client4) sendDiscoverTick(ctx context.Context) {
	now := c.rt.clock.Now()

	if c.elapsed(now) > c.rt.timing.timeout {
		c.stateFallback(ctx)

		return
	}

	// While an unexhausted media list is being walked, the interval does
	// not back off: growth resumes only once the list wraps back to its
	// head.
	grow := true
	if len(c.ifc.conf.Media) > 0 && len(c.offered) == 0 {
		grow = c.walkMedia(ctx)
	}

	if grow {
		c.interval = c.nextInterval(now)
	} else if c.interval == 0 {
		c.interval = c.rt.timing.initialInterval
	}

	err := c.sendMessage(ctx, dhcpv4.MessageTypeDiscover, now)
	if err != nil {
		c.logger.ErrorContext(ctx, "sending discover", slogutil.KeyError, err)
	} else {
		c.logger.InfoContext(ctx, "discover sent", "interval", c.interval)
	}

	c.rt.loop.ScheduleReplacing(tagTick, c, now.Add(c.interval+c.microJitter()), func(fnCtx context.Context) {
		c.sendDiscoverTick(fnCtx)
	})
}

// walkMedia advances to the next entry of the media list, invoking the
// configurator for it.  The configurator is invoked here, in the tick
// scheduler, and not inside the send path.  It returns true when the list
// wrapped back to its head, which is when backoff is allowed to grow again.
// The media list must not be empty.
func (c *client4) walkMedia(ctx context.Context) (wrapped bool) {
	media := c.ifc.conf.Media
	if c.mediumIdx >= len(media) {
		c.mediumIdx = 0
		wrapped = true
	}

	tried := media[c.mediumIdx]
	c.mediumIdx++

	inv := c.invocation(configurator.ReasonMedium)
	inv.Medium = tried

	status, err := c.rt.script.Run(ctx, inv)
	if err != nil {
		c.logger.ErrorContext(ctx, "configurator medium", slogutil.KeyError, err)

		return wrapped
	}

	if status == 0 {
		c.medium = tried

		return wrapped
	}

	c.logger.InfoContext(ctx, "medium failed", "medium", tried, "status", status)

	return wrapped
}

// sendRequestTick is one tick of the REQUEST retransmission loop of the
// REQUESTING, REBOOTING, RENEWING, and REBINDING states.
func (c *client4) sendRequestTick(ctx context.Context) {
	now := c.rt.clock.Now()

	switch c.state {
	case stateRequesting:
		if c.elapsed(now) > c.rt.timing.timeout {
			c.logger.InfoContext(ctx, "request timed out")
			c.stateInitFn(ctx)

			return
		}
	case stateRebooting:
		if c.elapsed(now) > c.rt.timing.rebootTimeout {
			c.logger.InfoContext(ctx, "reboot timed out")
			c.stateInitFn(ctx)

			return
		}
	case stateRenewing, stateRebinding:
		if !now.Before(c.active.Expiry) {
			c.logger.InfoContext(ctx, "lease expired", "addr", c.active.Address)
			c.expireLease(ctx)
			c.stateInitFn(ctx)

			return
		}

		if c.state == stateRenewing && now.After(c.active.Rebind) {
			c.logger.InfoContext(ctx, "rebind time reached")
			c.state = stateRebinding
			c.destination = broadcastAddr
		}
	default:
		// A tick in any other state is a leftover timer.
		c.logger.DebugContext(ctx, "stray request tick", "state", c.state)

		return
	}

	c.interval = c.nextInterval(now)

	if c.state == stateRenewing || c.state == stateRebinding {
		// Land the next tick no later than expiry.
		if remaining := c.active.Expiry.Sub(now); c.interval > remaining {
			c.interval = remaining
		}
	}

	err := c.sendMessage(ctx, dhcpv4.MessageTypeRequest, now)
	if err != nil {
		c.logger.ErrorContext(ctx, "sending request", slogutil.KeyError, err)
	} else {
		c.logger.InfoContext(ctx, "request sent", "state", c.state, "interval", c.interval)
	}

	c.rt.loop.ScheduleReplacing(tagTick, c, now.Add(c.interval+c.microJitter()), func(fnCtx context.Context) {
		c.sendRequestTick(fnCtx)
	})
}

// nextInterval applies the backoff discipline: expected doubling with
// jitter, the cutoff clamp, and landing exactly on the panic point.
func (c *client4) nextInterval(now time.Time) (ivl time.Duration) {
	t := c.rt.timing

	secs := int64(c.interval / time.Second)
	switch {
	case secs == 0:
		secs = int64(t.initialInterval / time.Second)
	default:
		secs += c.rt.rand.Int64N(2 * secs)
	}

	if cutoff := int64(t.backoffCutoff / time.Second); secs > cutoff {
		secs = cutoff/2 + c.rt.rand.Int64N(cutoff)
	}

	if secs < 1 {
		secs = 1
	}

	ivl = time.Duration(secs) * time.Second

	// Make the last tick land exactly on the panic point.  The renewal
	// states have no panic timeout: they are bounded by the rebind and
	// expiry milestones instead.
	var budget time.Duration
	switch c.state {
	case stateRenewing, stateRebinding:
		return ivl
	case stateRebooting:
		budget = t.rebootTimeout
	default:
		budget = t.timeout
	}

	deadline := c.firstSending.Add(budget)
	if now.Add(ivl).After(deadline) {
		ivl = deadline.Sub(now) + time.Second
	}

	return ivl
}

// sendMessage builds and emits the outbound message of the current state.
func (c *client4) sendMessage(ctx context.Context, typ dhcpv4.MessageType, now time.Time) (err error) {
	params := &dhcpmsg.BuildParams{
		HWAddr:               c.ifc.hwAddr,
		XID:                  c.xid,
		Secs:                 dhcpmsg.SaturatedSecs(c.elapsed(now)),
		Broadcast:            true,
		ClientID:             c.clientID(),
		HostName:             c.ifc.conf.HostName,
		ParameterRequestList: c.requestedOptionCodes(),
	}

	var p *dhcpv4.DHCPv4
	switch typ {
	case dhcpv4.MessageTypeDiscover:
		params.RequestedIP = c.requestedAddr
		p, err = dhcpmsg.NewDiscover(params)
	default:
		switch c.state {
		case stateRequesting:
			params.RequestedIP = c.newLease.Address
			params.ServerID = c.newLease.ServerID()
		case stateRebooting:
			params.RequestedIP = c.requestedAddr
		case stateRenewing, stateRebinding:
			params.ClientIP = c.active.Address
		}

		p, err = dhcpmsg.NewRequest(params)
	}
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	return c.emit(ctx, p)
}

// emit sends p out of the interface, choosing destination and source per
// the current state: broadcast in REQUESTING and REBOOTING or past the
// rebind milestone, unicast to the known server otherwise; the source is
// unspecified until a binding exists.
func (c *client4) emit(ctx context.Context, p *dhcpv4.DHCPv4) (err error) {
	dst := broadcastAddr
	switch c.state {
	case stateRenewing:
		if c.destination.Is4() {
			dst = c.destination
		}
	default:
		// Broadcast.
	}

	src := netip.Addr{}
	switch c.state {
	case stateRenewing, stateRebinding:
		src = c.active.Address
	default:
		// Unspecified.
	}

	_, err = c.ifc.sender.Send(ctx, dhcpmsg.EncodePacket(p), src, dst, nil)

	return err
}
