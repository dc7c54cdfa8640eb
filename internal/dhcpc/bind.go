package dhcpc

import (
	"context"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/configurator"
	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// oneTryExitCode is the exit code of one-try mode when no lease could be
// obtained or applied.
const oneTryExitCode = 2

// bindReason returns the configurator reason of a commit entered from the
// current state.
func (c *client4) bindReason() (reason configurator.Reason) {
	switch c.state {
	case stateRenewing:
		return configurator.ReasonRenew
	case stateRebinding:
		return configurator.ReasonRebind
	case stateRebooting:
		return configurator.ReasonReboot
	default:
		return configurator.ReasonBound
	}
}

// bindLease commits the tentative lease: the configurator applies it, the
// store persists it, the slots shuffle, and the renewal timer is armed.
func (c *client4) bindLease(ctx context.Context) {
	reason := c.bindReason()

	if c.rt.conf.ProbeAddresses && reason == configurator.ReasonBound {
		if c.rt.probe != nil && c.rt.probe(ctx, c.newLease.Address) {
			c.logger.WarnContext(ctx, "offered address in use", "addr", c.newLease.Address)
			c.declineLease(ctx)

			return
		}
	}

	inv := c.invocation(reason)
	inv.New = c.newLease
	inv.Old = c.active
	inv.RequestedOptions = c.requestedOptionCodes()

	status, err := c.rt.script.Run(ctx, inv)
	if err != nil {
		c.logger.ErrorContext(ctx, "configurator", slogutil.KeyError, err)
		status = 1
	}

	if status != 0 {
		// The helper could not apply the address: treat it as an address
		// conflict.
		c.declineLease(ctx)

		return
	}

	now := c.rt.clock.Now()

	if c.active != nil && c.active != c.newLease {
		if c.active.IsStatic {
			c.keepHistorical(c.active)
		}

		c.active = nil
	}

	c.active = c.newLease
	c.newLease = nil
	c.offered = nil
	c.state = stateBound

	c.persistActive(ctx, now)

	c.cancelTimers(tagTick, tagSelect, tagDefer)
	c.rt.loop.ScheduleReplacing(tagT1, c, c.active.Renewal.Add(c.microJitter()), func(fnCtx context.Context) {
		c.stateBoundFn(fnCtx)
	})

	c.logger.InfoContext(
		ctx,
		"bound to address",
		"addr", c.active.Address,
		"renewal", c.active.Renewal,
		"expiry", c.active.Expiry,
	)
}

// declineLease sends a DECLINE for the tentative lease, destroys it, and
// schedules the restart from INIT.  In one-try mode the process exits
// instead.
func (c *client4) declineLease(ctx context.Context) {
	l := c.newLease
	c.newLease = nil

	if l != nil && !l.IsBootP {
		p, err := dhcpmsg.NewDecline(&dhcpmsg.BuildParams{
			HWAddr:      c.ifc.hwAddr,
			XID:         c.xid,
			RequestedIP: l.Address,
			ServerID:    l.ServerID(),
			Message:     "address in use",
			Broadcast:   true,
		})
		if err == nil {
			err = c.emit(ctx, p)
		}

		if err != nil {
			c.logger.ErrorContext(ctx, "sending decline", slogutil.KeyError, err)
		}
	}

	c.state = stateDeclining
	c.cancelTimers(tagTick, tagSelect, tagT1)

	if c.rt.conf.OneTry {
		c.rt.exit(ctx, oneTryExitCode)

		return
	}

	when := c.rt.clock.Now().Add(c.rt.timing.declineWait)
	c.rt.loop.ScheduleReplacing(tagDefer, c, when, func(fnCtx context.Context) {
		c.stateInitFn(fnCtx)
	})
}

// expireLease runs the expire hook of the active lease: the configurator
// deconfigures it, then reinitializes the interface, and the slot empties.
// Static leases return to the tail of the historical list.
func (c *client4) expireLease(ctx context.Context) {
	if c.active == nil {
		return
	}

	old := c.active
	c.active = nil

	inv := c.invocation(configurator.ReasonExpire)
	inv.Old = old

	_, err := c.rt.script.Run(ctx, inv)
	if err != nil {
		c.logger.ErrorContext(ctx, "configurator expire", slogutil.KeyError, err)
	}

	_, err = c.rt.script.Run(ctx, c.invocation(configurator.ReasonPreinit))
	if err != nil {
		c.logger.ErrorContext(ctx, "configurator preinit", slogutil.KeyError, err)
	}

	if old.IsStatic {
		c.keepHistorical(old)
	}

	c.cancelTimers(tagT1)
}

// stateFallback is the panic path: no server answered within the timeout,
// so the historical leases are walked for one the configurator can still
// apply.
func (c *client4) stateFallback(ctx context.Context) {
	now := c.rt.clock.Now()

	c.logger.InfoContext(ctx, "no offers, trying fallback leases", "num", len(c.leases))

	for i := 0; i < len(c.leases); i++ {
		cand := c.leases[i]
		if cand.Expired(now) {
			continue
		}

		inv := c.invocation(configurator.ReasonTimeout)
		inv.Medium = cand.Medium
		inv.New = cand
		inv.Old = c.active
		inv.RequestedOptions = c.requestedOptionCodes()

		status, err := c.rt.script.Run(ctx, inv)
		if err != nil {
			c.logger.ErrorContext(ctx, "configurator timeout", slogutil.KeyError, err)

			continue
		} else if status != 0 {
			c.logger.InfoContext(ctx, "fallback lease refused", "addr", cand.Address, "status", status)

			continue
		}

		c.bindFallback(ctx, i, now)

		return
	}

	c.failRetry(ctx)
}

// bindFallback makes the historical lease at index i the active binding.
func (c *client4) bindFallback(ctx context.Context, i int, now time.Time) {
	cand := c.takeHistorical(i)

	if c.active != nil && c.active.IsStatic {
		c.keepHistorical(c.active)
	}

	c.active = cand
	c.state = stateBound
	c.cancelTimers(tagTick, tagSelect, tagDefer)

	when := c.active.Renewal
	if !now.Before(when) {
		// Past the renewal milestone already: renew immediately.
		when = now
	}

	c.rt.loop.ScheduleReplacing(tagT1, c, when.Add(c.microJitter()), func(fnCtx context.Context) {
		c.stateBoundFn(fnCtx)
	})

	c.logger.InfoContext(ctx, "bound to fallback address", "addr", c.active.Address)
}

// failRetry runs the FAIL hook and schedules the retry from INIT, or exits
// in one-try mode.
func (c *client4) failRetry(ctx context.Context) {
	_, err := c.rt.script.Run(ctx, c.invocation(configurator.ReasonFail))
	if err != nil {
		c.logger.ErrorContext(ctx, "configurator fail", slogutil.KeyError, err)
	}

	if c.rt.conf.OneTry {
		c.rt.exit(ctx, oneTryExitCode)

		return
	}

	retry := int64(c.rt.timing.retryInterval / time.Second)
	delay := time.Duration(retry/2+c.rt.rand.Int64N(retry)) * time.Second

	c.logger.InfoContext(ctx, "sleeping before retry", "delay", delay)

	c.state = stateInit
	c.cancelTimers(tagTick, tagSelect)
	c.rt.loop.ScheduleReplacing(tagDefer, c, c.rt.clock.Now().Add(delay), func(fnCtx context.Context) {
		c.stateInitFn(fnCtx)
	})
}
