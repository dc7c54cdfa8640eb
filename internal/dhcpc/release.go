package dhcpc

import (
	"context"

	"github.com/AdguardTeam/AdGuardDHCP/internal/configurator"
	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// release gives the active lease back to the server: a RELEASE message is
// emitted, the collapsed record is flushed to stable storage, the
// configurator removes the configuration, and the machine stops.
// Persistence errors surface to the caller and leave the in-memory lease
// unchanged.
func (c *client4) release(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "releasing %s: %w", c.ifc.name) }()

	if c.active == nil {
		c.stop(ctx)

		return nil
	}

	c.newXID()

	p, err := dhcpmsg.NewRelease(&dhcpmsg.BuildParams{
		HWAddr:   c.ifc.hwAddr,
		XID:      c.xid,
		ClientIP: c.active.Address,
		ServerID: c.active.ServerID(),
	})
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	// The release is unicast from the bound address, the way a renewal is.
	prevState := c.state
	c.state = stateRenewing
	c.destination = c.active.ServerID()

	sendErr := c.emit(ctx, p)
	c.state = prevState
	if sendErr != nil {
		c.logger.ErrorContext(ctx, "sending release", slogutil.KeyError, sendErr)
	}

	err = c.rt.db.RecordRelease(ctx, c.active)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	inv := c.invocation(configurator.ReasonRelease)
	inv.Old = c.active

	_, err = c.rt.script.Run(ctx, inv)
	if err != nil {
		c.logger.ErrorContext(ctx, "configurator release", slogutil.KeyError, err)
	}

	c.active = nil
	c.state = stateStopped
	c.cancelAllTimers()

	c.logger.InfoContext(ctx, "released")

	return nil
}

// stop halts the machine without releasing the lease: the configurator is
// told to stop managing the interface and every timer is canceled.
func (c *client4) stop(ctx context.Context) {
	if c.state == stateStopped {
		return
	}

	inv := c.invocation(configurator.ReasonStop)
	inv.Old = c.active

	_, err := c.rt.script.Run(ctx, inv)
	if err != nil {
		c.logger.ErrorContext(ctx, "configurator stop", slogutil.KeyError, err)
	}

	c.state = stateStopped
	c.cancelAllTimers()
}
