package dhcpc

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"

	//lint:ignore SA1019 See the TODO in go.mod.
	"github.com/go-ping/ping"
)

// NewPingProbe returns a probe that sends a single ICMP echo to an offered
// address and reports it in use when a reply comes back within timeout.  A
// probe error counts as "not in use": committing is preferable to refusing
// an address the link cannot even be asked about.
func NewPingProbe(logger *slog.Logger, timeout time.Duration) (p ProbeFunc) {
	return func(ctx context.Context, addr netip.Addr) (inUse bool) {
		pinger, err := ping.NewPinger(addr.String())
		if err != nil {
			logger.DebugContext(ctx, "creating pinger", slogutil.KeyError, err)

			return false
		}

		pinger.SetPrivileged(true)
		pinger.Count = 1
		pinger.Timeout = timeout

		err = pinger.Run()
		if err != nil {
			logger.DebugContext(ctx, "probing address", "addr", addr, slogutil.KeyError, err)

			return false
		}

		return pinger.Statistics().PacketsRecv > 0
	}
}
