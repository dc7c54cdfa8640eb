package dhcpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/configurator"
	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/AdGuardDHCP/internal/dispatch"
	"github.com/AdguardTeam/AdGuardDHCP/internal/leasedb"
	"github.com/AdguardTeam/AdGuardDHCP/internal/linkio"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
)

// Script runs the configurator program.  It is implemented by
// [configurator.Configurator] and by test doubles.
type Script interface {
	Run(ctx context.Context, inv *configurator.Invocation) (status int, err error)
}

// ProbeFunc checks whether an offered address is already in use on the
// link.
type ProbeFunc func(ctx context.Context, addr netip.Addr) (inUse bool)

// RuntimeConfig wires the runtime together.
type RuntimeConfig struct {
	// Logger is used to log the client events.  It must not be nil.
	Logger *slog.Logger

	// Clock is used to get current time.  It must not be nil.
	Clock timeutil.Clock

	// Script is the configurator bridge.  It must not be nil.
	Script Script

	// DB is the persistent lease store.  It must not be nil.
	DB *leasedb.DB

	// Loop is the dispatch loop.  It must not be nil.
	Loop *dispatch.Loop

	// Conf is the validated client configuration.  It must not be nil.
	Conf *Config

	// Devices are the resolved network interfaces.  Every configured
	// interface must have a device.
	Devices []*Device

	// Probe checks offered addresses for conflicts before they are
	// committed.  nil disables probing regardless of configuration.
	Probe ProbeFunc

	// OnExit is called when the client must terminate with a status code,
	// such as a failed one-try run.  It must not be nil.
	OnExit func(code int)

	// Rand is the randomness source of jitter and transaction ids.  When
	// nil, a source seeded from the first hardware address and the current
	// time is used.
	Rand *rand.Rand
}

// type check
var _ validate.Interface = (*RuntimeConfig)(nil)

// Validate implements the [validate.Interface] interface for
// *RuntimeConfig.
func (conf *RuntimeConfig) Validate() (err error) {
	if conf == nil {
		return errors.ErrNoValue
	}

	return errors.Join(
		validate.NotNil("Logger", conf.Logger),
		validate.NotNilInterface("Clock", conf.Clock),
		validate.NotNilInterface("Script", conf.Script),
		validate.NotNil("DB", conf.DB),
		validate.NotNil("Loop", conf.Loop),
		validate.NotNil("Conf", conf.Conf),
		validate.NotNilInterface("OnExit", conf.OnExit),
	)
}

// Runtime owns every per-interface client together with the process-level
// decisions: startup recovery, the fallback replay, release-then-exit, and
// persistence.  Test harnesses construct independent runtimes.
type Runtime struct {
	logger  *slog.Logger
	clock   timeutil.Clock
	script  Script
	db      *leasedb.DB
	loop    *dispatch.Loop
	conf    *Config
	timing  *timing
	rand    *rand.Rand
	probe   ProbeFunc
	onExit  func(code int)
	clients []*client4
	byName  map[string]*client4
}

// New creates the runtime and its clients.  A configured interface without
// a matching device is a fatal configuration error.
func New(conf *RuntimeConfig) (rt *Runtime, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("runtime config: %w", err)
	}

	err = conf.Conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}

	rt = &Runtime{
		logger: conf.Logger,
		clock:  conf.Clock,
		script: conf.Script,
		db:     conf.DB,
		loop:   conf.Loop,
		conf:   conf.Conf,
		timing: conf.Conf.Timing.resolve(),
		rand:   conf.Rand,
		probe:  conf.Probe,
		onExit: conf.OnExit,
		byName: map[string]*client4{},
	}

	devices := map[string]*Device{}
	for _, dev := range conf.Devices {
		devices[dev.Name] = dev
	}

	for _, name := range slices.Sorted(maps.Keys(conf.Conf.Interfaces)) {
		ifaceConf := conf.Conf.Interfaces[name]

		dev, ok := devices[name]
		if !ok {
			return nil, fmt.Errorf("interface %q: no such device", name)
		}

		err = netutil.ValidateMAC(dev.HWAddr)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", name, err)
		}

		ifc := newNetInterface(
			conf.Logger.With(slogutil.KeyPrefix, "dhcpc", "iface", name),
			dev,
			ifaceConf,
		)

		c := newClient4(rt, ifc)
		rt.clients = append(rt.clients, c)
		rt.byName[name] = c
	}

	if rt.rand == nil {
		rt.rand = rand.New(rand.NewPCG(rt.randSeed()))
	}

	return rt, nil
}

// randSeed derives the PRNG seed from the hardware address bytes of the
// first device and the current time.
func (rt *Runtime) randSeed() (s1, s2 uint64) {
	s1 = uint64(rt.clock.Now().UnixNano())

	if len(rt.clients) > 0 {
		hw := rt.clients[0].ifc.hwAddr
		buf := make([]byte, 8)
		copy(buf, hw)
		s2 = binary.BigEndian.Uint64(buf)
	}

	return s1, s2
}

// Start recovers persisted state, establishes the DUID, announces PREINIT,
// and schedules the first exchange of every client.  It must run before
// [Runtime.Run].
func (rt *Runtime) Start(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "starting dhcp client: %w") }()

	if len(rt.clients) == 0 {
		_, _ = rt.script.Run(ctx, &configurator.Invocation{Reason: configurator.ReasonNBI})

		return errors.Error("no broadcast interfaces found")
	}

	err = rt.db.Load(ctx)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	rt.adoptLeases(ctx)

	err = rt.adoptConfigLeases()
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	if len(rt.db.DUID()) == 0 {
		duid := leasedb.NewDUIDLLT(rt.clock, rt.clients[0].ifc.hwAddr)
		err = rt.db.SetDUID(ctx, duid)
		if err != nil {
			// Don't wrap the error since it's informative enough as is.
			return err
		}
	}

	rt.db.SetSource(rt.snapshot)

	err = rt.db.Rewrite(ctx)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	for _, c := range rt.clients {
		_, scriptErr := rt.script.Run(ctx, c.invocation(configurator.ReasonPreinit))
		if scriptErr != nil {
			c.logger.ErrorContext(ctx, "configurator preinit", slogutil.KeyError, scriptErr)
		}
	}

	now := rt.clock.Now()
	for _, c := range rt.clients {
		when := now
		if d := rt.timing.initialDelay; d > 0 {
			when = when.Add(rt.randDuration(d))
		}

		client := c
		rt.loop.ScheduleReplacing(tagDefer, client, when, func(fnCtx context.Context) {
			client.stateRebootFn(fnCtx)
		})
	}

	return nil
}

// randDuration returns a uniform duration in [0, d).
func (rt *Runtime) randDuration(d time.Duration) (r time.Duration) {
	return time.Duration(rt.rand.Int64N(int64(d)))
}

// adoptLeases distributes the loaded lease records to their clients.  The
// most recent usable dynamic record becomes the reboot candidate; everything
// else goes to the historical list.
func (rt *Runtime) adoptLeases(ctx context.Context) {
	now := rt.clock.Now()

	for _, l := range rt.db.Leases() {
		c, ok := rt.byName[l.Interface]
		if !ok {
			rt.logger.DebugContext(ctx, "skipping lease for unknown interface", "iface", l.Interface)

			continue
		}

		if !l.IsStatic && !l.Expired(now) {
			if c.active != nil {
				c.keepHistorical(c.active)
			}

			c.active = l

			continue
		}

		c.keepHistorical(l)
	}
}

// adoptConfigLeases copies the configured fallback and alias leases into
// the clients.
func (rt *Runtime) adoptConfigLeases() (err error) {
	for _, c := range rt.clients {
		for i, fc := range c.ifc.conf.FallbackLeases {
			l, leaseErr := c.ifc.fallbackLease(fc)
			if leaseErr != nil {
				return fmt.Errorf("interface %q: fallback lease at index %d: %w", c.ifc.name, i, leaseErr)
			}

			c.keepHistorical(l)
		}

		if ac := c.ifc.conf.Alias; ac != nil {
			c.alias, err = c.ifc.fallbackLease(ac)
			if err != nil {
				return fmt.Errorf("interface %q: alias lease: %w", c.ifc.name, err)
			}
		}
	}

	return nil
}

// snapshot assembles the live model for a store rewrite.
func (rt *Runtime) snapshot() (snap *leasedb.Snapshot) {
	snap = &leasedb.Snapshot{
		DUID: rt.db.DUID(),
	}

	for _, c := range rt.clients {
		snap.Interfaces = append(snap.Interfaces, &leasedb.InterfaceLeases{
			Name:   c.ifc.name,
			Leases: c.leases,
			Active: c.active,
		})
	}

	return snap
}

// Handler returns the receive callback of the named interface.  The
// callback only enqueues the packet; decoding and state transitions run on
// the dispatch loop.
func (rt *Runtime) Handler(ifaceName string) (h linkio.Handler) {
	c := rt.byName[ifaceName]

	return func(pkt *linkio.Packet) {
		rt.loop.Post(func(ctx context.Context) {
			rt.dispatchPacket(ctx, c, pkt)
		})
	}
}

// dispatchPacket decodes and routes one received packet.
func (rt *Runtime) dispatchPacket(ctx context.Context, c *client4, pkt *linkio.Packet) {
	if c == nil || c.ifc.rejected(ctx, pkt.Source) {
		return
	}

	msg, err := dhcpmsg.Decode(pkt.Payload, pkt.Source)
	if err != nil {
		c.logger.DebugContext(ctx, "dropping packet", slogutil.KeyError, err)

		return
	}

	if !c.matches(msg) {
		c.logger.DebugContext(ctx, "ignoring packet for other client", "xid", msg.Packet.TransactionID)

		return
	}

	c.handle(ctx, msg)
}

// Run runs the dispatch loop until ctx is canceled.
func (rt *Runtime) Run(ctx context.Context) (err error) {
	return rt.loop.Run(ctx)
}

// Release gives every active lease back to its server and stops the
// clients.  It is the implementation of release mode.
func (rt *Runtime) Release(ctx context.Context) (err error) {
	var errs []error
	for _, c := range rt.clients {
		errs = append(errs, c.release(ctx))
	}

	return errors.Join(errs...)
}

// Shutdown stops every client without releasing leases.  It is the
// implementation of exit mode.
func (rt *Runtime) Shutdown(ctx context.Context) (err error) {
	for _, c := range rt.clients {
		c.stop(ctx)
	}

	return nil
}

// exit terminates the process through the configured callback.
func (rt *Runtime) exit(ctx context.Context, code int) {
	rt.logger.InfoContext(ctx, "exiting", "code", code)
	rt.onExit(code)
}
