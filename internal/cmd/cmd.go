// Package cmd is the AdGuard DHCP entry point.  It reads the configuration
// file, assembles the lease store, the dispatch loop, the configurator
// bridge, and the client runtime, and runs the requested mode.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/configurator"
	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpc"
	"github.com/AdguardTeam/AdGuardDHCP/internal/dispatch"
	"github.com/AdguardTeam/AdGuardDHCP/internal/leasedb"
	"github.com/AdguardTeam/AdGuardDHCP/internal/linkio"
	"github.com/AdguardTeam/AdGuardDHCP/internal/version"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"gopkg.in/yaml.v3"
)

// defaultProbeTimeout bounds the ICMP probe of an offered address.
const defaultProbeTimeout = 1 * time.Second

// Main is the entry point of AdGuard DHCP.
func Main() {
	ctx := context.Background()

	opts, err := parseOptions(os.Args[0], os.Args[1:])
	errors.Check(err)

	conf := &dhcpc.Config{}
	confData, err := os.ReadFile(opts.confFile)
	errors.Check(err)

	err = yaml.Unmarshal(confData, conf)
	errors.Check(err)

	err = conf.Validate()
	errors.Check(err)

	baseLogger := newBaseLogger(opts)
	baseLogger.InfoContext(
		ctx,
		"starting adguard dhcp",
		"version", version.Version(),
		"pid", os.Getpid(),
	)

	clock := timeutil.SystemClock{}

	db, err := leasedb.New(&leasedb.Config{
		Logger:   baseLogger.With(slogutil.KeyPrefix, "leasedb"),
		Clock:    clock,
		Path:     conf.LeaseFile,
		DUIDPath: conf.DUIDFile,
		IDFormat: leasedb.IDFormat(conf.LeaseIDFormat),
	})
	errors.Check(err)

	loop, err := dispatch.New(&dispatch.Config{
		Logger: baseLogger.With(slogutil.KeyPrefix, "dispatch"),
		Clock:  clock,
	})
	errors.Check(err)

	script, err := configurator.New(&configurator.Config{
		Logger:     baseLogger.With(slogutil.KeyPrefix, "configurator"),
		ScriptPath: conf.Script,
	})
	errors.Check(err)

	devices, conns := openDevices(baseLogger, conf)

	var probe dhcpc.ProbeFunc
	if conf.ProbeAddresses {
		probe = dhcpc.NewPingProbe(
			baseLogger.With(slogutil.KeyPrefix, "probe"),
			defaultProbeTimeout,
		)
	}

	rt, err := dhcpc.New(&dhcpc.RuntimeConfig{
		Logger:  baseLogger,
		Clock:   clock,
		Script:  script,
		DB:      db,
		Loop:    loop,
		Conf:    conf,
		Devices: devices,
		Probe:   probe,
		OnExit:  func(code int) { os.Exit(code) },
	})
	errors.Check(err)

	err = rt.Start(ctx)
	errors.Check(err)

	switch {
	case opts.release:
		err = rt.Release(ctx)
		errors.Check(err)

		return
	case opts.exit:
		err = rt.Shutdown(ctx)
		errors.Check(err)

		return
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveConns(runCtx, baseLogger, conns, rt)

	err = rt.Run(runCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		errors.Check(err)
	}

	_ = rt.Shutdown(ctx)
}

// openDevices opens a packet connection for every configured interface.  A
// missing interface is a fatal configuration error.
func openDevices(
	baseLogger *slog.Logger,
	conf *dhcpc.Config,
) (devices []*dhcpc.Device, conns map[string]*linkio.Conn) {
	conns = map[string]*linkio.Conn{}
	for name := range conf.Interfaces {
		conn, err := linkio.Open(baseLogger.With(slogutil.KeyPrefix, "linkio", "iface", name), name)
		errors.Check(err)

		conns[name] = conn
		devices = append(devices, &dhcpc.Device{
			Sender: conn,
			Name:   name,
			HWAddr: conn.HWAddr(),
		})
	}

	return devices, conns
}

// serveConns runs the receive loop of every connection on its own
// goroutine.
func serveConns(
	ctx context.Context,
	baseLogger *slog.Logger,
	conns map[string]*linkio.Conn,
	rt *dhcpc.Runtime,
) {
	for name, conn := range conns {
		go func() {
			err := conn.Serve(ctx, rt.Handler(name))
			if err != nil && !errors.Is(err, context.Canceled) {
				baseLogger.ErrorContext(ctx, "receive loop", "iface", name, slogutil.KeyError, err)
			}
		}()
	}
}
