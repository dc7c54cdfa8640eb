package dhcpc

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/AdGuardDHCP/internal/leasedb"
	"github.com/AdguardTeam/AdGuardDHCP/internal/linkio"
)

// Device is a resolved network interface handed to the runtime by the
// bootstrap code.  It is immutable after startup.
type Device struct {
	// Sender sends framed DHCP payloads out of the interface.  It must not
	// be nil.
	Sender linkio.Sender

	// Name is the interface name.  It must not be empty.
	Name string

	// HWAddr is the hardware address of the interface.  It must not be
	// empty.
	HWAddr net.HardwareAddr
}

// netInterface is an interface with a client attached, together with its
// reject list.
type netInterface struct {
	logger *slog.Logger
	sender linkio.Sender
	conf   *InterfaceConfig
	name   string
	hwAddr net.HardwareAddr
	reject []netip.Prefix
}

// newNetInterface creates the runtime representation of dev.
func newNetInterface(
	logger *slog.Logger,
	dev *Device,
	conf *InterfaceConfig,
) (ifc *netInterface) {
	ifc = &netInterface{
		logger: logger,
		sender: dev.Sender,
		conf:   conf,
		name:   dev.Name,
		hwAddr: dev.HWAddr,
	}

	for _, s := range conf.RejectList {
		p, err := parseRejectPrefix(s)
		if err == nil {
			ifc.reject = append(ifc.reject, p)
		}
	}

	return ifc
}

// rejected returns true when src matches an entry of the reject list.  The
// matching rule is logged so that drops can be traced to their cause.
func (ifc *netInterface) rejected(ctx context.Context, src netip.Addr) (ok bool) {
	for _, p := range ifc.reject {
		if p.Contains(src) {
			ifc.logger.InfoContext(ctx, "dropping packet from rejected source", "src", src, "rule", p)

			return true
		}
	}

	return false
}

// addReject appends a dynamic single-address entry to the reject list.
func (ifc *netInterface) addReject(ctx context.Context, addr netip.Addr) {
	p := netip.PrefixFrom(addr, addr.BitLen())
	ifc.reject = append(ifc.reject, p)

	ifc.logger.InfoContext(ctx, "added source to reject list", "rule", p)
}

// fallbackLease builds the static lease described by fc.  Static leases are
// copied on ingress from the configuration, so the configuration tree and
// the live client tree have disjoint lifetimes.
func (ifc *netInterface) fallbackLease(fc *FallbackLeaseConfig) (l *leasedb.Lease, err error) {
	addr, err := netip.ParseAddr(fc.Address)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	opts := dhcpmsg.NewStore()
	if fc.SubnetMask != "" {
		var mask netip.Addr
		mask, err = netip.ParseAddr(fc.SubnetMask)
		if err != nil {
			// Don't wrap the error since it's informative enough as is.
			return nil, err
		}

		opts.Save(dhcpmsg.SpaceDHCP, 1, mask.AsSlice())
	}

	err = saveConfigOptions(opts, fc.Options)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	return &leasedb.Lease{
		Options:   opts,
		Address:   addr,
		Interface: ifc.name,
		Renewal:   leasedb.TimeMax,
		Rebind:    leasedb.TimeMax,
		Expiry:    leasedb.TimeMax,
		IsStatic:  true,
	}, nil
}

// saveConfigOptions parses configured option values into opts.
func saveConfigOptions(opts *dhcpmsg.Store, values map[string]string) (err error) {
	for name, value := range values {
		code, ok := dhcpmsg.OptionCodeByName(name)
		if !ok {
			continue
		}

		data, parseErr := leasedb.ParseOptionValue(code, value)
		if parseErr != nil {
			// Don't wrap the error since it's informative enough as is.
			return parseErr
		}

		opts.Save(dhcpmsg.SpaceDHCP, code, data)
	}

	return nil
}

// microJitter returns up to a second of microsecond-granular scheduling
// jitter, so that timers of many clients do not fire in lockstep.
func (c *client4) microJitter() (d time.Duration) {
	return time.Duration(c.rt.rand.Int64N(int64(time.Second)/int64(time.Microsecond))) * time.Microsecond
}
