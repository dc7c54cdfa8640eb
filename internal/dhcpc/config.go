package dhcpc

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/AdGuardDHCP/internal/leasedb"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
)

// Default timing knobs, in the absence of configuration.
const (
	defaultInitialInterval = 10 * time.Second
	defaultBackoffCutoff   = 2 * time.Minute
	defaultTimeout         = 60 * time.Second
	defaultRebootTimeout   = 10 * time.Second
	defaultRetryInterval   = 5 * time.Minute
	defaultDeclineWait     = 10 * time.Second
	defaultMinLeaseWrite   = 15 * time.Second
)

// Config is the client configuration.  Field ordering is important: yaml
// fields mirror the ordering from here.
type Config struct {
	// Interfaces are the per-interface client configurations.  It must not
	// be empty.
	Interfaces map[string]*InterfaceConfig `yaml:"interfaces"`

	// Timing are the timer and backoff knobs.
	Timing *TimingConfig `yaml:"timing"`

	// Script is the path of the configurator program.  It must not be
	// empty.
	Script string `yaml:"script"`

	// LeaseFile is the path of the persistent lease database.  It must not
	// be empty.
	LeaseFile string `yaml:"lease_file"`

	// DUIDFile is the path of the separate DUID file, if any.
	DUIDFile string `yaml:"duid_file"`

	// LeaseIDFormat is the rendering hint for times in the lease database,
	// either "octal" or "hex".
	LeaseIDFormat string `yaml:"lease_id_format"`

	// OneTry makes the client exit instead of retrying when no lease can be
	// obtained or applied.
	OneTry bool `yaml:"onetry"`

	// DUIDClientID switches the dhcp-client-identifier option to the
	// RFC 4361 form derived from the stored DUID.
	DUIDClientID bool `yaml:"duid_client_id"`

	// ProbeAddresses enables the ICMP probe of an offered address before it
	// is committed.
	ProbeAddresses bool `yaml:"probe_addresses"`
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (conf *Config) Validate() (err error) {
	if conf == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotEmpty("script", conf.Script),
		validate.NotEmpty("lease_file", conf.LeaseFile),
	}

	switch f := leasedb.IDFormat(conf.LeaseIDFormat); f {
	case "", leasedb.IDFormatOctal, leasedb.IDFormatHex:
		// Valid.
	default:
		errs = append(errs, fmt.Errorf("lease_id_format: %w: %q", errors.ErrBadEnumValue, f))
	}

	if len(conf.Interfaces) == 0 {
		errs = append(errs, fmt.Errorf("interfaces: %w", errors.ErrEmptyValue))

		return errors.Join(errs...)
	}

	for _, name := range slices.Sorted(maps.Keys(conf.Interfaces)) {
		errs = validate.Append(errs, "interfaces."+name, conf.Interfaces[name])
	}

	return errors.Join(errs...)
}

// TimingConfig are the timer and backoff knobs of the client.
type TimingConfig struct {
	// InitialInterval is the first retransmission delay.
	InitialInterval timeutil.Duration `yaml:"initial_interval"`

	// BackoffCutoff caps the retransmission delay.
	BackoffCutoff timeutil.Duration `yaml:"backoff_cutoff"`

	// Timeout is the panic timeout: the total wall-clock budget of one
	// exchange.
	Timeout timeutil.Duration `yaml:"timeout"`

	// RebootTimeout is the budget of the INIT-REBOOT exchange.
	RebootTimeout timeutil.Duration `yaml:"reboot_timeout"`

	// SelectInterval is how long offers are collected before one is picked.
	// Zero means the first offer wins at the next tick.
	SelectInterval timeutil.Duration `yaml:"select_interval"`

	// RetryInterval is the base delay before restarting from INIT after a
	// failed fallback walk.
	RetryInterval timeutil.Duration `yaml:"retry_interval"`

	// InitialDelay bounds the random startup delay of the first exchange.
	InitialDelay timeutil.Duration `yaml:"initial_delay"`

	// DeclineWait is the delay before restarting from INIT after a
	// declined lease.
	DeclineWait timeutil.Duration `yaml:"decline_wait_time"`

	// MinLeaseWrite is the minimum interval between lease database writes
	// of one client.
	MinLeaseWrite timeutil.Duration `yaml:"min_lease_write"`
}

// timing is the resolved form of [TimingConfig] with defaults applied.
type timing struct {
	initialInterval time.Duration
	backoffCutoff   time.Duration
	timeout         time.Duration
	rebootTimeout   time.Duration
	selectInterval  time.Duration
	retryInterval   time.Duration
	initialDelay    time.Duration
	declineWait     time.Duration
	minLeaseWrite   time.Duration
}

// resolve applies the defaults to c, which may be nil.
func (c *TimingConfig) resolve() (t *timing) {
	t = &timing{
		initialInterval: defaultInitialInterval,
		backoffCutoff:   defaultBackoffCutoff,
		timeout:         defaultTimeout,
		rebootTimeout:   defaultRebootTimeout,
		retryInterval:   defaultRetryInterval,
		declineWait:     defaultDeclineWait,
		minLeaseWrite:   defaultMinLeaseWrite,
	}

	if c == nil {
		return t
	}

	setPositive(&t.initialInterval, c.InitialInterval)
	setPositive(&t.backoffCutoff, c.BackoffCutoff)
	setPositive(&t.timeout, c.Timeout)
	setPositive(&t.rebootTimeout, c.RebootTimeout)
	setPositive(&t.retryInterval, c.RetryInterval)
	setPositive(&t.declineWait, c.DeclineWait)
	setPositive(&t.minLeaseWrite, c.MinLeaseWrite)

	t.selectInterval = time.Duration(c.SelectInterval)
	t.initialDelay = time.Duration(c.InitialDelay)

	return t
}

// setPositive overwrites *dst with v when v is positive.
func setPositive(dst *time.Duration, v timeutil.Duration) {
	if v > 0 {
		*dst = time.Duration(v)
	}
}

// InterfaceConfig is the client configuration of a single interface.
type InterfaceConfig struct {
	// Env are operator-supplied variables passed to the configurator.
	Env map[string]string `yaml:"env"`

	// HostName is sent in the host-name option when not empty.
	HostName string `yaml:"host_name"`

	// RequestedOptions are the option names of the parameter request list.
	// An empty list means the default set.
	RequestedOptions []string `yaml:"requested_options"`

	// RequiredOptions are option names an offer must carry to be
	// considered.
	RequiredOptions []string `yaml:"required_options"`

	// RejectList are source prefixes whose messages are silently dropped.
	RejectList []string `yaml:"reject_list"`

	// Media are the media setup strings to walk while no server answers.
	Media []string `yaml:"media"`

	// FallbackLeases are the static leases the client may fall back to when
	// the network is silent.
	FallbackLeases []*FallbackLeaseConfig `yaml:"fallback_leases"`

	// Alias is the static alias lease exported to the configurator
	// alongside bound leases, if any.
	Alias *FallbackLeaseConfig `yaml:"alias"`
}

// type check
var _ validate.Interface = (*InterfaceConfig)(nil)

// Validate implements the [validate.Interface] interface for
// *InterfaceConfig.
func (c *InterfaceConfig) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	var errs []error

	for _, name := range append(slices.Clone(c.RequestedOptions), c.RequiredOptions...) {
		if _, ok := dhcpmsg.OptionCodeByName(name); !ok {
			errs = append(errs, fmt.Errorf("unknown option %q", name))
		}
	}

	for i, p := range c.RejectList {
		_, parseErr := parseRejectPrefix(p)
		if parseErr != nil {
			errs = append(errs, fmt.Errorf("reject_list at index %d: %w", i, parseErr))
		}
	}

	for i, fl := range c.FallbackLeases {
		errs = validate.Append(errs, fmt.Sprintf("fallback_leases at index %d", i), fl)
	}

	if c.Alias != nil {
		errs = validate.Append(errs, "alias", c.Alias)
	}

	return errors.Join(errs...)
}

// parseRejectPrefix parses a reject-list entry, accepting both plain
// addresses and prefixes.
func parseRejectPrefix(s string) (p netip.Prefix, err error) {
	p, err = netip.ParsePrefix(s)
	if err == nil {
		return p, nil
	}

	addr, addrErr := netip.ParseAddr(s)
	if addrErr != nil {
		// Don't wrap the error since it's informative enough as is.
		return netip.Prefix{}, err
	}

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// FallbackLeaseConfig is a static fallback lease in the configuration.
type FallbackLeaseConfig struct {
	// Options are lease options by conventional name, in the same value
	// forms the lease database uses.
	Options map[string]string `yaml:"options"`

	// Address is the static IPv4 address.  It must be valid.
	Address string `yaml:"address"`

	// SubnetMask is the subnet mask of the address, if any.
	SubnetMask string `yaml:"subnet_mask"`
}

// type check
var _ validate.Interface = (*FallbackLeaseConfig)(nil)

// Validate implements the [validate.Interface] interface for
// *FallbackLeaseConfig.
func (c *FallbackLeaseConfig) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	addr, err := netip.ParseAddr(c.Address)
	if err != nil {
		return fmt.Errorf("address: %w", err)
	} else if !addr.Is4() {
		return fmt.Errorf("address: not an ipv4: %q", c.Address)
	}

	if c.SubnetMask != "" {
		if _, err = netip.ParseAddr(c.SubnetMask); err != nil {
			return fmt.Errorf("subnet_mask: %w", err)
		}
	}

	for name := range c.Options {
		if _, ok := dhcpmsg.OptionCodeByName(name); !ok {
			return fmt.Errorf("unknown option %q", name)
		}
	}

	return nil
}

// optionCodes resolves option names into codes, preserving order.  Unknown
// names have been rejected by [InterfaceConfig.Validate].
func optionCodes(names []string) (codes []uint8) {
	for _, name := range names {
		if code, ok := dhcpmsg.OptionCodeByName(name); ok {
			codes = append(codes, code)
		}
	}

	return codes
}

// defaultRequestedOptions is the parameter request list used when the
// configuration has none.
var defaultRequestedOptions = []string{
	"subnet-mask",
	"broadcast-address",
	"time-offset",
	"routers",
	"domain-name",
	"domain-name-servers",
	"host-name",
}
