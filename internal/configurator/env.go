package configurator

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/AdGuardDHCP/internal/leasedb"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/insomniacslk/dhcp/rfc1035label"
)

// scriptPath is the fixed PATH exported to the child, appended last so that
// the operator cannot accidentally unset it.
const scriptPath = "PATH=/usr/bin:/usr/sbin:/bin:/sbin"

// buildEnv assembles the child environment: operator variables first, then
// derived lease variables, then the fixed PATH.
func (c *Configurator) buildEnv(ctx context.Context, inv *Invocation) (env []string) {
	for k, v := range c.env {
		env = append(env, k+"="+v)
	}

	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}

	env = append(env, "reason="+string(inv.Reason))

	if inv.Interface != "" {
		env = append(env, "interface="+inv.Interface)
	}

	if inv.Medium != "" {
		env = append(env, "medium="+inv.Medium)
	}

	env = c.appendLeaseVars(ctx, env, "alias_", inv.Alias)
	env = c.appendLeaseVars(ctx, env, "old_", inv.Old)
	env = c.appendLeaseVars(ctx, env, "new_", inv.New)

	for _, code := range inv.RequestedOptions {
		env = append(env, "requested_"+envName(dhcpmsg.OptionName(code))+"=1")
	}

	return append(env, scriptPath)
}

// envName converts an option name into an environment variable name.
func envName(optName string) (name string) {
	return strings.ReplaceAll(optName, "-", "_")
}

// appendLeaseVars appends the derived variables of l with the given prefix.
func (c *Configurator) appendLeaseVars(
	ctx context.Context,
	orig []string,
	prefix string,
	l *leasedb.Lease,
) (env []string) {
	env = orig
	if l == nil {
		return env
	}

	env = append(env, prefix+"ip_address="+l.Address.String())

	if l.NextServer.Is4() {
		env = append(env, prefix+"next_server="+l.NextServer.String())
	}

	mask := l.SubnetMask()
	network, bcast := subnetAddrs(l.Address, mask)
	env = append(
		env,
		prefix+"network_number="+network.String(),
		prefix+"broadcast_address="+bcast.String(),
	)

	if l.Filename != "" {
		env = append(env, prefix+"filename="+l.Filename)
	}

	if l.ServerName != "" {
		env = append(env, prefix+"server_name="+l.ServerName)
	}

	env = append(env, fmt.Sprintf("%sexpiry=%d", prefix, l.Expiry.Unix()))

	for _, code := range l.Options.Codes(dhcpmsg.SpaceDHCP) {
		data, ok := l.Options.Evaluate(dhcpmsg.SpaceDHCP, code)
		if !ok {
			continue
		}

		val, valErr := renderEnvValue(code, data)
		if valErr != nil {
			c.logger.InfoContext(
				ctx,
				"withholding option",
				"option", dhcpmsg.OptionName(code),
				slogutil.KeyError, valErr,
			)

			continue
		}

		env = append(env, prefix+envName(dhcpmsg.OptionName(code))+"="+val)
	}

	for _, code := range l.Options.Codes(dhcpmsg.SpaceVendor) {
		data, ok := l.Options.Evaluate(dhcpmsg.SpaceVendor, code)
		if !ok {
			continue
		}

		env = append(env, fmt.Sprintf("%svendor_%d=%s", prefix, code, hexColon(data)))
	}

	return env
}

// subnetAddrs computes the network number and the directed broadcast address
// of addr under mask.
func subnetAddrs(addr, mask netip.Addr) (network, bcast netip.Addr) {
	a4, m4 := addr.As4(), mask.As4()

	var n4, b4 [4]byte
	for i := range a4 {
		n4[i] = a4[i] & m4[i]
		b4[i] = a4[i] | ^m4[i]
	}

	return netip.AddrFrom4(n4), netip.AddrFrom4(b4)
}

// hexColon renders data as colon-separated hex.
func hexColon(data []byte) (s string) {
	parts := make([]string, 0, len(data))
	for _, b := range data {
		parts = append(parts, fmt.Sprintf("%02x", b))
	}

	return strings.Join(parts, ":")
}

// renderEnvValue renders an option value for export into the child
// environment, validating it first.  An error means the value must be
// withheld.
func renderEnvValue(code uint8, data []byte) (val string, err error) {
	switch dhcpmsg.OptionFormat(code) {
	case dhcpmsg.FormatIP:
		return renderEnvIPs(data)
	case dhcpmsg.FormatIPList:
		return renderEnvIPs(data)
	case dhcpmsg.FormatText:
		return renderEnvText(code, data)
	case dhcpmsg.FormatUint8, dhcpmsg.FormatBool:
		if len(data) != 1 {
			return "", fmt.Errorf("bad length %d", len(data))
		}

		return strconv.Itoa(int(data[0])), nil
	case dhcpmsg.FormatUint16:
		if len(data) != 2 {
			return "", fmt.Errorf("bad length %d", len(data))
		}

		return strconv.Itoa(int(binary.BigEndian.Uint16(data))), nil
	case dhcpmsg.FormatUint32:
		if len(data) != 4 {
			return "", fmt.Errorf("bad length %d", len(data))
		}

		return strconv.FormatUint(uint64(binary.BigEndian.Uint32(data)), 10), nil
	case dhcpmsg.FormatDomainList:
		return renderEnvDomainList(data)
	default:
		return hexColon(data), nil
	}
}

// renderEnvIPs renders one or more IPv4 addresses separated by spaces, which
// is the form configurator scripts conventionally split on.
func renderEnvIPs(data []byte) (val string, err error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return "", fmt.Errorf("bad address data length %d", len(data))
	}

	parts := make([]string, 0, len(data)/4)
	for i := 0; i < len(data); i += 4 {
		addr, _ := netip.AddrFromSlice(data[i : i+4])
		parts = append(parts, addr.String())
	}

	return strings.Join(parts, " "), nil
}

// renderEnvText renders a text option, applying the per-option validator.
func renderEnvText(code uint8, data []byte) (val string, err error) {
	val = string(data)

	switch dhcpmsg.OptionName(code) {
	case "domain-name", "host-name", "nis-domain", "netbios-scope":
		err = validateDomainName(val)
	case "root-path":
		err = validateRootPath(val)
	default:
		err = validatePrintable(val)
	}

	if err != nil {
		return "", err
	}

	return val, nil
}

// renderEnvDomainList renders a compressed domain search list as
// space-separated names, each validated.
func renderEnvDomainList(data []byte) (val string, err error) {
	labels, err := rfc1035label.FromBytes(data)
	if err != nil {
		return "", fmt.Errorf("parsing domain list: %w", err)
	}

	for _, name := range labels.Labels {
		err = validateDomainName(name)
		if err != nil {
			return "", err
		}
	}

	return strings.Join(labels.Labels, " "), nil
}
