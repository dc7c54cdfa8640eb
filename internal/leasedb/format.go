package leasedb

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/golibs/errors"
)

// IDFormat is the rendering hint for times in the store.
type IDFormat string

// IDFormat values.
const (
	IDFormatOctal IDFormat = "octal"
	IDFormatHex   IDFormat = "hex"
)

// timeLayout is the layout of lease time fields, always in UTC.
const timeLayout = "2006/01/02 15:04:05"

// timeNever is the rendering of the [TimeMax] saturation sentinel.
const timeNever = "never"

// renderTime renders t as a lease time field value.
func renderTime(t time.Time, f IDFormat) (s string) {
	if !t.Before(TimeMax) {
		return timeNever
	}

	if f == IDFormatHex {
		return fmt.Sprintf("epoch %d", t.Unix())
	}

	t = t.UTC()

	return fmt.Sprintf("%d %s", int(t.Weekday()), t.Format(timeLayout))
}

// parseTime parses a lease time field value in any of the rendered forms.
func parseTime(s string) (t time.Time, err error) {
	defer func() { err = errors.Annotate(err, "parsing time %q: %w", s) }()

	if s == timeNever {
		return TimeMax, nil
	}

	fields := strings.Fields(s)
	switch {
	case len(fields) == 2 && fields[0] == "epoch":
		var secs int64
		secs, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return time.Time{}, err
		}

		return capTime(time.Unix(secs, 0).UTC()), nil
	case len(fields) == 3:
		// The leading weekday is informational.
		t, err = time.Parse(timeLayout, fields[1]+" "+fields[2])
		if err != nil {
			return time.Time{}, err
		}

		return capTime(t.UTC()), nil
	default:
		return time.Time{}, errors.Error("unexpected field count")
	}
}

// quoteString renders s as a double-quoted string field value.
func quoteString(s string) (quoted string) {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)

	return `"` + r.Replace(s) + `"`
}

// unquoteString parses a double-quoted string field value.
func unquoteString(s string) (unquoted string, err error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", fmt.Errorf("not a quoted string: %q", s)
	}

	s = s[1 : len(s)-1]
	r := strings.NewReplacer(`\\`, `\`, `\"`, `"`)

	return r.Replace(s), nil
}

// isPlainText returns true when data renders safely as a quoted string.
func isPlainText(data []byte) (ok bool) {
	for _, b := range data {
		if b < 0x20 || b > 0x7E {
			return false
		}
	}

	return len(data) > 0
}

// hexValue renders data as colon-separated hex.
func hexValue(data []byte) (s string) {
	parts := make([]string, 0, len(data))
	for _, b := range data {
		parts = append(parts, fmt.Sprintf("%02x", b))
	}

	return strings.Join(parts, ":")
}

// renderOptionValue renders an option value in the native form of its
// format, falling back to colon-separated hex for values that don't fit it.
func renderOptionValue(code uint8, data []byte) (s string) {
	switch dhcpmsg.OptionFormat(code) {
	case dhcpmsg.FormatIP:
		if len(data) == 4 {
			addr, _ := netip.AddrFromSlice(data)

			return addr.String()
		}
	case dhcpmsg.FormatIPList:
		if len(data) > 0 && len(data)%4 == 0 {
			parts := make([]string, 0, len(data)/4)
			for i := 0; i < len(data); i += 4 {
				addr, _ := netip.AddrFromSlice(data[i : i+4])
				parts = append(parts, addr.String())
			}

			return strings.Join(parts, ",")
		}
	case dhcpmsg.FormatText:
		if isPlainText(data) {
			return quoteString(string(data))
		}
	case dhcpmsg.FormatUint8, dhcpmsg.FormatBool:
		if len(data) == 1 {
			return strconv.Itoa(int(data[0]))
		}
	case dhcpmsg.FormatUint16:
		if len(data) == 2 {
			return strconv.Itoa(int(binary.BigEndian.Uint16(data)))
		}
	case dhcpmsg.FormatUint32:
		if len(data) == 4 {
			return strconv.FormatUint(uint64(binary.BigEndian.Uint32(data)), 10)
		}
	}

	return hexValue(data)
}

// ParseOptionValue parses a rendered option value back into raw bytes.
func ParseOptionValue(code uint8, s string) (data []byte, err error) {
	defer func() { err = errors.Annotate(err, "option %s: %w", dhcpmsg.OptionName(code)) }()

	if strings.HasPrefix(s, `"`) {
		var text string
		text, err = unquoteString(s)
		if err != nil {
			return nil, err
		}

		return []byte(text), nil
	}

	switch f := dhcpmsg.OptionFormat(code); f {
	case dhcpmsg.FormatIP, dhcpmsg.FormatIPList:
		if strings.Contains(s, ".") {
			return parseIPListValue(s)
		}
	case dhcpmsg.FormatUint8, dhcpmsg.FormatBool, dhcpmsg.FormatUint16, dhcpmsg.FormatUint32:
		if !strings.Contains(s, ":") {
			return parseUintValue(f, s)
		}
	}

	return ParseDUID(s)
}

// parseIPListValue parses a comma-separated list of IPv4 addresses.
func parseIPListValue(s string) (data []byte, err error) {
	for i, part := range strings.Split(s, ",") {
		var addr netip.Addr
		addr, err = netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("at index %d: %w", i, err)
		} else if !addr.Is4() {
			return nil, fmt.Errorf("at index %d: not an ipv4", i)
		}

		data = append(data, addr.AsSlice()...)
	}

	return data, nil
}

// parseUintValue parses a decimal value into the big-endian width of f.
func parseUintValue(f dhcpmsg.ValueFormat, s string) (data []byte, err error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return nil, err
	}

	switch f {
	case dhcpmsg.FormatUint16:
		return binary.BigEndian.AppendUint16(nil, uint16(v)), nil
	case dhcpmsg.FormatUint32:
		return binary.BigEndian.AppendUint32(nil, uint32(v)), nil
	default:
		return []byte{uint8(v)}, nil
	}
}

// writeLease renders l as a store record into sb.
func writeLease(sb *strings.Builder, l *Lease, f IDFormat) {
	sb.WriteString("lease {\n")

	fmt.Fprintf(sb, "  interface %s;\n", quoteString(l.Interface))
	fmt.Fprintf(sb, "  fixed-address %s;\n", l.Address)

	if l.NextServer.Is4() {
		fmt.Fprintf(sb, "  next-server %s;\n", l.NextServer)
	}

	if l.Filename != "" {
		fmt.Fprintf(sb, "  filename %s;\n", quoteString(l.Filename))
	}

	if l.ServerName != "" {
		fmt.Fprintf(sb, "  server-name %s;\n", quoteString(l.ServerName))
	}

	if l.Medium != "" {
		fmt.Fprintf(sb, "  medium %s;\n", quoteString(l.Medium))
	}

	if l.IsBootP {
		sb.WriteString("  bootp;\n")
	}

	if l.IsStatic {
		sb.WriteString("  static;\n")
	}

	for _, code := range l.Options.Codes(dhcpmsg.SpaceDHCP) {
		data, _ := l.Options.Lookup(dhcpmsg.SpaceDHCP, code)
		fmt.Fprintf(sb, "  option %s %s;\n", dhcpmsg.OptionName(code), renderOptionValue(code, data))
	}

	fmt.Fprintf(sb, "  renew %s;\n", renderTime(l.Renewal, f))
	fmt.Fprintf(sb, "  rebind %s;\n", renderTime(l.Rebind, f))
	fmt.Fprintf(sb, "  expire %s;\n", renderTime(l.Expiry, f))

	sb.WriteString("}\n")
}

// parseLeaseLine applies a single record line to l.
func parseLeaseLine(l *Lease, line string) (err error) {
	stmt := strings.TrimSuffix(line, ";")

	keyword, rest, _ := strings.Cut(stmt, " ")
	switch keyword {
	case "interface":
		l.Interface, err = unquoteString(rest)
	case "fixed-address":
		l.Address, err = netip.ParseAddr(rest)
	case "next-server":
		l.NextServer, err = netip.ParseAddr(rest)
	case "filename":
		l.Filename, err = unquoteString(rest)
	case "server-name":
		l.ServerName, err = unquoteString(rest)
	case "medium":
		l.Medium, err = unquoteString(rest)
	case "bootp":
		l.IsBootP = true
	case "static":
		l.IsStatic = true
	case "option":
		err = parseLeaseOption(l, rest)
	case "renew":
		l.Renewal, err = parseTime(rest)
	case "rebind":
		l.Rebind, err = parseTime(rest)
	case "expire":
		l.Expiry, err = parseTime(rest)
	default:
		err = fmt.Errorf("unknown keyword %q", keyword)
	}

	return err
}

// parseLeaseOption parses an "option <name> <value>" statement body.
func parseLeaseOption(l *Lease, rest string) (err error) {
	name, value, ok := strings.Cut(rest, " ")
	if !ok {
		return errors.Error("option without value")
	}

	code, ok := dhcpmsg.OptionCodeByName(name)
	if !ok {
		var n int
		_, err = fmt.Sscanf(name, "dhcp-%d", &n)
		if err != nil {
			return fmt.Errorf("unknown option %q", name)
		}

		code = uint8(n)
	}

	data, err := ParseOptionValue(code, value)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	l.Options.Save(dhcpmsg.SpaceDHCP, code, data)

	return nil
}
