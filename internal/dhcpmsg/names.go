package dhcpmsg

import "fmt"

// ValueFormat is the rendering format of an option value.
type ValueFormat uint8

// ValueFormat values.
const (
	FormatHex ValueFormat = iota
	FormatIP
	FormatIPList
	FormatText
	FormatUint8
	FormatUint16
	FormatUint32
	FormatBool
	FormatDomainList
)

// optionMeta is the name and rendering format of a known option.
type optionMeta struct {
	name   string
	format ValueFormat
}

// v4OptionMeta maps option codes of the default space to their names and
// formats.  The names follow the conventional lease-file spelling, which is
// also where configurator environment variable names come from.
var v4OptionMeta = map[uint8]optionMeta{
	1:   {name: "subnet-mask", format: FormatIP},
	2:   {name: "time-offset", format: FormatUint32},
	3:   {name: "routers", format: FormatIPList},
	4:   {name: "time-servers", format: FormatIPList},
	6:   {name: "domain-name-servers", format: FormatIPList},
	7:   {name: "log-servers", format: FormatIPList},
	12:  {name: "host-name", format: FormatText},
	15:  {name: "domain-name", format: FormatText},
	17:  {name: "root-path", format: FormatText},
	26:  {name: "interface-mtu", format: FormatUint16},
	28:  {name: "broadcast-address", format: FormatIP},
	33:  {name: "static-routes", format: FormatIPList},
	40:  {name: "nis-domain", format: FormatText},
	41:  {name: "nis-servers", format: FormatIPList},
	42:  {name: "ntp-servers", format: FormatIPList},
	43:  {name: "vendor-encapsulated-options", format: FormatHex},
	44:  {name: "netbios-name-servers", format: FormatIPList},
	46:  {name: "netbios-node-type", format: FormatUint8},
	47:  {name: "netbios-scope", format: FormatText},
	50:  {name: "dhcp-requested-address", format: FormatIP},
	51:  {name: "dhcp-lease-time", format: FormatUint32},
	52:  {name: "dhcp-option-overload", format: FormatUint8},
	53:  {name: "dhcp-message-type", format: FormatUint8},
	54:  {name: "dhcp-server-identifier", format: FormatIP},
	55:  {name: "dhcp-parameter-request-list", format: FormatHex},
	56:  {name: "dhcp-message", format: FormatText},
	57:  {name: "dhcp-max-message-size", format: FormatUint16},
	58:  {name: "dhcp-renewal-time", format: FormatUint32},
	59:  {name: "dhcp-rebinding-time", format: FormatUint32},
	60:  {name: "vendor-class-identifier", format: FormatText},
	61:  {name: "dhcp-client-identifier", format: FormatHex},
	66:  {name: "tftp-server-name", format: FormatText},
	67:  {name: "bootfile-name", format: FormatText},
	119: {name: "domain-search", format: FormatDomainList},
	121: {name: "classless-static-routes", format: FormatHex},
}

// v4OptionCodes is the reverse of [v4OptionMeta], built once at program
// start.
var v4OptionCodes = func() (codes map[string]uint8) {
	codes = make(map[string]uint8, len(v4OptionMeta))
	for code, meta := range v4OptionMeta {
		codes[meta.name] = code
	}

	return codes
}()

// OptionName returns the conventional name of an option code of the default
// space.  Unknown codes render as "dhcp-<code>".
func OptionName(code uint8) (name string) {
	if meta, ok := v4OptionMeta[code]; ok {
		return meta.name
	}

	return fmt.Sprintf("dhcp-%d", code)
}

// OptionFormat returns the rendering format of an option code of the default
// space.  Unknown codes render as colon-separated hex.
func OptionFormat(code uint8) (f ValueFormat) {
	if meta, ok := v4OptionMeta[code]; ok {
		return meta.format
	}

	return FormatHex
}

// OptionCodeByName returns the option code with the given conventional name.
func OptionCodeByName(name string) (code uint8, ok bool) {
	code, ok = v4OptionCodes[name]

	return code, ok
}
