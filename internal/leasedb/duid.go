package leasedb

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/insomniacslk/dhcp/iana"
)

// DUID type codes, RFC 8415 section 11.
const (
	duidTypeLLT = 1
	duidTypeLL  = 3
)

// duidEpoch is the origin of DUID-LLT timestamps, 2000-01-01 00:00:00 UTC.
var duidEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// NewDUIDLL returns a DUID-LL derived from the hardware address.
func NewDUIDLL(hwAddr net.HardwareAddr) (duid []byte) {
	duid = binary.BigEndian.AppendUint16(nil, duidTypeLL)
	duid = binary.BigEndian.AppendUint16(duid, uint16(iana.HWTypeEthernet))

	return append(duid, hwAddr...)
}

// NewDUIDLLT returns a DUID-LLT derived from the hardware address and the
// current time.
func NewDUIDLLT(clock timeutil.Clock, hwAddr net.HardwareAddr) (duid []byte) {
	secs := uint32(clock.Now().Sub(duidEpoch) / time.Second)

	duid = binary.BigEndian.AppendUint16(nil, duidTypeLLT)
	duid = binary.BigEndian.AppendUint16(duid, uint16(iana.HWTypeEthernet))
	duid = binary.BigEndian.AppendUint32(duid, secs)

	return append(duid, hwAddr...)
}

// FormatDUID renders duid in the colon-separated hex form used by the store.
func FormatDUID(duid []byte) (s string) {
	parts := make([]string, 0, len(duid))
	for _, b := range duid {
		parts = append(parts, fmt.Sprintf("%02x", b))
	}

	return strings.Join(parts, ":")
}

// ParseDUID parses the colon-separated hex form produced by [FormatDUID].
func ParseDUID(s string) (duid []byte, err error) {
	defer func() { err = errors.Annotate(err, "parsing duid: %w") }()

	if s == "" {
		return nil, errors.ErrEmptyValue
	}

	parts := strings.Split(s, ":")
	duid = make([]byte, 0, len(parts))
	for i, part := range parts {
		var b byte
		_, err = fmt.Sscanf(part, "%02x", &b)
		if err != nil {
			return nil, fmt.Errorf("at index %d: %w", i, err)
		}

		duid = append(duid, b)
	}

	return duid, nil
}
