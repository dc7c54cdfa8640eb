// Package leasedb contains the client lease records and their persistent,
// human-readable store, as well as the DUID shared by the v4 client
// identifier logic.
package leasedb

import (
	"math"
	"net/netip"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
)

// TimeMax is the saturation sentinel of lease time arithmetic.  Time fields
// never exceed it and render as "never" in the store.
var TimeMax = time.Unix(math.MaxInt32, 0).UTC()

// Lease is a durable client lease record.  A lease is immutable once bound
// except for its time fields, which are updated during renewal.
type Lease struct {
	// Options is the option store of the lease.  It is not nil.
	Options *dhcpmsg.Store

	// Address is the leased IPv4 address.
	Address netip.Addr

	// NextServer is the siaddr header field, if any.
	NextServer netip.Addr

	// Interface is the name of the network interface the lease belongs to.
	Interface string

	// ServerName is the sname header field, if not overloaded.
	ServerName string

	// Filename is the file header field, if not overloaded.
	Filename string

	// Medium is the media setup string the lease was acquired over, if any.
	Medium string

	// Renewal is the T1 milestone.
	Renewal time.Time

	// Rebind is the T2 milestone.
	Rebind time.Time

	// Expiry is the expiration time of the lease.
	Expiry time.Time

	// IsBootP marks leases synthesized from BOOTP replies.
	IsBootP bool

	// IsStatic marks fallback leases originating from the configuration.
	// Static leases are never freed; on eviction from the active slot they
	// are reinserted into the historical list.
	IsStatic bool
}

// Clone returns a deep copy of l.
func (l *Lease) Clone() (clone *Lease) {
	if l == nil {
		return nil
	}

	c := *l
	c.Options = l.Options.Clone()

	return &c
}

// Expired returns true if the lease has expired at now.  Static leases with
// the saturation sentinel never expire.
func (l *Lease) Expired(now time.Time) (ok bool) {
	return !l.Expiry.After(now)
}

// ServerID returns the dhcp-server-identifier option value of the lease.
func (l *Lease) ServerID() (addr netip.Addr) {
	data, ok := l.Options.Evaluate(dhcpmsg.SpaceDHCP, 54)
	if !ok || len(data) != 4 {
		return netip.Addr{}
	}

	addr, _ = netip.AddrFromSlice(data)

	return addr
}

// SubnetMask returns the subnet-mask option value, or the natural mask of
// the address class when absent.
func (l *Lease) SubnetMask() (mask netip.Addr) {
	data, ok := l.Options.Evaluate(dhcpmsg.SpaceDHCP, 1)
	if ok && len(data) == 4 {
		mask, _ = netip.AddrFromSlice(data)

		return mask
	}

	a4 := l.Address.As4()
	switch {
	case a4[0] < 128:
		return netip.AddrFrom4([4]byte{255, 0, 0, 0})
	case a4[0] < 192:
		return netip.AddrFrom4([4]byte{255, 255, 0, 0})
	default:
		return netip.AddrFrom4([4]byte{255, 255, 255, 0})
	}
}

// sameRecord returns true when other would occupy the same store slot as l
// under the duplicate policy: equal interface, equal address, and equal
// staticness.
func (l *Lease) sameRecord(other *Lease) (ok bool) {
	return l.Interface == other.Interface &&
		l.Address == other.Address &&
		l.IsStatic == other.IsStatic
}

// capTime returns t saturated to [TimeMax].
func capTime(t time.Time) (capped time.Time) {
	if t.After(TimeMax) {
		return TimeMax
	}

	return t
}

// AddClamped returns t plus secs seconds, saturating to [TimeMax] on
// overflow.
func AddClamped(t time.Time, secs uint32) (sum time.Time) {
	return capTime(t.Add(time.Duration(secs) * time.Second))
}
