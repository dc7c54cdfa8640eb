package dhcpmsg

import (
	"bytes"
	"slices"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/u-root/uio/uio"
)

// Space is the name of an option space.
type Space string

// Option spaces known to the client.
const (
	// SpaceDHCP is the default DHCPv4 option space.
	SpaceDHCP Space = "dhcp"

	// SpaceVendor is the space nested in the vendor-encapsulated-options
	// option.
	SpaceVendor Space = "vendor"
)

// optVendor is the vendor-encapsulated-options option code.
const optVendor uint8 = 43

// spaceOptions is a single option space within a [Store].  Codes keep their
// insertion order.  The order inside list-valued options, such as the
// parameter request list, lives in their values and is kept as is.
type spaceOptions struct {
	values map[uint8][]byte
	order  []uint8
}

// newSpaceOptions returns a new empty option space.
func newSpaceOptions() (so *spaceOptions) {
	return &spaceOptions{
		values: map[uint8][]byte{},
	}
}

// save stores data under code, overwriting a previous value but keeping the
// original position in the order.
func (so *spaceOptions) save(code uint8, data []byte) {
	if _, ok := so.values[code]; !ok {
		so.order = append(so.order, code)
	}

	so.values[code] = data
}

// Store is a keyed collection of option values with spaces.
type Store struct {
	spaces map[Space]*spaceOptions
}

// NewStore returns a new empty option store.
func NewStore() (s *Store) {
	return &Store{
		spaces: map[Space]*spaceOptions{},
	}
}

// Save stores data under (space, code).  A duplicate within a scope
// overwrites the previous value.
func (s *Store) Save(space Space, code uint8, data []byte) {
	so, ok := s.spaces[space]
	if !ok {
		so = newSpaceOptions()
		s.spaces[space] = so
	}

	so.save(code, data)
}

// Lookup returns the value of (space, code).
func (s *Store) Lookup(space Space, code uint8) (data []byte, ok bool) {
	so, hasSpace := s.spaces[space]
	if !hasSpace {
		return nil, false
	}

	data, ok = so.values[code]

	return data, ok
}

// Evaluate materializes the value of (space, code).  A failed evaluation
// means the caller must treat the option as absent.
func (s *Store) Evaluate(space Space, code uint8) (data []byte, ok bool) {
	data, ok = s.Lookup(space, code)
	if !ok || data == nil {
		return nil, false
	}

	return data, true
}

// Codes returns the option codes of space in insertion order.
func (s *Store) Codes(space Space) (codes []uint8) {
	so, ok := s.spaces[space]
	if !ok {
		return nil
	}

	return slices.Clone(so.order)
}

// ExpandVendor parses the vendor-encapsulated-options value, if any, into the
// nested vendor space.  A malformed vendor stream keeps the raw value and no
// vendor space is created.
func (s *Store) ExpandVendor() {
	data, ok := s.Lookup(SpaceDHCP, optVendor)
	if !ok {
		return
	}

	buf := uio.NewBigEndianBuffer(data)
	type sub struct {
		data []byte
		code uint8
	}

	var subs []sub
	for buf.Len() > 0 {
		code := buf.Read8()
		if code == 0 {
			continue
		} else if code == 255 {
			break
		}

		if !buf.Has(1) {
			return
		}

		length := int(buf.Read8())
		if !buf.Has(length) {
			return
		}

		subs = append(subs, sub{code: code, data: buf.CopyN(length)})
	}

	for _, su := range subs {
		s.Save(SpaceVendor, su.code, su.data)
	}
}

// ToOptions converts the default space of the store back into library
// options.  The vendor space, when present, is repacked under the
// vendor-encapsulated-options code.
func (s *Store) ToOptions() (opts dhcpv4.Options) {
	opts = dhcpv4.Options{}
	for _, code := range s.Codes(SpaceDHCP) {
		data, _ := s.Lookup(SpaceDHCP, code)
		opts.Update(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(code), data))
	}

	vendorCodes := s.Codes(SpaceVendor)
	if len(vendorCodes) == 0 {
		return opts
	}

	packed := []byte{}
	for _, code := range vendorCodes {
		data, _ := s.Lookup(SpaceVendor, code)
		packed = append(packed, code, uint8(len(data)))
		packed = append(packed, data...)
	}

	opts.Update(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(optVendor), packed))

	return opts
}

// Clone returns a deep copy of s.
func (s *Store) Clone() (clone *Store) {
	if s == nil {
		return nil
	}

	clone = NewStore()
	for space, so := range s.spaces {
		for _, code := range so.order {
			clone.Save(space, code, slices.Clone(so.values[code]))
		}
	}

	return clone
}

// Equal returns true when s and other hold the same values in the same order
// in every space.
func (s *Store) Equal(other *Store) (ok bool) {
	if s == nil || other == nil {
		return s == other
	}

	if len(s.spaces) != len(other.spaces) {
		return false
	}

	for space, so := range s.spaces {
		oso, hasSpace := other.spaces[space]
		if !hasSpace || !slices.Equal(so.order, oso.order) {
			return false
		}

		for code, data := range so.values {
			if !bytes.Equal(data, oso.values[code]) {
				return false
			}
		}
	}

	return true
}
