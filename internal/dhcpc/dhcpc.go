// Package dhcpc contains the DHCPv4 client core: the per-interface state
// machine, the retransmission discipline, the reject list, and the runtime
// that composes them with the lease store, the dispatch loop, and the
// configurator bridge.
//
// All client state is owned by a single [Runtime] and only mutated on the
// dispatch loop goroutine, so the package needs no locking.
package dhcpc

import (
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dispatch"
)

// state is the state of a per-interface client.
type state uint8

// Client states.
const (
	stateInit state = iota
	stateSelecting
	stateRequesting
	stateBound
	stateRenewing
	stateRebinding
	stateRebooting
	stateStopped
	stateDeclining
)

// String implements the [fmt.Stringer] interface for state.
func (s state) String() (str string) {
	switch s {
	case stateInit:
		return "init"
	case stateSelecting:
		return "selecting"
	case stateRequesting:
		return "requesting"
	case stateBound:
		return "bound"
	case stateRenewing:
		return "renewing"
	case stateRebinding:
		return "rebinding"
	case stateRebooting:
		return "rebooting"
	case stateStopped:
		return "stopped"
	case stateDeclining:
		return "declining"
	default:
		return fmt.Sprintf("!bad_state_%d", s)
	}
}

// pendingOp is the operation postponed while the client machine is paused.
type pendingOp uint8

// pendingOp values.
const (
	pendingNone pendingOp = iota
	pendingReboot
	pendingRelease
)

// Timer tags of a client.  Scheduling with the same tag replaces the pending
// timer, which keeps at most one firing per purpose per client.
const (
	// tagTick drives retransmission in every sending state.
	tagTick dispatch.Tag = iota + 1

	// tagSelect fires when the offer-collection window closes.
	tagSelect

	// tagT1 fires at the renewal milestone of the active lease.
	tagT1

	// tagDefer drives one-shot delays: the return to INIT after a rejected
	// or declined lease and the retry sleep after a failed fallback walk.
	tagDefer
)

// broadcastAddr is the limited broadcast address.
var broadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})
