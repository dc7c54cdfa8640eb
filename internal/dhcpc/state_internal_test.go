package dhcpc

import (
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/configurator"
	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/AdGuardDHCP/internal/leasedb"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClient_coldBoot is the cold-boot scenario: DISCOVER, OFFER, REQUEST,
// ACK, configurator invocation, and a renewal timer at roughly half the
// lease time.
func TestClient_coldBoot(t *testing.T) {
	env := newTestEnv(t, nil)

	env.start(t)

	// The first emission is a broadcast DISCOVER from the unspecified
	// address.
	sent := env.sender.lastSent()
	require.NotNil(t, sent)

	assert.Equal(t, dhcpv4.MessageTypeDiscover, sent.packet.MessageType())
	assert.Equal(t, broadcastAddr, sent.dst)
	assert.False(t, sent.src.Is4())
	assert.True(t, sent.packet.IsBroadcast())

	bindStart := env.clock.now

	env.handle(t, env.serverReply(t, dhcpv4.MessageTypeOffer, testOfferedIP, 600))
	require.Len(t, env.client.offered, 1)

	env.advanceTo(t, env.client.firstSending.Add(3*time.Second))

	// The REQUEST carries the server identifier and the requested address.
	sent = env.sender.lastSent()
	require.Equal(t, dhcpv4.MessageTypeRequest, sent.packet.MessageType())

	assert.Equal(t, testServerIP.AsSlice(), []byte(sent.packet.ServerIdentifier().To4()))
	assert.Equal(t, testOfferedIP.AsSlice(), []byte(sent.packet.RequestedIPAddress().To4()))
	assert.Equal(t, broadcastAddr, sent.dst)

	env.handle(t, env.serverReply(t, dhcpv4.MessageTypeAck, testOfferedIP, 600))
	require.Equal(t, stateBound, env.client.state)

	inv := env.script.last(configurator.ReasonBound)
	require.NotNil(t, inv)
	require.NotNil(t, inv.New)

	assert.Equal(t, testOfferedIP, inv.New.Address)
	assert.Equal(t, netip.MustParseAddr("255.255.255.0"), inv.New.SubnetMask())

	// The renewal timer is at T1 with multiplicative jitter: 300 +/- 75
	// seconds from the binding.
	when, ok := env.loop.Pending(tagT1, env.client)
	require.True(t, ok)

	d := when.Sub(bindStart)
	assert.GreaterOrEqual(t, d, 225*time.Second)
	assert.LessOrEqual(t, d, 376*time.Second)

	// Committed time fields keep their order.
	l := env.client.active
	assert.False(t, l.Renewal.After(l.Rebind))
	assert.False(t, l.Rebind.After(l.Expiry))
}

// TestClient_nakDuringRenewal is the renewal NAK scenario: the expire hook
// runs, the interface is reinitialized, and a fresh DISCOVER goes out.
func TestClient_nakDuringRenewal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.bindColdBoot(t)

	when, ok := env.loop.Pending(tagT1, env.client)
	require.True(t, ok)

	env.advanceTo(t, when)
	require.Equal(t, stateRenewing, env.client.state)

	// The renewal REQUEST is unicast to the server with ciaddr set.
	sent := env.sender.lastSent()
	require.Equal(t, dhcpv4.MessageTypeRequest, sent.packet.MessageType())

	assert.Equal(t, testServerIP, sent.dst)
	assert.Equal(t, testOfferedIP, sent.src)
	assert.Equal(t, testOfferedIP.AsSlice(), []byte(sent.packet.ClientIPAddr.To4()))

	env.handle(t, env.serverReply(t, dhcpv4.MessageTypeNak, netip.Addr{}, 0))

	reasons := env.script.reasons()
	require.GreaterOrEqual(t, len(reasons), 2)

	assert.Equal(t, configurator.ReasonExpire, reasons[len(reasons)-2])
	assert.Equal(t, configurator.ReasonPreinit, reasons[len(reasons)-1])

	inv := env.script.last(configurator.ReasonExpire)
	require.NotNil(t, inv.Old)

	assert.Equal(t, testOfferedIP, inv.Old.Address)

	// A new DISCOVER exchange has begun.
	assert.Equal(t, stateSelecting, env.client.state)
	assert.Equal(t, dhcpv4.MessageTypeDiscover, env.sender.lastSent().packet.MessageType())
	assert.Nil(t, env.client.active)
}

// TestClient_missingLeaseTime is the degenerate-ACK scenario: the server is
// put on the reject list and the machine returns to INIT shortly.
func TestClient_missingLeaseTime(t *testing.T) {
	env := newTestEnv(t, nil)

	env.start(t)
	env.handle(t, env.serverReply(t, dhcpv4.MessageTypeOffer, testOfferedIP, 600))
	env.advanceTo(t, env.client.firstSending.Add(3*time.Second))
	require.Equal(t, stateRequesting, env.client.state)

	env.handle(t, env.serverReply(t, dhcpv4.MessageTypeAck, netip.MustParseAddr("192.0.2.77"), 0))

	assert.Nil(t, env.script.last(configurator.ReasonBound))
	assert.Nil(t, env.client.active)

	// The sender is suppressed.
	ctx := testutil.ContextWithTimeout(t, testTimeout)
	assert.True(t, env.client.ifc.rejected(ctx, testServerIP))

	// The return to INIT is scheduled within half a second.
	when, ok := env.loop.Pending(tagDefer, env.client)
	require.True(t, ok)

	assert.LessOrEqual(t, when.Sub(env.clock.now), 500*time.Millisecond)

	env.advanceTo(t, when)
	assert.Equal(t, stateSelecting, env.client.state)
	assert.Equal(t, dhcpv4.MessageTypeDiscover, env.sender.lastSent().packet.MessageType())
}

// TestClient_decline is the decline scenario: a failing configurator means
// the address is in use, so a DECLINE goes out and the restart is delayed.
func TestClient_decline(t *testing.T) {
	env := newTestEnv(t, nil)
	env.script.status[configurator.ReasonBound] = 1

	env.start(t)
	env.handle(t, env.serverReply(t, dhcpv4.MessageTypeOffer, testOfferedIP, 600))
	env.advanceTo(t, env.client.firstSending.Add(3*time.Second))
	env.handle(t, env.serverReply(t, dhcpv4.MessageTypeAck, testOfferedIP, 600))

	sent := env.sender.lastSent()
	require.Equal(t, dhcpv4.MessageTypeDecline, sent.packet.MessageType())

	assert.Equal(t, testOfferedIP.AsSlice(), []byte(sent.packet.RequestedIPAddress().To4()))
	assert.Nil(t, env.client.newLease)
	assert.Equal(t, stateDeclining, env.client.state)

	when, ok := env.loop.Pending(tagDefer, env.client)
	require.True(t, ok)

	assert.Equal(t, defaultDeclineWait, when.Sub(env.clock.now))
}

// TestClient_fallbackLease is the server-silence scenario: the static
// fallback lease is applied with the TIMEOUT reason.
func TestClient_fallbackLease(t *testing.T) {
	env := newTestEnv(t, func(conf *Config) {
		conf.Interfaces["eth0"].FallbackLeases = []*FallbackLeaseConfig{{
			Address:    "10.0.0.5",
			SubnetMask: "255.255.255.0",
		}}
	})

	env.start(t)
	require.Equal(t, stateSelecting, env.client.state)

	// Let the panic timeout elapse with no offer; walk the retransmission
	// ticks until the fallback path runs.
	deadline := env.clock.now.Add(5 * time.Minute)
	for env.client.state == stateSelecting && env.clock.now.Before(deadline) {
		when, ok := env.loop.Pending(tagTick, env.client)
		require.True(t, ok)

		env.advanceTo(t, when)
	}

	inv := env.script.last(configurator.ReasonTimeout)
	require.NotNil(t, inv)
	require.NotNil(t, inv.New)

	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), inv.New.Address)
	assert.Equal(t, stateBound, env.client.state)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), env.client.active.Address)
	assert.True(t, env.client.active.IsStatic)

	_, ok := env.loop.Pending(tagT1, env.client)
	assert.True(t, ok)
}

// TestClient_reboot is the warm-start scenario: a saved unexpired lease
// leads to a broadcast REQUEST and a REBOOT binding.
func TestClient_reboot(t *testing.T) {
	env := newTestEnv(t, nil)

	// Seed the store with an unexpired lease the way a previous run would
	// have.
	seeder, err := leasedb.New(&leasedb.Config{
		Logger: slogutil.NewDiscardLogger(),
		Clock:  env.clock,
		Path:   env.dbPath,
	})
	require.NoError(t, err)

	saved := &leasedb.Lease{
		Options:   seededOptions(),
		Address:   testOfferedIP,
		Interface: "eth0",
		Renewal:   env.clock.now.Add(5 * time.Minute),
		Rebind:    env.clock.now.Add(8 * time.Minute),
		Expiry:    env.clock.now.Add(10 * time.Minute),
	}

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, seeder.Append(ctx, saved, false))

	env.start(t)
	require.Equal(t, stateRebooting, env.client.state)

	sent := env.sender.lastSent()
	require.Equal(t, dhcpv4.MessageTypeRequest, sent.packet.MessageType())

	// A reboot REQUEST is broadcast for the remembered address, with no
	// server identifier and no ciaddr.
	assert.Equal(t, broadcastAddr, sent.dst)
	assert.Equal(t, testOfferedIP.AsSlice(), []byte(sent.packet.RequestedIPAddress().To4()))
	assert.Nil(t, sent.packet.ServerIdentifier().To4())
	assert.True(t, sent.packet.ClientIPAddr.IsUnspecified())

	// The reboot exchange uses a fresh non-zero transaction id.
	assert.NotEqual(t, dhcpv4.TransactionID{}, env.client.xid)

	env.handle(t, env.serverReply(t, dhcpv4.MessageTypeAck, testOfferedIP, 600))

	inv := env.script.last(configurator.ReasonReboot)
	require.NotNil(t, inv)

	assert.Equal(t, testOfferedIP, inv.New.Address)
	assert.Equal(t, stateBound, env.client.state)
}

// TestClient_mediaWalk is the media-list scenario: while the list is being
// walked with no offer received, every tick tries the next medium through
// the configurator and the retransmission interval does not back off; growth
// resumes only once the list wraps back to its head.
func TestClient_mediaWalk(t *testing.T) {
	env := newTestEnv(t, func(conf *Config) {
		conf.Interfaces["eth0"].Media = []string{"media0", "media1"}
	})
	c := env.client

	mediums := func() (tried []string) {
		for _, inv := range env.script.calls {
			if inv.Reason == configurator.ReasonMedium {
				tried = append(tried, inv.Medium)
			}
		}

		return tried
	}

	env.start(t)
	require.Equal(t, stateSelecting, c.state)

	// The first tick tries the first medium and floors the interval.
	assert.Equal(t, []string{"media0"}, mediums())
	assert.Equal(t, defaultInitialInterval, c.interval)
	assert.Equal(t, "media0", c.medium)

	// The second tick advances to the next medium without backing off.
	when, ok := env.loop.Pending(tagTick, c)
	require.True(t, ok)

	env.advanceTo(t, when)

	assert.Equal(t, []string{"media0", "media1"}, mediums())
	assert.Equal(t, defaultInitialInterval, c.interval)

	// The third tick wraps the list back to its head, and only then is the
	// interval allowed to grow.
	when, ok = env.loop.Pending(tagTick, c)
	require.True(t, ok)

	env.advanceTo(t, when)

	assert.Equal(t, []string{"media0", "media1", "media0"}, mediums())
	assert.GreaterOrEqual(t, c.interval, defaultInitialInterval)
	assert.LessOrEqual(t, c.interval, 3*defaultInitialInterval)
}

// seededOptions returns the options of the persisted lease of the reboot
// scenario.
func seededOptions() (opts *dhcpmsg.Store) {
	opts = dhcpmsg.NewStore()
	opts.Save(dhcpmsg.SpaceDHCP, 1, []byte{255, 255, 255, 0})
	opts.Save(dhcpmsg.SpaceDHCP, 54, testServerIP.AsSlice())

	return opts
}
