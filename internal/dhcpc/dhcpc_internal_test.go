package dhcpc

import (
	"context"
	"math/rand/v2"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/configurator"
	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/AdGuardDHCP/internal/dispatch"
	"github.com/AdguardTeam/AdGuardDHCP/internal/leasedb"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout of the tests.
const testTimeout = 5 * time.Second

// Test addresses.
var (
	testHWAddr    = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x0A}
	testServerIP  = netip.MustParseAddr("192.0.2.1")
	testOfferedIP = netip.MustParseAddr("192.0.2.50")
)

// testClock is a settable clock for tests.
type testClock struct {
	now time.Time
}

// type check
var _ timeutil.Clock = (*testClock)(nil)

// Now implements the [timeutil.Clock] interface for *testClock.
func (c *testClock) Now() (now time.Time) { return c.now }

// fakeScript is a [Script] that records its invocations.
type fakeScript struct {
	status map[configurator.Reason]int
	calls  []*configurator.Invocation
}

// type check
var _ Script = (*fakeScript)(nil)

// Run implements the [Script] interface for *fakeScript.
func (s *fakeScript) Run(
	_ context.Context,
	inv *configurator.Invocation,
) (status int, err error) {
	s.calls = append(s.calls, inv)

	return s.status[inv.Reason], nil
}

// reasons returns the reasons of the recorded invocations, in order.
func (s *fakeScript) reasons() (reasons []configurator.Reason) {
	for _, inv := range s.calls {
		reasons = append(reasons, inv.Reason)
	}

	return reasons
}

// last returns the most recent invocation with the given reason.
func (s *fakeScript) last(reason configurator.Reason) (inv *configurator.Invocation) {
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].Reason == reason {
			return s.calls[i]
		}
	}

	return nil
}

// sentPacket is one packet recorded by [fakeSender].
type sentPacket struct {
	packet *dhcpv4.DHCPv4
	src    netip.Addr
	dst    netip.Addr
}

// fakeSender records the packets the client emits.
type fakeSender struct {
	tb   testing.TB
	sent []*sentPacket
}

// Send implements the [linkio.Sender] interface for *fakeSender.
func (s *fakeSender) Send(
	_ context.Context,
	payload []byte,
	src netip.Addr,
	dst netip.Addr,
	_ net.HardwareAddr,
) (n int, err error) {
	p, err := dhcpv4.FromBytes(payload)
	require.NoError(s.tb, err)

	s.sent = append(s.sent, &sentPacket{packet: p, src: src, dst: dst})

	return len(payload), nil
}

// lastSent returns the most recently emitted packet.
func (s *fakeSender) lastSent() (p *sentPacket) {
	if len(s.sent) == 0 {
		return nil
	}

	return s.sent[len(s.sent)-1]
}

// testEnv is the assembled test fixture of the client core.
type testEnv struct {
	rt     *Runtime
	client *client4
	clock  *testClock
	script *fakeScript
	sender *fakeSender
	loop   *dispatch.Loop
	dbPath string

	exitCodes []int
}

// testTiming is the timing configuration of the scenario tests.
func testTiming() (tc *TimingConfig) {
	return &TimingConfig{
		InitialInterval: timeutil.Duration(10 * time.Second),
		Timeout:         timeutil.Duration(60 * time.Second),
		SelectInterval:  timeutil.Duration(3 * time.Second),
	}
}

// newTestEnv assembles a runtime with one interface and fake collaborators.
// mod, when not nil, may tweak the configuration before the runtime is
// created.
func newTestEnv(tb testing.TB, mod func(conf *Config)) (env *testEnv) {
	tb.Helper()

	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	script := &fakeScript{status: map[configurator.Reason]int{}}
	sender := &fakeSender{tb: tb}

	dbPath := filepath.Join(tb.TempDir(), "leases")

	db, err := leasedb.New(&leasedb.Config{
		Logger: slogutil.NewDiscardLogger(),
		Clock:  clock,
		Path:   dbPath,
	})
	require.NoError(tb, err)

	loop, err := dispatch.New(&dispatch.Config{
		Logger: slogutil.NewDiscardLogger(),
		Clock:  clock,
	})
	require.NoError(tb, err)

	conf := &Config{
		Script:    "/usr/libexec/dhcp-configurator",
		LeaseFile: dbPath,
		Timing:    testTiming(),
		Interfaces: map[string]*InterfaceConfig{
			"eth0": {},
		},
	}
	if mod != nil {
		mod(conf)
	}

	env = &testEnv{
		clock:  clock,
		script: script,
		sender: sender,
		loop:   loop,
		dbPath: dbPath,
	}

	env.rt, err = New(&RuntimeConfig{
		Logger: slogutil.NewDiscardLogger(),
		Clock:  clock,
		Script: script,
		DB:     db,
		Loop:   loop,
		Conf:   conf,
		Devices: []*Device{{
			Sender: sender,
			Name:   "eth0",
			HWAddr: testHWAddr,
		}},
		OnExit: func(code int) { env.exitCodes = append(env.exitCodes, code) },
		Rand:   rand.New(rand.NewPCG(1, 2)),
	})
	require.NoError(tb, err)

	env.client = env.rt.byName["eth0"]

	return env
}

// start runs the runtime startup and the initial timers.
func (env *testEnv) start(tb testing.TB) {
	tb.Helper()

	ctx := testutil.ContextWithTimeout(tb, testTimeout)
	require.NoError(tb, env.rt.Start(ctx))

	env.loop.Advance(ctx, env.clock.now)
}

// advanceTo moves the clock to when and fires the due timers.
func (env *testEnv) advanceTo(tb testing.TB, when time.Time) {
	tb.Helper()

	env.clock.now = when
	env.loop.Advance(testutil.ContextWithTimeout(tb, testTimeout), when)
}

// serverReply builds an incoming server message for the current exchange of
// the client.
func (env *testEnv) serverReply(
	tb testing.TB,
	mt dhcpv4.MessageType,
	yiaddr netip.Addr,
	leaseTime uint32,
) (msg *dhcpmsg.Message) {
	tb.Helper()

	p, err := dhcpv4.New()
	require.NoError(tb, err)

	p.OpCode = dhcpv4.OpcodeBootReply
	p.TransactionID = env.client.xid
	p.ClientHWAddr = testHWAddr

	if yiaddr.Is4() {
		p.YourIPAddr = yiaddr.AsSlice()
	}

	if mt != dhcpv4.MessageTypeNone {
		p.UpdateOption(dhcpv4.OptMessageType(mt))
	}

	p.UpdateOption(dhcpv4.OptServerIdentifier(testServerIP.AsSlice()))
	p.UpdateOption(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(1), []byte{255, 255, 255, 0}))
	p.UpdateOption(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(3), testServerIP.AsSlice()))

	if leaseTime > 0 {
		p.UpdateOption(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(51), []byte{
			byte(leaseTime >> 24),
			byte(leaseTime >> 16),
			byte(leaseTime >> 8),
			byte(leaseTime),
		}))
	}

	msg, err = dhcpmsg.Decode(p.ToBytes(), testServerIP)
	require.NoError(tb, err)

	return msg
}

// handle delivers msg to the client on a test context.
func (env *testEnv) handle(tb testing.TB, msg *dhcpmsg.Message) {
	tb.Helper()

	env.client.handle(testutil.ContextWithTimeout(tb, testTimeout), msg)
}

// bindColdBoot drives the client through the cold-boot exchange to BOUND.
func (env *testEnv) bindColdBoot(tb testing.TB) {
	tb.Helper()

	env.start(tb)
	require.Equal(tb, stateSelecting, env.client.state)

	env.handle(tb, env.serverReply(tb, dhcpv4.MessageTypeOffer, testOfferedIP, 600))

	env.advanceTo(tb, env.client.firstSending.Add(3*time.Second))
	require.Equal(tb, stateRequesting, env.client.state)

	env.handle(tb, env.serverReply(tb, dhcpv4.MessageTypeAck, testOfferedIP, 600))
	require.Equal(tb, stateBound, env.client.state)
}
