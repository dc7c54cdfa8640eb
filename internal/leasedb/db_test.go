package leasedb_test

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/AdGuardDHCP/internal/leasedb"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout of the tests.
const testTimeout = 1 * time.Second

// testClock is a fixed clock for tests.
type testClock struct {
	now time.Time
}

// Now implements the [timeutil.Clock] interface for *testClock.
func (c *testClock) Now() (now time.Time) { return c.now }

// openTestDB creates and loads a database at path.
func openTestDB(tb testing.TB, clock *testClock, path string) (db *leasedb.DB) {
	tb.Helper()

	db, err := leasedb.New(&leasedb.Config{
		Logger: slogutil.NewDiscardLogger(),
		Clock:  clock,
		Path:   path,
	})
	require.NoError(tb, err)

	ctx := testutil.ContextWithTimeout(tb, testTimeout)
	require.NoError(tb, db.Load(ctx))

	return db
}

// newTestLease builds a lease for tests.
func newTestLease(iface, addr string, expiry time.Time) (l *leasedb.Lease) {
	opts := dhcpmsg.NewStore()
	opts.Save(dhcpmsg.SpaceDHCP, 1, []byte{255, 255, 255, 0})
	opts.Save(dhcpmsg.SpaceDHCP, 3, []byte{192, 0, 2, 1})
	opts.Save(dhcpmsg.SpaceDHCP, 54, []byte{192, 0, 2, 1})
	opts.Save(dhcpmsg.SpaceDHCP, 15, []byte("example.org"))

	return &leasedb.Lease{
		Options:    opts,
		Address:    netip.MustParseAddr(addr),
		NextServer: netip.MustParseAddr("192.0.2.1"),
		Interface:  iface,
		ServerName: "srv",
		Filename:   "pxe/boot",
		Renewal:    expiry.Add(-2 * time.Hour),
		Rebind:     expiry.Add(-1 * time.Hour),
		Expiry:     expiry,
	}
}

func TestDB_roundTrip(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	path := filepath.Join(t.TempDir(), "leases")
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	db := openTestDB(t, clock, path)

	expiry := clock.now.Add(10 * time.Minute).Truncate(time.Second)
	want := newTestLease("eth0", "192.0.2.50", expiry)

	require.NoError(t, db.Append(ctx, want, false))

	got := openTestDB(t, clock, path).Leases()
	require.Len(t, got, 1)

	l := got[0]
	assert.Equal(t, want.Address, l.Address)
	assert.Equal(t, want.Interface, l.Interface)
	assert.Equal(t, want.NextServer, l.NextServer)
	assert.Equal(t, want.ServerName, l.ServerName)
	assert.Equal(t, want.Filename, l.Filename)
	assert.Equal(t, want.Renewal, l.Renewal)
	assert.Equal(t, want.Rebind, l.Rebind)
	assert.Equal(t, want.Expiry, l.Expiry)
	assert.True(t, want.Options.Equal(l.Options))
}

func TestDB_duplicatePolicy(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	path := filepath.Join(t.TempDir(), "leases")
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	db := openTestDB(t, clock, path)

	expiry := clock.now.Add(10 * time.Minute).Truncate(time.Second)

	dynamic := newTestLease("eth0", "192.0.2.50", expiry)
	static := newTestLease("eth0", "192.0.2.50", expiry)
	static.IsStatic = true

	require.NoError(t, db.Append(ctx, dynamic, false))
	require.NoError(t, db.Append(ctx, static, false))
	require.NoError(t, db.Append(ctx, dynamic, false))

	// One dynamic and one static record per address survive a reload.
	got := openTestDB(t, clock, path).Leases()
	require.Len(t, got, 2)

	assert.True(t, got[0].IsStatic)
	assert.False(t, got[1].IsStatic)
}

func TestDB_recordRelease(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	path := filepath.Join(t.TempDir(), "leases")
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	db := openTestDB(t, clock, path)

	l := newTestLease("eth0", "192.0.2.50", clock.now.Add(10*time.Minute))
	require.NoError(t, db.RecordRelease(ctx, l))

	assert.Equal(t, clock.now, l.Renewal)
	assert.Equal(t, clock.now, l.Rebind)
	assert.Equal(t, clock.now, l.Expiry)

	got := openTestDB(t, clock, path).Leases()
	require.Len(t, got, 1)

	assert.Equal(t, clock.now, got[0].Expiry)
}

func TestDB_rewrite(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	path := filepath.Join(t.TempDir(), "leases")
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	db := openTestDB(t, clock, path)

	duid := leasedb.NewDUIDLL([]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x0A})
	require.NoError(t, db.SetDUID(ctx, duid))

	static := newTestLease("eth0", "10.0.0.5", leasedb.TimeMax)
	static.IsStatic = true
	static.Renewal, static.Rebind = leasedb.TimeMax, leasedb.TimeMax

	active := newTestLease("eth0", "192.0.2.50", clock.now.Add(10*time.Minute).Truncate(time.Second))

	db.SetSource(func() (snap *leasedb.Snapshot) {
		return &leasedb.Snapshot{
			DUID: db.DUID(),
			Interfaces: []*leasedb.InterfaceLeases{{
				Name:   "eth0",
				Leases: []*leasedb.Lease{static},
				Active: active,
			}},
		}
	})

	require.NoError(t, db.Rewrite(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	content := string(data)
	assert.True(t, strings.HasPrefix(content, "# AdGuard DHCP lease database\n"))
	assert.Contains(t, content, "default-duid")
	assert.Contains(t, content, "expire never;")

	reread := openTestDB(t, clock, path)
	assert.Equal(t, duid, reread.DUID())

	got := reread.Leases()
	require.Len(t, got, 2)

	assert.True(t, got[0].IsStatic)
	assert.Equal(t, leasedb.TimeMax, got[0].Expiry)
	assert.Equal(t, active.Address, got[1].Address)
}

func TestDUID_roundTrip(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}

	llt := leasedb.NewDUIDLLT(clock, []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x0A})
	require.Len(t, llt, 2+2+4+6)

	parsed, err := leasedb.ParseDUID(leasedb.FormatDUID(llt))
	require.NoError(t, err)

	assert.Equal(t, llt, parsed)
}

func TestAddClamped(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()

	assert.Equal(t, base.Add(600*time.Second), leasedb.AddClamped(base, 600))
	assert.Equal(t, leasedb.TimeMax, leasedb.AddClamped(leasedb.TimeMax, 600))
}
