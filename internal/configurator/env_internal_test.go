package configurator

import (
	"context"
	"net/netip"
	"testing"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/AdGuardDHCP/internal/leasedb"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestConfigurator creates a bridge for environment tests.
func newTestConfigurator(tb testing.TB) (c *Configurator) {
	tb.Helper()

	c, err := New(&Config{
		Logger:     slogutil.NewDiscardLogger(),
		ScriptPath: "/bin/true",
		Env:        map[string]string{"OPERATOR": "1"},
	})
	require.NoError(tb, err)

	return c
}

// newBoundLease builds the lease of the cold-boot scenario.
func newBoundLease() (l *leasedb.Lease) {
	opts := dhcpmsg.NewStore()
	opts.Save(dhcpmsg.SpaceDHCP, 1, []byte{255, 255, 255, 0})
	opts.Save(dhcpmsg.SpaceDHCP, 3, []byte{192, 0, 2, 1})
	opts.Save(dhcpmsg.SpaceDHCP, 51, []byte{0, 0, 2, 0x58})

	return &leasedb.Lease{
		Options:   opts,
		Address:   netip.MustParseAddr("192.0.2.50"),
		Interface: "eth0",
	}
}

func TestConfigurator_buildEnv(t *testing.T) {
	c := newTestConfigurator(t)

	env := c.buildEnv(context.Background(), &Invocation{
		Reason:           ReasonBound,
		Interface:        "eth0",
		New:              newBoundLease(),
		RequestedOptions: []uint8{1, 3},
	})

	assert.Contains(t, env, "OPERATOR=1")
	assert.Contains(t, env, "reason=BOUND")
	assert.Contains(t, env, "interface=eth0")
	assert.Contains(t, env, "new_ip_address=192.0.2.50")
	assert.Contains(t, env, "new_subnet_mask=255.255.255.0")
	assert.Contains(t, env, "new_network_number=192.0.2.0")
	assert.Contains(t, env, "new_broadcast_address=192.0.2.255")
	assert.Contains(t, env, "new_routers=192.0.2.1")
	assert.Contains(t, env, "new_dhcp_lease_time=600")
	assert.Contains(t, env, "requested_subnet_mask=1")
	assert.Contains(t, env, "requested_routers=1")
	assert.Equal(t, scriptPath, env[len(env)-1])
}

func TestConfigurator_buildEnv_validation(t *testing.T) {
	c := newTestConfigurator(t)

	l := newBoundLease()
	l.Options.Save(dhcpmsg.SpaceDHCP, 15, []byte("bad domain!"))
	l.Options.Save(dhcpmsg.SpaceDHCP, 12, []byte("host-1"))

	env := c.buildEnv(context.Background(), &Invocation{
		Reason: ReasonBound,
		New:    l,
	})

	assert.Contains(t, env, "new_host_name=host-1")

	for _, kv := range env {
		assert.NotContains(t, kv, "new_domain_name=")
	}
}

func TestValidateDomainName(t *testing.T) {
	testCases := []struct {
		name       string
		in         string
		wantErrNil bool
	}{{
		name:       "ok",
		in:         "host.example.org",
		wantErrNil: true,
	}, {
		name:       "ok_underscore",
		in:         "ho_st.example.org",
		wantErrNil: true,
	}, {
		name:       "bad_space",
		in:         "bad domain",
		wantErrNil: false,
	}, {
		name:       "bad_edge_hyphen",
		in:         "-host.example.org",
		wantErrNil: false,
	}, {
		name:       "bad_empty_label",
		in:         "host..org",
		wantErrNil: false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateDomainName(tc.in)
			assert.Equal(t, tc.wantErrNil, err == nil)
		})
	}
}

func TestValidateRootPath(t *testing.T) {
	assert.NoError(t, validateRootPath(`/export/root [a]=b,c@d~e`))
	assert.Error(t, validateRootPath("bad\npath"))
}
