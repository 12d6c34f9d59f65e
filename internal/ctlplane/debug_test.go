package ctlplane

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunshare/internal/brand"
	"grimm.is/tunshare/internal/network"
	"grimm.is/tunshare/internal/platform"
	"grimm.is/tunshare/internal/services/natpmp"
)

type fakeInspector struct {
	rules map[string]string
}

func (f fakeInspector) ForwardingState(context.Context) (string, error) { return "1", nil }
func (f fakeInspector) PFEnabled(context.Context) (bool, error)         { return true, nil }
func (f fakeInspector) States(context.Context, string) ([]string, error) {
	return nil, errors.New("pfctl: states unavailable")
}

func (f fakeInspector) AnchorRules(_ context.Context, anchor string) (string, error) {
	return f.rules[anchor], nil
}

func TestFetchDebugInfo(t *testing.T) {
	h := newHarness(t, nil)
	h.natpmp.entries = []natpmp.Entry{{
		MappingKey: natpmp.MappingKey{Protocol: natpmp.TCP, ExternalPort: 1024},
		Mapping: natpmp.Mapping{
			InternalIP:   netip.MustParseAddr("192.168.2.50"),
			InternalPort: 8080,
			Lifetime:     3600,
			CreatedAt:    time.Now(),
		},
	}}
	h.o.deps.Inspector = fakeInspector{rules: map[string]string{
		brand.PFAnchor: "nat on utun3 inet from 192.168.2.0/24 to any -> (utun3) round-robin\n",
	}}
	h.activate(t)

	require.NoError(t, h.o.FetchDebugInfo())
	h.next(t)
	assert.Equal(t, StateActive, h.o.State())

	info := h.o.DebugInfo()
	require.NotNil(t, info)
	assert.Equal(t, "1", info.Forwarding)
	assert.True(t, info.PFEnabled)
	assert.Equal(t, "utun3", info.VPN)
	require.Len(t, info.Mappings, 1)
	assert.Equal(t, "tcp", info.Mappings[0].Protocol)
	assert.Equal(t, "192.168.2.100-192.168.2.200", info.DHCPRange)
	assert.Len(t, info.Errors, 1)

	assert.Contains(t, info.RulesDiff, "--- expected")
	assert.Contains(t, info.RulesDiff, "+nat on utun3 inet from 192.168.2.0/24 to any -> (utun3) round-robin")

	out, err := info.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "pf_enabled: true")
	assert.Contains(t, out, "external_port: 1024")
}

func TestRulesDiff_Match(t *testing.T) {
	rules := "pass out quick on utun3 inet from any to any keep state\n"
	assert.Empty(t, rulesDiff(rules, rules))
}

func TestSystemInspector(t *testing.T) {
	runner := new(platform.MockRunner)
	runner.On("Run", "pfctl", "-s", "info").
		Return([]byte("Status: Enabled for 0 days 00:01:02\n"), nil)
	runner.On("Run", "pfctl", "-a", "com.apple/250.TunShare", "-s", "nat").
		Return([]byte("nat on utun3 inet from 192.168.2.0/24 to any -> (utun3) round-robin\n"), nil)
	runner.On("Run", "pfctl", "-a", "com.apple/250.TunShare", "-s", "rules").
		Return([]byte("No ALTQ support in kernel\n"), nil)

	sysctl := new(network.MockSystemController)
	sysctl.On("ReadSysctl", network.ForwardingKey).Return("0", nil)

	in := &SystemInspector{Runner: runner, Sysctl: sysctl}
	ctx := context.Background()

	enabled, err := in.PFEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	rules, err := in.AnchorRules(ctx, "com.apple/250.TunShare")
	require.NoError(t, err)
	assert.Equal(t, "nat on utun3 inet from 192.168.2.0/24 to any -> (utun3) round-robin\n", rules)

	state, err := in.ForwardingState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", state)
}
