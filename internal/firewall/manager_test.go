package firewall

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/tunshare/internal/platform"
)

const (
	testAnchor  = "com.apple/250.TunShare"
	testNatPmp  = "com.apple/251.TunShareNatPmp"
	enabledInfo = "Status: Enabled for 0 days 00:01:02           Debug: Urgent\n"
)

func newTestManager(runner platform.Runner) *Manager {
	return NewManager(Options{
		Runner:       runner,
		Anchor:       testAnchor,
		ExtraAnchors: []string{testNatPmp},
		VPNInterface: "utun4",
		LANInterface: "en5",
		LANNetwork:   netip.MustParsePrefix("192.168.2.1/24"),
	})
}

func TestManager_Rules(t *testing.T) {
	m := newTestManager(new(platform.MockRunner))
	want := "nat on utun4 inet from 192.168.2.0/24 to any -> (utun4)\n" +
		"pass in quick on en5 inet from 192.168.2.0/24 to any keep state\n" +
		"pass out quick on utun4 inet from any to any keep state\n"
	assert.Equal(t, want, m.Rules())
}

func TestManager_LoadAndCleanup(t *testing.T) {
	runner := new(platform.MockRunner)
	m := newTestManager(runner)

	runner.On("RunInput", m.Rules(), "pfctl", "-a", testAnchor, "-f", "-").Return([]byte(""), nil).Once()
	runner.On("Run", "pfctl", "-E").Return([]byte("pf enabled\nToken : 17290\n"), nil).Once()

	require.NoError(t, m.LoadRules(context.Background()))
	assert.True(t, m.IsModified())

	// Second load is a no-op.
	require.NoError(t, m.LoadRules(context.Background()))

	runner.On("Run", "pfctl", "-a", testNatPmp, "-F", "all").Return([]byte(""), nil).Once()
	runner.On("Run", "pfctl", "-a", testAnchor, "-F", "all").Return([]byte(""), nil).Once()
	runner.On("Run", "pfctl", "-X", "17290").Return([]byte("pf disabled\n"), nil).Once()

	require.NoError(t, m.Cleanup(context.Background()))
	assert.False(t, m.IsModified())

	// Idempotent once restored.
	require.NoError(t, m.CleanupSync())
	runner.AssertExpectations(t)
}

func TestManager_LoadRulesFailure(t *testing.T) {
	runner := new(platform.MockRunner)
	m := newTestManager(runner)

	runner.On("RunInput", mock.Anything, "pfctl", "-a", testAnchor, "-f", "-").
		Return([]byte("syntax error"), errors.New("exit status 1")).Once()

	err := m.LoadRules(context.Background())
	var fwErr *platform.FirewallError
	require.ErrorAs(t, err, &fwErr)
	assert.False(t, m.IsModified())
	runner.AssertExpectations(t)
}

func TestManager_EnableWithoutTokenRollsBack(t *testing.T) {
	runner := new(platform.MockRunner)
	m := newTestManager(runner)

	runner.On("RunInput", mock.Anything, "pfctl", "-a", testAnchor, "-f", "-").Return([]byte(""), nil).Once()
	runner.On("Run", "pfctl", "-E").Return([]byte("pf enabled\n"), nil).Once()
	runner.On("Run", "pfctl", "-a", testAnchor, "-F", "all").Return([]byte(""), nil).Once()

	err := m.LoadRules(context.Background())
	var parseErr *platform.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.False(t, m.IsModified())
	runner.AssertExpectations(t)
}

func TestManager_CleanupJoinsErrors(t *testing.T) {
	runner := new(platform.MockRunner)
	m := newTestManager(runner)
	m.loaded = true
	m.token = "42"

	runner.On("Run", "pfctl", "-a", testNatPmp, "-F", "all").Return(nil, errors.New("natpmp flush")).Once()
	runner.On("Run", "pfctl", "-a", testAnchor, "-F", "all").Return([]byte(""), nil).Once()
	runner.On("Run", "pfctl", "-X", "42").Return(nil, errors.New("bad token")).Once()

	err := m.Cleanup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "natpmp flush")
	assert.Contains(t, err.Error(), "; ")
	assert.Contains(t, err.Error(), "bad token")
	assert.True(t, m.IsModified(), "failed cleanup keeps the handle dirty so a retry can run")
	runner.AssertExpectations(t)
}

func TestQueryEnabled(t *testing.T) {
	runner := new(platform.MockRunner)
	runner.On("Run", "pfctl", "-s", "info").Return([]byte(enabledInfo), nil).Once()
	runner.On("Run", "pfctl", "-s", "info").Return([]byte("garbage"), nil).Once()

	on, err := QueryEnabled(context.Background(), runner)
	require.NoError(t, err)
	assert.True(t, on)

	_, err = QueryEnabled(context.Background(), runner)
	var parseErr *platform.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestQueryStates(t *testing.T) {
	runner := new(platform.MockRunner)
	out := "utun4 tcp 10.8.0.2:51234 (192.168.2.20:51234) -> 1.1.1.1:443       ESTABLISHED:ESTABLISHED\n" +
		"en0 udp 192.168.1.5:5353 -> 224.0.0.251:5353       SINGLE:NO_TRAFFIC\n"
	runner.On("Run", "pfctl", "-s", "states").Return([]byte(out), nil)

	states, err := QueryStates(context.Background(), runner, "utun4")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Contains(t, states[0], "1.1.1.1:443")
}

func TestAnchor_Rules(t *testing.T) {
	runner := new(platform.MockRunner)
	a := NewAnchor(testAnchor, runner)
	runner.On("Run", "pfctl", "-a", testAnchor, "-s", "nat").
		Return([]byte("No ALTQ support in kernel\nnat on utun4 inet from 192.168.2.0/24 to any -> (utun4) round-robin\n"), nil)
	runner.On("Run", "pfctl", "-a", testAnchor, "-s", "rules").
		Return([]byte("\npass in quick on en5 inet from 192.168.2.0/24 to any flags S/SA keep state\n"), nil)

	rules, err := a.Rules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "nat on utun4 inet from 192.168.2.0/24 to any -> (utun4) round-robin\n"+
		"pass in quick on en5 inet from 192.168.2.0/24 to any flags S/SA keep state\n", rules)
}
