package tui

import (
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunshare/internal/brand"
	"grimm.is/tunshare/internal/config"
	"grimm.is/tunshare/internal/ctlplane"
	"grimm.is/tunshare/internal/health"
	"grimm.is/tunshare/internal/metrics"
	"grimm.is/tunshare/internal/network"
	"grimm.is/tunshare/internal/session"
)

type stubDetector struct{}

func (stubDetector) Detect(context.Context) (network.Detection, error) {
	return network.Detection{
		VPN: []network.Interface{{Name: "utun3", Addr: netip.MustParsePrefix("10.8.0.2/32"), Up: true}},
		LAN: []network.Interface{{Name: "en5", Addr: netip.MustParsePrefix("192.168.2.1/24"), Up: true}},
	}, nil
}

type stubFirewall struct{ loaded bool }

func (f *stubFirewall) LoadRules(context.Context) error { f.loaded = true; return nil }
func (f *stubFirewall) Cleanup(context.Context) error   { f.loaded = false; return nil }
func (f *stubFirewall) CleanupSync() error              { f.loaded = false; return nil }
func (f *stubFirewall) IsModified() bool                { return f.loaded }

type stubForwarding struct{ on bool }

func (f *stubForwarding) Enable(context.Context) error  { f.on = true; return nil }
func (f *stubForwarding) Restore(context.Context) error { f.on = false; return nil }
func (f *stubForwarding) RestoreSync() error            { f.on = false; return nil }
func (f *stubForwarding) IsModified() bool              { return f.on }

func newTestModel(t *testing.T) Model {
	t.Helper()
	settings := config.Default()
	settings.DHCPEnabled = false
	settings.NatPmpEnabled = false
	orch := ctlplane.New(settings, ctlplane.Deps{
		Detector:      stubDetector{},
		NewFirewall:   func(vpn, lan network.Interface) session.Firewall { return &stubFirewall{} },
		NewForwarding: func() session.Forwarding { return &stubForwarding{} },
		Metrics:       metrics.New(),
	})
	probe := func(context.Context, string) health.Report {
		return health.Report{Status: health.StatusHealthy}
	}
	m := NewModel(orch, probe)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return next.(Model)
}

func press(t *testing.T, m Model, key tea.KeyType) Model {
	t.Helper()
	next, _ := m.Update(tea.KeyMsg{Type: key})
	return next.(Model)
}

// deliver waits for one task result and feeds it through Update.
func deliver(t *testing.T, m Model) Model {
	t.Helper()
	select {
	case r := <-m.orch.Results():
		next, _ := m.Update(resultMsg{r})
		return next.(Model)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return m
	}
}

func titles(m Model) []string {
	var out []string
	for _, li := range m.list.Items() {
		out = append(out, li.(item).title)
	}
	return out
}

func TestModel_MenuItems(t *testing.T) {
	m := newTestModel(t)
	got := titles(m)
	require.NotEmpty(t, got)
	assert.Equal(t, "Start sharing", got[0])
	assert.Contains(t, got, "DHCP: off")
	assert.Contains(t, got, "NAT-PMP: off")
}

func TestModel_ToggleDHCP(t *testing.T) {
	m := newTestModel(t)
	m.list.Select(2)
	m = press(t, m, tea.KeyEnter)
	assert.True(t, m.orch.Settings().DHCPEnabled)
	assert.Contains(t, titles(m), "DHCP: on")
}

func TestModel_StartAndStop(t *testing.T) {
	m := newTestModel(t)

	m = press(t, m, tea.KeyEnter)
	assert.Equal(t, ctlplane.OpDetectingInterfaces, m.orch.Pending())
	assert.Contains(t, m.View(), ctlplane.OpDetectingInterfaces.String())

	m = deliver(t, m)
	require.Equal(t, ctlplane.StateSelectingVPN, m.orch.State())
	assert.Equal(t, []string{"utun3"}, titles(m))

	m = press(t, m, tea.KeyEnter)
	require.Equal(t, ctlplane.StateSelectingLAN, m.orch.State())
	assert.Equal(t, []string{"en5"}, titles(m))

	m = press(t, m, tea.KeyEnter)
	assert.Equal(t, ctlplane.OpStartingSharing, m.orch.Pending())

	m = deliver(t, m)
	require.Equal(t, ctlplane.StateActive, m.orch.State())
	assert.True(t, m.healthOn)
	assert.Contains(t, m.View(), "Sharing utun3")
	assert.Equal(t, "Stop sharing", titles(m)[0])

	next, _ := m.Update(healthMsg{report: health.Report{Status: health.StatusHealthy}})
	m = next.(Model)
	assert.Equal(t, health.StatusHealthy, m.orch.Session().Health())

	m = press(t, m, tea.KeyEnter)
	assert.Equal(t, ctlplane.OpStoppingSharing, m.orch.Pending())
	m = deliver(t, m)
	assert.Equal(t, ctlplane.StateMenu, m.orch.State())
	assert.Nil(t, m.orch.Session())
}

func TestModel_EscCancelsPending(t *testing.T) {
	m := newTestModel(t)
	m = press(t, m, tea.KeyEnter)
	require.NotEqual(t, ctlplane.OpNone, m.orch.Pending())

	m = press(t, m, tea.KeyEsc)
	assert.Equal(t, ctlplane.OpNone, m.orch.Pending())
	assert.Equal(t, ctlplane.StateMenu, m.orch.State())

	// The late result is stale and changes nothing.
	m = deliver(t, m)
	assert.Equal(t, ctlplane.StateMenu, m.orch.State())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"1.1.1.1", "8.8.8.8", "9.9.9.9"}, splitList("1.1.1.1, 8.8.8.8\n9.9.9.9"))
	assert.Empty(t, splitList(" , "))
}

func TestView_Banner(t *testing.T) {
	m := newTestModel(t)
	view := m.View()
	assert.Contains(t, view, strings.ToUpper(brand.Name))
	assert.Contains(t, view, "Start sharing")
}
