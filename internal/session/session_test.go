package session

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunshare/internal/health"
	"grimm.is/tunshare/internal/platform"
	"grimm.is/tunshare/internal/services/dhcp"
)

// recorder collects the order in which cleanup steps run.
type recorder struct {
	calls []string
}

type fakeFirewall struct {
	rec      *recorder
	modified bool
	err      error
}

func (f *fakeFirewall) LoadRules(context.Context) error { f.modified = true; return nil }
func (f *fakeFirewall) Cleanup(context.Context) error   { return f.CleanupSync() }
func (f *fakeFirewall) IsModified() bool                { return f.modified }
func (f *fakeFirewall) CleanupSync() error {
	f.rec.calls = append(f.rec.calls, "firewall")
	if f.err != nil {
		return f.err
	}
	f.modified = false
	return nil
}

type fakeForwarding struct {
	rec      *recorder
	modified bool
}

func (f *fakeForwarding) Enable(context.Context) error  { f.modified = true; return nil }
func (f *fakeForwarding) Restore(context.Context) error { return f.RestoreSync() }
func (f *fakeForwarding) IsModified() bool              { return f.modified }
func (f *fakeForwarding) RestoreSync() error {
	f.rec.calls = append(f.rec.calls, "forwarding")
	f.modified = false
	return nil
}

type fakeDHCP struct {
	rec *recorder
	err error
}

func (f *fakeDHCP) Stop(context.Context) error { return f.StopSync() }
func (f *fakeDHCP) StopSync() error {
	f.rec.calls = append(f.rec.calls, "dhcp")
	return f.err
}

type fakeNatPmp struct {
	rec *recorder
}

func (f *fakeNatPmp) Shutdown() { f.rec.calls = append(f.rec.calls, "natpmp") }
func (f *fakeNatPmp) Wait(context.Context) error {
	f.rec.calls = append(f.rec.calls, "natpmp-wait")
	return nil
}

var lanAddr = netip.MustParsePrefix("192.168.2.1/24")

func newActive(rec *recorder) (*Session, *fakeFirewall, *fakeForwarding) {
	fw := &fakeFirewall{rec: rec, modified: true}
	fwd := &fakeForwarding{rec: rec, modified: true}
	return New(fw, fwd, "utun3", "en5", lanAddr), fw, fwd
}

func TestTakeRestore(t *testing.T) {
	rec := &recorder{}
	s, fw, fwd := newActive(rec)
	require.True(t, s.HasManagers())

	gotFw, gotFwd := s.TakeManagers()
	assert.Same(t, fw, gotFw)
	assert.Same(t, fwd, gotFwd)
	assert.False(t, s.HasManagers())

	// A second take yields nothing: the handles exist exactly once.
	again, againFwd := s.TakeManagers()
	assert.Nil(t, again)
	assert.Nil(t, againFwd)

	s.RestoreManagers(gotFw, gotFwd)
	assert.True(t, s.HasManagers())
}

func TestClose_Order(t *testing.T) {
	rec := &recorder{}
	s, _, _ := newActive(rec)
	s.SetDHCP(&fakeDHCP{rec: rec}, dhcp.Range{})
	s.SetNatPmp(&fakeNatPmp{rec: rec})

	require.NoError(t, s.Close())
	assert.Equal(t, []string{"natpmp", "natpmp-wait", "dhcp", "firewall", "forwarding"}, rec.calls)

	// Idempotent.
	require.NoError(t, s.Close())
	assert.Len(t, rec.calls, 5)
}

func TestClose_SkipsLoanedHandles(t *testing.T) {
	rec := &recorder{}
	s, _, _ := newActive(rec)
	s.TakeManagers()

	require.NoError(t, s.Close())
	assert.Empty(t, rec.calls)
}

func TestClose_SkipsCleanHandles(t *testing.T) {
	rec := &recorder{}
	s, fw, fwd := newActive(rec)
	fw.modified = false
	fwd.modified = false

	require.NoError(t, s.Close())
	assert.Empty(t, rec.calls)
}

func TestClose_JoinsErrors(t *testing.T) {
	rec := &recorder{}
	s, fw, _ := newActive(rec)
	fw.err = errors.New("pfctl busy")
	s.SetDHCP(&fakeDHCP{rec: rec, err: errors.New("kill failed")}, dhcp.Range{})

	err := s.Close()
	require.Error(t, err)
	var fwErr *platform.FirewallError
	require.ErrorAs(t, err, &fwErr)
	assert.Equal(t, "kill failed; pfctl busy", fwErr.Message)
	assert.Equal(t, []string{"dhcp", "firewall", "forwarding"}, rec.calls)
}

func TestServiceState(t *testing.T) {
	rec := &recorder{}
	s, _, _ := newActive(rec)
	assert.Equal(t, health.StatusUnknown, s.Health())

	r := dhcp.Range{Start: netip.MustParseAddr("192.168.2.100"), End: netip.MustParseAddr("192.168.2.200")}
	s.SetDHCP(&fakeDHCP{rec: rec}, r)
	active, got := s.DHCP()
	assert.True(t, active)
	assert.Equal(t, r, got)

	s.SetNatPmp(&fakeNatPmp{rec: rec})
	assert.True(t, s.NatPmpActive())
	assert.NotNil(t, s.TakeNatPmp())
	assert.False(t, s.NatPmpActive())

	s.SetHealth(health.StatusDegraded)
	assert.Equal(t, health.StatusDegraded, s.Health())
}
