package natpmp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunshare/internal/clock"
)

var (
	clientA = netip.MustParseAddr("192.168.2.10")
	clientB = netip.MustParseAddr("192.168.2.11")
)

func newTestEngine(t *testing.T) (*engine, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := newEngine(NewLAN(netip.MustParsePrefix("192.168.2.1/24")), clk)
	e.externalIP = netip.MustParseAddr("10.8.0.1")
	return e, clk
}

func TestEngine_MapTCPThenUDP(t *testing.T) {
	e, _ := newTestEngine(t)

	reply, mutated := e.handle(mapRequest(OpMapTCP, 8080, 1024, 3600), clientA)
	require.True(t, mutated)
	r := decodeMapReply(t, reply)
	assert.Equal(t, mapReply{op: 130, result: ResultSuccess, internal: 8080, external: 1024, lifetime: 3600}, r)

	reply, _ = e.handle(mapRequest(OpMapUDP, 8080, 1024, 3600), clientB)
	r = decodeMapReply(t, reply)
	assert.Equal(t, uint8(129), r.op)
	assert.Equal(t, ResultSuccess, r.result)
	assert.Equal(t, uint16(1024), r.external)
	assert.Equal(t, 2, e.table.Len())
}

func TestEngine_Allocation(t *testing.T) {
	e, _ := newTestEngine(t)

	// Unused suggestion is honoured.
	r := decodeMapReply(t, first(e.handle(mapRequest(OpMapUDP, 5000, 40000, 60), clientA)))
	assert.Equal(t, uint16(40000), r.external)

	// Privileged suggestion falls back to the lowest free port.
	r = decodeMapReply(t, first(e.handle(mapRequest(OpMapUDP, 5001, 80, 60), clientA)))
	assert.Equal(t, uint16(1024), r.external)

	// Port owned by another client is not stolen.
	r = decodeMapReply(t, first(e.handle(mapRequest(OpMapUDP, 6000, 40000, 60), clientB)))
	assert.Equal(t, uint16(1025), r.external)

	// Same client may refresh its own port.
	r = decodeMapReply(t, first(e.handle(mapRequest(OpMapUDP, 5000, 40000, 120), clientA)))
	assert.Equal(t, uint16(40000), r.external)
	assert.Equal(t, uint32(120), r.lifetime)
}

func TestEngine_LifetimeCapped(t *testing.T) {
	e, _ := newTestEngine(t)
	r := decodeMapReply(t, first(e.handle(mapRequest(OpMapTCP, 22, 2222, 100000), clientA)))
	assert.Equal(t, uint32(MaxLifetime), r.lifetime)

	m, ok := e.table.Get(MappingKey{TCP, 2222})
	require.True(t, ok)
	assert.Equal(t, uint32(MaxLifetime), m.Lifetime)
}

func TestEngine_Expiry(t *testing.T) {
	e, clk := newTestEngine(t)
	e.handle(mapRequest(OpMapUDP, 5000, 3000, 90), clientA)

	m, ok := e.table.Get(MappingKey{UDP, 3000})
	require.True(t, ok)
	assert.False(t, m.Expired(clk.Now()))

	clk.Advance(89 * time.Second)
	assert.Equal(t, 0, e.table.Purge(clk.Now()))

	clk.Advance(time.Second)
	assert.True(t, m.Expired(clk.Now()))
	assert.Equal(t, 1, e.table.Purge(clk.Now()))
	assert.Equal(t, 0, e.table.Len())
}

func TestEngine_DeleteAll(t *testing.T) {
	e, _ := newTestEngine(t)
	e.handle(mapRequest(OpMapUDP, 5000, 3000, 60), clientA)
	e.handle(mapRequest(OpMapTCP, 5000, 3000, 60), clientA)
	e.handle(mapRequest(OpMapTCP, 6000, 3001, 60), clientB)

	reply, mutated := e.handle(mapRequest(OpMapTCP, 0, 0, 0), clientA)
	require.True(t, mutated)
	r := decodeMapReply(t, reply)
	assert.Equal(t, mapReply{op: 130, result: ResultSuccess}, r)

	snap := e.table.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, clientB, snap[0].InternalIP)
}

func TestEngine_DeleteByInternalPort(t *testing.T) {
	e, _ := newTestEngine(t)
	e.handle(mapRequest(OpMapTCP, 8080, 3000, 60), clientA)
	e.handle(mapRequest(OpMapTCP, 9090, 3001, 60), clientA)
	e.handle(mapRequest(OpMapUDP, 8080, 3000, 60), clientA)

	reply, mutated := e.handle(mapRequest(OpMapTCP, 8080, 0, 0), clientA)
	require.True(t, mutated)
	r := decodeMapReply(t, reply)
	assert.Equal(t, mapReply{op: 130, result: ResultSuccess, internal: 8080}, r)

	_, ok := e.table.Get(MappingKey{TCP, 3000})
	assert.False(t, ok)
	_, ok = e.table.Get(MappingKey{TCP, 3001})
	assert.True(t, ok)
	_, ok = e.table.Get(MappingKey{UDP, 3000})
	assert.True(t, ok)
}

func TestEngine_DeleteByInternalPortWithFullTable(t *testing.T) {
	e, _ := newTestEngine(t)
	e.table.Set(MappingKey{TCP, MinExternalPort}, Mapping{InternalIP: clientA, InternalPort: 8080, Lifetime: 60})
	for p := uint32(MinExternalPort) + 1; p <= 65535; p++ {
		e.table.Set(MappingKey{TCP, uint16(p)}, Mapping{InternalIP: clientB, InternalPort: 1, Lifetime: 60})
	}

	reply, mutated := e.handle(mapRequest(OpMapTCP, 8080, 0, 0), clientA)
	require.True(t, mutated)
	assert.Equal(t, mapReply{op: 130, result: ResultSuccess, internal: 8080}, decodeMapReply(t, reply))

	_, ok := e.table.Get(MappingKey{TCP, MinExternalPort})
	assert.False(t, ok)
	assert.Equal(t, 65535-int(MinExternalPort), e.table.Len())
}

func TestEngine_DeleteOfMissingMappingLeavesAnchorAlone(t *testing.T) {
	e, _ := newTestEngine(t)

	reply, mutated := e.handle(mapRequest(OpMapUDP, 5000, 0, 0), clientA)
	assert.False(t, mutated)
	assert.Equal(t, mapReply{op: 129, result: ResultSuccess, internal: 5000}, decodeMapReply(t, reply))

	_, mutated = e.handle(mapRequest(OpMapUDP, 0, 0, 0), clientA)
	assert.False(t, mutated)
}

func TestEngine_ZeroLifetimeDeletesSlot(t *testing.T) {
	e, _ := newTestEngine(t)
	e.handle(mapRequest(OpMapUDP, 5000, 3000, 60), clientA)

	r := decodeMapReply(t, first(e.handle(mapRequest(OpMapUDP, 5000, 3000, 0), clientA)))
	assert.Equal(t, mapReply{op: 129, result: ResultSuccess, internal: 5000, external: 3000}, r)
	assert.Equal(t, 0, e.table.Len())
}

func TestEngine_OutOfResources(t *testing.T) {
	e, _ := newTestEngine(t)
	for p := uint32(MinExternalPort); p <= 65535; p++ {
		e.table.Set(MappingKey{UDP, uint16(p)}, Mapping{InternalIP: clientB, InternalPort: 1, Lifetime: 60})
	}
	reply, mutated := e.handle(mapRequest(OpMapUDP, 5000, 0, 60), clientA)
	assert.False(t, mutated)
	assert.Equal(t, []byte{0, 129, 0, 4, 0, 0, 0, 0}, reply)

	// TCP namespace is unaffected.
	r := decodeMapReply(t, first(e.handle(mapRequest(OpMapTCP, 5000, 0, 60), clientA)))
	assert.Equal(t, uint16(1024), r.external)
}

func TestEngine_Errors(t *testing.T) {
	e, clk := newTestEngine(t)
	clk.Advance(5 * time.Second)

	tests := []struct {
		name string
		pkt  []byte
		want []byte
	}{
		{"bad version", []byte{1, 0}, []byte{0, 128, 0, 1, 0, 0, 0, 0}},
		{"short map request", []byte{0, 2, 0, 0, 0x1f, 0x90}, []byte{0, 130, 0, 2, 0, 0, 0, 0}},
		{"unknown opcode", []byte{0, 9}, []byte{0, 137, 0, 5, 0, 0, 0, 0}},
		{"external address", []byte{0, 0}, []byte{0, 128, 0, 0, 0, 0, 0, 5, 10, 8, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, mutated := e.handle(tt.pkt, clientA)
			assert.False(t, mutated)
			assert.Equal(t, tt.want, reply)
		})
	}
}

func TestEngine_NoExternalAddress(t *testing.T) {
	e, _ := newTestEngine(t)
	e.externalIP = netip.Addr{}
	reply, mutated := e.handle([]byte{0, 0}, clientA)
	assert.False(t, mutated)
	assert.Equal(t, []byte{0, 128, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, reply)
}

func TestEngine_IgnoresOutsiders(t *testing.T) {
	e, _ := newTestEngine(t)

	reply, mutated := e.handle([]byte{0, 0}, netip.MustParseAddr("192.168.3.1"))
	assert.Nil(t, reply)
	assert.False(t, mutated)

	reply, _ = e.handle([]byte{0}, clientA)
	assert.Nil(t, reply)
}

func first(b []byte, _ bool) []byte {
	return b
}
