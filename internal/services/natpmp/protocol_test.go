package natpmp

import (
	"encoding/binary"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapRequest(op uint8, internal, suggested uint16, lifetime uint32) []byte {
	pkt := make([]byte, mapRequestLen)
	pkt[1] = op
	binary.BigEndian.PutUint16(pkt[4:], internal)
	binary.BigEndian.PutUint16(pkt[6:], suggested)
	binary.BigEndian.PutUint32(pkt[8:], lifetime)
	return pkt
}

type mapReply struct {
	op       uint8
	result   ResultCode
	internal uint16
	external uint16
	lifetime uint32
}

func decodeMapReply(t *testing.T, pkt []byte) mapReply {
	t.Helper()
	require.Len(t, pkt, mapResponseLen)
	return mapReply{
		op:       pkt[1],
		result:   ResultCode(binary.BigEndian.Uint16(pkt[2:])),
		internal: binary.BigEndian.Uint16(pkt[8:]),
		external: binary.BigEndian.Uint16(pkt[10:]),
		lifetime: binary.BigEndian.Uint32(pkt[12:]),
	}
}

func TestBuildExternalAddressResponse(t *testing.T) {
	got := BuildExternalAddressResponse(42, netip.MustParseAddr("10.8.0.1"))
	assert.Equal(t, []byte{0, 128, 0, 0, 0, 0, 0, 42, 10, 8, 0, 1}, got)
}

func TestBuildErrorResponse(t *testing.T) {
	got := BuildErrorResponse(130, ResultOutOfResources)
	assert.Equal(t, []byte{0, 130, 0, 4, 0, 0, 0, 0}, got)
}

func TestBuildMappingResponse(t *testing.T) {
	got := BuildMappingResponse(129, ResultSuccess, 7, 8080, 1024, 3600)
	assert.Equal(t, []byte{0, 129, 0, 0, 0, 0, 0, 7, 0x1f, 0x90, 0x04, 0x00, 0, 0, 0x0e, 0x10}, got)
}

func TestParseMapRequest(t *testing.T) {
	req, err := ParseMapRequest(mapRequest(OpMapTCP, 8080, 1024, 3600))
	require.NoError(t, err)
	assert.Equal(t, MapRequest{Protocol: TCP, InternalPort: 8080, SuggestedExternal: 1024, Lifetime: 3600}, req)

	_, err = ParseMapRequest([]byte{0, 1, 0, 0, 0x1f})
	assert.Error(t, err)
}

func TestRules(t *testing.T) {
	assert.Empty(t, Rules("utun3", nil))

	entries := []Entry{
		{MappingKey{UDP, 1024}, Mapping{InternalIP: netip.MustParseAddr("192.168.2.50"), InternalPort: 51413, Lifetime: 60}},
		{MappingKey{TCP, 2000}, Mapping{InternalIP: netip.MustParseAddr("192.168.2.51"), InternalPort: 8080, Lifetime: 60}},
	}
	got := Rules("utun3", entries)
	lines := strings.Split(strings.TrimSpace(got), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "rdr on utun3 inet proto udp from any to any port 1024 -> 192.168.2.50 port 51413", lines[0])
	assert.Equal(t, "rdr on utun3 inet proto tcp from any to any port 2000 -> 192.168.2.51 port 8080", lines[1])
	assert.Equal(t, "pass in quick on utun3 inet proto udp from any to 192.168.2.50 port 51413 keep state", lines[2])
	assert.Equal(t, "pass in quick on utun3 inet proto tcp from any to 192.168.2.51 port 8080 keep state", lines[3])
}

func TestLAN_Contains(t *testing.T) {
	tests := []struct {
		prefix string
		addr   string
		want   bool
	}{
		{"192.168.2.1/24", "192.168.2.77", true},
		{"192.168.2.1/24", "192.168.2.0", true},
		{"192.168.2.1/24", "192.168.2.255", true},
		{"192.168.2.1/24", "192.168.3.1", false},
		{"192.168.2.1/24", "192.168.1.255", false},
		{"192.168.2.1/24", "::ffff:192.168.2.9", true},
		{"10.0.0.5/32", "10.0.0.5", true},
		{"10.0.0.5/32", "10.0.0.6", false},
		{"0.0.0.0/0", "8.8.8.8", true},
	}
	for _, tt := range tests {
		t.Run(tt.prefix+"/"+tt.addr, func(t *testing.T) {
			lan := NewLAN(netip.MustParsePrefix(tt.prefix))
			assert.Equal(t, tt.want, lan.Contains(netip.MustParseAddr(tt.addr)))
		})
	}

	assert.False(t, NewLAN(netip.Prefix{}).Contains(netip.MustParseAddr("192.168.2.1")))
}

func TestMapping_Expired(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := Mapping{Lifetime: 120, CreatedAt: created}
	assert.False(t, m.Expired(created))
	assert.False(t, m.Expired(created.Add(119*time.Second)))
	assert.True(t, m.Expired(created.Add(120*time.Second)))
}
