package natpmp

import (
	"net/netip"
	"time"

	"grimm.is/tunshare/internal/clock"
)

// engine answers requests against the table. It is owned by the server
// goroutine and performs no I/O.
type engine struct {
	lan        LAN
	table      *Table
	clock      clock.Clock
	start      time.Time
	externalIP netip.Addr
}

func newEngine(lan LAN, c clock.Clock) *engine {
	c = clock.Or(c)
	return &engine{
		lan:   lan,
		table: NewTable(),
		clock: c,
		start: c.Now(),
	}
}

// sssoe is the server uptime in whole seconds.
func (e *engine) sssoe() uint32 {
	return uint32(e.clock.Since(e.start) / time.Second)
}

// handle returns the reply for one datagram (nil to stay silent) and
// whether the table changed so the anchor must be regenerated.
func (e *engine) handle(pkt []byte, client netip.Addr) (reply []byte, mutated bool) {
	if !e.lan.Contains(client) || len(pkt) < headerLen {
		return nil, false
	}
	if pkt[0] != Version {
		return BuildErrorResponse(opReply, ResultUnsupportedVersion), false
	}

	op := pkt[1]
	switch op {
	case OpExternalAddress:
		// Before the first successful lookup the address reads as 0.0.0.0.
		return BuildExternalAddressResponse(e.sssoe(), e.externalIP), false
	case OpMapUDP, OpMapTCP:
		return e.handleMap(op, pkt, client.Unmap())
	default:
		return BuildErrorResponse(replyOp(op), ResultUnsupportedOpcode), false
	}
}

func (e *engine) handleMap(op uint8, pkt []byte, client netip.Addr) ([]byte, bool) {
	respOp := replyOp(op)
	req, err := ParseMapRequest(pkt)
	if err != nil {
		return BuildErrorResponse(respOp, ResultBadRequest), false
	}
	proto := Protocol(op)

	if req.Lifetime == 0 && req.InternalPort == 0 {
		n := e.table.DeleteClient(client)
		return BuildMappingResponse(respOp, ResultSuccess, e.sssoe(), 0, 0, 0), n > 0
	}

	// A delete never needs a free port, so it is resolved before allocation.
	// TODO: confirm clients never send a single-mapping delete with a
	// suggested port >= 1024; such requests fall through to the slot delete below.
	if req.SuggestedExternal < MinExternalPort && req.Lifetime == 0 {
		n := e.table.DeleteInternalPort(proto, client, req.InternalPort)
		return BuildMappingResponse(respOp, ResultSuccess, e.sssoe(), req.InternalPort, 0, 0), n > 0
	}

	external, ok := e.table.Allocate(proto, req.SuggestedExternal, client)
	if !ok {
		return BuildErrorResponse(respOp, ResultOutOfResources), false
	}

	lifetime := min(req.Lifetime, MaxLifetime)
	key := MappingKey{Protocol: proto, ExternalPort: external}
	if lifetime == 0 {
		e.table.Delete(key)
		return BuildMappingResponse(respOp, ResultSuccess, e.sssoe(), req.InternalPort, external, 0), true
	}

	e.table.Set(key, Mapping{
		InternalIP:   client,
		InternalPort: req.InternalPort,
		Lifetime:     lifetime,
		CreatedAt:    e.clock.Now(),
	})
	return BuildMappingResponse(respOp, ResultSuccess, e.sssoe(), req.InternalPort, external, lifetime), true
}
