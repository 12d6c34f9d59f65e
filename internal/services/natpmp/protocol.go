// Package natpmp implements the gateway side of the NAT Port Mapping
// Protocol (RFC 6886).
//
// A single goroutine owns the mapping table. Every change to the table
// regenerates the whole pf anchor from scratch, so the loaded ruleset is
// always a pure function of the live table.
package natpmp

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// Wire constants.
const (
	Port       = 5351
	ClientPort = 5350

	Version = 0

	OpExternalAddress uint8 = 0
	OpMapUDP          uint8 = 1
	OpMapTCP          uint8 = 2
	opReply           uint8 = 0x80 // OR'd into the request opcode

	MaxLifetime     = 7200 // seconds
	MinExternalPort = 1024

	headerLen           = 2
	mapRequestLen       = 12
	externalResponseLen = 12
	mapResponseLen      = 16
	errorResponseLen    = 8
)

// ResultCode is the 16-bit status carried in every response.
type ResultCode uint16

const (
	ResultSuccess            ResultCode = 0
	ResultUnsupportedVersion ResultCode = 1
	ResultBadRequest         ResultCode = 2
	ResultOutOfResources     ResultCode = 4
	ResultUnsupportedOpcode  ResultCode = 5
)

// Protocol selects the mapping namespace. Values equal the request opcode.
type Protocol uint8

const (
	UDP = Protocol(OpMapUDP)
	TCP = Protocol(OpMapTCP)
)

func (p Protocol) String() string {
	switch p {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// MapRequest is a decoded opcode 1/2 request.
type MapRequest struct {
	Protocol          Protocol
	InternalPort      uint16
	SuggestedExternal uint16
	Lifetime          uint32
}

var errShortRequest = errors.New("natpmp: mapping request shorter than 12 bytes")

// ParseMapRequest decodes a mapping request. Trailing bytes are ignored.
func ParseMapRequest(pkt []byte) (MapRequest, error) {
	if len(pkt) < mapRequestLen {
		return MapRequest{}, errShortRequest
	}
	return MapRequest{
		Protocol:          Protocol(pkt[1]),
		InternalPort:      binary.BigEndian.Uint16(pkt[4:]),
		SuggestedExternal: binary.BigEndian.Uint16(pkt[6:]),
		Lifetime:          binary.BigEndian.Uint32(pkt[8:]),
	}, nil
}

// BuildExternalAddressResponse builds a successful opcode-128 reply.
// An invalid or non-IPv4 ip is sent as 0.0.0.0.
func BuildExternalAddressResponse(sssoe uint32, ip netip.Addr) []byte {
	pkt := make([]byte, externalResponseLen)
	pkt[0] = Version
	pkt[1] = opReply | OpExternalAddress
	binary.BigEndian.PutUint16(pkt[2:], uint16(ResultSuccess))
	binary.BigEndian.PutUint32(pkt[4:], sssoe)
	if ip.Is4() {
		a := ip.As4()
		copy(pkt[8:], a[:])
	}
	return pkt
}

// BuildMappingResponse builds an opcode 129/130 reply.
func BuildMappingResponse(op uint8, result ResultCode, sssoe uint32, internal, external uint16, lifetime uint32) []byte {
	pkt := make([]byte, mapResponseLen)
	pkt[0] = Version
	pkt[1] = op
	binary.BigEndian.PutUint16(pkt[2:], uint16(result))
	binary.BigEndian.PutUint32(pkt[4:], sssoe)
	binary.BigEndian.PutUint16(pkt[8:], internal)
	binary.BigEndian.PutUint16(pkt[10:], external)
	binary.BigEndian.PutUint32(pkt[12:], lifetime)
	return pkt
}

// BuildErrorResponse builds the short error reply with a zero uptime.
func BuildErrorResponse(op uint8, result ResultCode) []byte {
	pkt := make([]byte, errorResponseLen)
	pkt[0] = Version
	pkt[1] = op
	binary.BigEndian.PutUint16(pkt[2:], uint16(result))
	return pkt
}

// replyOp returns the response opcode for a request opcode.
func replyOp(op uint8) uint8 {
	return opReply | op
}
