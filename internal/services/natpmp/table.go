package natpmp

import (
	"net/netip"
	"sort"
	"time"
)

// MappingKey identifies a mapping: one external port per protocol.
type MappingKey struct {
	Protocol     Protocol
	ExternalPort uint16
}

// Mapping is the internal target of a MappingKey.
type Mapping struct {
	InternalIP   netip.Addr
	InternalPort uint16
	Lifetime     uint32 // seconds, at most MaxLifetime
	CreatedAt    time.Time
}

// ExpiresAt returns the instant the mapping lapses.
func (m Mapping) ExpiresAt() time.Time {
	return m.CreatedAt.Add(time.Duration(m.Lifetime) * time.Second)
}

// Expired reports whether the lifetime has fully elapsed at now.
func (m Mapping) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt())
}

// Entry is a key/value pair from a table snapshot.
type Entry struct {
	MappingKey
	Mapping
}

// Table is the live mapping set. It is not safe for concurrent use; the
// server goroutine is its only owner.
type Table struct {
	entries map[MappingKey]Mapping
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[MappingKey]Mapping)}
}

// Len returns the number of live mappings.
func (t *Table) Len() int {
	return len(t.entries)
}

// Get returns the mapping stored under key.
func (t *Table) Get(key MappingKey) (Mapping, bool) {
	m, ok := t.entries[key]
	return m, ok
}

// Allocate picks the external port for a request. A suggested port of at
// least MinExternalPort is honoured when it is free or already belongs to
// client; otherwise the lowest free port at or above MinExternalPort is
// used. ok is false when every port is taken.
func (t *Table) Allocate(p Protocol, suggested uint16, client netip.Addr) (port uint16, ok bool) {
	if suggested >= MinExternalPort {
		m, taken := t.entries[MappingKey{p, suggested}]
		if !taken || m.InternalIP == client {
			return suggested, true
		}
	}
	for candidate := uint32(MinExternalPort); candidate <= 65535; candidate++ {
		if _, taken := t.entries[MappingKey{p, uint16(candidate)}]; !taken {
			return uint16(candidate), true
		}
	}
	return 0, false
}

// Set inserts or replaces a mapping.
func (t *Table) Set(key MappingKey, m Mapping) {
	t.entries[key] = m
}

// Delete removes one mapping and reports whether it existed.
func (t *Table) Delete(key MappingKey) bool {
	_, ok := t.entries[key]
	delete(t.entries, key)
	return ok
}

// DeleteClient removes every mapping owned by client.
func (t *Table) DeleteClient(client netip.Addr) int {
	n := 0
	for k, m := range t.entries {
		if m.InternalIP == client {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// DeleteInternalPort removes client's mappings of protocol p that target
// internalPort.
func (t *Table) DeleteInternalPort(p Protocol, client netip.Addr, internalPort uint16) int {
	n := 0
	for k, m := range t.entries {
		if k.Protocol == p && m.InternalIP == client && m.InternalPort == internalPort {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// Purge drops every mapping expired at now.
func (t *Table) Purge(now time.Time) int {
	n := 0
	for k, m := range t.entries {
		if m.Expired(now) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// Snapshot returns the table ordered by protocol then external port.
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for k, m := range t.entries {
		out = append(out, Entry{MappingKey: k, Mapping: m})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].ExternalPort < out[j].ExternalPort
	})
	return out
}
