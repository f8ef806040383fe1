// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package identitymap implements the exit endpoint's Identity Map: the
// bidirectional binding between overlay public keys and allocated IPv4
// addresses, plus the set of keys known to be service-nodes rather than
// clients. Structurally it follows the same "single abstraction owns both
// halves of a bidirectional mapping" shape as the userdb/spool pairing
// in server/internal/provider, generalized to the exit endpoint.
package identitymap

import (
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/exitnode/internal/addrpool"
	"github.com/katzenpost/exitnode/internal/glue"
)

// KickHook is invoked with a pubkey that has just been kicked from the
// map, so that the owner can also drop the key's active-exit sessions.
type KickHook func(pk glue.PubKey)

// Map is the bidirectional binding between overlay public keys and
// allocated IPv4 addresses.
type Map struct {
	mu  sync.Mutex
	log *logging.Logger

	pool *addrpool.Pool

	keyToIP   map[glue.PubKey]net.IP
	ipToKey   map[uint32]glue.PubKey
	snodeKeys map[glue.PubKey]struct{}

	onKick KickHook
}

// New constructs an empty Identity Map backed by pool for address
// allocation. onKick, if non-nil, is called whenever a key is kicked
// (explicitly or via LRU eviction) after the map's own state has been
// cleared.
func New(pool *addrpool.Pool, onKick KickHook, log *logging.Logger) *Map {
	m := &Map{
		log:       log,
		pool:      pool,
		keyToIP:   make(map[glue.PubKey]net.IP),
		ipToKey:   make(map[uint32]glue.PubKey),
		snodeKeys: make(map[glue.PubKey]struct{}),
		onKick:    onKick,
	}
	pool.SetEvictionHook(func(ip net.IP) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if pk, ok := m.keyForIPLocked(ip); ok {
			m.kickLocked(pk)
		}
	})
	return m
}

// GetIPForIdent returns the IPv4 address bound to pk, allocating one via
// the address pool on first use. Idempotent per key.
func (m *Map) GetIPForIdent(pk glue.PubKey, now time.Time) net.IP {
	m.mu.Lock()
	if ip, ok := m.keyToIP[pk]; ok {
		m.mu.Unlock()
		m.pool.MarkActive(ip, now)
		return ip
	}
	m.mu.Unlock()

	// Allocation may itself evict another identity, which re-enters this
	// map through the eviction hook; it must not hold m.mu while doing so.
	ip := m.pool.Allocate(now)

	m.mu.Lock()
	if existing, ok := m.ipToKey[ipKey(ip)]; ok {
		// Allocation collision: the pool handed back an address this map
		// still considers bound. Logged as an error; the conflicting IP
		// is returned without repair rather than guessing which owner
		// is stale.
		m.log.Errorf("Allocation collision: %s already bound to %x, not repairing", ip, existing)
		m.mu.Unlock()
		m.pool.MarkActive(ip, now)
		return ip
	}
	m.keyToIP[pk] = ip
	m.ipToKey[ipKey(ip)] = pk
	m.mu.Unlock()

	m.pool.MarkActive(ip, now)
	return ip
}

// HasLocalMappedAddrFor reports whether pk currently has an address bound.
func (m *Map) HasLocalMappedAddrFor(pk glue.PubKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keyToIP[pk]
	return ok
}

// KeyForIP resolves an allocated IPv4 address back to its owning pubkey.
func (m *Map) KeyForIP(ip net.IP) (glue.PubKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyForIPLocked(ip)
}

func (m *Map) keyForIPLocked(ip net.IP) (glue.PubKey, bool) {
	pk, ok := m.ipToKey[ipKey(ip)]
	return pk, ok
}

// IPForKey resolves pk to its currently-bound address, if any.
func (m *Map) IPForKey(pk glue.PubKey) (net.IP, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, ok := m.keyToIP[pk]
	return ip, ok
}

// MarkSNode records that pk is a service-node peer rather than a client.
func (m *Map) MarkSNode(pk glue.PubKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snodeKeys[pk] = struct{}{}
}

// IsSNode reports whether pk is a known service-node peer.
func (m *Map) IsSNode(pk glue.PubKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snodeKeys[pk]
	return ok
}

// KickIdent removes both directions of pk's binding and notifies the
// KickHook so that active-exit sessions for pk are also dropped. It does
// not touch snodeKeys or any SNodeSession, whose lifecycle is independent.
func (m *Map) KickIdent(pk glue.PubKey) {
	m.mu.Lock()
	m.kickLocked(pk)
	m.mu.Unlock()
}

func (m *Map) kickLocked(pk glue.PubKey) {
	ip, ok := m.keyToIP[pk]
	if !ok {
		return
	}
	delete(m.keyToIP, pk)
	delete(m.ipToKey, ipKey(ip))
	if m.onKick != nil {
		m.onKick(pk)
	}
}

func ipKey(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		panic(fmt.Sprintf("identitymap: not an IPv4 address: %v", ip))
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}
