// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package addrpool implements the exit endpoint's IPv4 address pool: it
// hands out addresses from a configured CIDR range and, once the range is
// exhausted, reclaims the least-recently-active address instead of
// refusing new clients. This mirrors the shape of server/internal/mixkeys
// (a mutex-guarded map of time-keyed entries with Generate/Prune/Get
// operations), replacing its per-epoch key rotation with per-packet
// activity tracking.
package addrpool

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/exitnode/internal/metrics"
)

// EvictionHook is invoked with the IPv4 address reclaimed by an eviction,
// before it is handed to a new identity. The Identity Map wires this to
// KickIdent so that a reclaimed address's old owner is torn down first.
type EvictionHook func(ip net.IP)

// Pool allocates and reclaims IPv4 addresses from a CIDR range for the
// exit endpoint's clients.
type Pool struct {
	mu      sync.Mutex
	log     *logging.Logger
	metrics *metrics.Metrics

	network     *net.IPNet
	ifAddr      uint32
	nextAddr    uint32
	highestAddr uint32

	activity activityHeap
	onEvict  EvictionHook

	evictions uint64
}

// New constructs a Pool for the given CIDR range. ifAddr must be contained
// in the range; the range must contain at least one address above
// ifAddr, or configuration fails.
func New(network *net.IPNet, ifAddr net.IP, onEvict EvictionHook, m *metrics.Metrics, log *logging.Logger) (*Pool, error) {
	if !network.Contains(ifAddr) {
		return nil, fmt.Errorf("addrpool: gateway address %s is not in range %s", ifAddr, network)
	}
	base := ipToUint32(network.IP.Mask(network.Mask))
	ones, bits := network.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("addrpool: only IPv4 ranges are supported, got %d-bit mask", bits)
	}
	size := uint32(1) << uint(bits-ones)
	if size < 2 {
		return nil, fmt.Errorf("addrpool: range %s has no usable client addresses", network)
	}
	highest := base + size - 1
	gw := ipToUint32(ifAddr)
	if gw >= highest {
		return nil, fmt.Errorf("addrpool: range %s is degenerate: no address above gateway %s", network, ifAddr)
	}

	p := &Pool{
		log:         log,
		metrics:     m,
		network:     network,
		ifAddr:      gw,
		nextAddr:    gw,
		highestAddr: highest,
		onEvict:     onEvict,
	}
	p.activity.index = make(map[uint32]int)
	return p, nil
}

// Allocate returns a fresh, unused IPv4 address, evicting the
// least-recently-active address if the range is exhausted.
func (p *Pool) Allocate(now time.Time) net.IP {
	p.mu.Lock()

	if p.nextAddr < p.highestAddr {
		p.nextAddr++
		ip := p.nextAddr
		p.activity.touch(ip, now)
		p.mu.Unlock()
		return uint32ToIP(ip)
	}

	// The range is exhausted: reclaim the least-recently-active address.
	e := p.activity.peek()
	if e == nil {
		// Every address slot from ifAddr+1..highestAddr must have an
		// activity entry once nextAddr has reached highestAddr; this
		// would indicate a bookkeeping bug rather than a normal
		// runtime condition.
		p.mu.Unlock()
		panic("addrpool: exhausted range with no activity entries to evict")
	}
	ip := e.ip
	p.activity.touch(ip, now)
	p.evictions++
	p.metrics.AddressEvictions.Inc()
	hook := p.onEvict
	p.mu.Unlock()

	p.log.Infof("Evicting address %s for reallocation (LRU)", uint32ToIP(ip))
	if hook != nil {
		hook(uint32ToIP(ip))
	}
	return uint32ToIP(ip)
}

// MarkActive records that ip was used by a successfully-routed packet at
// time now.
func (p *Pool) MarkActive(ip net.IP, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activity.touch(ipToUint32(ip), now)
}

// Release removes ip's activity entry entirely, e.g. when its owning
// identity is kicked outside of the eviction path.
func (p *Pool) Release(ip net.IP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activity.remove(ipToUint32(ip))
}

// SetEvictionHook installs or replaces the hook invoked on LRU eviction.
// Callers must not hold any lock of their own when registering the hook,
// since it usually closes over the caller's own state (see
// internal/identitymap.New).
func (p *Pool) SetEvictionHook(hook EvictionHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvict = hook
}

// Evictions returns the number of LRU evictions performed so far.
func (p *Pool) Evictions() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evictions
}

// Gateway returns the endpoint's own address, which is never allocated to
// a remote identity.
func (p *Pool) Gateway() net.IP {
	return uint32ToIP(p.ifAddr)
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return binary.BigEndian.Uint32(v4)
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// activityEntry pairs an allocated address with its last-active
// timestamp; it is the activityHeap's element type.
type activityEntry struct {
	ip       uint32
	priority uint64
}

// activityHeap is a min-heap over activityEntry values (priority: activity
// time as UnixNano), indexed by IP so that MarkActive can update an
// existing entry's priority in O(log n) instead of the caller having to
// rebuild the heap on every packet. It implements container/heap.Interface
// directly rather than wrapping a generic priority queue, since this LRU
// structure needs heap.Fix on an existing entry (update-in-place), which
// requires tracking each entry's current index.
type activityHeap struct {
	entries []*activityEntry
	index   map[uint32]int
}

func (h *activityHeap) Len() int { return len(h.entries) }

func (h *activityHeap) Less(i, j int) bool {
	if h.entries[i].priority != h.entries[j].priority {
		return h.entries[i].priority < h.entries[j].priority
	}
	// Deterministic tie-break: lowest IP wins.
	return h.entries[i].ip < h.entries[j].ip
}

func (h *activityHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.index[h.entries[i].ip] = i
	h.index[h.entries[j].ip] = j
}

func (h *activityHeap) Push(x interface{}) {
	e := x.(*activityEntry)
	h.index[e.ip] = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *activityHeap) Pop() interface{} {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries = h.entries[:n-1]
	delete(h.index, e.ip)
	return e
}

func (h *activityHeap) peek() *activityEntry {
	if h.Len() == 0 {
		return nil
	}
	return h.entries[0]
}

func (h *activityHeap) touch(ip uint32, at time.Time) {
	if i, ok := h.index[ip]; ok {
		h.entries[i].priority = uint64(at.UnixNano())
		heap.Fix(h, i)
		return
	}
	heap.Push(h, &activityEntry{ip: ip, priority: uint64(at.UnixNano())})
}

func (h *activityHeap) remove(ip uint32) {
	if i, ok := h.index[ip]; ok {
		heap.Remove(h, i)
	}
}
