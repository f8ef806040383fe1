// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package exit wires the Address Pool, Identity Map, Session Registry,
// Packet Pump and DNS Responder together into one Exit Endpoint, the
// object a router's event loop and link layer talk to. Its shape
// mirrors a server/internal/glue-assembled Provider: one constructor
// builds every subcomponent and hands each the others it needs through
// narrow interfaces, rather than a god object that implements
// everything itself.
package exit

import (
	"fmt"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/exitnode/core/log"
	"github.com/katzenpost/exitnode/internal/addrpool"
	"github.com/katzenpost/exitnode/internal/config"
	"github.com/katzenpost/exitnode/internal/dnsresponder"
	"github.com/katzenpost/exitnode/internal/glue"
	"github.com/katzenpost/exitnode/internal/identitymap"
	"github.com/katzenpost/exitnode/internal/metrics"
	"github.com/katzenpost/exitnode/internal/pump"
	"github.com/katzenpost/exitnode/internal/registry"
	"github.com/katzenpost/exitnode/internal/session"

	"golang.org/x/net/ipv4"
)

// padSize is the pad size handed to QueueUpstream for packets queued to a
// service-node session. It is zero, so no padding is requested and
// peer-to-peer frames keep their original size.
const padSize = 0

// Endpoint is the Exit Endpoint: the bridge between the overlay's
// path-addressed packet world and a kernel TUN interface.
type Endpoint struct {
	log     *logging.Logger
	metrics *metrics.Metrics

	router glue.Router
	loop   glue.EventLoop

	permitExit bool

	pool     *addrpool.Pool
	identity *identitymap.Map
	registry *registry.Registry
	pump     *pump.Pump
	dns      *dnsresponder.Responder
}

// New constructs an Endpoint from cfg, wiring every component together.
// Unless cfg.Exit.Type is "null", it also registers the TUN device via
// loop.AddTun and fails if the loop rejects the configuration. It does
// not start the DNS server; callers do that once the endpoint is
// constructed, via StartDNS.
func New(cfg *config.Config, router glue.Router, loop glue.EventLoop, m *metrics.Metrics, backend *log.Backend) (*Endpoint, error) {
	elog := backend.GetLogger("exit")

	pool, err := addrpool.New(cfg.Network(), cfg.Gateway(), nil, m, backend.GetLogger("addrpool"))
	if err != nil {
		return nil, fmt.Errorf("exit: failed to construct address pool: %w", err)
	}

	reg := registry.New(m, backend.GetLogger("registry"))
	idmap := identitymap.New(pool, reg.RemoveExitsFor, backend.GetLogger("identitymap"))

	e := &Endpoint{
		log:        elog,
		metrics:    m,
		router:     router,
		loop:       loop,
		permitExit: cfg.Exit.Exit,
		pool:       pool,
		identity:   idmap,
		registry:   reg,
	}

	e.pump = pump.New(loop, cfg.Exit.QueueSize, m, backend.GetLogger("pump"))
	e.dns = dnsresponder.New(e, cfg.Network(), cfg.Gateway(), cfg.Exit.UpstreamDNS, m, backend.GetLogger("dnsresponder"))

	if cfg.Exit.Type != "null" {
		tunCfg := glue.TunConfig{
			InterfaceName:    cfg.Exit.IfName,
			InterfaceAddress: cfg.Gateway(),
			NetmaskBits:      maskBits(cfg.Network()),
			MTU:              1500,
		}
		if !loop.AddTun(tunCfg) {
			return nil, fmt.Errorf("exit: event loop rejected TUN configuration %+v", tunCfg)
		}
	}

	return e, nil
}

func maskBits(n *net.IPNet) int {
	ones, _ := n.Mask.Size()
	return ones
}

// StartDNS binds the DNS responder on addr and serves it until the
// process exits or ListenAndServe returns an error. Callers typically
// run this in its own goroutine, since it blocks.
func (e *Endpoint) StartDNS(addr string) error {
	return e.dns.NewServer(addr).ListenAndServe()
}

// AllocateNewExit admits a new client session arriving on link, per the
// path-admission contract: Internet egress requires permitExit; the
// path's previous hop is consulted to decide whether pk should be
// treated as a service-node peer instead of a client.
func (e *Endpoint) AllocateNewExit(link glue.LinkSession, wantInternet bool) bool {
	pk := link.Pubkey()
	pathID := link.PathID()

	if wantInternet && !e.permitExit {
		return false
	}

	ip := e.identity.GetIPForIdent(pk, e.router.Now())

	if e.router.TransitHopPreviousIsRouter(pathID, pk) {
		e.identity.MarkSNode(pk)
	}

	dir := session.DirectionOutboundInternet
	if !wantInternet {
		dir = session.DirectionInbound
	}
	e.registry.InsertExit(&session.ExitSession{Link: link, IP: ip, Direction: dir})

	return e.identity.HasLocalMappedAddrFor(pk)
}

// FindEndpointByPath resolves pathID to its ExitSession.
func (e *Endpoint) FindEndpointByPath(pathID glue.PathID) (*session.ExitSession, bool) {
	return e.registry.FindEndpointByPath(pathID)
}

// UpdateEndpointPath records newPath as also carrying pk's traffic.
func (e *Endpoint) UpdateEndpointPath(pk glue.PubKey, newPath glue.PathID) bool {
	return e.registry.UpdateEndpointPath(pk, newPath)
}

// LocalPubkey returns this router's own identity, to satisfy
// dnsresponder.Hooks.
func (e *Endpoint) LocalPubkey() glue.PubKey { return e.router.Pubkey() }

// KeyForIP resolves an allocated address back to its owning pubkey, to
// satisfy dnsresponder.Hooks.
func (e *Endpoint) KeyForIP(ip net.IP) (glue.PubKey, bool) { return e.identity.KeyForIP(ip) }

// IsSNode reports whether pk is a known service-node peer, to satisfy
// dnsresponder.Hooks.
func (e *Endpoint) IsSNode(pk glue.PubKey) bool { return e.identity.IsSNode(pk) }

// ObtainServiceNodeIP returns pk's address, allocating one and opening
// an outbound SNodeSession on first use. DNS is the control plane that
// causes snode sessions to come into existence.
func (e *Endpoint) ObtainServiceNodeIP(pk glue.PubKey) (net.IP, error) {
	if e.identity.IsSNode(pk) {
		ip, ok := e.identity.IPForKey(pk)
		if ok {
			return ip, nil
		}
	}

	ip := e.identity.GetIPForIdent(pk, e.router.Now())
	e.identity.MarkSNode(pk)

	link, err := e.router.OpenSNodeSession(pk)
	if err != nil {
		return nil, fmt.Errorf("exit: failed to open service-node session for %s: %w", pk.String(), err)
	}
	e.registry.InsertSNodeSession(&session.SNodeSession{Link: link})

	return ip, nil
}

// OnInetPacket is called from the TUN read callback with a packet read
// from the Internet-facing interface. It must return promptly: the
// packet is only enqueued here, not processed.
func (e *Endpoint) OnInetPacket(buf []byte) {
	e.pump.OnInetPacket(buf)
}

// Flush drains the inbound packet queue, dispatching each packet to the
// correct session via the Identity Map and Session Registry, then
// flushes every session's outbound queue.
func (e *Endpoint) Flush() {
	e.pump.Flush(e.dispatch)
	e.registry.Flush()
}

// dispatch implements the pump's per-packet routing algorithm.
func (e *Endpoint) dispatch(buf []byte) {
	hdr, err := ipv4.ParseHeader(buf)
	if err != nil {
		e.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		e.log.Debugf("Dropping malformed inbound packet: %v", err)
		return
	}

	pk, ok := e.identity.KeyForIP(hdr.Dst)
	if !ok {
		e.metrics.PacketsDropped.WithLabelValues("unmapped-destination").Inc()
		e.log.Debugf("Dropping packet for unmapped destination %s", hdr.Dst)
		return
	}

	if e.identity.IsSNode(pk) {
		if s, ok := e.registry.SNodeSession(pk); ok {
			if s.QueueUpstream(buf, padSize) {
				return
			}
		}
	}

	ep, ok := e.registry.ChosenExit(pk)
	if !ok {
		e.metrics.PacketsDropped.WithLabelValues("no-chosen-exit").Inc()
		e.log.Debugf("Dropping packet for %s: no working endpoint", pk)
		return
	}
	if !ep.QueueInbound(buf) {
		e.metrics.PacketsDropped.WithLabelValues("overloaded-session").Inc()
		e.log.Debugf("Dropping packet for %s: session overloaded", pk)
	}
}

// QueueOutboundTraffic writes a packet decoded from the overlay to the
// TUN device.
func (e *Endpoint) QueueOutboundTraffic(buf []byte) bool {
	return e.pump.QueueOutboundTraffic(buf)
}

// QueueSNodePacket rewrites a peer-to-peer packet's destination to the
// gateway address before handing it to the TUN device.
func (e *Endpoint) QueueSNodePacket(buf []byte) bool {
	return e.pump.QueueSNodePacket(buf, e.pool.Gateway())
}

// Tick advances every session's bookkeeping, reaps expired sessions, and
// rebuilds the chosen-exit view. It must run after Flush.
func (e *Endpoint) Tick(now time.Time) {
	e.registry.Tick(now)
}

// KickIdent explicitly evicts pk, tearing down its identity binding and
// active-exit sessions without waiting for the address pool to reclaim
// its IP.
func (e *Endpoint) KickIdent(pk glue.PubKey) {
	e.identity.KickIdent(pk)
}

// Evictions returns the number of LRU address-pool evictions performed
// so far.
func (e *Endpoint) Evictions() uint64 { return e.pool.Evictions() }
