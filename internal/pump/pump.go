// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package pump implements the Packet Pump: the bounded FIFO that
// decouples TUN reads/writes from the rest of the endpoint and the IPv4
// header rewriting needed to relay service-node traffic through the
// shared gateway address. It follows the same "bounded channel fed by
// one producer, drained by one consumer" shape as worker.Worker,
// generalized from task dispatch to packet framing: OnInetPacket feeds
// the channel and Flush, called from the event loop, drains it.
package pump

import (
	"encoding/binary"
	"net"

	"golang.org/x/net/ipv4"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/exitnode/internal/metrics"
)

// DefaultQueueDepth is the number of packets the pump buffers before
// OnInetPacket starts dropping, when New is given a depth of zero or less.
const DefaultQueueDepth = 256

// TunWriter is the minimal surface the pump needs from the event loop to
// deliver packets to the TUN device.
type TunWriter interface {
	AsyncWriteTun(buf []byte) bool
}

// Pump is the Packet Pump component.
type Pump struct {
	log     *logging.Logger
	tun     TunWriter
	metrics *metrics.Metrics
	queue   chan []byte

	dropped uint64
}

// New constructs a Pump with the given queue depth, writing accepted
// packets to tun.
func New(tun TunWriter, depth int, m *metrics.Metrics, log *logging.Logger) *Pump {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Pump{
		log:     log,
		tun:     tun,
		metrics: m,
		queue:   make(chan []byte, depth),
	}
}

// OnInetPacket is called once per packet read from the TUN device. It
// only admits buffers that parse as IPv4, matching the queue's contract
// of holding parsed packets rather than arbitrary bytes, then enqueues
// the packet for processing on the next Flush, dropping it if the queue
// is already full rather than blocking the reader.
func (p *Pump) OnInetPacket(buf []byte) {
	if _, err := ipv4.ParseHeader(buf); err != nil {
		p.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		p.log.Debugf("Dropping malformed inbound packet: %v", err)
		return
	}
	select {
	case p.queue <- buf:
	default:
		p.dropped++
		p.metrics.PacketsDropped.WithLabelValues("queue-full").Inc()
		p.log.Debugf("Packet pump queue full, dropping %d byte packet", len(buf))
	}
}

// Flush drains any packets still queued, handing each to cb in order.
// Callers invoke this once per event loop iteration so that no packet
// waits longer than one tick.
func (p *Pump) Flush(cb func(buf []byte)) {
	for {
		select {
		case b := <-p.queue:
			cb(b)
		default:
			return
		}
	}
}

// QueueOutboundTraffic writes buf directly to the TUN device, for
// traffic this endpoint has decoded from the overlay and is delivering
// to the local Internet-facing interface.
func (p *Pump) QueueOutboundTraffic(buf []byte) bool {
	if !p.tun.AsyncWriteTun(buf) {
		p.dropped++
		p.metrics.PacketsDropped.WithLabelValues("overloaded-session").Inc()
		return false
	}
	return true
}

// QueueSNodePacket rewrites buf's IPv4 destination address, whatever it
// was, to gateway before handing it to the TUN device, so the host kernel accepts
// the packet as addressed to the local interface instead of the
// overlay-private address it arrived with.
func (p *Pump) QueueSNodePacket(buf []byte, gateway net.IP) bool {
	if err := rewriteDestAddress(buf, gateway); err != nil {
		p.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		p.log.Debugf("Dropping malformed service-node packet: %v", err)
		return false
	}
	return p.QueueOutboundTraffic(buf)
}

// Dropped returns the number of packets dropped by queue overflow or
// TUN write failure since startup.
func (p *Pump) Dropped() uint64 { return p.dropped }

// rewriteDestAddress patches buf's IPv4 header in place, replacing the
// destination address and recomputing the header checksum. The header is
// validated and its length taken with golang.org/x/net/ipv4; the
// destination and checksum fields are written at their fixed offsets.
func rewriteDestAddress(buf []byte, newDst net.IP) error {
	hdr, err := ipv4.ParseHeader(buf)
	if err != nil {
		return err
	}
	v4 := newDst.To4()
	if v4 == nil {
		return errNotIPv4
	}
	copy(buf[16:20], v4)
	binary.BigEndian.PutUint16(buf[10:12], 0)
	binary.BigEndian.PutUint16(buf[10:12], ipv4Checksum(buf[:hdr.Len]))
	return nil
}

var errNotIPv4 = ipv4NotError("pump: gateway address is not IPv4")

type ipv4NotError string

func (e ipv4NotError) Error() string { return string(e) }

// ipv4Checksum computes the standard one's-complement IPv4 header
// checksum over hdr, which must have its checksum field already zeroed.
func ipv4Checksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	if len(hdr)%2 == 1 {
		sum += uint32(hdr[len(hdr)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
