// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package glue defines the interfaces the Exit Endpoint uses to talk to its
// external collaborators: the event loop, the TUN device, the router, and
// the link layer. None of these are implemented in this module; the
// cryptographic session handshake and path-building machinery behind them
// live elsewhere. Modeling them as small interfaces here, instead of
// importing the packages that would implement them, keeps the exit-endpoint
// core testable in isolation and mirrors how server/internal/glue.Glue ties
// its own subpackages together through interfaces rather than concrete
// types.
package glue

import (
	"net"
	"time"
)

// PathID identifies a multi-hop overlay path. It is opaque to this package;
// the path-building subsystem is an external collaborator.
type PathID [16]byte

// PubKey is the textual/binary identity of an overlay peer. The wire
// encoding of keys is defined by the link layer, out of scope here; this
// package only needs equality and a stable map key, so PubKey is carried as
// the fixed-width byte representation the Router hands back.
type PubKey [32]byte

// String returns the lowercase hex representation, used in log and error
// messages. `.snode` DNS names use a separate base32 encoding of the raw
// key bytes (dnsresponder.EncodePubkeyLabel).
func (k PubKey) String() string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 0, len(k)*2)
	for _, b := range k {
		buf = append(buf, hexdigits[b>>4], hexdigits[b&0x0f])
	}
	return string(buf)
}

// EventLoop is the scheduler and TUN I/O owner. The Exit Endpoint never
// blocks on it; every call here must return promptly.
type EventLoop interface {
	// AddTun registers a TUN device for this endpoint using the supplied
	// configuration. Returns false on invalid configuration.
	AddTun(cfg TunConfig) bool

	// AsyncWriteTun enqueues buf for writing to the TUN device. Never
	// blocks; the write itself is drained by the event loop.
	AsyncWriteTun(buf []byte) bool

	// TimeNowMs returns the event loop's monotonic clock, in milliseconds.
	TimeNowMs() int64

	// ScheduleTick arranges for the endpoint's tick to run every interval.
	ScheduleTick(interval time.Duration)
}

// TunConfig is the TUN device configuration the event loop validates and
// applies. Illegal values fail configuration.
type TunConfig struct {
	// InterfaceName must be non-empty and not "auto".
	InterfaceName string
	// InterfaceAddress is the gateway address bound to the interface.
	InterfaceAddress net.IP
	// NetmaskBits is the CIDR prefix length, 0-32.
	NetmaskBits int
	// MTU is the interface's maximum transmission unit.
	MTU int
}

// Router supplies time, this node's identity, and path-knowledge queries.
type Router interface {
	// Now returns the router's notion of current time.
	Now() time.Time

	// Pubkey returns this router's own identity key.
	Pubkey() PubKey

	// TransitHopPreviousIsRouter reports whether the hop immediately
	// preceding pathID's terminus at this node is a router known to carry
	// pk, i.e. whether pk should be treated as a service-node peer rather
	// than a client.
	TransitHopPreviousIsRouter(pathID PathID, pk PubKey) bool

	// OpenSNodeSession constructs an outbound session to the service-node
	// identified by pk, for use when a local DNS query provisions a new
	// peer.
	OpenSNodeSession(pk PubKey) (LinkSession, error)
}

// LinkSession is the per-path/per-peer object the link layer exposes for
// queuing and lifecycle. ExitSession and SNodeSession both wrap one of
// these; the wire protocol and cryptographic handshake behind it live in
// the link layer, not here.
type LinkSession interface {
	// QueueUpstream hands buf to the overlay session bound for the peer,
	// padded to padSize. Returns false if the session cannot accept it.
	QueueUpstream(buf []byte, padSize int) bool

	// QueueInbound hands an Internet-sourced packet to the session for
	// eventual overlay transmission. Returns false if overloaded.
	QueueInbound(buf []byte) bool

	// Flush writes any pending outbound frames to the link layer. Returns
	// false if the underlying transport could not accept them all.
	Flush() bool

	// IsExpired reports whether the session should be torn down as of now.
	IsExpired(now time.Time) bool

	// LooksDead reports whether the session appears to have gone silent,
	// without being formally expired yet.
	LooksDead(now time.Time) bool

	// Tick lets the session reset any per-tick counters.
	Tick(now time.Time)

	// Stop tears the session down.
	Stop()

	// CreatedAt returns the session's construction time.
	CreatedAt() time.Time

	// Pubkey returns the remote peer's identity.
	Pubkey() PubKey

	// PathID returns the path this session was bound to. SNodeSessions,
	// which are not path-addressed, return the zero PathID.
	PathID() PathID
}
