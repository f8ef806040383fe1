// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package session defines the two session kinds the Session Registry
// tracks: ExitSession for client traffic and SNodeSession for
// peer-to-peer service-node traffic. Both wrap a glue.LinkSession, the
// link-layer object that lives outside this module, and add the
// bookkeeping the endpoint needs on top of it.
package session

import (
	"net"
	"time"

	"github.com/katzenpost/exitnode/internal/glue"
)

// Direction classifies why an ExitSession exists.
type Direction int

const (
	// DirectionOutboundInternet is a session for a client that wants
	// Internet egress through this endpoint.
	DirectionOutboundInternet Direction = iota
	// DirectionInbound is a session that only receives overlay-directed
	// traffic, without requesting egress.
	DirectionInbound
)

// ExitSession is one client's binding to this endpoint.
type ExitSession struct {
	Link glue.LinkSession
	IP   net.IP

	Direction Direction

	rxPackets uint64
	rxBytes   uint64
}

func (s *ExitSession) Pubkey() glue.PubKey  { return s.Link.Pubkey() }
func (s *ExitSession) PathID() glue.PathID  { return s.Link.PathID() }
func (s *ExitSession) CreatedAt() time.Time { return s.Link.CreatedAt() }

// QueueInbound hands an Internet-sourced packet to the session for
// eventual overlay transmission.
func (s *ExitSession) QueueInbound(buf []byte) bool {
	if !s.Link.QueueInbound(buf) {
		return false
	}
	s.rxPackets++
	s.rxBytes += uint64(len(buf))
	return true
}

func (s *ExitSession) Flush() bool                  { return s.Link.Flush() }
func (s *ExitSession) IsExpired(now time.Time) bool { return s.Link.IsExpired(now) }
func (s *ExitSession) LooksDead(now time.Time) bool { return s.Link.LooksDead(now) }
func (s *ExitSession) Stop()                        { s.Link.Stop() }

// Tick resets this session's per-tick counters.
func (s *ExitSession) Tick(now time.Time) {
	s.Link.Tick(now)
	s.rxPackets = 0
	s.rxBytes = 0
}

// RxBytes returns the bytes queued inbound since the last tick.
func (s *ExitSession) RxBytes() uint64 { return s.rxBytes }

// SNodeSession is this endpoint's outbound session to another
// service-node, created on demand by DNS resolution.
type SNodeSession struct {
	Link glue.LinkSession
}

func (s *SNodeSession) Pubkey() glue.PubKey { return s.Link.Pubkey() }

// QueueUpstream hands an overlay-bound packet to the peer session, padded
// to padSize.
func (s *SNodeSession) QueueUpstream(buf []byte, padSize int) bool {
	return s.Link.QueueUpstream(buf, padSize)
}

func (s *SNodeSession) Flush() bool                  { return s.Link.Flush() }
func (s *SNodeSession) IsExpired(now time.Time) bool { return s.Link.IsExpired(now) }
func (s *SNodeSession) Tick(now time.Time)           { s.Link.Tick(now) }
func (s *SNodeSession) Stop()                        { s.Link.Stop() }
