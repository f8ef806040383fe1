// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"time"

	"github.com/katzenpost/exitnode/internal/glue"
)

// AddTun satisfies glue.EventLoop. There is no real TUN device in this
// demo binary; it only records that configuration was accepted.
func (l *demoLoop) AddTun(cfg glue.TunConfig) bool {
	if cfg.InterfaceName == "" || cfg.InterfaceName == "auto" {
		return false
	}
	if cfg.NetmaskBits < 0 || cfg.NetmaskBits > 32 {
		return false
	}
	return true
}

// AsyncWriteTun satisfies glue.EventLoop. The demo loop has nowhere to
// deliver packets, so it reports success and discards them.
func (l *demoLoop) AsyncWriteTun(buf []byte) bool {
	return true
}

// TimeNowMs satisfies glue.EventLoop.
func (l *demoLoop) TimeNowMs() int64 {
	return time.Since(l.start).Milliseconds()
}

// ScheduleTick satisfies glue.EventLoop. Once run has started the
// ticker, it resets it to interval; before that it does nothing and the
// loop starts at its default of once a second.
func (l *demoLoop) ScheduleTick(interval time.Duration) {
	if l.ticker != nil {
		l.ticker.Reset(interval)
	}
}

// demoRouter is a minimal glue.Router with no real path-building or
// link-layer machinery behind it, sufficient to exercise the exit
// endpoint's control flow end to end in this binary.
type demoRouter struct {
	pubkey glue.PubKey
}

func newDemoRouter() *demoRouter {
	r := &demoRouter{}
	r.pubkey[0] = 0x01
	return r
}

func (r *demoRouter) Now() time.Time { return time.Now() }

func (r *demoRouter) Pubkey() glue.PubKey { return r.pubkey }

// TransitHopPreviousIsRouter always reports false in this demo: without
// a real path subsystem there is no previous hop to consult, so every
// peer is treated as a client rather than a service-node by default.
func (r *demoRouter) TransitHopPreviousIsRouter(pathID glue.PathID, pk glue.PubKey) bool {
	return false
}

// OpenSNodeSession has nothing to connect to in this demo binary.
func (r *demoRouter) OpenSNodeSession(pk glue.PubKey) (glue.LinkSession, error) {
	return nil, fmt.Errorf("demo: no link layer available to open a session to %s", pk.String())
}
