// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/exitnode/internal/glue"
)

type fakeLink struct {
	pk        glue.PubKey
	pathID    glue.PathID
	createdAt time.Time

	queueInboundOK  bool
	queueUpstreamOK bool
	flushOK         bool
	expired         bool
	dead            bool
	stopped         bool

	lastInbound  []byte
	lastUpstream []byte
	lastPad      int
}

func (f *fakeLink) QueueUpstream(buf []byte, padSize int) bool {
	f.lastUpstream = buf
	f.lastPad = padSize
	return f.queueUpstreamOK
}
func (f *fakeLink) QueueInbound(buf []byte) bool {
	f.lastInbound = buf
	return f.queueInboundOK
}
func (f *fakeLink) Flush() bool                  { return f.flushOK }
func (f *fakeLink) IsExpired(now time.Time) bool  { return f.expired }
func (f *fakeLink) LooksDead(now time.Time) bool  { return f.dead }
func (f *fakeLink) Tick(now time.Time)            {}
func (f *fakeLink) Stop()                         { f.stopped = true }
func (f *fakeLink) CreatedAt() time.Time          { return f.createdAt }
func (f *fakeLink) Pubkey() glue.PubKey           { return f.pk }
func (f *fakeLink) PathID() glue.PathID           { return f.pathID }

func TestExitSessionQueueInboundTracksCounters(t *testing.T) {
	require := require.New(t)

	link := &fakeLink{queueInboundOK: true}
	s := &ExitSession{Link: link}

	require.True(s.QueueInbound([]byte("hello")))
	require.Equal(uint64(5), s.RxBytes())

	s.Tick(time.Now())
	require.Equal(uint64(0), s.RxBytes())
}

func TestExitSessionQueueInboundFailureDoesNotCount(t *testing.T) {
	require := require.New(t)

	link := &fakeLink{queueInboundOK: false}
	s := &ExitSession{Link: link}

	require.False(s.QueueInbound([]byte("hello")))
	require.Equal(uint64(0), s.RxBytes())
}

func TestExitSessionDelegatesToLink(t *testing.T) {
	require := require.New(t)

	now := time.Now()
	link := &fakeLink{createdAt: now, flushOK: true}
	s := &ExitSession{Link: link}

	require.Equal(now, s.CreatedAt())
	require.True(s.Flush())
	s.Stop()
	require.True(link.stopped)
}

func TestSNodeSessionQueueUpstream(t *testing.T) {
	require := require.New(t)

	link := &fakeLink{queueUpstreamOK: true}
	s := &SNodeSession{Link: link}

	require.True(s.QueueUpstream([]byte("pkt"), 64))
	require.Equal(64, link.lastPad)
}
