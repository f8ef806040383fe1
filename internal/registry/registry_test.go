// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

package registry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/exitnode/internal/glue"
	"github.com/katzenpost/exitnode/internal/metrics"
	"github.com/katzenpost/exitnode/internal/session"
)

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry(), "registry_test")
}

func testLogger() *logging.Logger {
	l := logging.MustGetLogger("registry_test")
	backend := logging.AddModuleLevel(logging.NewLogBackend(discardWriter{}, "", 0))
	backend.SetLevel(logging.CRITICAL, "")
	l.SetBackend(backend)
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeLink struct {
	pk        glue.PubKey
	pathID    glue.PathID
	createdAt time.Time
	expired   bool
	dead      bool
	flushOK   bool
	stopped   bool
}

func (f *fakeLink) QueueUpstream(buf []byte, padSize int) bool { return true }
func (f *fakeLink) QueueInbound(buf []byte) bool               { return true }
func (f *fakeLink) Flush() bool                                { return f.flushOK }
func (f *fakeLink) IsExpired(now time.Time) bool               { return f.expired }
func (f *fakeLink) LooksDead(now time.Time) bool               { return f.dead }
func (f *fakeLink) Tick(now time.Time)                         {}
func (f *fakeLink) Stop()                                      { f.stopped = true }
func (f *fakeLink) CreatedAt() time.Time                       { return f.createdAt }
func (f *fakeLink) Pubkey() glue.PubKey                        { return f.pk }
func (f *fakeLink) PathID() glue.PathID                        { return f.pathID }

func testKey(b byte) glue.PubKey {
	var pk glue.PubKey
	pk[0] = b
	return pk
}

func testPath(b byte) glue.PathID {
	var p glue.PathID
	p[0] = b
	return p
}

func TestInsertExitAndFindByPath(t *testing.T) {
	require := require.New(t)

	r := New(testMetrics(), testLogger())
	pk, pathID := testKey(1), testPath(1)
	link := &fakeLink{pk: pk, pathID: pathID}
	s := &session.ExitSession{Link: link}

	r.InsertExit(s)

	got, ok := r.FindEndpointByPath(pathID)
	require.True(ok)
	require.Same(s, got)

	chosen, ok := r.ChosenExit(pk)
	require.True(ok)
	require.Same(s, chosen)
}

func TestFindEndpointByPathUnknown(t *testing.T) {
	require := require.New(t)

	r := New(testMetrics(), testLogger())
	_, ok := r.FindEndpointByPath(testPath(9))
	require.False(ok)
}

func TestUpdateEndpointPathNeverOverwrites(t *testing.T) {
	require := require.New(t)

	r := New(testMetrics(), testLogger())
	pk := testKey(1)
	oldPath, newPath := testPath(1), testPath(2)

	r.InsertExit(&session.ExitSession{Link: &fakeLink{pk: pk, pathID: oldPath}})

	require.True(r.UpdateEndpointPath(pk, newPath))
	require.False(r.UpdateEndpointPath(pk, oldPath))
}

func TestRemoveExitsForTearsDownEverySession(t *testing.T) {
	require := require.New(t)

	r := New(testMetrics(), testLogger())
	pk := testKey(1)
	linkA := &fakeLink{pk: pk, pathID: testPath(1)}
	linkB := &fakeLink{pk: pk, pathID: testPath(2)}
	r.InsertExit(&session.ExitSession{Link: linkA})
	r.InsertExit(&session.ExitSession{Link: linkB})

	r.RemoveExitsFor(pk)

	require.True(linkA.stopped)
	require.True(linkB.stopped)
	_, ok := r.ChosenExit(pk)
	require.False(ok)
	_, ok = r.FindEndpointByPath(testPath(1))
	require.False(ok)
}

func TestTickRebuildsChosenExitPreferringNewest(t *testing.T) {
	require := require.New(t)

	r := New(testMetrics(), testLogger())
	pk := testKey(1)
	now := time.Now()

	older := &fakeLink{pk: pk, pathID: testPath(1), createdAt: now}
	newer := &fakeLink{pk: pk, pathID: testPath(2), createdAt: now.Add(time.Minute)}
	r.InsertExit(&session.ExitSession{Link: older})
	r.InsertExit(&session.ExitSession{Link: newer})

	r.Tick(now.Add(2 * time.Minute))

	chosen, ok := r.ChosenExit(pk)
	require.True(ok)
	require.Equal(testPath(2), chosen.PathID())
}

func TestTickSkipsLooksDeadWhenChoosing(t *testing.T) {
	require := require.New(t)

	r := New(testMetrics(), testLogger())
	pk := testKey(1)
	now := time.Now()

	older := &fakeLink{pk: pk, pathID: testPath(1), createdAt: now}
	newerButDead := &fakeLink{pk: pk, pathID: testPath(2), createdAt: now.Add(time.Minute), dead: true}
	r.InsertExit(&session.ExitSession{Link: older})
	r.InsertExit(&session.ExitSession{Link: newerButDead})

	r.Tick(now.Add(2 * time.Minute))

	chosen, ok := r.ChosenExit(pk)
	require.True(ok)
	require.Equal(testPath(1), chosen.PathID())
}

func TestTickRemovesExpiredSessions(t *testing.T) {
	require := require.New(t)

	r := New(testMetrics(), testLogger())
	pk := testKey(1)
	link := &fakeLink{pk: pk, pathID: testPath(1), expired: true}
	r.InsertExit(&session.ExitSession{Link: link})

	r.Tick(time.Now())

	require.True(link.stopped)
	_, ok := r.ChosenExit(pk)
	require.False(ok)
}

func TestActiveExitSessionsGaugeTracksInsertAndRemoval(t *testing.T) {
	require := require.New(t)

	m := testMetrics()
	r := New(m, testLogger())
	pk := testKey(1)

	r.InsertExit(&session.ExitSession{Link: &fakeLink{pk: pk, pathID: testPath(1)}})
	require.Equal(float64(1), testutil.ToFloat64(m.ActiveExitSessions))

	// Re-inserting the same (pubkey, path) must not double-count.
	r.InsertExit(&session.ExitSession{Link: &fakeLink{pk: pk, pathID: testPath(1)}})
	require.Equal(float64(1), testutil.ToFloat64(m.ActiveExitSessions))

	r.RemoveExitsFor(pk)
	require.Equal(float64(0), testutil.ToFloat64(m.ActiveExitSessions))
}

func TestActiveExitSessionsGaugeTracksExpiry(t *testing.T) {
	require := require.New(t)

	m := testMetrics()
	r := New(m, testLogger())
	pk := testKey(1)
	link := &fakeLink{pk: pk, pathID: testPath(1), expired: true}
	r.InsertExit(&session.ExitSession{Link: link})
	require.Equal(float64(1), testutil.ToFloat64(m.ActiveExitSessions))

	r.Tick(time.Now())

	require.Equal(float64(0), testutil.ToFloat64(m.ActiveExitSessions))
}

func TestSNodeSessionsGaugeTracksInsertReplaceAndExpiry(t *testing.T) {
	require := require.New(t)

	m := testMetrics()
	r := New(m, testLogger())
	pk := testKey(1)

	r.InsertSNodeSession(&session.SNodeSession{Link: &fakeLink{pk: pk}})
	require.Equal(float64(1), testutil.ToFloat64(m.SNodeSessions))

	// Replacing an existing peer's session must not double-count.
	expiredReplacement := &fakeLink{pk: pk, expired: true}
	r.InsertSNodeSession(&session.SNodeSession{Link: expiredReplacement})
	require.Equal(float64(1), testutil.ToFloat64(m.SNodeSessions))

	r.Tick(time.Now())
	require.Equal(float64(0), testutil.ToFloat64(m.SNodeSessions))
}

func TestSNodeSessionReplacesAndStopsPrior(t *testing.T) {
	require := require.New(t)

	r := New(testMetrics(), testLogger())
	pk := testKey(1)
	first := &fakeLink{pk: pk}
	second := &fakeLink{pk: pk}

	r.InsertSNodeSession(&session.SNodeSession{Link: first})
	r.InsertSNodeSession(&session.SNodeSession{Link: second})

	require.True(first.stopped)
	got, ok := r.SNodeSession(pk)
	require.True(ok)
	require.Same(second, got.Link)
}
