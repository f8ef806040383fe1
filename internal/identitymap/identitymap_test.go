// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

package identitymap

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/exitnode/internal/addrpool"
	"github.com/katzenpost/exitnode/internal/glue"
	"github.com/katzenpost/exitnode/internal/metrics"
)

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry(), "identitymap_test")
}

func testLogger(name string) *logging.Logger {
	l := logging.MustGetLogger(name)
	backend := logging.AddModuleLevel(logging.NewLogBackend(discardWriter{}, "", 0))
	backend.SetLevel(logging.CRITICAL, "")
	l.SetBackend(backend)
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestPool(t *testing.T) *addrpool.Pool {
	_, network, err := net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, err)
	pool, err := addrpool.New(network, net.ParseIP("10.0.0.1"), nil, testMetrics(), testLogger("addrpool"))
	require.NoError(t, err)
	return pool
}

func testKey(b byte) glue.PubKey {
	var pk glue.PubKey
	pk[0] = b
	return pk
}

func TestGetIPForIdentIsIdempotent(t *testing.T) {
	require := require.New(t)

	m := New(newTestPool(t), nil, testLogger("identitymap"))
	pk := testKey(1)

	ip1 := m.GetIPForIdent(pk, time.Now())
	ip2 := m.GetIPForIdent(pk, time.Now())
	require.True(ip1.Equal(ip2))
}

func TestMapsAreInverses(t *testing.T) {
	require := require.New(t)

	m := New(newTestPool(t), nil, testLogger("identitymap"))
	pk := testKey(1)

	ip := m.GetIPForIdent(pk, time.Now())

	gotKey, ok := m.KeyForIP(ip)
	require.True(ok)
	require.Equal(pk, gotKey)

	gotIP, ok := m.IPForKey(pk)
	require.True(ok)
	require.True(gotIP.Equal(ip))
}

func TestKickIdentRemovesBothDirections(t *testing.T) {
	require := require.New(t)

	m := New(newTestPool(t), nil, testLogger("identitymap"))
	pk := testKey(1)
	ip := m.GetIPForIdent(pk, time.Now())

	m.KickIdent(pk)

	require.False(m.HasLocalMappedAddrFor(pk))
	_, ok := m.KeyForIP(ip)
	require.False(ok)
}

func TestKickIdentInvokesHook(t *testing.T) {
	require := require.New(t)

	var kicked []glue.PubKey
	pk := testKey(1)
	m := New(newTestPool(t), func(k glue.PubKey) { kicked = append(kicked, k) }, testLogger("identitymap"))
	m.GetIPForIdent(pk, time.Now())

	m.KickIdent(pk)
	require.Equal([]glue.PubKey{pk}, kicked)
}

func TestKickIdentLeavesSNodeMarkUntouched(t *testing.T) {
	require := require.New(t)

	m := New(newTestPool(t), nil, testLogger("identitymap"))
	pk := testKey(1)
	m.GetIPForIdent(pk, time.Now())
	m.MarkSNode(pk)

	m.KickIdent(pk)

	require.True(m.IsSNode(pk))
	require.False(m.HasLocalMappedAddrFor(pk))
}

func TestEvictionKicksOldOwnerBeforeReassigning(t *testing.T) {
	require := require.New(t)

	_, network, err := net.ParseCIDR("10.0.0.0/30")
	require.NoError(err)
	pool, err := addrpool.New(network, net.ParseIP("10.0.0.0"), nil, testMetrics(), testLogger("addrpool"))
	require.NoError(err)

	var kicked []glue.PubKey
	m := New(pool, func(k glue.PubKey) { kicked = append(kicked, k) }, testLogger("identitymap"))

	base := time.Now()
	pkA := testKey(1)
	pkB := testKey(2)
	pkC := testKey(3)
	m.GetIPForIdent(pkA, base)
	m.GetIPForIdent(pkB, base)
	m.GetIPForIdent(pkC, base)

	// Range is now exhausted at 3 non-gateway addresses, all with the
	// same activity timestamp; the next identity allocated evicts pkA
	// (lowest IP tie-break) and must see it kicked from the identity
	// map before the new binding is installed.
	pkD := testKey(4)
	ipD := m.GetIPForIdent(pkD, base.Add(time.Second))

	require.Equal([]glue.PubKey{pkA}, kicked)
	require.False(m.HasLocalMappedAddrFor(pkA))

	gotKey, ok := m.KeyForIP(ipD)
	require.True(ok)
	require.Equal(pkD, gotKey)
}
