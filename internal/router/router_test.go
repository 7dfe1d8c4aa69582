// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, n int) (*Router, AliveSet, *net.UDPConn) {
	t.Helper()

	egressConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { egressConn.Close() })

	alive := NewAliveSet(n)
	downstreams := make([]*Downstream, n)
	egress := make([]*net.UDPConn, n)
	for i := range downstreams {
		downstreams[i] = NewDownstream(i, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000 + i}, func(format string, args ...any) {})
		alive.Set(i, true)
		egress[i] = egressConn
	}

	return NewRouter(downstreams, alive, egress, func(format string, args ...any) {}), alive, egressConn
}

func TestRouterPushIsConsistentAcrossCalls(t *testing.T) {
	r, _, _ := newTestRouter(t, 5)

	chosen := make(map[string]int)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("metric%d", i)
		h := sdbmHash([]byte(key))
		idx, ok := selectDownstream(h, len(r.downstreams), r.alive)
		require.True(t, ok)
		chosen[key] = idx
	}

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("metric%d", i)
		h := sdbmHash([]byte(key))
		idx, ok := selectDownstream(h, len(r.downstreams), r.alive)
		require.True(t, ok)
		assert.Equal(t, chosen[key], idx)
	}
}

func TestRouterPushDropsInvalidLine(t *testing.T) {
	var warned int
	r, _, _ := newTestRouter(t, 2)
	r.warnf = func(format string, args ...any) { warned++ }

	r.Push([]byte("no-separator\n"))
	assert.Equal(t, 1, warned)
}

func TestRouterPushDropsWhenAllDown(t *testing.T) {
	var warned int
	r, alive, _ := newTestRouter(t, 2)
	r.warnf = func(format string, args ...any) { warned++ }
	alive.Set(0, false)
	alive.Set(1, false)

	r.Push([]byte("cpu.load:1|c\n"))
	assert.Equal(t, 1, warned)
}

func TestRouterPushReroutesAroundDeadDownstream(t *testing.T) {
	r, alive, _ := newTestRouter(t, 3)

	line := []byte("cpu.load:1|c\n")
	h := sdbmHash([]byte("cpu.load"))
	primary, ok := selectDownstream(h, 3, alive)
	require.True(t, ok)

	alive.Set(primary, false)
	fallback, ok := selectDownstream(h, 3, alive)
	require.True(t, ok)
	assert.NotEqual(t, primary, fallback)

	r.Push(line)
	assert.Equal(t, len(line), r.downstreams[fallback].activeLen)
}

func TestRouterFlushAllDrainsEveryDownstream(t *testing.T) {
	r, _, _ := newTestRouter(t, 3)
	for _, ds := range r.downstreams {
		ds.push([]byte("x.y:1|c\n"))
	}

	r.FlushAll()

	for _, ds := range r.downstreams {
		assert.Equal(t, 0, ds.activeLen)
		assert.Equal(t, ds.activeIdx, ds.flushIdx)
	}
}
