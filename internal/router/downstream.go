// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements the per-downstream buffer ring (spec.md §3 Downstream,
// §4.3 C3) and the rotate/flush operations of spec.md §4.4 C4. A Downstream
// value is exclusively owned by one Worker goroutine — there is no lock here,
// by the same construction pkg/metricstore.Level uses RWMutex for state that
// genuinely is shared, and none at all for state that (like this) never is.
package router

import (
	"net"
	"time"
)

// Downstream is one worker's private view of one configured metric
// destination: its egress address and its buffer ring. Two different
// workers never share a Downstream value, even though they may route to
// the same physical destination (spec.md §3 "each Downstream slice is
// exclusively owned by exactly one Worker").
type Downstream struct {
	ID   int
	Addr *net.UDPAddr

	ring    [][]byte // DownstreamBufNum slots, each capacity DownstreamBufSize
	ringLen []int    // fill of ring[i]; 0 means empty

	activeIdx int
	flushIdx  int
	activeLen int

	lastFlush time.Time

	// PacketCount/ByteCount accumulate since the last self-telemetry tick
	// reset them (spec.md §3, §4.6).
	PacketCount uint64
	ByteCount   uint64

	// TelemetryLine is the pre-formatted metric line describing this
	// downstream, built once at startup (spec.md §4.6, §9 "build telemetry
	// line strings once at startup into owned byte vectors").
	TelemetryLine []byte

	// MetricPrefix is "<ping_prefix>.<downstream_host>-<downstream_port>",
	// built once at startup from this downstream's own address (spec.md
	// §4.6 step 2: the packets/traffic counter lines are named after the
	// downstream they describe, not after the router itself).
	MetricPrefix string

	warnf func(format string, args ...any)
}

// NewDownstream allocates a Downstream with an empty ring.
func NewDownstream(id int, addr *net.UDPAddr, warnf func(format string, args ...any)) *Downstream {
	ring := make([][]byte, DownstreamBufNum)
	for i := range ring {
		ring[i] = make([]byte, 0, DownstreamBufSize)
	}

	return &Downstream{
		ID:        id,
		Addr:      addr,
		ring:      ring,
		ringLen:   make([]int, DownstreamBufNum),
		lastFlush: time.Now(),
		warnf:     warnf,
	}
}

// push appends line to the active buffer, rotating first if it would
// overflow (spec.md §4.3 push). It returns true if a rotation happened,
// meaning the caller should drain pending flushes.
func (d *Downstream) push(line []byte) (rotated bool) {
	if d.activeLen+len(line) > DownstreamBufSize {
		rotated = true
		d.rotate()
	}

	d.ring[d.activeIdx] = append(d.ring[d.activeIdx][:d.activeLen], line...)
	d.activeLen += len(line)
	return rotated
}

// rotate advances the active buffer to the next ring slot, per spec.md
// §4.3. If the new slot is still awaiting flush (I4: the pipeline is
// full), the current active buffer's contents are discarded — the
// documented back-pressure policy of spec.md §4.3 step 2 and §7.
func (d *Downstream) rotate() {
	newActive := (d.activeIdx + 1) % DownstreamBufNum

	if d.ringLen[newActive] > 0 {
		d.warnf("router: downstream %d back-pressure, dropping %d buffered bytes", d.ID, d.activeLen)
		d.activeLen = 0
		return
	}

	d.ringLen[d.activeIdx] = d.activeLen
	d.PacketCount++
	d.ByteCount += uint64(d.activeLen)

	d.activeIdx = newActive
	d.activeLen = 0
}

// drain sends every buffer slot between flushIdx and activeIdx using conn,
// per spec.md §4.4: one sendto per ready slot, consumed whether or not the
// send succeeds. Called synchronously right after a rotation, and again on
// the periodic flush sweep — see SPEC_FULL.md for why this collapses the
// spec's write-readiness dispatch into a direct call.
func (d *Downstream) drain(conn *net.UDPConn) {
	for d.flushIdx != d.activeIdx {
		buf := d.ring[d.flushIdx][:d.ringLen[d.flushIdx]]

		if _, err := conn.WriteToUDP(buf, d.Addr); err != nil {
			d.warnf("router: downstream %d send failed: %s", d.ID, err)
		}
		d.lastFlush = time.Now()

		d.ringLen[d.flushIdx] = 0
		d.flushIdx = (d.flushIdx + 1) % DownstreamBufNum
	}
}

// maybeFlushStale rotates the active buffer if it has gone unflushed for
// longer than interval, bounding ingress-to-egress latency at the price of
// a possibly partial datagram (spec.md §4.4 "Periodic flush").
func (d *Downstream) maybeFlushStale(conn *net.UDPConn, interval time.Duration) {
	if d.activeLen > 0 && time.Since(d.lastFlush) > interval {
		d.rotate()
		d.drain(conn)
	}
}
