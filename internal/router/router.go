// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package router implements the router's data plane: line framing (C1),
// consistent-hash downstream selection (C2), the per-downstream buffer
// ring (C3), and its flush scheduler (C4). Everything in this package is
// driven from a single goroutine per Worker; see worker.go.
package router

import (
	"net"
	"time"
)

// Router ties C1/C2/C3 together for one worker's slice of downstreams. It
// is not safe for concurrent use — exactly one goroutine (the owning
// Worker's event loop) may call Push.
type Router struct {
	downstreams []*Downstream
	alive       AliveSet
	warnf       func(format string, args ...any)

	// egress holds one UDP socket per downstream, in the same order as
	// downstreams. Depending on the FD budget (spec.md §5, EgressPlan),
	// every entry may point at the same shared *net.UDPConn (one socket
	// per worker) or each may be distinct (one socket per downstream) —
	// the Router does not care which; it always sends on egress[i] for
	// downstreams[i].
	egress []*net.UDPConn
}

// NewRouter builds a Router over downstreams, reading liveness from alive.
// egress must have the same length as downstreams (spec.md §3 Worker); see
// OpenEgressConns for how to build it from an EgressPlan.
func NewRouter(downstreams []*Downstream, alive AliveSet, egress []*net.UDPConn, warnf func(format string, args ...any)) *Router {
	return &Router{
		downstreams: downstreams,
		alive:       alive,
		warnf:       warnf,
		egress:      egress,
	}
}

// Downstreams exposes the router's owned downstream rows, e.g. for the
// self-telemetry emitter to read/reset packet and byte counters.
func (r *Router) Downstreams() []*Downstream {
	return r.downstreams
}

// Push routes one StatsD line (spec.md §4.2): hash the prefix before the
// first ':', run the reshuffle procedure against the current alive set,
// and append the line to the chosen downstream's active buffer. Invalid
// lines (no ':') and lines with no live downstream are logged and dropped,
// never propagated as an error (spec.md §7).
func (r *Router) Push(line []byte) {
	key, ok := routingKey(line)
	if !ok {
		r.warnf("router: dropping line with no ':' separator")
		return
	}

	h := sdbmHash(key)
	idx, ok := selectDownstream(h, len(r.downstreams), r.alive)
	if !ok {
		r.warnf("router: all downstreams down, dropping line")
		return
	}

	ds := r.downstreams[idx]
	if rotated := ds.push(line); rotated {
		ds.drain(r.egress[idx])
	}
}

// SweepFlush rotates and sends any downstream buffer that has aged past
// interval without a send, per spec.md §4.4's periodic flush. Called once
// per flush_interval tick from the worker's event loop.
func (r *Router) SweepFlush(interval time.Duration) {
	for i, ds := range r.downstreams {
		ds.maybeFlushStale(r.egress[i], interval)
	}
}

// FlushAll rotates and drains every downstream with a non-empty active
// buffer, regardless of age. Used once, on worker shutdown, to avoid
// discarding the last partial datagram (SPEC_FULL.md's graceful-drain
// supplement — not part of the original daemon's behavior).
func (r *Router) FlushAll() {
	for i, ds := range r.downstreams {
		if ds.activeLen > 0 {
			ds.rotate()
		}
		ds.drain(r.egress[i])
	}
}
