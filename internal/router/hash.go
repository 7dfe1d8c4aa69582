// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import "sync/atomic"

// AliveSet is the per-downstream liveness gate shared by every worker in the
// process. It is written exclusively by the health client loop (one atomic
// store per probe outcome) and read by every worker's routing hot path.
// Readers tolerate a stale value for the length of one probe interval; that
// staleness is the "eventual gate" spec.md §3 calls for, and is why a single
// atomic.Bool per downstream is sufficient — there is nothing to lock.
type AliveSet []*atomic.Bool

// NewAliveSet allocates a liveness gate for n downstreams, all starting DOWN.
// A downstream only becomes routable once its first health probe succeeds;
// this avoids sending production traffic at an unprobed destination.
func NewAliveSet(n int) AliveSet {
	set := make(AliveSet, n)
	for i := range set {
		set[i] = &atomic.Bool{}
	}
	return set
}

func (a AliveSet) IsAlive(i int) bool {
	return a[i].Load()
}

// Set publishes the liveness outcome of downstream i. Called only by the
// health client.
func (a AliveSet) Set(i int, alive bool) {
	a[i].Store(alive)
}

// sdbmHash computes the sdbm string-hash variant spec.md §4.2 mandates:
// h = (h<<6) + (h<<16) - h + b, accumulated over the routing key's bytes.
// Go's unsigned integer arithmetic wraps silently, which is exactly the
// "unsigned overflow allowed" the spec calls for.
func sdbmHash(key []byte) uint64 {
	var h uint64
	for _, b := range key {
		h = (h << 6) + (h << 16) - h + uint64(b)
	}
	return h
}

// perturb is the hash-reshuffle step applied each time the reshuffle loop
// passes over a dead downstream: h = (h*7 + 5) / 3, integer division,
// unsigned overflow allowed.
func perturb(h uint64) uint64 {
	return (h*7 + 5) / 3
}

// selectDownstream runs the Fisher-Yates-style reshuffle procedure of
// spec.md §4.2 over n downstreams for routing key hash h, consulting alive
// for liveness. It returns the chosen downstream index and true, or
// (0, false) if every downstream was found dead — the caller must drop the
// line in that case (spec.md §7, "all downstreams down").
//
// The procedure is a pure function of (h, alive): calling it twice with an
// unchanged alive set and the same h always yields the same downstream
// (P2, hash determinism).
func selectDownstream(h uint64, n int, alive AliveSet) (int, bool) {
	ds := make([]int, n)
	for i := range ds {
		ds[i] = i
	}

	for i := n; i >= 1; i-- {
		j := int(h % uint64(i))
		k := ds[j]

		if alive.IsAlive(k) {
			return k, true
		}

		ds[j], ds[i-1] = ds[i-1], ds[j]
		h = perturb(h)
	}

	return 0, false
}

// routingKey returns the portion of line before the first ':', the prefix
// the router hashes on. ok is false if line contains no ':' (spec.md §4.2:
// "the line is invalid").
func routingKey(line []byte) (key []byte, ok bool) {
	for i, b := range line {
		if b == ':' {
			return line[:i], true
		}
	}
	return nil, false
}
