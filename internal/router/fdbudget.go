// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// EgressPlan describes how many UDP sockets each worker should open for
// sending to its downstream slice, resolved once at startup per spec.md §5.
type EgressPlan struct {
	// SocketsPerWorker is 1 (downstreams share one egress socket, sends
	// serialized by the worker's own event loop) or N (one socket per
	// downstream).
	SocketsPerWorker int
}

// PlanEgressSockets applies the fixed, eager FD-budget arithmetic of
// spec.md §5: given the process' FD limit, reserve 3 (stdio) + 1 (control
// listener) + N (one health-probe connection per downstream) + W (one
// ingress socket per worker), and divide what remains evenly across the W
// workers.
func PlanEgressSockets(fdLimit uint64, n, w int) (EgressPlan, error) {
	reserved := int64(3 + 1 + n + w)
	budget := int64(fdLimit) - reserved
	if w <= 0 {
		return EgressPlan{}, fmt.Errorf("router: worker count must be positive, got %d", w)
	}

	perWorker := budget / int64(w)
	if perWorker < 1 {
		return EgressPlan{}, fmt.Errorf("router: FD limit %d too low for %d downstreams across %d workers", fdLimit, n, w)
	}

	if perWorker < int64(n) {
		return EgressPlan{SocketsPerWorker: 1}, nil
	}
	return EgressPlan{SocketsPerWorker: n}, nil
}

// ProcessFDLimit reads RLIMIT_NOFILE's current (soft) limit, per spec.md
// §5's "given a process-wide FD limit L".
func ProcessFDLimit() (uint64, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, fmt.Errorf("router: getrlimit: %w", err)
	}
	return rlim.Cur, nil
}

// OpenEgressConns opens one worker's egress sockets for n downstreams
// according to plan, and returns a slice of length n suitable for
// NewRouter: when plan.SocketsPerWorker is 1, every entry points at the
// same shared socket (sends serialized by the worker's own event loop, per
// spec.md §5); otherwise each downstream gets its own distinct socket.
func OpenEgressConns(n int, plan EgressPlan) ([]*net.UDPConn, error) {
	conns := make([]*net.UDPConn, n)

	if plan.SocketsPerWorker <= 1 {
		shared, err := net.ListenUDP("udp", nil)
		if err != nil {
			return nil, fmt.Errorf("router: opening shared egress socket: %w", err)
		}
		for i := range conns {
			conns[i] = shared
		}
		return conns, nil
	}

	for i := range conns {
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			return nil, fmt.Errorf("router: opening egress socket %d: %w", i, err)
		}
		conns[i] = conn
	}
	return conns, nil
}
