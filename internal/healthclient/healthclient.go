// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package healthclient implements the downstream TCP health protocol of
// spec.md §4.5 C5: one probe per configured downstream per
// health_check_interval, publishing the result into a shared
// router.AliveSet that every worker's routing hot path consults.
//
// The state machine spec.md §4.5 describes as four states
// (idle/connecting/sending/reading, with write-ready/read-ready
// transitions) collapses here into one straight-line function: Go's
// net.Dialer and net.Conn already do the non-blocking connect/write/read
// dance the original event loop hand-rolled, so there is nothing left to
// model explicitly except the two outcomes (UP, DOWN) and the
// one-probe-in-flight-per-downstream invariant, which tick() enforces
// via cancellation of any probe still running at the next tick.
package healthclient

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/ClusterCockpit/cc-metric-router/internal/config"
	"github.com/ClusterCockpit/cc-metric-router/internal/router"
	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/go-co-op/gocron/v2"
)

// healthRequest is the fixed literal request spec.md §6 mandates: no
// newline, no terminator.
const healthRequest = "health"

// healthResponsePrefix is checked with a fixed-length prefix compare
// rather than strcmp, resolving Open Question 2 of spec.md §9 (recv
// output is not guaranteed NUL-terminated).
const healthResponsePrefix = "health: up\n"

const responseBufSize = 32

// probeTimeout bounds a single dial+write+read exchange; it is
// independent of health_check_interval and exists only to guarantee a
// probe eventually resolves even without the next-tick cancellation.
const probeTimeout = 5 * time.Second

// dsProbe tracks the single in-flight probe for one downstream, so a new
// tick can cancel a probe that has not completed (spec.md §5
// "Cancellation/timeouts").
type dsProbe struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	busy   bool
}

// Manager runs one health probe loop per downstream, shared across all
// workers (spec.md §3: "the health client array is shared across
// workers").
type Manager struct {
	downstreams []config.Downstream
	alive       router.AliveSet
	interval    time.Duration
	probes      []*dsProbe
}

// NewManager builds a health client manager over downstreams, publishing
// into alive.
func NewManager(downstreams []config.Downstream, alive router.AliveSet, interval time.Duration) *Manager {
	probes := make([]*dsProbe, len(downstreams))
	for i := range probes {
		probes[i] = &dsProbe{}
	}
	return &Manager{
		downstreams: downstreams,
		alive:       alive,
		interval:    interval,
		probes:      probes,
	}
}

// Start registers one gocron job per downstream and begins probing
// immediately. The returned scheduler must be Shutdown by the caller.
func (m *Manager) Start(ctx context.Context) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	for i, ds := range m.downstreams {
		i, ds := i, ds
		_, err := scheduler.NewJob(
			gocron.DurationJob(m.interval),
			gocron.NewTask(func() { m.tick(ctx, i, ds) }),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return nil, err
		}
	}

	scheduler.Start()
	return scheduler, nil
}

// tick starts a new probe for downstream i, cancelling and marking DOWN
// any probe from the previous tick that has not yet completed.
func (m *Manager) tick(ctx context.Context, i int, ds config.Downstream) {
	p := m.probes[i]

	p.mu.Lock()
	if p.busy {
		cclog.Warnf("healthclient: downstream %d probe still in flight, cancelling", ds.ID)
		if p.cancel != nil {
			p.cancel()
		}
		m.markDown(i, ds)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	p.cancel = cancel
	p.busy = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			// A probe cancelled by a later tick leaves busy alone: that
			// tick has already marked its replacement in flight.
			if ctx.Err() != nil || probeCtx.Err() != context.Canceled {
				p.busy = false
			}
			p.mu.Unlock()
			cancel()
		}()
		m.probe(probeCtx, i, ds)
	}()
}

// probe performs one dial/write/read exchange against ds's health
// address, per spec.md §6.
func (m *Manager) probe(ctx context.Context, i int, ds config.Downstream) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ds.HealthAddr)
	if err != nil {
		m.markDown(i, ds)
		return
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(healthRequest)); err != nil {
		m.markDown(i, ds)
		return
	}

	buf := make([]byte, responseBufSize)
	n, err := conn.Read(buf)
	if err != nil {
		m.markDown(i, ds)
		return
	}

	if !bytes.HasPrefix(buf[:n], []byte(healthResponsePrefix)) {
		m.markDown(i, ds)
		return
	}

	m.markUp(i, ds)
}

func (m *Manager) markDown(i int, ds config.Downstream) {
	if m.alive.IsAlive(i) {
		cclog.Debugf("healthclient: downstream %d (%s) marked DOWN", ds.ID, ds.HealthAddr)
	}
	m.alive.Set(i, false)
}

func (m *Manager) markUp(i int, ds config.Downstream) {
	if !m.alive.IsAlive(i) {
		cclog.Debugf("healthclient: downstream %d (%s) marked UP", ds.ID, ds.HealthAddr)
	}
	m.alive.Set(i, true)
}
