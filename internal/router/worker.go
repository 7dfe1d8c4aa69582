// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements the Worker (spec.md §3, §4.7 C7): a single-threaded
// cooperative event loop that owns one slice of Downstream state and never
// blocks on anything but its own select statement (spec.md §5 "Scheduling
// model"). Two goroutines per worker actually exist — the loop itself and a
// dedicated UDP reader — but only the loop goroutine ever touches Router
// or Downstream state, preserving the single-owner guarantee the spec
// describes for a single-threaded event loop.
package router

import (
	"context"
	"net"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sys/unix"
)

// Worker binds one ingress UDP socket (with SO_REUSEPORT, so N workers can
// share the same data port for kernel-distributed load balancing) and its
// egress socket(s) (see OpenEgressConns), and drives a Router over its
// slice of downstreams.
type Worker struct {
	ID            int
	ingress       *net.UDPConn
	egress        []*net.UDPConn
	router        *Router
	flushInterval time.Duration
	pingInterval  time.Duration

	// OnPing is invoked once per ping_interval tick, from inside the
	// worker's own event loop goroutine — this is how the self-telemetry
	// emitter (internal/telemetry) gets to call Router.Push without ever
	// touching Downstream state from a second goroutine.
	OnPing func(r *Router)
}

// NewIngressListener opens a UDP socket bound to addr with SO_REUSEPORT, so
// that threads_num workers can all bind the same data port and let the
// kernel distribute datagrams between them (spec.md §4.7).
func NewIngressListener(addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}

// NewWorker builds a worker over downstreams, sharing alive. egress must
// have one entry per downstream, as built by OpenEgressConns from the
// caller's EgressPlan.
func NewWorker(id int, ingress *net.UDPConn, egress []*net.UDPConn, downstreams []*Downstream, alive AliveSet, flushInterval, pingInterval time.Duration) *Worker {
	warnf := func(format string, args ...any) { cclog.Warnf(format, args...) }
	return &Worker{
		ID:            id,
		ingress:       ingress,
		egress:        egress,
		router:        NewRouter(downstreams, alive, egress, warnf),
		flushInterval: flushInterval,
		pingInterval:  pingInterval,
	}
}

// Router exposes the worker's Router, e.g. so the telemetry emitter can
// read/reset per-downstream counters when it is not itself injecting a line.
func (w *Worker) Router() *Router { return w.router }

// Run drives the worker's event loop until ctx is cancelled. On
// cancellation it flushes every downstream's non-empty active buffer once
// before returning (the graceful-drain supplement of SPEC_FULL.md — the
// original C daemon has no equivalent step).
func (w *Worker) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	flushSig := make(chan struct{}, 1)
	pingSig := make(chan struct{}, 1)

	if _, err := scheduler.NewJob(
		gocron.DurationJob(w.flushInterval),
		gocron.NewTask(func() { signalNonBlocking(flushSig) }),
	); err != nil {
		return err
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(w.pingInterval),
		gocron.NewTask(func() { signalNonBlocking(pingSig) }),
	); err != nil {
		return err
	}

	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			cclog.Warnf("router: worker %d scheduler shutdown: %s", w.ID, err)
		}
	}()

	datagrams := make(chan []byte, 64)
	go w.readLoop(ctx, datagrams)

	for {
		select {
		case <-ctx.Done():
			w.router.FlushAll()
			return nil

		case buf := <-datagrams:
			ForEachLine(buf, func(format string, args ...any) { cclog.Warnf(format, args...) }, w.router.Push)

		case <-flushSig:
			w.router.SweepFlush(w.flushInterval)

		case <-pingSig:
			if w.OnPing != nil {
				w.OnPing(w.router)
			}
		}
	}
}

// readLoop is the only goroutine that calls ReadFromUDP; it hands
// completed datagrams to the event loop over a channel rather than
// touching Router state itself.
func (w *Worker) readLoop(ctx context.Context, out chan<- []byte) {
	buf := make([]byte, DataBufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = w.ingress.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := w.ingress.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			cclog.Warnf("router: worker %d ingress read: %s", w.ID, err)
			continue
		}

		// One spare byte of capacity for ForEachLine's in-place '\n'
		// append (spec.md §4.1's "buffer sized with one byte reserved").
		line := make([]byte, n, n+1)
		copy(line, buf[:n])

		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
}

func signalNonBlocking(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
