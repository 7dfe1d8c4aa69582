// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry implements the self-telemetry emitter of spec.md §4.6
// C6: on each ping_interval tick it injects synthetic StatsD lines
// describing the router's own forwarding behavior back into the Router via
// the ordinary Push path, so they are hashed, batched, and flushed exactly
// like externally-received traffic (spec.md: "these metrics... exercis[e]
// all code paths and provid[e] end-to-end proof of the router's
// liveness").
package telemetry

import (
	"fmt"

	"github.com/ClusterCockpit/cc-metric-router/internal/router"
	"github.com/prometheus/client_golang/prometheus"
)

// BuildConnectionLine formats the per-downstream telemetry_line spec.md §3
// describes, built once at startup into an owned byte slice (spec.md §9:
// "build telemetry line strings once at startup into owned byte vectors"
// rather than formatting into a fixed buffer on every tick).
func BuildConnectionLine(prefix, host string, port int) []byte {
	return []byte(fmt.Sprintf(
		"%s-%s-%d.connections:1|c\n%s.%s-%d.connections:1|c\n",
		prefix, host, port, prefix, host, port,
	))
}

// MetricPrefix builds the "<prefix>.<host>-<port>" name stem the
// packets/traffic counter lines of spec.md §4.6 step 2 are built from —
// the downstream's own host and data port, not the router's (spec.md §4.6,
// confirmed against original_source/sr-init.c's downstream_packet_counter_metric
// / downstream_traffic_counter_metric, which are keyed by metric_host_name
// and the downstream's data_port). Built once at startup and stored on
// router.Downstream.MetricPrefix, the same way BuildConnectionLine's result
// is stored on TelemetryLine.
func MetricPrefix(prefix, host string, port int) string {
	return fmt.Sprintf("%s.%s-%d", prefix, host, port)
}

// Emitter drives one worker's ping tick. Each worker owns its own Emitter
// (it only ever touches the Downstream rows that worker owns), but all
// Emitters share the same Prometheus vectors and NATS fan-out, identified
// by downstream ID.
type Emitter struct {
	prefix     string
	routerHost string
	routerPort int

	fanout NATSFanout // optional; nil disables NATS fan-out

	promConnections *prometheus.CounterVec
	promPackets     *prometheus.CounterVec
	promBytes       *prometheus.CounterVec
	promAlive       prometheus.Gauge
}

// NATSFanout is the subset of pkg/nats.Client telemetry needs, so tests can
// substitute a fake without a live NATS server.
type NATSFanout interface {
	Publish(subject string, data []byte) error
}

// Options configures an Emitter.
type Options struct {
	Prefix     string
	RouterHost string
	RouterPort int
	Registry   *prometheus.Registry
	Fanout     NATSFanout
}

// NewEmitter builds an Emitter, registering its Prometheus collectors with
// opts.Registry if non-nil (the /metrics HTTP surface of internal/control).
func NewEmitter(opts Options) *Emitter {
	e := &Emitter{
		prefix:     opts.Prefix,
		routerHost: opts.RouterHost,
		routerPort: opts.RouterPort,
		fanout:     opts.Fanout,
		promConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statsd_router",
			Name:      "downstream_connections_total",
			Help:      "Self-telemetry connection ticks emitted per downstream.",
		}, []string{"downstream"}),
		promPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statsd_router",
			Name:      "downstream_packets_total",
			Help:      "Egress packets per downstream, accumulated from each ping tick's count.",
		}, []string{"downstream"}),
		promBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statsd_router",
			Name:      "downstream_bytes_total",
			Help:      "Egress bytes per downstream, accumulated from each ping tick's count.",
		}, []string{"downstream"}),
		promAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "statsd_router",
			Name:      "healthy_downstreams",
			Help:      "Number of downstreams considered alive as of the last ping tick.",
		}),
	}

	if opts.Registry != nil {
		e.promConnections = registerShared(opts.Registry, e.promConnections)
		e.promPackets = registerShared(opts.Registry, e.promPackets)
		e.promBytes = registerShared(opts.Registry, e.promBytes)
		e.promAlive = registerShared(opts.Registry, e.promAlive)
	}

	return e
}

// registerShared registers c with reg, or returns the collector an earlier
// Emitter already registered there under the same descriptor.
func registerShared[T prometheus.Collector](reg *prometheus.Registry, c T) T {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}

// Tick runs the three steps of spec.md §4.6 against r's downstreams. It
// must be called from the same goroutine that owns r (the worker event
// loop), since it calls r.Push directly.
func (e *Emitter) Tick(r *router.Router, alive router.AliveSet) {
	aliveCount := 0

	for _, ds := range r.Downstreams() {
		dsLabel := fmt.Sprintf("%d", ds.ID)

		if alive.IsAlive(ds.ID) {
			r.Push(ds.TelemetryLine)
			aliveCount++
			e.promConnections.WithLabelValues(dsLabel).Inc()
		}

		packets := ds.PacketCount
		byteCount := ds.ByteCount
		ds.PacketCount = 0
		ds.ByteCount = 0

		line := fmt.Sprintf("%s.packets:%d|c\n", ds.MetricPrefix, packets)
		r.Push([]byte(line))
		e.promPackets.WithLabelValues(dsLabel).Add(float64(packets))

		line = fmt.Sprintf("%s.traffic:%d|c\n", ds.MetricPrefix, byteCount)
		r.Push([]byte(line))
		e.promBytes.WithLabelValues(dsLabel).Add(float64(byteCount))

		if e.fanout != nil {
			subject := fmt.Sprintf("statsd-router.downstream.%d", ds.ID)
			_ = e.fanout.Publish(subject, []byte(line))
		}
	}

	gaugeLine := fmt.Sprintf("%s.%s-%d.healthy_downstreams:%d|g\n", e.prefix, e.routerHost, e.routerPort, aliveCount)
	r.Push([]byte(gaugeLine))
	e.promAlive.Set(float64(aliveCount))
}
