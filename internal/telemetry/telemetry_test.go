// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package telemetry

import (
	"net"
	"testing"

	"github.com/ClusterCockpit/cc-metric-router/internal/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConnectionLine(t *testing.T) {
	line := BuildConnectionLine("statsd-router", "dsA", 8125)
	assert.Equal(t,
		"statsd-router-dsA-8125.connections:1|c\nstatsd-router.dsA-8125.connections:1|c\n",
		string(line),
	)
}

func TestMetricPrefixUsesDownstreamAddress(t *testing.T) {
	assert.Equal(t, "statsd-router.dsA-8125", MetricPrefix("statsd-router", "dsA", 8125))
}

type fakeFanout struct {
	published []string
	payloads  map[string]string
}

func (f *fakeFanout) Publish(subject string, data []byte) error {
	f.published = append(f.published, subject)
	if f.payloads == nil {
		f.payloads = make(map[string]string)
	}
	f.payloads[subject] = string(data)
	return nil
}

func newTestRouter(t *testing.T, n int) (*router.Router, router.AliveSet) {
	t.Helper()

	egressConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { egressConn.Close() })

	alive := router.NewAliveSet(n)
	downstreams := make([]*router.Downstream, n)
	egress := make([]*net.UDPConn, n)
	for i := range downstreams {
		downstreams[i] = router.NewDownstream(i, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9100 + i}, func(format string, args ...any) {})
		downstreams[i].TelemetryLine = BuildConnectionLine("statsd-router", "host", 9100+i)
		downstreams[i].MetricPrefix = MetricPrefix("statsd-router", "host", 9100+i)
		alive.Set(i, true)
		egress[i] = egressConn
	}

	return router.NewRouter(downstreams, alive, egress, func(format string, args ...any) {}), alive
}

func TestEmitterTickFansOutTrafficLinePerDownstream(t *testing.T) {
	r, alive := newTestRouter(t, 2)
	fanout := &fakeFanout{}

	e := NewEmitter(Options{
		Prefix:     "statsd-router",
		RouterHost: "router1",
		RouterPort: 8125,
		Registry:   prometheus.NewRegistry(),
		Fanout:     fanout,
	})

	e.Tick(r, alive)

	assert.ElementsMatch(t, []string{"statsd-router.downstream.0", "statsd-router.downstream.1"}, fanout.published)
}

func TestEmitterTickNamesTrafficLinePerDownstreamAddress(t *testing.T) {
	r, alive := newTestRouter(t, 2)
	fanout := &fakeFanout{}

	e := NewEmitter(Options{
		Prefix:     "statsd-router",
		RouterHost: "router1",
		RouterPort: 8125,
		Registry:   prometheus.NewRegistry(),
		Fanout:     fanout,
	})

	e.Tick(r, alive)

	line0 := fanout.payloads["statsd-router.downstream.0"]
	line1 := fanout.payloads["statsd-router.downstream.1"]
	assert.Equal(t, "statsd-router.host-9100.traffic:0|c\n", line0)
	assert.Equal(t, "statsd-router.host-9101.traffic:0|c\n", line1)
	assert.NotEqual(t, line0, line1)
}

func TestEmitterTickResetsCounters(t *testing.T) {
	r, alive := newTestRouter(t, 1)
	r.Downstreams()[0].PacketCount = 7
	r.Downstreams()[0].ByteCount = 700

	e := NewEmitter(Options{
		Prefix:     "statsd-router",
		RouterHost: "router1",
		RouterPort: 8125,
		Registry:   prometheus.NewRegistry(),
	})

	e.Tick(r, alive)

	assert.Equal(t, uint64(0), r.Downstreams()[0].PacketCount)
	assert.Equal(t, uint64(0), r.Downstreams()[0].ByteCount)
}

func TestEmitterTickAliveGaugeReflectsLiveCount(t *testing.T) {
	r, alive := newTestRouter(t, 3)
	alive.Set(1, false)

	registry := prometheus.NewRegistry()
	e := NewEmitter(Options{
		Prefix:     "statsd-router",
		RouterHost: "router1",
		RouterPort: 8125,
		Registry:   registry,
	})

	e.Tick(r, alive)

	assert.Equal(t, float64(2), testutil.ToFloat64(e.promAlive))
}
