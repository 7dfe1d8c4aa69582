// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command cc-metric-router is a stateless UDP router for StatsD metric
// lines: it ingests on a UDP data port, partitions metrics across a fixed
// set of downstream metric servers by consistent hashing, batches egress
// traffic, and probes downstream liveness over TCP (see spec.md).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ClusterCockpit/cc-metric-router/internal/config"
	"github.com/ClusterCockpit/cc-metric-router/internal/control"
	"github.com/ClusterCockpit/cc-metric-router/internal/healthclient"
	"github.com/ClusterCockpit/cc-metric-router/internal/router"
	"github.com/ClusterCockpit/cc-metric-router/internal/telemetry"
	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	natsclient "github.com/ClusterCockpit/cc-metric-router/pkg/nats"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "/etc/cc-metric-router/config.json", "path to the router's JSON configuration file")
	metricsAddr := flag.String("metrics-addr", "", "optional address to expose Prometheus /metrics on (e.g. ':9124'); empty disables it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cclog.Init(orDefault(cfg.LogLevel, "info"), false)
	cclog.Infof("cc-metric-router: starting with %d downstreams, %d workers", len(cfg.Downstreams), cfg.ThreadsNum)

	initOptionalNats(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fdLimit, err := router.ProcessFDLimit()
	if err != nil {
		cclog.Fatalf("cc-metric-router: %s", err)
	}
	plan, err := router.PlanEgressSockets(fdLimit, len(cfg.Downstreams), cfg.ThreadsNum)
	if err != nil {
		cclog.Fatalf("cc-metric-router: %s", err)
	}
	cclog.Infof("cc-metric-router: fd limit %d, %d egress socket(s) per worker", fdLimit, plan.SocketsPerWorker)

	alive := router.NewAliveSet(len(cfg.Downstreams))

	promReg := prometheus.NewRegistry()

	var wg sync.WaitGroup

	for w := 0; w < cfg.ThreadsNum; w++ {
		worker, err := buildWorker(w, cfg, alive, plan, promReg)
		if err != nil {
			cclog.Fatalf("cc-metric-router: building worker %d: %s", w, err)
		}

		wg.Add(1)
		go func(worker *router.Worker) {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil {
				cclog.Errorf("cc-metric-router: worker exited: %s", err)
			}
		}(worker)
	}

	healthMgr := healthclient.NewManager(cfg.Downstreams, alive, cfg.HealthCheckInterval)
	healthScheduler, err := healthMgr.Start(ctx)
	if err != nil {
		cclog.Fatalf("cc-metric-router: starting health client: %s", err)
	}

	controlLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ControlPort))
	if err != nil {
		cclog.Fatalf("cc-metric-router: control listen: %s", err)
	}
	go func() {
		if err := control.Serve(ctx, controlLn); err != nil {
			cclog.Warnf("cc-metric-router: control server: %s", err)
		}
	}()

	if *metricsAddr != "" {
		go func() {
			if err := control.ServeMetrics(ctx, *metricsAddr, promReg); err != nil {
				cclog.Warnf("cc-metric-router: metrics server: %s", err)
			}
		}()
	}

	<-ctx.Done()
	cclog.Info("cc-metric-router: shutting down")
	wg.Wait()
	if err := healthScheduler.Shutdown(); err != nil {
		cclog.Warnf("cc-metric-router: health scheduler shutdown: %s", err)
	}
}

// buildWorker opens one worker's ingress/egress sockets and its private
// Downstream rows (spec.md §3: "each Downstream slice is exclusively owned
// by exactly one Worker").
func buildWorker(id int, cfg *config.Config, alive router.AliveSet, plan router.EgressPlan, promReg *prometheus.Registry) (*router.Worker, error) {
	ingress, err := router.NewIngressListener(fmt.Sprintf(":%d", cfg.DataPort))
	if err != nil {
		return nil, fmt.Errorf("ingress listen: %w", err)
	}

	egress, err := router.OpenEgressConns(len(cfg.Downstreams), plan)
	if err != nil {
		return nil, fmt.Errorf("egress sockets: %w", err)
	}

	downstreams := make([]*router.Downstream, len(cfg.Downstreams))
	for i, dcfg := range cfg.Downstreams {
		warnf := func(format string, args ...any) { cclog.Warnf(format, args...) }
		ds := router.NewDownstream(i, dcfg.DataAddr, warnf)
		ds.TelemetryLine = telemetry.BuildConnectionLine(cfg.PingPrefix, dcfg.Host, dcfg.DataAddr.Port)
		ds.MetricPrefix = telemetry.MetricPrefix(cfg.PingPrefix, dcfg.Host, dcfg.DataAddr.Port)
		downstreams[i] = ds
	}

	worker := router.NewWorker(id, ingress, egress, downstreams, alive, cfg.FlushInterval, cfg.PingInterval)

	emitter := telemetry.NewEmitter(telemetry.Options{
		Prefix:     cfg.PingPrefix,
		RouterHost: hostnameOrUnknown(),
		RouterPort: cfg.DataPort,
		Registry:   promReg,
		Fanout:     natsFanoutOrNil(),
	})
	worker.OnPing = func(r *router.Router) { emitter.Tick(r, alive) }

	return worker, nil
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// initOptionalNats wires up the optional NATS fan-out enrichment described
// in SPEC_FULL.md's DOMAIN STACK section. The configuration contract of
// spec.md §6 does not require it: a missing or empty "nats" key disables
// it entirely.
func initOptionalNats(configPath string) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return
	}

	var wrapper struct {
		Nats json.RawMessage `json:"nats"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil || len(wrapper.Nats) == 0 {
		return
	}

	if err := natsclient.Init(wrapper.Nats); err != nil {
		cclog.Warnf("cc-metric-router: nats config: %s", err)
		return
	}
	natsclient.Connect()
}

func natsFanoutOrNil() telemetry.NATSFanout {
	if natsclient.Keys.Address == "" {
		return nil
	}
	c := natsclient.GetClient()
	if c == nil || !c.IsConnected() {
		return nil
	}
	return c
}
