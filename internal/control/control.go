// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package control implements the TCP control port spec.md §6 describes as
// out of core scope: a trivial textual echo protocol external supervisors
// use to check the router is alive. It also hosts the Prometheus /metrics
// endpoint (DOMAIN STACK), a purely additive observability surface on top
// of the self-telemetry lines the data plane already emits.
package control

import (
	"context"
	"net"
	"net/http"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	requestBufSize = 32
	readTimeout    = 5 * time.Second
)

// Serve accepts connections on ln and answers the control protocol:
// a request of the form "health <token>" gets "health:<token>\n" back;
// anything else closes the connection without a response.
func Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				cclog.Warnf("control: accept: %s", err)
				return err
			}
		}
		go handleConn(conn)
	}
}

func handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	buf := make([]byte, requestBufSize)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}

	const prefix = "health "
	req := string(buf[:n])
	if len(req) <= len(prefix) || req[:len(prefix)] != prefix {
		return
	}

	token := trimNewline(req[len(prefix):])
	_, _ = conn.Write([]byte("health:" + token + "\n"))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// ServeMetrics runs a minimal HTTP server exposing reg at /metrics until ctx
// is cancelled. reg must be the same registry the telemetry emitters
// registered their collectors with — it is never the Prometheus default
// registry, since the router never touches other packages' global state.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
