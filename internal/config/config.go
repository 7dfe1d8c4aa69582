// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the router's startup configuration.
//
// Configuration is a single JSON document, validated against ConfigSchema
// before being decoded. Everything the data plane needs is resolved here,
// once, at startup: downstream addresses, worker count, and the three
// timer intervals (flush/health/ping). Nothing in this package is consulted
// again once the workers are running — there is no dynamic reconfiguration
// (see spec Non-goals).
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigSchema is the JSON Schema the raw configuration file is validated
// against before decoding, in the style of pkg/nats.ConfigSchema.
const ConfigSchema = `{
  "type": "object",
  "description": "Configuration for the StatsD metric router.",
  "properties": {
    "data_port": {
      "description": "UDP port the router listens on for ingress StatsD lines.",
      "type": "integer"
    },
    "control_port": {
      "description": "TCP port answering the health/echo control protocol.",
      "type": "integer"
    },
    "downstream": {
      "description": "Comma-separated 'host:data_port:health_port' triples, one per downstream metric server.",
      "type": "string"
    },
    "threads_num": {
      "description": "Number of worker goroutines, each binding the data port with SO_REUSEPORT.",
      "type": "integer",
      "minimum": 1
    },
    "downstream_flush_interval": {
      "description": "Seconds between forced flushes of a downstream's partially-filled buffer.",
      "type": "number",
      "exclusiveMinimum": 0
    },
    "downstream_health_check_interval": {
      "description": "Seconds between TCP health probes of a downstream.",
      "type": "number",
      "exclusiveMinimum": 0
    },
    "downstream_ping_interval": {
      "description": "Seconds between self-telemetry ticks.",
      "type": "number",
      "exclusiveMinimum": 0
    },
    "ping_prefix": {
      "description": "Metric name prefix used for self-telemetry lines.",
      "type": "string"
    },
    "log_level": {
      "description": "One of debug, info, warn, error.",
      "type": "string",
      "enum": ["debug", "info", "warn", "error"]
    }
  },
  "required": ["data_port", "control_port", "downstream", "threads_num"]
}`

// rawConfig mirrors the configuration contract of spec.md §6, plus the
// optional "nats" block, which is accepted here and read separately by
// pkg/nats.
type rawConfig struct {
	DataPort                      int     `json:"data_port"`
	ControlPort                   int     `json:"control_port"`
	Downstream                    string  `json:"downstream"`
	ThreadsNum                    int     `json:"threads_num"`
	DownstreamFlushInterval       float64 `json:"downstream_flush_interval"`
	DownstreamHealthCheckInterval float64 `json:"downstream_health_check_interval"`
	DownstreamPingInterval        float64 `json:"downstream_ping_interval"`
	PingPrefix                    string  `json:"ping_prefix"`
	LogLevel                      string  `json:"log_level"`

	Nats json.RawMessage `json:"nats"`
}

// Downstream is one configured metric destination, resolved to concrete
// socket addresses at startup (the core never does its own DNS lookups).
type Downstream struct {
	ID         int
	Host       string
	DataAddr   *net.UDPAddr
	HealthAddr string // "host:port", dialed fresh by the health client each probe
}

// Config is the fully resolved, validated startup configuration.
type Config struct {
	DataPort            int
	ControlPort         int
	Downstreams         []Downstream
	ThreadsNum          int
	FlushInterval       time.Duration
	HealthCheckInterval time.Duration
	PingInterval        time.Duration
	PingPrefix          string
	LogLevel            string
}

const (
	defaultFlushInterval       = 1 * time.Second
	defaultHealthCheckInterval = 2 * time.Second
	defaultPingInterval        = 10 * time.Second
)

// Load reads, validates, and decodes the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := Validate(ConfigSchema, json.RawMessage(data)); err != nil {
		return nil, err
	}

	var raw rawConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	downstreams, err := parseDownstreams(raw.Downstream)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataPort:            raw.DataPort,
		ControlPort:         raw.ControlPort,
		Downstreams:         downstreams,
		ThreadsNum:          raw.ThreadsNum,
		FlushInterval:       secondsOrDefault(raw.DownstreamFlushInterval, defaultFlushInterval),
		HealthCheckInterval: secondsOrDefault(raw.DownstreamHealthCheckInterval, defaultHealthCheckInterval),
		PingInterval:        secondsOrDefault(raw.DownstreamPingInterval, defaultPingInterval),
		PingPrefix:          raw.PingPrefix,
		LogLevel:            raw.LogLevel,
	}

	if cfg.ThreadsNum < 1 {
		return nil, fmt.Errorf("config: threads_num must be >= 1, got %d", cfg.ThreadsNum)
	}
	if len(cfg.Downstreams) == 0 {
		return nil, fmt.Errorf("config: no downstreams configured")
	}

	return cfg, nil
}

func secondsOrDefault(seconds float64, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds * float64(time.Second))
}

// parseDownstreams splits "host:data_port:health_port,host:data_port:health_port,..."
// into resolved Downstream entries, per spec.md §6's configuration contract.
func parseDownstreams(raw string) ([]Downstream, error) {
	parts := strings.Split(raw, ",")
	downstreams := make([]Downstream, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("config: malformed downstream %q, want host:data_port:health_port", part)
		}

		host := fields[0]
		dataPort, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("config: malformed data port in %q: %w", part, err)
		}
		healthPort, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("config: malformed health port in %q: %w", part, err)
		}

		dataAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(dataPort)))
		if err != nil {
			return nil, fmt.Errorf("config: resolving downstream %q: %w", part, err)
		}

		downstreams = append(downstreams, Downstream{
			ID:         len(downstreams),
			Host:       host,
			DataAddr:   dataAddr,
			HealthAddr: net.JoinHostPort(host, strconv.Itoa(healthPort)),
		})
	}

	return downstreams, nil
}
