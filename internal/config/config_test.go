// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"data_port": 8125,
		"control_port": 8126,
		"downstream": "10.0.0.1:8125:8126,10.0.0.2:8125:8126",
		"threads_num": 4,
		"downstream_flush_interval": 0.5,
		"ping_prefix": "statsd-router"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8125, cfg.DataPort)
	assert.Equal(t, 8126, cfg.ControlPort)
	assert.Equal(t, 4, cfg.ThreadsNum)
	require.Len(t, cfg.Downstreams, 2)
	assert.Equal(t, "10.0.0.1", cfg.Downstreams[0].Host)
	assert.Equal(t, "10.0.0.1:8126", cfg.Downstreams[0].HealthAddr)
	assert.Equal(t, 500*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, defaultHealthCheckInterval, cfg.HealthCheckInterval)
	assert.Equal(t, defaultPingInterval, cfg.PingInterval)
}

func TestLoadMissingRequiredField(t *testing.T) {
	path := writeConfig(t, `{
		"control_port": 8126,
		"downstream": "10.0.0.1:8125:8126",
		"threads_num": 1
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `{
		"data_port": 8125,
		"control_port": 8126,
		"downstream": "10.0.0.1:8125:8126",
		"threads_num": 1,
		"bogus_field": true
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsZeroThreads(t *testing.T) {
	path := writeConfig(t, `{
		"data_port": 8125,
		"control_port": 8126,
		"downstream": "10.0.0.1:8125:8126",
		"threads_num": 0
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestParseDownstreamsMalformedEntry(t *testing.T) {
	_, err := parseDownstreams("10.0.0.1:8125")
	assert.Error(t, err)
}

func TestParseDownstreamsBadPort(t *testing.T) {
	_, err := parseDownstreams("10.0.0.1:abc:8126")
	assert.Error(t, err)
}

func TestSecondsOrDefault(t *testing.T) {
	assert.Equal(t, 2*time.Second, secondsOrDefault(2, time.Second))
	assert.Equal(t, time.Second, secondsOrDefault(0, time.Second))
	assert.Equal(t, time.Second, secondsOrDefault(-1, time.Second))
}
