// metrics_test.go: Lifecycle metrics and audit trail tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLifecycleMetrics(reg)

	m.observeTransition("load")
	m.observeTransition("load")
	m.observeTransition("unload")
	m.observeFailure(NewModNotFoundError("a"))
	m.observeFailure(errBoom)
	m.observeLoad(time.Now().Add(-time.Millisecond))
	m.setCounts(3, 1)
	m.observeControl("LoadMod", nil)
	m.observeControl("LoadMod", errBoom)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("load")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("unload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loadFailures.WithLabelValues(ErrCodeModNotFound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loadFailures.WithLabelValues("unknown")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeMods))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.suspendedMods))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.controlRequests.WithLabelValues("LoadMod", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.controlRequests.WithLabelValues("LoadMod", "error")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 6)

	t.Run("DoubleRegistrationPanics", func(t *testing.T) {
		assert.Panics(t, func() { NewLifecycleMetrics(reg) })
	})

	t.Run("NilIsSafe", func(t *testing.T) {
		var nilMetrics *LifecycleMetrics
		assert.NotPanics(t, func() {
			nilMetrics.observeTransition("load")
			nilMetrics.observeLoad(time.Now())
			nilMetrics.observeFailure(errBoom)
			nilMetrics.setCounts(1, 1)
			nilMetrics.observeControl("LoadMod", nil)
		})
	})
}

func TestLifecycleMetrics_TrackLifecycle(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	a := rig.addFull(testManifest("A"))
	b := rig.addFull(testManifest("B"))

	metrics := NewLifecycleMetrics(prometheus.NewRegistry())
	lifecycle := NewLifecycleManager(rig.host, rig.logger, metrics)

	require.NoError(t, lifecycle.LoadBatch(ctx, []ModEntry{a, b}, BatchOptions{}))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.activeMods))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.transitions.WithLabelValues("load")))

	require.NoError(t, lifecycle.Suspend(ctx, "A"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.activeMods))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.suspendedMods))

	require.NoError(t, lifecycle.Unload(ctx, "A"))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.suspendedMods))
}

func TestLifecycleAudit(t *testing.T) {
	t.Run("DisabledIsNil", func(t *testing.T) {
		audit, err := NewLifecycleAudit(AuditConfig{}, NewTestLogger())
		require.NoError(t, err)
		assert.Nil(t, audit)
		assert.NotPanics(t, func() {
			audit.HandleEvent(LifecycleEvent{Type: EventModLoaded, ModID: "a"})
			audit.RecordControlRequest("LoadMod", "a", "127.0.0.1:1", nil)
		})
		assert.NoError(t, audit.Close())
	})

	t.Run("WritesEvents", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit", "modloader.jsonl")
		logger := NewTestLogger()
		audit, err := NewLifecycleAudit(AuditConfig{Enabled: true, OutputFile: path, FlushInterval: 10 * time.Millisecond}, logger)
		require.NoError(t, err)
		require.NotNil(t, audit)
		assert.True(t, logger.HasMessage("INFO", "Lifecycle audit logging configured"))

		audit.HandleEvent(LifecycleEvent{Type: EventModLoaded, ModID: "alpha", Version: "1.0.0", State: StateActive, Timestamp: time.Now()})
		audit.HandleEvent(LifecycleEvent{Type: EventModLoadFailed, ModID: "beta", Error: "boom"})
		audit.RecordControlRequest("UnloadMod", "alpha", "127.0.0.1:5000", errBoom)
		require.NoError(t, audit.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		content := string(data)
		assert.Contains(t, content, "mod_loaded")
		assert.Contains(t, content, "mod_load_failed")
		assert.Contains(t, content, "control_request")
		assert.Contains(t, content, "alpha")
	})
}
