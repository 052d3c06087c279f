// audit.go: Audit trail of lifecycle and control events
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"os"
	"path/filepath"
	"time"

	"github.com/agilira/argus"
)

// AuditConfig configures the lifecycle audit trail.
type AuditConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	OutputFile    string        `json:"output_file" yaml:"output_file"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// LifecycleAudit writes lifecycle events to an argus audit log. It is
// subscribed to the lifecycle manager and also records control requests.
type LifecycleAudit struct {
	auditor *argus.AuditLogger
	logger  Logger
}

// NewLifecycleAudit opens the audit log. It returns nil without error when
// auditing is disabled; a nil *LifecycleAudit ignores every call.
func NewLifecycleAudit(config AuditConfig, logger Logger) (*LifecycleAudit, error) {
	if !config.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	if config.OutputFile == "" {
		config.OutputFile = "modloader-audit.jsonl"
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(config.OutputFile), 0750); err != nil {
		return nil, NewConfigValidationError("failed to create audit directory", err)
	}

	auditor, err := argus.NewAuditLogger(argus.AuditConfig{
		Enabled:       true,
		OutputFile:    config.OutputFile,
		MinLevel:      argus.AuditInfo,
		BufferSize:    1000,
		FlushInterval: config.FlushInterval,
		IncludeStack:  false,
	})
	if err != nil {
		return nil, NewConfigValidationError("failed to create audit logger", err)
	}

	logger.Info("Lifecycle audit logging configured", "file", config.OutputFile)
	return &LifecycleAudit{auditor: auditor, logger: logger}, nil
}

// HandleEvent records a lifecycle event.
func (a *LifecycleAudit) HandleEvent(event LifecycleEvent) {
	if a == nil {
		return
	}
	context := map[string]interface{}{
		"mod_id":    event.ModID,
		"version":   event.Version,
		"state":     string(event.State),
		"timestamp": event.Timestamp,
	}
	if event.Error != "" {
		context["error"] = event.Error
	}
	a.auditor.LogSecurityEvent(string(event.Type), "Mod lifecycle event", context)
}

// RecordControlRequest records a request received by the control server.
func (a *LifecycleAudit) RecordControlRequest(requestType, modID, remote string, err error) {
	if a == nil {
		return
	}
	context := map[string]interface{}{
		"request": requestType,
		"mod_id":  modID,
		"remote":  remote,
	}
	if err != nil {
		context["error"] = err.Error()
	}
	a.auditor.LogSecurityEvent("control_request", "Control protocol request", context)
}

// Close flushes and closes the audit log.
func (a *LifecycleAudit) Close() error {
	if a == nil {
		return nil
	}
	return a.auditor.Close()
}
