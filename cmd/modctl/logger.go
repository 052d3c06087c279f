// logger.go: charmbracelet/log adapter for the modloader Logger interface
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"io"

	"github.com/charmbracelet/log"

	modloader "github.com/agilira/go-modloader"
)

type charmLogger struct {
	l *log.Logger
}

func newCharmLogger(w io.Writer, verbose bool) modloader.Logger {
	l := log.NewWithOptions(w, log.Options{
		Prefix:          "modctl",
		ReportTimestamp: true,
	})
	if verbose {
		l.SetLevel(log.DebugLevel)
	}
	return charmLogger{l: l}
}

func (c charmLogger) Debug(msg string, args ...any) { c.l.Debug(msg, args...) }
func (c charmLogger) Info(msg string, args ...any)  { c.l.Info(msg, args...) }
func (c charmLogger) Warn(msg string, args ...any)  { c.l.Warn(msg, args...) }
func (c charmLogger) Error(msg string, args ...any) { c.l.Error(msg, args...) }

func (c charmLogger) With(args ...any) modloader.Logger {
	return charmLogger{l: c.l.With(args...)}
}
