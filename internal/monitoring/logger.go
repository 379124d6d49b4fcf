// Package monitoring routes the per-package log streams of the pipeline.
//
// Every package logs to three streams: ops for lifecycle events and
// failures, diag for per-product diagnostics and trace for per-band detail.
// The command line picks how many of them reach the terminal.
package monitoring

import (
	"io"
	"log"
)

// Logf is the process-level logger for lifecycle messages outside any
// package stream. It defaults to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogWriters holds the io.Writers for each logging stream. A nil writer
// disables its stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// ForVerbosity enables ops at level 0, diag from 1 and trace from 2.
func ForVerbosity(level int, w io.Writer) LogWriters {
	lw := LogWriters{Ops: w}
	if level >= 1 {
		lw.Diag = w
	}
	if level >= 2 {
		lw.Trace = w
	}
	return lw
}

// Setter is the SetLogWriters function every logging package exports.
type Setter func(ops, diag, trace io.Writer)

// Apply hands the writers to each package.
func (lw LogWriters) Apply(setters ...Setter) {
	for _, set := range setters {
		set(lw.Ops, lw.Diag, lw.Trace)
	}
}
