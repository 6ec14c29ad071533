// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package vlog gates diagnostic messages by verbosity.
//
// A message is emitted when its level is lower or equal to the configured
// verbosity. Verbosity 0 silences everything but level 0 messages.
package vlog

import (
	"log"
	"sync/atomic"
)

// logf holds the output function, log.Printf unless replaced.
var logf atomic.Value

func init() {
	SetOutput(nil)
}

// SetOutput replaces the output function. Passing nil restores log.Printf.
func SetOutput(f func(format string, v ...interface{})) {
	if f == nil {
		f = log.Printf
	}
	logf.Store(f)
}

// Logger prints messages at or below Level.
//
// The zero value is a silent logger. It is safe for concurrent use.
type Logger struct {
	level int32
}

// New returns a Logger with the given verbosity.
func New(level int) *Logger {
	return &Logger{level: int32(level)}
}

// Level returns the current verbosity.
func (l *Logger) Level() int {
	return int(atomic.LoadInt32(&l.level))
}

// SetLevel changes the verbosity.
func (l *Logger) SetLevel(level int) {
	atomic.StoreInt32(&l.level, int32(level))
}

// Enabled reports if a message at level would be printed.
func (l *Logger) Enabled(level int) bool {
	return l != nil && level <= l.Level()
}

// Printf prints the message if level is enabled.
func (l *Logger) Printf(level int, format string, v ...interface{}) {
	if l.Enabled(level) {
		logf.Load().(func(string, ...interface{}))(format, v...)
	}
}
