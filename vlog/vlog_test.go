// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package vlog

import (
	"fmt"
	"testing"
)

func TestPrintf(t *testing.T) {
	var got []string
	SetOutput(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	defer SetOutput(nil)

	l := New(5)
	l.Printf(3, "a %d", 3)
	l.Printf(5, "b")
	l.Printf(8, "c")
	if len(got) != 2 || got[0] != "a 3" || got[1] != "b" {
		t.Fatalf("unexpected output %q", got)
	}
	l.SetLevel(10)
	l.Printf(8, "c")
	if len(got) != 3 {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestNil(t *testing.T) {
	var l *Logger
	if l.Enabled(0) {
		t.Fatal("nil logger must be silent")
	}
	l.Printf(0, "ignored")
}
