// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package lepton_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/maruel/thermalview/lepton"
	"github.com/maruel/thermalview/leptontest"
	"github.com/maruel/thermalview/vlog"
)

func TestScan(t *testing.T) {
	bus := leptontest.NewBus(leptontest.Segment(lepton.Lepton2, 1, leptontest.Uniform(42))...)
	s, sleeps := newSync(bus, nil, lepton.Lepton2)
	run, err := s.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.Segment != 1 || run.Resets != 0 || !run.Valid() {
		t.Fatalf("%+v", run)
	}
	st := s.Stats()
	if st.Resets != 0 || st.GoodPackets != 60 || st.Runs != 1 {
		t.Fatalf("%+v", st)
	}
	if len(*sleeps) != 0 {
		t.Fatal(*sleeps)
	}
	if s.State() != lepton.Scanning {
		t.Fatal(s.State())
	}
}

func TestScan_resync(t *testing.T) {
	seg := leptontest.Segment(lepton.Lepton2, 1, leptontest.Uniform(42))
	var packets [][]byte
	packets = append(packets, leptontest.Discard(), leptontest.Discard())
	// Lose sync at packet 10.
	packets = append(packets, seg[:10]...)
	packets = append(packets, seg[30])
	packets = append(packets, seg...)
	bus := leptontest.NewBus(packets...)
	s, sleeps := newSync(bus, nil, lepton.Lepton2)
	run, err := s.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.Resets != 3 {
		t.Fatalf("%+v", run)
	}
	st := s.Stats()
	if st.Resets != 3 || st.DiscardPackets != 2 {
		t.Fatalf("%+v", st)
	}
	want := []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	if fmt.Sprint(*sleeps) != fmt.Sprint(want) {
		t.Fatal(*sleeps)
	}
	if bus.Remaining() != 0 {
		t.Fatal(bus.Remaining())
	}
}

func TestScan_recover(t *testing.T) {
	var packets [][]byte
	for i := 0; i < 2*lepton.ResetLimit; i++ {
		packets = append(packets, leptontest.Discard())
	}
	packets = append(packets, leptontest.Segment(lepton.Lepton2, 1, leptontest.Uniform(42))...)
	bus := leptontest.NewBus(packets...)
	ctl := &leptontest.Controller{}
	var logs []string
	vlog.SetOutput(func(format string, v ...interface{}) {
		logs = append(logs, fmt.Sprintf(format, v...))
	})
	defer vlog.SetOutput(nil)
	sleeps := []time.Duration{}
	hooks := 0
	s := lepton.NewSynchronizer(bus, ctl, lepton.Options{
		Variant:  lepton.Lepton2,
		Log:      vlog.New(3),
		Sleep:    func(d time.Duration) { sleeps = append(sleeps, d) },
		OnReboot: func() { hooks++ },
	})
	run, err := s.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.Segment != 1 || run.Resets != 2*lepton.ResetLimit {
		t.Fatalf("%+v", run)
	}
	// Each ResetLimit consecutive resets lead to exactly one reboot.
	if ctl.Reboots() != 2 || hooks != 2 || bus.Halts != 2 || bus.Opens != 2 {
		t.Fatalf("reboots=%d hooks=%d halts=%d opens=%d", ctl.Reboots(), hooks, bus.Halts, bus.Opens)
	}
	settles := 0
	for _, d := range sleeps {
		if d == lepton.RebootSettle {
			settles++
		}
	}
	if settles != 2 || len(sleeps) != 2*lepton.ResetLimit+2 {
		t.Fatalf("settles=%d sleeps=%d", settles, len(sleeps))
	}
	if st := s.Stats(); st.Reboots != 2 || st.Resets != 2*lepton.ResetLimit {
		t.Fatalf("%+v", st)
	}
	if s.State() != lepton.Scanning {
		t.Fatal(s.State())
	}
	if !strings.HasPrefix(logs[len(logs)-1], "done reading, resets: 1500") {
		t.Fatal(logs)
	}
}

func TestScan_recoverReopen(t *testing.T) {
	var packets [][]byte
	for i := 0; i < lepton.ResetLimit; i++ {
		packets = append(packets, leptontest.Discard())
	}
	packets = append(packets, leptontest.Segment(lepton.Lepton2, 1, leptontest.Uniform(42))...)
	bus := leptontest.NewBus(packets...)
	bus.OpenErrs = []error{errors.New("busy")}
	s, sleeps := newSync(bus, nil, lepton.Lepton2)
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	settles := 0
	for _, d := range *sleeps {
		if d == lepton.RebootSettle {
			settles++
		}
	}
	if settles != 2 || bus.Opens != 1 {
		t.Fatalf("settles=%d opens=%d", settles, bus.Opens)
	}
}

func TestScan_segments(t *testing.T) {
	var packets [][]byte
	for seg := 1; seg <= 4; seg++ {
		packets = append(packets, leptontest.Segment(lepton.Lepton3, seg, leptontest.Uniform(42))...)
	}
	bus := leptontest.NewBus(packets...)
	s, _ := newSync(bus, nil, lepton.Lepton3)
	for seg := 1; seg <= 4; seg++ {
		run, err := s.Scan(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if run.Segment != seg || !run.Valid() {
			t.Fatalf("%d: %+v", seg, run)
		}
	}
}

func TestScan_invalidSegment(t *testing.T) {
	for _, seg := range []int{0, 5, 15} {
		bus := leptontest.NewBus(leptontest.Segment(lepton.Lepton3, seg, leptontest.Uniform(42))...)
		s, sleeps := newSync(bus, nil, lepton.Lepton3)
		run, err := s.Scan(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if run.Valid() || run.Segment != seg || run.Resets != 0 {
			t.Fatalf("%d: %+v", seg, run)
		}
		// The scan stops right after packet 20.
		if r := bus.Remaining(); r != 39 {
			t.Fatalf("%d: remaining %d", seg, r)
		}
		if len(*sleeps) != 0 {
			t.Fatal(*sleeps)
		}
	}
}

func TestScan_closed(t *testing.T) {
	bus := leptontest.NewBus(leptontest.Discard())
	s, _ := newSync(bus, nil, lepton.Lepton2)
	if _, err := s.Scan(context.Background()); err != io.ErrClosedPipe {
		t.Fatal(err)
	}
	if st := s.Stats(); st.Resets != 1 || st.TransferFails != 1 {
		t.Fatalf("%+v", st)
	}
}

func TestScan_cancel(t *testing.T) {
	bus := leptontest.NewBus(leptontest.Segment(lepton.Lepton2, 1, leptontest.Uniform(42))...)
	s, _ := newSync(bus, nil, lepton.Lepton2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Scan(ctx); err != context.Canceled {
		t.Fatal(err)
	}
}

func TestScan_crc(t *testing.T) {
	seg := leptontest.Segment(lepton.Lepton2, 1, leptontest.Uniform(42))
	seg[7][100] ^= 0xFF
	bus := leptontest.NewBus(seg...)
	s := lepton.NewSynchronizer(bus, nil, lepton.Options{VerifyCRC: true, Sleep: func(time.Duration) {}})
	run, err := s.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !run.Valid() {
		t.Fatalf("%+v", run)
	}
	if st := s.Stats(); st.CRCErrors != 1 || st.Resets != 0 {
		t.Fatalf("%+v", st)
	}
}

//

func TestReassembler_lepton2(t *testing.T) {
	r := lepton.NewReassembler(lepton.Lepton2, nil)
	f, ok := r.Add(makeRun(lepton.Lepton2, 1, 7))
	if !ok {
		t.Fatal("expected frame")
	}
	if len(f.Segments) != 1 || f.Sample(0, 59, 79) != 7 {
		t.Fatal("bad frame")
	}
}

func TestReassembler_lepton3(t *testing.T) {
	r := lepton.NewReassembler(lepton.Lepton3, nil)
	for seg := 1; seg <= 3; seg++ {
		if _, ok := r.Add(makeRun(lepton.Lepton3, seg, uint16(seg))); ok {
			t.Fatal("frame completed early")
		}
	}
	if r.Complete() {
		t.Fatal("not complete yet")
	}
	f, ok := r.Add(makeRun(lepton.Lepton3, 4, 4))
	if !ok || !r.Complete() {
		t.Fatal("expected frame")
	}
	for s := 0; s < 4; s++ {
		if v := f.Sample(s, 0, 0); v != uint16(s+1) {
			t.Fatalf("segment %d: %d", s, v)
		}
	}
	// Segment 4 alone completes a frame, the other shelves keep their content.
	f, ok = r.Add(makeRun(lepton.Lepton3, 4, 8))
	if !ok || f.Sample(0, 0, 0) != 1 || f.Sample(3, 0, 0) != 8 {
		t.Fatal("bad frame")
	}
	if r.Complete() {
		t.Fatal("frame mixes two cycles")
	}
}

func TestReassembler_invalid(t *testing.T) {
	var logs []string
	vlog.SetOutput(func(format string, v ...interface{}) {
		logs = append(logs, fmt.Sprintf(format, v...))
	})
	defer vlog.SetOutput(nil)
	r := lepton.NewReassembler(lepton.Lepton3, vlog.New(10))
	r.Add(makeRun(lepton.Lepton3, 1, 1))
	for i := 1; i <= 24; i++ {
		if _, ok := r.Add(makeRun(lepton.Lepton3, 9, 9)); ok {
			t.Fatal("invalid segment completed a frame")
		}
		if r.Invalid() != i {
			t.Fatalf("%d: %d", i, r.Invalid())
		}
	}
	if len(logs) != 2 || !strings.Contains(logs[1], "24 times") {
		t.Fatal(logs)
	}
	f, ok := r.Add(makeRun(lepton.Lepton3, 4, 4))
	if !ok {
		t.Fatal("expected frame")
	}
	if f.Sample(0, 10, 10) != 1 {
		t.Fatal("invalid segment mutated a shelf")
	}
	if r.Invalid() != 0 || len(logs) != 3 || !strings.Contains(logs[2], "[RECOVERED]") {
		t.Fatal(logs)
	}
	r.Add(makeRun(lepton.Lepton3, 0, 0))
	r.ClearErrors()
	if r.Invalid() != 0 {
		t.Fatal(r.Invalid())
	}
}

func TestFrame(t *testing.T) {
	r := lepton.NewReassembler(lepton.Lepton3, nil)
	pix := func(x, y int) uint16 { return uint16(y*256 + x) }
	var f *lepton.Frame
	for seg := 1; seg <= 4; seg++ {
		f, _ = r.Add(runOf(leptontest.Segment(lepton.Lepton3, seg, pix), seg))
	}
	if b := f.Bounds(); b.Dx() != 160 || b.Dy() != 120 {
		t.Fatal(b)
	}
	img := f.Gray16()
	for _, p := range [][2]int{{0, 0}, {79, 0}, {80, 0}, {159, 29}, {0, 30}, {100, 119}} {
		if v := img.Gray16At(p[0], p[1]).Y; v != pix(p[0], p[1]) {
			t.Fatalf("%v: %d", p, v)
		}
	}
	if x, y := f.Position(1, 3, 5); x != 85 || y != 31 {
		t.Fatal(x, y)
	}
}

//

func newSync(bus lepton.Transport, ctl lepton.Controller, v lepton.Variant) (*lepton.Synchronizer, *[]time.Duration) {
	sleeps := &[]time.Duration{}
	s := lepton.NewSynchronizer(bus, ctl, lepton.Options{
		Variant: v,
		Sleep:   func(d time.Duration) { *sleeps = append(*sleeps, d) },
	})
	return s, sleeps
}

func makeRun(v lepton.Variant, seg int, value uint16) lepton.Run {
	s := seg
	if s < 1 || s > 4 {
		s = 1
	}
	return runOf(leptontest.Segment(v, s, leptontest.Uniform(value)), seg)
}

func runOf(packets [][]byte, seg int) lepton.Run {
	var data [lepton.SegmentSize]byte
	for i, p := range packets {
		copy(data[i*lepton.PacketSize:], p)
	}
	return lepton.Run{Segment: seg, Data: &data}
}
