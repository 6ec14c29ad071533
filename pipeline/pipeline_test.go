// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/maruel/thermalview/lepton"
	"github.com/maruel/thermalview/leptontest"
	"github.com/maruel/thermalview/palette"
	"github.com/maruel/thermalview/thermal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	hot := func(x, y int) uint16 {
		if x == 20 && y == 100 {
			return 27700 + 91*40
		}
		return 27700 + 91*20
	}
	bus := leptontest.NewBus()
	bus.Push(leptontest.Discard(), leptontest.Discard())
	bus.Push(leptontest.Frame(lepton.Lepton3, hot)...)
	bus.Push(leptontest.Frame(lepton.Lepton3, hot)...)
	sink := &recorder{}
	p := New(bus, nil, sink, nil, DefaultSettings())
	require.NoError(t, p.Run(context.Background()))

	require.Len(t, sink.imgs, 2)
	assert.Equal(t, []string{"40.0", "40.0"}, sink.summaries)
	// Each frame is a private copy.
	assert.NotSame(t, sink.imgs[0], sink.imgs[1])
	assert.NotSame(t, p.render.Image(), sink.imgs[1])
	assert.Equal(t, image.Rect(0, 0, 160, 120), sink.imgs[0].Rect)
	// Crosshair on the hot spot.
	assert.Equal(t, thermal.Crosshair, sink.imgs[1].RGBAAt(20, 100))
	assert.Equal(t, thermal.Crosshair, sink.imgs[1].RGBAAt(21, 100))

	s := p.Stats()
	assert.Equal(t, 2, s.Frames)
	assert.Equal(t, 0, s.PartialFrames)
	assert.Equal(t, 2, s.Resets)
	assert.Equal(t, 8, s.Runs)
	assert.Equal(t, "40.0", s.LastSummary)
	assert.InDelta(t, 20.0, s.MinC, 1e-9)
	assert.Equal(t, 1, bus.Opens)
}

func TestRun_openFailure(t *testing.T) {
	bus := leptontest.NewBus()
	bus.OpenErrs = []error{errors.New("no such device")}
	p := New(bus, nil, nil, nil, DefaultSettings())
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "pipeline: opening bus: no such device", err.Error())
}

func TestRun_cancel(t *testing.T) {
	sensor := leptontest.NewSensor(lepton.Lepton2)
	sensor.Delay = 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := 0
	sink := SinkFunc(func(img *image.RGBA, summary string) {
		if n++; n == 3 {
			cancel()
		}
	})
	s := DefaultSettings()
	s.Variant = lepton.Lepton2
	p := New(sensor, sensor, sink, nil, s)
	assert.Equal(t, context.Canceled, p.Run(ctx))
	assert.Equal(t, 3, p.Stats().Frames)
	assert.GreaterOrEqual(t, sensor.Frames(), 3)
}

func TestRun_capture(t *testing.T) {
	bus := leptontest.NewBus()
	for i := 0; i < 3; i++ {
		bus.Push(leptontest.Frame(lepton.Lepton2, leptontest.Uniform(30000))...)
	}
	c := &blockingCapturer{release: make(chan struct{})}
	s := DefaultSettings()
	s.Variant = lepton.Lepton2
	s.AutoCapture = true
	p := New(bus, nil, nil, c, s)
	require.NoError(t, p.Run(context.Background()))
	close(c.release)
	p.Wait()

	st := p.Stats()
	assert.Equal(t, 1, st.Captures)
	assert.Equal(t, 2, st.DroppedCaptures)
	assert.Equal(t, 1, c.calls)
	assert.InDelta(t, (30000-27700)/91.0, c.maxC, 1e-9)
}

func TestRun_noCapture(t *testing.T) {
	bus := leptontest.NewBus(leptontest.Frame(lepton.Lepton2, leptontest.Uniform(30000))...)
	c := &blockingCapturer{release: make(chan struct{})}
	close(c.release)
	s := DefaultSettings()
	s.Variant = lepton.Lepton2
	// Manual range never reached.
	s.Range = thermal.Range{Min: 29000, Max: 31000}
	s.AutoCapture = true
	p := New(bus, nil, nil, c, s)
	require.NoError(t, p.Run(context.Background()))
	p.Wait()
	assert.Equal(t, 0, p.Stats().Captures)
}

func TestRun_endToEnd(t *testing.T) {
	data := []struct {
		name string
		at   image.Point
	}{
		// The only sample is rendered and marked.
		{"first", image.Pt(0, 0)},
		// The first zero stops the segment so the sample is never rendered and
		// the marker stays at the origin.
		{"afterZero", image.Pt(10, 5)},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			bus := leptontest.NewBus(leptontest.Frame(lepton.Lepton2, func(x, y int) uint16 {
				if x == line.at.X && y == line.at.Y {
					return 31200
				}
				return 0
			})...)
			sink := &recorder{}
			s := DefaultSettings()
			s.Variant = lepton.Lepton2
			s.Range = thermal.Range{Min: 29500, Max: 31200}
			p := New(bus, nil, sink, nil, s)
			require.NoError(t, p.Run(context.Background()))

			require.Len(t, sink.imgs, 1)
			assert.Equal(t, []string{"38.5"}, sink.summaries)
			img := sink.imgs[0]
			marker := map[image.Point]bool{image.Pt(0, 0): true, image.Pt(1, 0): true, image.Pt(0, 1): true}
			black := color.RGBA{0, 0, 0, 255}
			for y := 0; y < 60; y++ {
				for x := 0; x < 80; x++ {
					want := black
					if marker[image.Pt(x, y)] {
						want = thermal.Crosshair
					}
					if got := img.RGBAAt(x, y); got != want {
						t.Fatalf("(%d, %d): got %v, want %v", x, y, got, want)
					}
				}
			}
		})
	}
}

func TestRun_reboot(t *testing.T) {
	bus := leptontest.NewBus(leptontest.Segment(lepton.Lepton3, 7, leptontest.Uniform(30000))...)
	for i := 0; i < lepton.ResetLimit; i++ {
		bus.Push(leptontest.Discard())
	}
	ctl := &leptontest.Controller{}
	p := New(bus, ctl, nil, nil, DefaultSettings())
	p.syncer = lepton.NewSynchronizer(bus, ctl, lepton.Options{
		Variant:  lepton.Lepton3,
		Sleep:    func(time.Duration) {},
		OnReboot: p.clearErrors,
	})
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 1, ctl.Reboots())
	assert.Equal(t, 1, p.Stats().InvalidSegments)
	assert.Equal(t, 0, p.asm.Invalid())
}

func TestUpdate(t *testing.T) {
	bus := leptontest.NewBus(leptontest.Frame(lepton.Lepton2, func(x, y int) uint16 {
		if x == 0 {
			return 30255
		}
		return 30000
	})...)
	sink := &recorder{}
	p := New(bus, nil, sink, nil, DefaultSettings())
	s := DefaultSettings()
	s.Variant = lepton.Lepton2
	s.Palette = palette.Grayscale
	s.Mirror = true
	s.Range = thermal.Range{Min: 30000, Max: 30255}
	s.Verbosity = 2
	p.Update(s)
	assert.Equal(t, s, p.Settings())
	require.NoError(t, p.Run(context.Background()))

	require.Len(t, sink.imgs, 1)
	img := sink.imgs[0]
	assert.Equal(t, image.Rect(0, 0, 80, 60), img.Rect)
	// Column 0 is mirrored to 79.
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, img.RGBAAt(79, 30))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, img.RGBAAt(40, 30))
	assert.Equal(t, 2, p.log.Level())
}

func TestUpdate_speed(t *testing.T) {
	bus := leptontest.NewBus(leptontest.Frame(lepton.Lepton3, leptontest.Uniform(30000))...)
	p := New(bus, nil, nil, nil, DefaultSettings())
	s := DefaultSettings()
	s.Speed = 10 * lepton.DefaultSpeed / 20
	p.Update(s)
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 2, bus.Opens)
	assert.Equal(t, 1, bus.Halts)
	assert.Equal(t, s.Speed, bus.Speed)
}

func TestRunFFC(t *testing.T) {
	ctl := &leptontest.Controller{}
	p := New(leptontest.NewBus(), ctl, nil, nil, DefaultSettings())
	require.NoError(t, p.RunFFC())
	assert.Equal(t, 1, ctl.FFCs())
	assert.Error(t, New(leptontest.NewBus(), nil, nil, nil, DefaultSettings()).RunFFC())
}

//

type recorder struct {
	imgs      []*image.RGBA
	summaries []string
}

func (r *recorder) Frame(img *image.RGBA, summary string) {
	r.imgs = append(r.imgs, img)
	r.summaries = append(r.summaries, summary)
}

type blockingCapturer struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
	maxC    float64
}

func (b *blockingCapturer) Capture(img image.Image, maxC float64) {
	b.mu.Lock()
	b.calls++
	b.maxC = maxC
	b.mu.Unlock()
	<-b.release
}
