// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package pipeline runs the acquire, decode and render loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"sync"
	"sync/atomic"

	"github.com/maruel/thermalview/lepton"
	"github.com/maruel/thermalview/palette"
	"github.com/maruel/thermalview/thermal"
	"github.com/maruel/thermalview/vlog"
	"periph.io/x/periph/conn/physic"
)

// Settings is an immutable snapshot of the user configuration.
type Settings struct {
	Variant     lepton.Variant
	Speed       physic.Frequency
	VerifyCRC   bool
	Palette     palette.ID
	Range       thermal.Range
	Mirror      bool
	AutoCapture bool
	Verbosity   int
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Variant: lepton.Lepton3,
		Speed:   lepton.DefaultSpeed,
		Palette: palette.IronBlack,
		Range:   thermal.DefaultRange(),
	}
}

// Sink receives each rendered frame.
//
// img is never reused by the pipeline but may be shared with the Capturer so
// it must not be modified. Frame is called from the acquisition loop and must
// not block for long.
type Sink interface {
	Frame(img *image.RGBA, summary string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(img *image.RGBA, summary string)

// Frame implements Sink.
func (f SinkFunc) Frame(img *image.RGBA, summary string) {
	f(img, summary)
}

// Capturer saves a snapshot when the scene overheats. At most one Capture
// call runs at a time; requests done meanwhile are dropped.
type Capturer interface {
	Capture(img image.Image, maxCelsius float64)
}

// Stats is the acquisition and rendering counters.
type Stats struct {
	lepton.Stats
	State           lepton.SyncState
	Frames          int
	PartialFrames   int // Frames mixing segments of different cycles.
	InvalidSegments int
	Captures        int
	DroppedCaptures int
	MinC            float64
	MaxC            float64
	LastSummary     string
}

// Pipeline owns the transport and every buffer of the acquisition loop.
type Pipeline struct {
	bus      lepton.Transport
	ctl      lepton.Controller
	sink     Sink
	capturer Capturer
	log      *vlog.Logger

	// Only used by the loop.
	syncer *lepton.Synchronizer
	asm    *lepton.Reassembler
	scaler *thermal.Scaler
	render *thermal.Renderer
	pal    palette.Palette
	cur    Settings

	lock    sync.Mutex
	pending *Settings
	stats   Stats

	capturing atomic.Bool
	wg        sync.WaitGroup
}

// New returns a Pipeline. ctl, sink and capturer may be nil.
func New(bus lepton.Transport, ctl lepton.Controller, sink Sink, capturer Capturer, s Settings) *Pipeline {
	s = normalize(s)
	p := &Pipeline{
		bus:      bus,
		ctl:      ctl,
		sink:     sink,
		capturer: capturer,
		log:      vlog.New(s.Verbosity),
		cur:      s,
	}
	p.syncer = lepton.NewSynchronizer(bus, ctl, lepton.Options{
		Variant:   s.Variant,
		Speed:     s.Speed,
		VerifyCRC: s.VerifyCRC,
		Log:       p.log,
		OnReboot:  p.clearErrors,
	})
	p.asm = lepton.NewReassembler(s.Variant, p.log)
	p.scaler = thermal.NewScaler(s.Range)
	p.render = thermal.NewRenderer(s.Variant, p.log)
	p.pal = palette.Get(s.Palette)
	return p
}

// Run opens the transport and processes frames until ctx is done or the
// transport is closed.
//
// It returns nil once the transport is closed and ctx.Err() when ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.bus.Open(p.cur.Speed); err != nil {
		return fmt.Errorf("pipeline: opening bus: %w", err)
	}
	for {
		p.apply()
		f, err := p.acquire(ctx)
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		p.process(f)
	}
}

// Update replaces the settings. They are applied at the start of the next
// frame cycle.
func (p *Pipeline) Update(s Settings) {
	s = normalize(s)
	p.lock.Lock()
	p.pending = &s
	p.lock.Unlock()
}

// Settings returns the latest settings, including pending ones.
func (p *Pipeline) Settings() Settings {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.pending != nil {
		return *p.pending
	}
	return p.cur
}

// Stats returns a copy of the counters.
func (p *Pipeline) Stats() Stats {
	p.lock.Lock()
	s := p.stats
	p.lock.Unlock()
	s.Stats = p.syncer.Stats()
	s.State = p.syncer.State()
	return s
}

// RunFFC forwards a flat-field correction request to the sensor.
func (p *Pipeline) RunFFC() error {
	if p.ctl == nil {
		return errors.New("pipeline: no control channel")
	}
	return p.ctl.RunFFC()
}

// Wait waits for the in-flight capture, if any.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Private details.

func normalize(s Settings) Settings {
	if s.Variant != lepton.Lepton2 {
		s.Variant = lepton.Lepton3
	}
	if s.Speed == 0 {
		s.Speed = lepton.DefaultSpeed
	}
	return s
}

// apply switches to the pending settings, if any.
func (p *Pipeline) apply() {
	p.lock.Lock()
	n := p.pending
	p.pending = nil
	p.lock.Unlock()
	if n == nil {
		return
	}
	o := p.cur
	p.cur = *n
	p.log.SetLevel(n.Verbosity)
	if n.Variant != o.Variant {
		p.log.Printf(1, "switching to %s", n.Variant)
		p.syncer.SetVariant(n.Variant)
		p.asm.SetVariant(n.Variant)
	}
	if n.Speed != o.Speed {
		p.syncer.SetSpeed(n.Speed)
		if err := p.bus.Halt(); err != nil {
			p.log.Printf(3, "halting bus: %s", err)
		}
		if err := p.bus.Open(n.Speed); err != nil {
			// The synchronizer recovers by reopening on persistent failures.
			p.log.Printf(0, "reopening bus at %s: %s", n.Speed, err)
		}
	}
	if n.Palette != o.Palette {
		p.pal = palette.Get(n.Palette)
	}
	if n.Range != o.Range {
		p.scaler = thermal.NewScaler(n.Range)
	}
}

// acquire scans segments until a frame is complete.
func (p *Pipeline) acquire(ctx context.Context) (*lepton.Frame, error) {
	for {
		run, err := p.syncer.Scan(ctx)
		if err != nil {
			return nil, err
		}
		f, ok := p.asm.Add(run)
		if !run.Valid() {
			p.lock.Lock()
			p.stats.InvalidSegments++
			p.lock.Unlock()
		}
		if ok {
			return f, nil
		}
	}
}

func (p *Pipeline) process(f *lepton.Frame) {
	s := p.cur
	e := thermal.Scan(f)
	overheat := p.scaler.Update(e)
	minC, maxC := e.Celsius()
	summary := thermal.FormatTemp(maxC)
	p.log.Printf(1, "%s", e.Summary())

	hot := p.render.Render(f, e.Max, p.scaler, p.pal, s.Mirror)
	canvas := p.render.Image()
	thermal.Overlay(canvas, hot)
	img := image.NewRGBA(canvas.Rect)
	draw.Draw(img, img.Rect, canvas, canvas.Rect.Min, draw.Src)

	p.lock.Lock()
	p.stats.Frames++
	if !p.asm.Complete() {
		p.stats.PartialFrames++
	}
	p.stats.MinC = minC
	p.stats.MaxC = maxC
	p.stats.LastSummary = summary
	p.lock.Unlock()

	if overheat && s.AutoCapture {
		p.capture(img, maxC)
	}
	if p.sink != nil {
		p.sink.Frame(img, summary)
	}
}

// capture starts the capturer unless one is already in flight.
func (p *Pipeline) capture(img image.Image, maxC float64) {
	if p.capturer == nil {
		return
	}
	if !p.capturing.CompareAndSwap(false, true) {
		p.lock.Lock()
		p.stats.DroppedCaptures++
		p.lock.Unlock()
		return
	}
	p.lock.Lock()
	p.stats.Captures++
	p.lock.Unlock()
	p.log.Printf(1, "starting capture...")
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.capturing.Store(false)
		p.capturer.Capture(img, maxC)
	}()
}

// clearErrors is called by the synchronizer after a sensor reboot.
func (p *Pipeline) clearErrors() {
	p.asm.ClearErrors()
	p.render.ClearErrors()
}
