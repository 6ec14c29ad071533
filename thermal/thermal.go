// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package thermal converts raw Lepton frames into temperatures and false
// color images.
package thermal

import (
	"fmt"
	"math"

	"github.com/maruel/thermalview/lepton"
)

// Radiometric calibration of the raw 14 bits readings.
const (
	RawOffset = 27700 // Raw value at 0°C.
	RawPerC   = 91.0  // Raw increments per °C.
)

// Celsius converts a raw sample to °C.
func Celsius(raw uint16) float64 {
	return (float64(raw) - RawOffset) / RawPerC
}

// Extremes is the range of valid samples in a frame.
type Extremes struct {
	Min   uint16 // 0xFFFF if no valid sample.
	Max   uint16 // 0 if no valid sample.
	Count int    // Number of valid samples.
}

// Celsius returns Min and Max in °C.
func (e Extremes) Celsius() (min, max float64) {
	return Celsius(e.Min), Celsius(e.Max)
}

// Summary is the one line description of the frame that is logged.
func (e Extremes) Summary() string {
	min, max := e.Celsius()
	return fmt.Sprintf("%d (%.1f) : %d (%.1f)", e.Min, min, e.Max, max)
}

// Scan returns the extremes of the frame. Samples of 0 carry no data and are
// skipped.
func Scan(f *lepton.Frame) Extremes {
	e := Extremes{Min: 0xFFFF}
	for s := range f.Segments {
		for p := 0; p < lepton.PacketsPerSegment; p++ {
			for i := 0; i < 80; i++ {
				v := f.Sample(s, p, i)
				if v == 0 {
					continue
				}
				e.Count++
				if v > e.Max {
					e.Max = v
				}
				if v < e.Min {
					e.Min = v
				}
			}
		}
	}
	return e
}

// FormatTemp is the text shown next to the image.
func FormatTemp(c float64) string {
	return fmt.Sprintf("%.1f", c)
}

//

// Range is the raw values range mapped to the palette.
type Range struct {
	Min     uint16
	Max     uint16
	AutoMin bool // Use the frame minimum instead of Min.
	AutoMax bool // Use the frame maximum instead of Max.
}

// DefaultRange is the range used when nothing is configured.
func DefaultRange() Range {
	return Range{Min: 29500, Max: 31200, AutoMin: true, AutoMax: true}
}

// Auto returns true if any bound follows the frames.
func (r Range) Auto() bool {
	return r.AutoMin || r.AutoMax
}

// Scaler maps raw samples to palette indexes.
type Scaler struct {
	r     Range
	min   uint16
	max   uint16
	scale float64
}

// NewScaler returns a scaler starting with the configured bounds.
func NewScaler(r Range) *Scaler {
	s := &Scaler{r: r, min: r.Min, max: r.Max}
	s.rescale()
	return s
}

// Range returns the configured range.
func (s *Scaler) Range() Range {
	return s.r
}

// Bounds returns the bounds used for the current frame.
func (s *Scaler) Bounds() (min, max uint16) {
	return s.min, s.max
}

// Scale returns the palette steps per raw unit.
func (s *Scaler) Scale() float64 {
	return s.scale
}

// Update adapts the auto bounds to the frame extremes and returns true if the
// frame maximum reaches the upper bound.
//
// A frame without any valid sample keeps the previous bounds and never
// overheats.
func (s *Scaler) Update(e Extremes) bool {
	if e.Count == 0 {
		return false
	}
	if s.r.Auto() {
		if s.r.AutoMin {
			s.min = e.Min
		}
		if s.r.AutoMax {
			s.max = e.Max
		}
		s.rescale()
	}
	return e.Max >= s.max
}

// Index returns the palette index for a raw sample.
//
// The conversion saturates: values below the lower bound map to 0 and the
// result never exceeds 65535.
func (s *Scaler) Index(v uint16) int {
	f := float64(int(v)-int(s.min)) * s.scale
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= math.MaxUint16:
		return math.MaxUint16
	default:
		return int(f)
	}
}

func (s *Scaler) rescale() {
	// A zero width range yields +Inf, which Index saturates.
	s.scale = 255 / (float64(s.max) - float64(s.min))
}
