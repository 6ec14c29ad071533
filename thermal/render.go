// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package thermal

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/maruel/thermalview/lepton"
	"github.com/maruel/thermalview/palette"
	"github.com/maruel/thermalview/vlog"
)

// Crosshair is the color of the hot spot marker.
var Crosshair = color.RGBA{R: 0, G: 200, B: 0, A: 255}

// zeroWarnEvery throttles the zero sample warning.
const zeroWarnEvery = 12

// Renderer colorizes frames into a persistent RGBA canvas.
//
// Pixels that are not rendered in a frame keep their previous color.
type Renderer struct {
	log   *vlog.Logger
	img   *image.RGBA
	zeros int // Continuous zero samples.
}

// NewRenderer returns a renderer with a black canvas sized for v.
func NewRenderer(v lepton.Variant, log *vlog.Logger) *Renderer {
	r := &Renderer{log: log}
	r.resize(image.Rect(0, 0, v.Width(), v.Height()))
	return r
}

// Image returns the canvas. It is overwritten by the next Render.
func (r *Renderer) Image() *image.RGBA {
	return r.img
}

// Zeros returns the continuous zero sample count.
func (r *Renderer) Zeros() int {
	return r.zeros
}

// ClearErrors resets the zero sample counter, after a sensor reboot.
func (r *Renderer) ClearErrors() {
	r.zeros = 0
}

// Render colorizes f and returns the hot spot, the position of the last
// sample equal to max.
//
// A sample of 0 stops the rendering of the rest of its segment for this
// frame.
func (r *Renderer) Render(f *lepton.Frame, max uint16, s *Scaler, p palette.Palette, mirror bool) image.Point {
	if b := f.Bounds(); b != r.img.Rect {
		r.resize(b)
	}
	w := r.img.Rect.Dx()
	hot := image.Point{}
	seen := false
segments:
	for seg := range f.Segments {
		for pk := 0; pk < lepton.PacketsPerSegment; pk++ {
			for i := 0; i < 80; i++ {
				v := f.Sample(seg, pk, i)
				if v == 0 {
					seen = true
					r.zeros++
					if r.zeros%zeroWarnEvery == 0 {
						r.log.Printf(5, "[WARNING] Found zero-value. Drop the frame continuously %d times", r.zeros)
					}
					continue segments
				}
				x, y := f.Position(seg, pk, i)
				if mirror {
					x = Mirror(x, w)
				}
				if v == max {
					hot = image.Pt(x, y)
				}
				r.img.SetRGBA(x, y, p.Color(s.Index(v)))
			}
		}
	}
	if !seen && r.zeros != 0 {
		r.log.Printf(8, "[WARNING] Found zero-value. Drop the frame continuously %d times [RECOVERED]", r.zeros)
		r.zeros = 0
	}
	return hot
}

// Mirror flips column x horizontally in an image w pixels wide.
func Mirror(x, w int) int {
	return w - x - 1
}

// Overlay draws a 3x3 "+" centered on hot, clipped to the image.
func Overlay(img *image.RGBA, hot image.Point) {
	b := img.Rect
	for i := -1; i < 2; i++ {
		if x := hot.X + i; x >= b.Min.X && x < b.Max.X {
			img.SetRGBA(x, hot.Y, Crosshair)
		}
		if y := hot.Y + i; y >= b.Min.Y && y < b.Max.Y {
			img.SetRGBA(hot.X, y, Crosshair)
		}
	}
}

func (r *Renderer) resize(b image.Rectangle) {
	r.img = image.NewRGBA(b)
	draw.Draw(r.img, b, image.NewUniform(color.RGBA{A: 255}), image.Point{}, draw.Src)
}
