// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package palette implements the false color lookup tables.
//
// A palette is a flat list of R, G, B triplets with values in [0, 255].
package palette

import (
	"fmt"
	"image/color"

	"gonum.org/v1/gonum/interp"
)

// ID selects a palette.
type ID int

// Known palettes. Any other value selects IronBlack.
const (
	Rainbow   ID = 1
	Grayscale ID = 2
	IronBlack ID = 3
)

func (i ID) String() string {
	switch i {
	case Rainbow:
		return "rainbow"
	case Grayscale:
		return "grayscale"
	case IronBlack:
		return "ironblack"
	default:
		return fmt.Sprintf("ironblack(%d)", int(i))
	}
}

// Palette is a flat list of R, G, B values.
type Palette []int

// Entries is the number of colors in each built-in palette.
const Entries = 256

// Get returns the palette for id.
func Get(id ID) Palette {
	switch id {
	case Rainbow:
		return rainbow
	case Grayscale:
		return grayscale
	default:
		return ironBlack
	}
}

// Offsets returns the offsets of the R, G and B values for index idx.
//
// If 3*idx is past the end, idx is clamped to len/3. Each offset is then
// clamped to the last value, so the top of the range may mix channels.
func (p Palette) Offsets(idx int) (r, g, b int) {
	l := len(p)
	if idx < 0 {
		idx = 0
	}
	if 3*idx > l {
		idx = l / 3
	}
	r, g, b = 3*idx, 3*idx+1, 3*idx+2
	if r >= l {
		r = l - 1
	}
	if g >= l {
		g = l - 1
	}
	if b >= l {
		b = l - 1
	}
	return r, g, b
}

// Color returns the color at index idx, clamped.
func (p Palette) Color(idx int) color.RGBA {
	r, g, b := p.Offsets(idx)
	return color.RGBA{R: uint8(p[r]), G: uint8(p[g]), B: uint8(p[b]), A: 255}
}

// Private details.

// stop is a color at a relative position in [0, 1].
type stop struct {
	pos     float64
	r, g, b float64
}

// ironBlack goes from white to black in the lower half then through purple,
// red and orange up to pale yellow.
var ironBlack = build([]stop{
	{0, 255, 255, 255},
	{0.45, 0, 0, 0},
	{0.55, 60, 0, 110},
	{0.7, 190, 0, 80},
	{0.85, 255, 130, 0},
	{1, 255, 255, 170},
})

var rainbow = build([]stop{
	{0, 1, 3, 74},
	{0.15, 0, 0, 255},
	{0.35, 0, 255, 255},
	{0.5, 0, 255, 0},
	{0.7, 255, 255, 0},
	{0.85, 255, 0, 0},
	{1, 255, 0, 255},
})

var grayscale = build([]stop{
	{0, 0, 0, 0},
	{1, 255, 255, 255},
})

// build linearly interpolates the stops into a Entries colors palette.
func build(stops []stop) Palette {
	xs := make([]float64, len(stops))
	ch := [3][]float64{}
	for i := range ch {
		ch[i] = make([]float64, len(stops))
	}
	for i, s := range stops {
		xs[i] = s.pos
		ch[0][i] = s.r
		ch[1][i] = s.g
		ch[2][i] = s.b
	}
	var fits [3]interp.PiecewiseLinear
	for i := range fits {
		if err := fits[i].Fit(xs, ch[i]); err != nil {
			panic(fmt.Sprintf("palette: %v", err))
		}
	}
	p := make(Palette, 0, 3*Entries)
	for i := 0; i < Entries; i++ {
		x := float64(i) / float64(Entries-1)
		for j := range fits {
			v := fits[j].Predict(x) + 0.5
			if v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			p = append(p, int(v))
		}
	}
	return p
}
