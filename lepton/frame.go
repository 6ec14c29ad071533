// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package lepton

import (
	"encoding/binary"
	"image"
)

// Frame is a reassembled Flir Lepton frame.
//
// Segments are raw VoSPI segments in vertical order, packet headers included.
// Samples are 14 bits big endian words; 0 means no data.
//
// A Frame is a view over the reassembler shelves, valid until the next
// acquisition.
type Frame struct {
	Variant  Variant
	Segments []*[SegmentSize]byte
}

// Bounds returns the frame size.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Variant.Width(), f.Variant.Height())
}

// Sample returns the raw word at index i of packet p in segment s, 0 based.
// i is in [0, 80).
func (f *Frame) Sample(s, p, i int) uint16 {
	o := p*PacketSize + 4 + 2*i
	return binary.BigEndian.Uint16(f.Segments[s][o:])
}

// Position returns the pixel coordinates of the word at index i of packet p in
// segment s.
func (f *Frame) Position(s, p, i int) (x, y int) {
	if f.Variant == Lepton3 {
		return (p%2)*80 + i, s*SegmentRows + p/2
	}
	return i, p
}

// Gray16 copies the frame into a 16 bits grayscale image.
func (f *Frame) Gray16() *image.Gray16 {
	img := image.NewGray16(f.Bounds())
	for s := range f.Segments {
		for p := 0; p < PacketsPerSegment; p++ {
			for i := 0; i < 80; i++ {
				x, y := f.Position(s, p, i)
				o := img.PixOffset(x, y)
				v := f.Sample(s, p, i)
				img.Pix[o] = uint8(v >> 8)
				img.Pix[o+1] = uint8(v)
			}
		}
	}
	return img
}
