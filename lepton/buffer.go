// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package lepton

import (
	"github.com/maruel/thermalview/vlog"
)

// Reassembler shelves segment runs until a frame is complete.
//
// Shelves are only ever replaced by a full copy of a run, so a Frame returned
// by Add stays consistent until the next call to Add.
type Reassembler struct {
	variant Variant
	log     *vlog.Logger
	shelves [MaxSegments][SegmentSize]byte
	written uint8 // Bitmask of shelves written in the current cycle.
	done    bool  // The last Add completed a frame.
	invalid int   // Continuous invalid segments.
	frame   Frame
}

// invalidWarnEvery throttles the invalid segment warning.
const invalidWarnEvery = 12

// NewReassembler returns an empty reassembler for variant v.
func NewReassembler(v Variant, log *vlog.Logger) *Reassembler {
	r := &Reassembler{log: log}
	r.SetVariant(v)
	return r
}

// SetVariant switches variant. Shelves written for the previous variant are
// forgotten.
func (r *Reassembler) SetVariant(v Variant) {
	if v != Lepton3 {
		v = Lepton2
	}
	r.variant = v
	r.written = 0
	r.done = false
	r.frame.Variant = v
	r.frame.Segments = r.frame.Segments[:0]
	for i := 0; i < v.Segments(); i++ {
		r.frame.Segments = append(r.frame.Segments, &r.shelves[i])
	}
}

// Add stores the run and returns the frame when it completed one.
func (r *Reassembler) Add(run Run) (*Frame, bool) {
	if r.variant != Lepton3 {
		r.shelves[0] = *run.Data
		r.written = 1
		r.done = true
		return &r.frame, true
	}
	if !run.Valid() {
		r.invalid++
		if r.invalid%invalidWarnEvery == 0 {
			r.log.Printf(5, "[WARNING] Wrong segment number continuously %d times", r.invalid)
		}
		return nil, false
	}
	if r.invalid != 0 {
		r.log.Printf(8, "[WARNING] Wrong segment number continuously %d times [RECOVERED]", r.invalid)
		r.invalid = 0
	}
	if r.done {
		r.written = 0
		r.done = false
	}
	r.shelves[run.Segment-1] = *run.Data
	r.written |= 1 << uint(run.Segment-1)
	if run.Segment != MaxSegments {
		return nil, false
	}
	// Segments that were missed this cycle still hold the previous frame's
	// content, which is what gets displayed.
	r.done = true
	return &r.frame, true
}

// Invalid returns the continuous invalid segment count.
func (r *Reassembler) Invalid() int {
	return r.invalid
}

// Complete returns true if every segment of the active variant was written
// in the current cycle. Right after a frame completed, it tells if that frame
// mixes segments from a previous cycle.
func (r *Reassembler) Complete() bool {
	return r.written == uint8(1<<uint(r.variant.Segments()))-1
}

// ClearErrors resets the invalid segment counter, after a sensor reboot.
func (r *Reassembler) ClearErrors() {
	r.invalid = 0
}
