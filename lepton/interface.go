// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package lepton

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/maruel/thermalview/lepton/internal"
	"periph.io/x/periph/conn/physic"
)

// VoSPI geometry.
const (
	PacketSize        = 164                             // Bytes per packet, 4 bytes header + 80 samples.
	PacketWords       = PacketSize / 2                  // 16 bits words per packet, header included.
	PacketsPerSegment = 60                              //
	SegmentSize       = PacketSize * PacketsPerSegment  // Bytes per segment.
	SegmentWords      = PacketWords * PacketsPerSegment // Words per segment.
	SegmentRows       = 30                              // Rows covered by one Lepton 3.x segment.
	MaxSegments       = 4                               //
)

// Recovery tuning.
//
// ResetLimit is empirical: at the expected poll rate there are never that many
// consecutive out of sequence packets between two valid transmissions. Polling
// faster makes the idle period between frames look like a loss of sync.
const (
	ResetLimit   = 750
	ResyncPause  = time.Millisecond
	RebootSettle = 750 * time.Millisecond
)

// DefaultSpeed is the bus clock used when none is configured.
const DefaultSpeed = 20 * physic.MegaHertz

// ErrHalted is returned by a Transport read while the bus device is released.
var ErrHalted = errors.New("lepton: bus halted")

// Variant is the sensor generation, which determines the resolution.
type Variant int

// Supported variants.
const (
	Lepton2 Variant = 2 // 80x60, one segment per frame.
	Lepton3 Variant = 3 // 160x120, four segments per frame.
)

// Width returns the frame width in pixels.
func (v Variant) Width() int {
	if v == Lepton3 {
		return 160
	}
	return 80
}

// Height returns the frame height in pixels.
func (v Variant) Height() int {
	if v == Lepton3 {
		return 120
	}
	return 60
}

// Segments returns the number of segments in a frame.
func (v Variant) Segments() int {
	if v == Lepton3 {
		return MaxSegments
	}
	return 1
}

func (v Variant) String() string {
	switch v {
	case Lepton2:
		return "Lepton 2.x"
	case Lepton3:
		return "Lepton 3.x"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// Transport moves fixed size VoSPI packets off the bus.
//
// Read must fill the whole buffer with one packet or return an error. Close is
// final: afterward Read returns io.ErrClosedPipe. Halt only releases the bus
// device until the next Open.
type Transport interface {
	io.Reader
	io.Closer
	Open(speed physic.Frequency) error
	Halt() error
}

// Controller is the sensor out-of-band command channel.
type Controller interface {
	// Reboot restarts the camera. It doesn't wait for the camera to be back.
	Reboot() error
	// RunFFC forces a Flat-Field Correction to be done by the camera for
	// recalibration. It takes 23 frames and the camera runs at 27fps so it
	// lasts less than a second.
	RunFFC() error
}

// SyncState is the packet synchronizer state.
type SyncState int32

// Valid values for SyncState.
const (
	Scanning   SyncState = 0 // Packets arrive in sequence.
	Resyncing  SyncState = 1 // Waiting for packet 0 after a loss of sync.
	Recovering SyncState = 2 // Bus reinit and sensor reboot in progress.
)

func (s SyncState) String() string {
	switch s {
	case Scanning:
		return "Scanning"
	case Resyncing:
		return "Resyncing"
	case Recovering:
		return "Recovering"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// Stats is the acquisition counters.
type Stats struct {
	LastFail       error
	Runs           int // Completed 60 packets scans.
	GoodPackets    int
	DiscardPackets int
	Resets         int // Loss of sync events.
	Reboots        int // Persistent loss of sync recoveries.
	TransferFails  int
	CRCErrors      int
}

// PacketCRC returns the VoSPI CRC16 of packet p. Bytes 2-3 of the header are
// where it is stored.
func PacketCRC(p []byte) uint16 {
	return internal.PacketCRC(p)
}
