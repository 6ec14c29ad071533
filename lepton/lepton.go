// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package lepton acquires VoSPI frames from a FLIR Lepton connected to a
// Raspberry Pi SPI port.
//
// References:
// Official FLIR Lepton page:
//   http://www.flir.com/cores/content/?id=66257
//
// FLIR LEPTON® Long Wave Infrared (LWIR) Datasheet
//   http://cvs.flir.com/lepton-data-brief
//   p. 28-35 SPI protocol explanation.
//
// Lepton™ Software Interface Description Document (IDD) for i²c protocol:
//   http://cvs.flir.com/lepton-idd
//   p. 24    i²c command format.
//   p. 36-37 Ping and Status, implement first to ensure i²c works.
//
// Lepton 3.x sends each frame as 4 segments of 60 packets. The segment number
// is only present in packet 20.
//
// Connecting to a Raspberry Pi:
//   https://github.com/PureEngineering/LeptonModule/wiki
//
// Information about the Raspberry Pi SPI driver:
//   http://elinux.org/RPi_SPI
package lepton

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maruel/thermalview/lepton/internal"
	"github.com/maruel/thermalview/vlog"
	"periph.io/x/periph/conn/physic"
)

// Options configures a Synchronizer.
type Options struct {
	Variant   Variant
	Speed     physic.Frequency // Bus clock used when reopening the transport.
	VerifyCRC bool             // Count packets with a bad CRC; doesn't drop them.
	Log       *vlog.Logger
	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)
	// OnReboot is called once the sensor was asked to reboot, so the callers
	// can clear their accumulated error counters.
	OnReboot func()
}

// Run is one completed scan of the staging buffer.
type Run struct {
	Segment int                // 1 for Lepton 2.x, [1, 4] for Lepton 3.x or invalid.
	Resets  int                // Losses of sync during this scan.
	Data    *[SegmentSize]byte // Valid until the next Scan.
}

// Valid returns true if the run carries a usable segment number.
func (r *Run) Valid() bool {
	return r.Segment >= 1 && r.Segment <= MaxSegments
}

// Synchronizer reads packets in sequence into a 60 packets staging buffer.
//
// It is not safe for concurrent use, except for Stats() and State().
type Synchronizer struct {
	bus  Transport
	ctl  Controller
	opts Options

	staging     [SegmentSize]byte
	next        int // Index of the next expected packet.
	consecutive int // Resets since the scan started or the last recovery.
	state       int32

	lock  sync.Mutex
	stats Stats
}

// NewSynchronizer returns a Synchronizer reading from bus. ctl may be nil, in
// which case persistent desync only reinitializes the bus.
func NewSynchronizer(bus Transport, ctl Controller, opts Options) *Synchronizer {
	if opts.Variant != Lepton3 {
		opts.Variant = Lepton2
	}
	if opts.Speed == 0 {
		opts.Speed = DefaultSpeed
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Synchronizer{bus: bus, ctl: ctl, opts: opts}
}

// SetVariant changes the variant for the next Scan.
func (s *Synchronizer) SetVariant(v Variant) {
	if v != Lepton3 {
		v = Lepton2
	}
	s.opts.Variant = v
}

// SetSpeed changes the bus clock used on the next reopen.
func (s *Synchronizer) SetSpeed(f physic.Frequency) {
	s.opts.Speed = f
}

// State returns the current synchronizer state.
func (s *Synchronizer) State() SyncState {
	return SyncState(atomic.LoadInt32(&s.state))
}

// Stats returns a copy of the counters.
func (s *Synchronizer) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stats
}

// Scan reads packets until 60 packets were received in sequence, or until
// packet 20 of a Lepton 3.x segment carries an invalid segment number.
//
// It returns an error only when ctx is done or the transport was closed.
func (s *Synchronizer) Scan(ctx context.Context) (Run, error) {
	s.next = 0
	s.consecutive = 0
	resets := 0
	segment := -1
	for s.next < PacketsPerSegment {
		if err := ctx.Err(); err != nil {
			return Run{}, err
		}
		j := s.next
		p := s.staging[j*PacketSize : (j+1)*PacketSize]
		if !s.readPacket(p) {
			if err := s.closed(); err != nil {
				return Run{}, err
			}
			resets++
			if err := s.desync(ctx); err != nil {
				return Run{}, err
			}
			continue
		}
		if internal.PacketNumber(p) != j {
			if internal.IsDiscard(p) {
				s.count(func(st *Stats) { st.DiscardPackets++ })
			}
			resets++
			if err := s.desync(ctx); err != nil {
				return Run{}, err
			}
			continue
		}
		s.setState(Scanning)
		crcErr := s.opts.VerifyCRC && !internal.ValidCRC(p)
		s.count(func(st *Stats) {
			st.GoodPackets++
			if crcErr {
				st.CRCErrors++
			}
		})
		if s.opts.Variant == Lepton3 && j == segmentPacket {
			segment = internal.SegmentNumber(p)
			if segment < 1 || segment > MaxSegments {
				s.opts.Log.Printf(10, "[ERROR] Wrong segment number %d", segment)
				break
			}
		}
		s.next++
	}
	if resets >= noisyScan {
		s.opts.Log.Printf(3, "done reading, resets: %d", resets)
	}
	if s.opts.Variant != Lepton3 {
		segment = 1
	}
	s.count(func(st *Stats) { st.Runs++ })
	return Run{Segment: segment, Resets: resets, Data: &s.staging}, nil
}

// Private details.

const (
	segmentPacket = 20 // Packet carrying the segment number on Lepton 3.x.
	noisyScan     = 30 // Scans with at least this many resets are logged.
)

var errClosed = io.ErrClosedPipe

// readPacket reads one packet. Returns false on transfer failure.
func (s *Synchronizer) readPacket(p []byte) bool {
	n, err := s.bus.Read(p)
	if err == nil && n != len(p) {
		err = io.ErrShortBuffer
	}
	if err != nil {
		s.lock.Lock()
		s.stats.TransferFails++
		first := s.stats.LastFail == nil
		s.stats.LastFail = err
		s.lock.Unlock()
		if first && !errors.Is(err, errClosed) {
			s.opts.Log.Printf(3, "I/O fail: %s", err)
		}
		return false
	}
	s.lock.Lock()
	s.stats.LastFail = nil
	s.lock.Unlock()
	return true
}

// closed returns io.ErrClosedPipe if the last failure means the transport is
// gone for good.
func (s *Synchronizer) closed() error {
	s.lock.Lock()
	err := s.stats.LastFail
	s.lock.Unlock()
	if errors.Is(err, errClosed) {
		return errClosed
	}
	return nil
}

// desync restarts the scan at packet 0 and escalates to a recovery after
// ResetLimit consecutive resets.
func (s *Synchronizer) desync(ctx context.Context) error {
	s.next = 0
	s.consecutive++
	s.setState(Resyncing)
	s.count(func(st *Stats) { st.Resets++ })
	s.opts.Sleep(ResyncPause)
	if s.consecutive < ResetLimit {
		return nil
	}
	return s.recover(ctx)
}

// recover reinitializes the bus and reboots the sensor.
func (s *Synchronizer) recover(ctx context.Context) error {
	s.setState(Recovering)
	s.count(func(st *Stats) { st.Reboots++ })
	s.opts.Log.Printf(3, "lost sync after %d resets, rebooting", s.consecutive)
	if err := s.bus.Halt(); err != nil {
		s.opts.Log.Printf(3, "halting bus: %s", err)
	}
	if s.ctl != nil {
		if err := s.ctl.Reboot(); err != nil {
			s.opts.Log.Printf(3, "reboot: %s", err)
		}
	}
	if s.opts.OnReboot != nil {
		s.opts.OnReboot()
	}
	s.consecutive = 0
	for {
		s.opts.Sleep(RebootSettle)
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.bus.Open(s.opts.Speed)
		if err == nil {
			break
		}
		if errors.Is(err, errClosed) {
			return err
		}
		s.opts.Log.Printf(0, "reopening bus: %s", err)
	}
	s.next = 0
	s.setState(Resyncing)
	return nil
}

func (s *Synchronizer) setState(st SyncState) {
	atomic.StoreInt32(&s.state, int32(st))
}

func (s *Synchronizer) count(f func(st *Stats)) {
	s.lock.Lock()
	f(&s.stats)
	s.lock.Unlock()
}
