// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package leptontest implements fake Lepton transports and controllers.
package leptontest

import (
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/maruel/thermalview/lepton"
	"periph.io/x/periph/conn/physic"
)

// Packet returns VoSPI packet number n. The segment number is only encoded
// in packet 20, like the sensor does. The CRC is valid.
func Packet(n, segment int, samples []uint16) []byte {
	p := make([]byte, lepton.PacketSize)
	p[0] = byte(n>>8) & 0x0F
	p[1] = byte(n)
	if n == 20 {
		p[0] |= byte(segment << 4)
	}
	for i, v := range samples {
		binary.BigEndian.PutUint16(p[4+2*i:], v)
	}
	binary.BigEndian.PutUint16(p[2:], lepton.PacketCRC(p))
	return p
}

// Discard returns a discard packet.
func Discard() []byte {
	p := make([]byte, lepton.PacketSize)
	p[0] = 0x0F
	p[1] = 0xFF
	return p
}

// Segment returns the 60 packets of segment seg, 1 based, with the pixel
// values returned by pix.
func Segment(v lepton.Variant, seg int, pix func(x, y int) uint16) [][]byte {
	out := make([][]byte, 0, lepton.PacketsPerSegment)
	samples := make([]uint16, 80)
	for n := 0; n < lepton.PacketsPerSegment; n++ {
		for i := range samples {
			x, y := i, n
			if v == lepton.Lepton3 {
				x = (n%2)*80 + i
				y = (seg-1)*lepton.SegmentRows + n/2
			}
			samples[i] = pix(x, y)
		}
		out = append(out, Packet(n, seg, samples))
	}
	return out
}

// Frame returns all the packets of one frame, segments in order.
func Frame(v lepton.Variant, pix func(x, y int) uint16) [][]byte {
	var out [][]byte
	for s := 1; s <= v.Segments(); s++ {
		out = append(out, Segment(v, s, pix)...)
	}
	return out
}

// Uniform returns a pixel function that always returns v.
func Uniform(v uint16) func(x, y int) uint16 {
	return func(int, int) uint16 { return v }
}

//

// Bus replays scripted packets. It implements lepton.Transport.
//
// Once the script is exhausted, Read returns io.ErrClosedPipe.
type Bus struct {
	lock    sync.Mutex
	packets [][]byte
	pos     int
	closed  bool
	halted  bool

	// OpenErrs are returned by the next calls to Open, in order.
	OpenErrs []error
	Opens    int
	Halts    int
	Speed    physic.Frequency
}

// NewBus returns a Bus that will return packets in order.
func NewBus(packets ...[]byte) *Bus {
	return &Bus{packets: packets}
}

// Push appends packets to the script.
func (b *Bus) Push(packets ...[]byte) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.packets = append(b.packets, packets...)
}

// Remaining returns the number of packets not yet read.
func (b *Bus) Remaining() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.packets) - b.pos
}

// Open implements lepton.Transport.
func (b *Bus) Open(speed physic.Frequency) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return io.ErrClosedPipe
	}
	if len(b.OpenErrs) != 0 {
		err := b.OpenErrs[0]
		b.OpenErrs = b.OpenErrs[1:]
		if err != nil {
			return err
		}
	}
	b.Opens++
	b.halted = false
	b.Speed = speed
	return nil
}

// Read implements lepton.Transport.
func (b *Bus) Read(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed || b.pos >= len(b.packets) {
		return 0, io.ErrClosedPipe
	}
	if b.halted {
		return 0, lepton.ErrHalted
	}
	n := copy(p, b.packets[b.pos])
	b.pos++
	if n != len(p) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// Halt implements lepton.Transport.
func (b *Bus) Halt() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.Halts++
	b.halted = true
	return nil
}

// Close implements lepton.Transport.
func (b *Bus) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return io.ErrClosedPipe
	}
	b.closed = true
	return nil
}

// Controller records the commands sent. It implements lepton.Controller.
type Controller struct {
	lock    sync.Mutex
	reboots int
	ffcs    int
	Err     error
}

// Reboot implements lepton.Controller.
func (c *Controller) Reboot() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.reboots++
	return c.Err
}

// RunFFC implements lepton.Controller.
func (c *Controller) RunFFC() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.ffcs++
	return c.Err
}

// Reboots returns the number of Reboot calls.
func (c *Controller) Reboots() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.reboots
}

// FFCs returns the number of RunFFC calls.
func (c *Controller) FFCs() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ffcs
}

//

// Sensor synthesizes an endless VoSPI stream of slowly moving hot spots. It
// implements both lepton.Transport and lepton.Controller.
type Sensor struct {
	// Delay is slept before each frame; defaults to ~9Hz.
	Delay time.Duration

	lock    sync.Mutex
	variant lepton.Variant
	noise   *noise
	queue   [][]byte
	closed  bool
	halted  bool
	frames  int
	start   time.Time
}

// NewSensor returns a fake sensor of variant v.
func NewSensor(v lepton.Variant) *Sensor {
	return &Sensor{Delay: 111 * time.Millisecond, variant: v, noise: makeNoise(v), start: time.Now().UTC()}
}

// Frames returns the number of frames synthesized.
func (s *Sensor) Frames() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.frames
}

// Uptime returns the time since the sensor was created or last rebooted.
func (s *Sensor) Uptime() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	return time.Now().UTC().Sub(s.start)
}

// Open implements lepton.Transport.
func (s *Sensor) Open(physic.Frequency) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	s.halted = false
	return nil
}

// Read implements lepton.Transport.
func (s *Sensor) Read(p []byte) (int, error) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return 0, io.ErrClosedPipe
	}
	if s.halted {
		s.lock.Unlock()
		return 0, lepton.ErrHalted
	}
	if len(s.queue) == 0 {
		d := s.Delay
		s.lock.Unlock()
		time.Sleep(d)
		s.lock.Lock()
		if len(s.queue) == 0 {
			s.noise.update()
			// The sensor sends a few discard packets while it prepares a frame.
			s.queue = append(s.queue, Discard(), Discard(), Discard())
			s.queue = append(s.queue, Frame(s.variant, s.noise.at)...)
			s.frames++
		}
	}
	n := copy(p, s.queue[0])
	s.queue = s.queue[1:]
	s.lock.Unlock()
	if n != len(p) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// Halt implements lepton.Transport.
func (s *Sensor) Halt() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.halted = true
	s.queue = nil
	return nil
}

// Close implements lepton.Transport.
func (s *Sensor) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	s.closed = true
	return nil
}

// Reboot implements lepton.Controller.
func (s *Sensor) Reboot() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return errors.New("leptontest: sensor closed")
	}
	s.queue = nil
	s.start = time.Now().UTC()
	return nil
}

// RunFFC implements lepton.Controller.
func (s *Sensor) RunFFC() error {
	return nil
}

//

type vector struct {
	intensity float64
	x         float64
	y         float64
}

// noise is cheezy but gets us going for testing without a device.
type noise struct {
	rand    *rand.Rand
	vectors []vector
	w, h    float64
}

// Raw values around body temperature; 30000 is ~25°C.
const (
	ambient      = 30000
	dynamicRange = 1500
)

func makeNoise(v lepton.Variant) *noise {
	n := &noise{rand: rand.New(rand.NewSource(0)), w: float64(v.Width()), h: float64(v.Height())}
	n.vectors = make([]vector, 10)
	for i := range n.vectors {
		n.vectors[i].intensity = n.rand.NormFloat64() * 2000 * n.w
		n.vectors[i].x = n.rand.NormFloat64()*n.w/6 + n.w/2
		n.vectors[i].y = n.rand.NormFloat64()*n.h/6 + n.h/2
	}
	return n
}

func (n *noise) update() {
	for i := range n.vectors {
		n.vectors[i].intensity += n.rand.NormFloat64() * 10 * n.w
		n.vectors[i].x += n.rand.NormFloat64() * n.w / 800
		n.vectors[i].y += n.rand.NormFloat64() * n.h / 600
	}
}

func (n *noise) at(x, y int) uint16 {
	fx := float64(x)
	fy := float64(y)
	value := float64(ambient)
	for _, vect := range n.vectors {
		distance := (vect.x-fx)*(vect.x-fx) + (vect.y-fy)*(vect.y-fy) + 1
		value += vect.intensity / distance
	}
	if value >= float64(ambient+dynamicRange) {
		value = float64(ambient + dynamicRange)
	}
	if value < float64(ambient-dynamicRange) {
		value = float64(ambient - dynamicRange)
	}
	return uint16(value)
}

var _ lepton.Transport = &Bus{}
var _ lepton.Transport = &Sensor{}
var _ lepton.Controller = &Controller{}
var _ lepton.Controller = &Sensor{}
