// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package lepton

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
)

// SPI is the Lepton specific VoSPI interface.
//
// Data is returned as 16 bits big endian words as described in the VoSPI
// protocol. It is not converted since the vast majority of packets are discard
// packets that are never looked at.
type SPI struct {
	closed int32
	name   string
	open   func(name string) (spi.PortCloser, error)
	lock   sync.Mutex
	port   spi.PortCloser
	conn   spi.Conn
}

// NewSPI returns a closed VoSPI transport on the SPI port name, as understood
// by spireg. Call Open before reading.
func NewSPI(name string) *SPI {
	return &SPI{name: name, open: spireg.Open}
}

// NewSPIPort returns a VoSPI transport using an already opened port. It is
// mostly useful with spitest.
func NewSPIPort(p spi.PortCloser) *SPI {
	s := &SPI{}
	s.open = func(string) (spi.PortCloser, error) {
		if p == nil {
			return nil, errors.New("lepton: port already used")
		}
		r := p
		p = nil
		return r, nil
	}
	return s
}

// Open connects to the port in mode 3, 8 bits per word.
func (s *SPI) Open(speed physic.Frequency) error {
	if atomic.LoadInt32(&s.closed) != 0 {
		return io.ErrClosedPipe
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.port != nil {
		return nil
	}
	p, err := s.open(s.name)
	if err != nil {
		return fmt.Errorf("lepton: opening spi %q: %w", s.name, err)
	}
	c, err := p.Connect(speed, spi.Mode3, 8)
	if err != nil {
		p.Close()
		return fmt.Errorf("lepton: connecting spi at %s: %w", speed, err)
	}
	s.port = p
	s.conn = c
	return nil
}

// Read reads one packet. Always return an error if the whole buffer wasn't
// read.
func (s *SPI) Read(b []byte) (int, error) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return 0, io.ErrClosedPipe
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.conn == nil {
		return 0, ErrHalted
	}
	if err := s.conn.Tx(nil, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Halt releases the port until the next Open. This deasserts /CS, which
// the sensor needs to drop its VoSPI state.
func (s *SPI) Halt() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.release()
}

// Close releases the port for good.
func (s *SPI) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return io.ErrClosedPipe
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.release()
}

func (s *SPI) release() error {
	var err error
	if s.port != nil {
		err = s.port.Close()
		s.port = nil
		s.conn = nil
	}
	return err
}

//

// Serial is a VoSPI transport through a USB serial bridge that forwards SPI
// packets verbatim.
//
// The bridge clocks the sensor itself so the speed passed to Open is ignored.
type Serial struct {
	closed int32
	name   string
	lock   sync.Mutex
	port   serial.Port
}

// BridgeVendorID is the USB vendor ID used to autodetect the bridge.
var BridgeVendorID = "0403"

// NewSerial returns a closed serial transport. When name is empty, the port
// is autodetected at Open time.
func NewSerial(name string) *Serial {
	return &Serial{name: name}
}

// Open opens the serial port.
func (s *Serial) Open(physic.Frequency) error {
	if atomic.LoadInt32(&s.closed) != 0 {
		return io.ErrClosedPipe
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.port != nil {
		return nil
	}
	name := s.name
	if name == "" {
		var err error
		if name, err = detectBridge(); err != nil {
			return err
		}
	}
	// The bridge is USB-CDC so baud rate etc. don't matter.
	p, err := serial.Open(name, &serial.Mode{})
	if err != nil {
		return fmt.Errorf("lepton: opening serial %q: %w", name, err)
	}
	s.port = p
	return nil
}

// Read reads exactly one packet.
func (s *Serial) Read(b []byte) (int, error) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return 0, io.ErrClosedPipe
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.port == nil {
		return 0, ErrHalted
	}
	return io.ReadFull(s.port, b)
}

// Halt closes the serial port until the next Open.
func (s *Serial) Halt() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.release()
}

// Close closes the serial port for good.
func (s *Serial) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return io.ErrClosedPipe
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.release()
}

func (s *Serial) release() error {
	var err error
	if s.port != nil {
		err = s.port.Close()
		s.port = nil
	}
	return err
}

func detectBridge() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("lepton: listing serial ports: %w", err)
	}
	for _, p := range ports {
		if p.IsUSB && strings.EqualFold(p.VID, BridgeVendorID) {
			return p.Name, nil
		}
	}
	return "", errors.New("lepton: no serial bridge found")
}

var _ Transport = &SPI{}
var _ Transport = &Serial{}
