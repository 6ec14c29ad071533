// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package lepton

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maruel/thermalview/lepton/internal"
	"github.com/maruel/thermalview/vlog"
	"periph.io/x/periph/conn/i2c"
)

// Command to be sent over i²c.
//
// The two least significant bits are the type: 0 GET, 1 SET, 2 RUN.
type Command uint16

// Commands in use. The comment is the number of 16 bits words of the
// attribute and the supported types.
const (
	SysPing                Command = 0x0200 // 0   RUN
	SysStatus              Command = 0x0204 // 4   GET
	SysSerialNumber        Command = 0x0208 // 4   GET
	SysUptime              Command = 0x020C // 2   GET
	SysHousingTemperature  Command = 0x0210 // 1   GET
	SysTemperature         Command = 0x0214 // 1   GET
	SysFCCRunNormalization Command = 0x0240 // 0   RUN
	OemReboot              Command = 0x4840 // 0   RUN
)

// Command types.
const (
	cmdGet Command = 0
	cmdSet Command = 1
	cmdRun Command = 2
)

// RegisterAddress is a valid register that can be read or written to.
type RegisterAddress uint16

// All the available registers.
const (
	RegPower       RegisterAddress = 0
	RegStatus      RegisterAddress = 2
	RegCommandID   RegisterAddress = 4
	RegDataLength  RegisterAddress = 6
	RegData0       RegisterAddress = 8
	RegDataCRC     RegisterAddress = 40
	RegDataBuffer0 RegisterAddress = 0xF800
)

// RegStatus bitmask.
const (
	StatusBusyBit       = 0x1
	StatusBootModeBit   = 0x2
	StatusBootStatusBit = 0x4
	StatusErrorMask     = 0xFF00
)

// Address is the hardcoded i²c address of the Lepton.
const Address = 0x2A

// Status is the sensor status, as returned by SysStatus.
type Status struct {
	CameraStatus uint32
	CommandCount uint16
	Reserved     uint16
}

// ErrBusy is returned when the sensor stays busy for too long.
var ErrBusy = errors.New("lepton: device busy")

// CCI is the Lepton specific Command and Control Interface over i²c.
//
// It's essentially little endian encoded stream over big endian 16 bits words.
type CCI struct {
	closed int32
	lock   sync.Mutex
	d      i2c.Dev
	log    *vlog.Logger
	sleep  func(time.Duration)
}

// NewCCI returns a CCI on bus. It doesn't do any I/O.
func NewCCI(b i2c.Bus, log *vlog.Logger) *CCI {
	return &CCI{d: i2c.Dev{Addr: Address, Bus: b}, log: log, sleep: time.Sleep}
}

// Close stops accepting commands. It doesn't close the bus.
func (c *CCI) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return io.ErrClosedPipe
	}
	return nil
}

// Ping verifies that the sensor responds.
func (c *CCI) Ping() error {
	return c.run(SysPing, true)
}

// GetStatus returns the sensor status.
func (c *CCI) GetStatus() (*Status, error) {
	var b [8]byte
	if err := c.get(SysStatus, b[:]); err != nil {
		return nil, err
	}
	return &Status{
		CameraStatus: internal.Big16.Uint32(b[0:]),
		CommandCount: internal.Big16.Uint16(b[4:]),
		Reserved:     internal.Big16.Uint16(b[6:]),
	}, nil
}

// GetSerial returns the FLIR serial number.
func (c *CCI) GetSerial() (uint64, error) {
	var b [8]byte
	if err := c.get(SysSerialNumber, b[:]); err != nil {
		return 0, err
	}
	return internal.Big16.Uint64(b[:]), nil
}

// GetUptime returns the time since the sensor booted, in ms precision.
func (c *CCI) GetUptime() (time.Duration, error) {
	var b [4]byte
	if err := c.get(SysUptime, b[:]); err != nil {
		return 0, err
	}
	return time.Duration(internal.Big16.Uint32(b[:])) * time.Millisecond, nil
}

// GetTemperature returns the sensor die temperature in centi-Kelvin.
func (c *CCI) GetTemperature() (uint16, error) {
	var b [2]byte
	if err := c.get(SysTemperature, b[:]); err != nil {
		return 0, err
	}
	return internal.Big16.Uint16(b[:]), nil
}

// GetHousingTemperature returns the camera housing temperature in
// centi-Kelvin.
func (c *CCI) GetHousingTemperature() (uint16, error) {
	var b [2]byte
	if err := c.get(SysHousingTemperature, b[:]); err != nil {
		return 0, err
	}
	return internal.Big16.Uint16(b[:]), nil
}

// RunFFC forces a Flat-Field Correction to be done by the camera.
func (c *CCI) RunFFC() error {
	return c.run(SysFCCRunNormalization, true)
}

// Reboot restarts the camera. The sensor stops answering on i²c right away so
// completion is not waited for.
func (c *CCI) Reboot() error {
	return c.run(OemReboot, false)
}

// Private details.

// maxBusyPolls bounds waitIdle to about 5s.
const maxBusyPolls = 1000

func (c *CCI) get(cmd Command, b []byte) error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return io.ErrClosedPipe
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, err := c.waitIdle(); err != nil {
		return err
	}
	if err := c.writeRegister(RegDataLength, uint16(len(b)/2)); err != nil {
		return err
	}
	if err := c.writeRegister(RegCommandID, uint16(cmd|cmdGet)); err != nil {
		return err
	}
	if err := c.waitResult(cmd); err != nil {
		return err
	}
	return c.d.Tx(putUint16(uint16(RegData0)), b)
}

func (c *CCI) run(cmd Command, wait bool) error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return io.ErrClosedPipe
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, err := c.waitIdle(); err != nil {
		return err
	}
	if err := c.writeRegister(RegDataLength, 0); err != nil {
		return err
	}
	if err := c.writeRegister(RegCommandID, uint16(cmd|cmdRun)); err != nil {
		return err
	}
	if !wait {
		return nil
	}
	return c.waitResult(cmd)
}

func (c *CCI) waitResult(cmd Command) error {
	status, err := c.waitIdle()
	if err != nil {
		return err
	}
	if status&StatusErrorMask != 0 {
		return fmt.Errorf("lepton: command 0x%04x: error %d", uint16(cmd), int8(status>>8))
	}
	return nil
}

// waitIdle waits for camera to be ready.
func (c *CCI) waitIdle() (uint16, error) {
	for i := 0; i < maxBusyPolls; i++ {
		value, err := c.readRegister(RegStatus)
		if err != nil || value&StatusBusyBit == 0 {
			return value, err
		}
		c.log.Printf(5, "i2c.waitIdle(): device busy %x", value)
		c.sleep(5 * time.Millisecond)
	}
	return 0, ErrBusy
}

func (c *CCI) readRegister(addr RegisterAddress) (uint16, error) {
	var b [2]byte
	if err := c.d.Tx(putUint16(uint16(addr)), b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func (c *CCI) writeRegister(addr RegisterAddress, v uint16) error {
	w := make([]byte, 4)
	binary.BigEndian.PutUint16(w, uint16(addr))
	binary.BigEndian.PutUint16(w[2:], v)
	return c.d.Tx(w, nil)
}

// putUint16 encodes as big endian.
func putUint16(v uint16) []byte {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, v)
	return p
}

var _ Controller = &CCI{}
