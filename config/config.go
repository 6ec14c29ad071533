// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config loads the viewer configuration from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/maruel/thermalview/lepton"
	"github.com/maruel/thermalview/palette"
	"github.com/maruel/thermalview/pipeline"
	"github.com/maruel/thermalview/thermal"
	"gopkg.in/yaml.v3"
	"periph.io/x/periph/conn/physic"
)

// Bus kinds.
const (
	BusSPI    = "spi"
	BusSerial = "serial"
)

// Config is the on-disk configuration.
type Config struct {
	Verbosity   int         `yaml:"verbosity"`
	Mirror      bool        `yaml:"mirror"`
	AutoCapture bool        `yaml:"auto_capture"`
	Palette     int         `yaml:"palette"`
	Lepton      int         `yaml:"lepton"`
	SPIMHz      int         `yaml:"spi_mhz"`
	VerifyCRC   bool        `yaml:"verify_crc"`
	Range       RangeConfig `yaml:"range"`

	// Hardware selection, only read at startup.
	Bus        string `yaml:"bus"`
	SPIPort    string `yaml:"spi_port"`
	I2CBus     string `yaml:"i2c_bus"`
	SerialPort string `yaml:"serial_port"` // Empty means autodetect.
}

// RangeConfig is the raw value window mapped onto the palette.
type RangeConfig struct {
	Min Bound `yaml:"min"`
	Max Bound `yaml:"max"`
}

// Bound is either "auto" or a raw sensor value.
//
// It implements flag.Value.
type Bound struct {
	Auto  bool
	Value uint16
}

// AutoBound follows the frame.
var AutoBound = Bound{Auto: true}

func (b Bound) String() string {
	if b.Auto {
		return "auto"
	}
	return strconv.Itoa(int(b.Value))
}

// Set implements flag.Value.
func (b *Bound) Set(s string) error {
	if s == "auto" {
		// The previous value is kept as the initial bound.
		b.Auto = true
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid bound %q: want \"auto\" or 0-65535", s)
	}
	*b = Bound{Value: uint16(v)}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Bound) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: bound must be a scalar", n.Line)
	}
	if err := b.Set(n.Value); err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	return nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	r := thermal.DefaultRange()
	return &Config{
		Palette: int(palette.IronBlack),
		Lepton:  3,
		SPIMHz:  int(lepton.DefaultSpeed / physic.MegaHertz),
		Range: RangeConfig{
			Min: Bound{Auto: r.AutoMin, Value: r.Min},
			Max: Bound{Auto: r.AutoMax, Value: r.Max},
		},
		Bus:     BusSPI,
		SPIPort: "/dev/spidev0.0",
	}
}

// Load reads path over the defaults.
//
// Unknown keys are rejected. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data into cfg, keeping the values data doesn't set.
func Parse(data []byte, cfg *Config) error {
	d := yaml.NewDecoder(bytes.NewReader(data))
	d.KnownFields(true)
	if err := d.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Settings converts the configuration into a pipeline snapshot.
//
// c must have been validated.
func (c *Config) Settings() pipeline.Settings {
	v := lepton.Lepton3
	if c.Lepton == 2 {
		v = lepton.Lepton2
	}
	return pipeline.Settings{
		Variant:   v,
		Speed:     physic.Frequency(c.SPIMHz) * physic.MegaHertz,
		VerifyCRC: c.VerifyCRC,
		Palette:   palette.ID(c.Palette),
		Range: thermal.Range{
			Min:     c.Range.Min.Value,
			Max:     c.Range.Max.Value,
			AutoMin: c.Range.Min.Auto,
			AutoMax: c.Range.Max.Auto,
		},
		Mirror:      c.Mirror,
		AutoCapture: c.AutoCapture,
		Verbosity:   c.Verbosity,
	}
}
