// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package config

import (
	"fmt"

	"github.com/maruel/thermalview/palette"
)

// SPI clock limits, in MHz. VoSPI is specified for 2.2 to 20MHz by the
// Lepton datasheet; a bit of headroom is allowed over the maximum.
const (
	MinSPIMHz = 4
	MaxSPIMHz = 25
)

// Validate checks cfg without modifying it.
func Validate(cfg *Config) error {
	if cfg.Lepton != 2 && cfg.Lepton != 3 {
		return fmt.Errorf("lepton: unsupported variant %d, want 2 or 3", cfg.Lepton)
	}
	if cfg.SPIMHz < MinSPIMHz || cfg.SPIMHz > MaxSPIMHz {
		return fmt.Errorf("spi_mhz: %d out of range [%d, %d]", cfg.SPIMHz, MinSPIMHz, MaxSPIMHz)
	}
	if cfg.Palette < 0 || cfg.Palette > int(palette.IronBlack) {
		return fmt.Errorf("palette: unknown palette %d", cfg.Palette)
	}
	if cfg.Verbosity < 0 {
		return fmt.Errorf("verbosity: must be positive, got %d", cfg.Verbosity)
	}
	if r := cfg.Range; !r.Min.Auto && !r.Max.Auto && r.Min.Value >= r.Max.Value {
		return fmt.Errorf("range: min %d must be below max %d", r.Min.Value, r.Max.Value)
	}
	switch cfg.Bus {
	case BusSPI:
		if cfg.SPIPort == "" {
			return fmt.Errorf("spi_port: required when bus is %q", BusSPI)
		}
	case BusSerial:
	default:
		return fmt.Errorf("bus: unknown bus %q, want %q or %q", cfg.Bus, BusSPI, BusSerial)
	}
	return nil
}
