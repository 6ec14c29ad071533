// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// lepton runs the live thermal viewer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"runtime/pprof"
	"time"

	"github.com/maruel/interrupt"
	"github.com/maruel/thermalview/capture"
	"github.com/maruel/thermalview/config"
	"github.com/maruel/thermalview/lepton"
	"github.com/maruel/thermalview/leptontest"
	"github.com/maruel/thermalview/pipeline"
	"github.com/maruel/thermalview/vlog"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

// flags holds the command line values that override the configuration file.
type flags struct {
	values *config.Config
	set    map[string]bool
}

func (f *flags) register(fs *flag.FlagSet) {
	d := config.Default()
	f.values = d
	fs.IntVar(&d.Verbosity, "v", d.Verbosity, "verbosity level")
	fs.BoolVar(&d.Mirror, "mirror", d.Mirror, "mirror the image horizontally")
	fs.BoolVar(&d.AutoCapture, "capture", d.AutoCapture, "upload a snapshot when the range maximum is reached")
	fs.IntVar(&d.Palette, "palette", d.Palette, "palette: 1 rainbow, 2 grayscale, 3 iron black")
	fs.IntVar(&d.Lepton, "lepton", d.Lepton, "sensor generation, 2 or 3")
	fs.IntVar(&d.SPIMHz, "spi_mhz", d.SPIMHz, "SPI clock in MHz")
	fs.BoolVar(&d.VerifyCRC, "crc", d.VerifyCRC, "verify the packet CRC")
	fs.Var(&d.Range.Min, "min", "lower raw bound or \"auto\"")
	fs.Var(&d.Range.Max, "max", "upper raw bound or \"auto\"")
	fs.StringVar(&d.Bus, "bus", d.Bus, "video bus: spi or serial")
	fs.StringVar(&d.SPIPort, "spi", d.SPIPort, "SPI port to use")
	fs.StringVar(&d.I2CBus, "i2c", d.I2CBus, "I²C bus to use")
	fs.StringVar(&d.SerialPort, "serial", d.SerialPort, "serial port to use, autodetected if empty")
}

// overlay copies the explicitly set flags into cfg.
func (f *flags) overlay(cfg *config.Config) {
	v := f.values
	for name := range f.set {
		switch name {
		case "v":
			cfg.Verbosity = v.Verbosity
		case "mirror":
			cfg.Mirror = v.Mirror
		case "capture":
			cfg.AutoCapture = v.AutoCapture
		case "palette":
			cfg.Palette = v.Palette
		case "lepton":
			cfg.Lepton = v.Lepton
		case "spi_mhz":
			cfg.SPIMHz = v.SPIMHz
		case "crc":
			cfg.VerifyCRC = v.VerifyCRC
		case "min":
			cfg.Range.Min = v.Range.Min
		case "max":
			cfg.Range.Max = v.Range.Max
		case "bus":
			cfg.Bus = v.Bus
		case "spi":
			cfg.SPIPort = v.SPIPort
		case "i2c":
			cfg.I2CBus = v.I2CBus
		case "serial":
			cfg.SerialPort = v.SerialPort
		}
	}
}

func defaultConfigPath() string {
	usr, err := user.Current()
	if err != nil {
		return ""
	}
	return filepath.Join(usr.HomeDir, ".config", "thermalview", "thermalview.yaml")
}

// open returns the video transport and, when reachable, the control channel.
func open(cfg *config.Config, fake bool, l *vlog.Logger) (lepton.Transport, lepton.Controller, func(), error) {
	if fake {
		s := leptontest.NewSensor(cfg.Settings().Variant)
		return s, s, func() {}, nil
	}
	if _, err := host.Init(); err != nil {
		return nil, nil, nil, err
	}
	var bus lepton.Transport
	if cfg.Bus == config.BusSerial {
		bus = lepton.NewSerial(cfg.SerialPort)
	} else {
		bus = lepton.NewSPI(cfg.SPIPort)
	}
	i2cBus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		// The video stream works without it; only recovery by reboot and FFC
		// are lost.
		log.Printf("warning: no control channel: %s", err)
		return bus, nil, func() {}, nil
	}
	cci := lepton.NewCCI(i2cBus, l)
	if err := cci.Ping(); err != nil {
		log.Printf("warning: sensor doesn't answer on %s: %s", i2cBus, err)
	}
	return bus, cci, func() {
		cci.Close()
		i2cBus.Close()
	}, nil
}

func mainImpl() error {
	cpuprofile := flag.String("cpuprofile", "", "dump CPU profile in file")
	port := flag.Int("port", 8010, "http port to listen on")
	configPath := flag.String("config", defaultConfigPath(), "YAML configuration file")
	fake := flag.Bool("fake", false, "use a synthetic sensor instead of the hardware")
	f := flags{}
	f.register(flag.CommandLine)
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	if len(flag.Args()) != 0 {
		return fmt.Errorf("unexpected argument: %s", flag.Args())
	}
	f.set = map[string]bool{}
	flag.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })

	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return err
	}
	f.overlay(cfg)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	if *cpuprofile != "" {
		fp, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(fp)
		defer pprof.StopCPUProfile()
	}

	interrupt.HandleCtrlC()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-interrupt.Channel
		cancel()
	}()

	l := vlog.New(cfg.Verbosity)
	bus, ctl, closeCtl, err := open(cfg, *fake, l)
	if err != nil {
		return err
	}
	defer closeCtl()
	go func() {
		// Unblocks a pending read.
		<-ctx.Done()
		bus.Close()
	}()

	exp := capture.New(capture.ConfigFromEnv(), nil, l)
	s := newWebServer()
	p := pipeline.New(bus, ctl, s, exp, cfg.Settings())
	if err := s.start(ctx, *port, p); err != nil {
		return err
	}

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, l, func(n *config.Config) {
				f.overlay(n)
				if err := config.Validate(n); err != nil {
					log.Printf("config: ignoring %s: %s", *configPath, err)
					return
				}
				l.SetLevel(n.Verbosity)
				p.Update(n.Settings())
			})
			if err != nil {
				log.Printf("config: not watching %s: %s", *configPath, err)
			}
		}()
	}

	errc := make(chan error, 1)
	go func() {
		errc <- p.Run(ctx)
	}()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case err := <-errc:
			fmt.Print("\n")
			p.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-tick.C:
			st := p.Stats()
			fmt.Printf("\r%d frames %d partial %d invalid %d resets %d reboots %d discard %d fail %s %s",
				st.Frames, st.PartialFrames, st.InvalidSegments, st.Resets, st.Reboots, st.DiscardPackets, st.TransferFails, st.State, st.LastSummary)
		}
	}
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nlepton: %s.\n", err)
		os.Exit(1)
	}
}
