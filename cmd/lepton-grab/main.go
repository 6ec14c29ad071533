// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// lepton-grab captures a single image.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"log"
	"os"
	"time"

	"github.com/maruel/interrupt"
	"github.com/maruel/thermalview/lepton"
	"github.com/maruel/thermalview/leptontest"
	"github.com/maruel/thermalview/palette"
	"github.com/maruel/thermalview/thermal"
	"github.com/maruel/thermalview/vlog"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"
)

// grab reads frames until one is complete.
func grab(ctx context.Context, bus lepton.Transport, ctl lepton.Controller, v lepton.Variant, speed physic.Frequency, l *vlog.Logger) (*lepton.Frame, error) {
	if err := bus.Open(speed); err != nil {
		return nil, err
	}
	s := lepton.NewSynchronizer(bus, ctl, lepton.Options{Variant: v, Speed: speed, Log: l})
	r := lepton.NewReassembler(v, l)
	for {
		run, err := s.Scan(ctx)
		if err != nil {
			return nil, err
		}
		if f, ok := r.Add(run); ok && r.Complete() {
			st := s.Stats()
			log.Printf("%d runs, %d resets, %d discard packets", st.Runs, st.Resets, st.DiscardPackets)
			return f, nil
		}
	}
}

func mainImpl() error {
	i2cName := flag.String("i2c", "", "I²C bus to use")
	spiName := flag.String("spi", "", "SPI port to use")
	serialName := flag.String("serial", "", "serial port to use instead of SPI")
	spiMHz := flag.Int("spi_mhz", 20, "SPI clock in MHz")
	variant := flag.Int("lepton", 3, "sensor generation, 2 or 3")
	pal := flag.Int("palette", int(palette.IronBlack), "palette: 1 rainbow, 2 grayscale, 3 iron black")
	raw := flag.Bool("raw", false, "save the raw 16 bits values instead of a colorized image")
	meta := flag.Bool("meta", false, "print metadata")
	fake := flag.Bool("fake", false, "use a synthetic sensor instead of the hardware")
	timeout := flag.Duration("timeout", 10*time.Second, "give up after this delay")
	verbose := flag.Int("v", 0, "verbosity level")
	flag.Parse()
	if *verbose == 0 {
		log.SetOutput(io.Discard)
	}
	log.SetFlags(log.Lmicroseconds)

	if flag.NArg() != 1 {
		return errors.New("supply path to PNG to save")
	}
	v := lepton.Lepton3
	switch *variant {
	case 2:
		v = lepton.Lepton2
	case 3:
	default:
		return fmt.Errorf("unsupported variant %d", *variant)
	}

	l := vlog.New(*verbose)
	var bus lepton.Transport
	var ctl lepton.Controller
	var cci *lepton.CCI
	var sensor *leptontest.Sensor
	if *fake {
		sensor = leptontest.NewSensor(v)
		bus, ctl = sensor, sensor
	} else {
		if _, err := host.Init(); err != nil {
			return err
		}
		if *serialName != "" {
			bus = lepton.NewSerial(*serialName)
		} else {
			bus = lepton.NewSPI(*spiName)
		}
		if i2cBus, err := i2creg.Open(*i2cName); err != nil {
			log.Printf("no control channel: %s", err)
		} else {
			defer i2cBus.Close()
			cci = lepton.NewCCI(i2cBus, l)
			ctl = cci
		}
	}
	defer bus.Close()

	interrupt.HandleCtrlC()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	go func() {
		select {
		case <-interrupt.Channel:
			cancel()
		case <-ctx.Done():
		}
	}()

	frame, err := grab(ctx, bus, ctl, v, physic.Frequency(*spiMHz)*physic.MegaHertz, l)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("no frame after %s\nIf testing without hardware, use -fake to simulate a camera", *timeout)
		}
		return err
	}
	e := thermal.Scan(frame)
	if *meta {
		min, max := e.Celsius()
		fmt.Printf("Min:      %d (%s°C)\n", e.Min, thermal.FormatTemp(min))
		fmt.Printf("Max:      %d (%s°C)\n", e.Max, thermal.FormatTemp(max))
		fmt.Printf("Samples:  %d\n", e.Count)
		if cci != nil {
			if uptime, err := cci.GetUptime(); err == nil {
				fmt.Printf("Uptime:   %s\n", uptime)
			}
			if temp, err := cci.GetTemperature(); err == nil {
				fmt.Printf("Die temp: %s°C\n", thermal.FormatTemp(float64(temp)/100-273.15))
			}
		}
		if sensor != nil {
			fmt.Printf("Uptime:   %s\n", sensor.Uptime())
		}
	}

	var img image.Image
	if *raw {
		img = frame.Gray16()
	} else {
		s := thermal.NewScaler(thermal.DefaultRange())
		s.Update(e)
		r := thermal.NewRenderer(v, l)
		hot := r.Render(frame, e.Max, s, palette.Get(palette.ID(*pal)), false)
		thermal.Overlay(r.Image(), hot)
		img = r.Image()
	}
	f, err := os.Create(flag.Args()[0])
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nlepton-grab: %s.\n", err)
		os.Exit(1)
	}
}
