// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// lepton-query uses the I²C interface to query the sensor internal state.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/maruel/thermalview/lepton"
	"github.com/maruel/thermalview/vlog"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"
)

func mainImpl() error {
	i2cName := flag.String("i2c", "", "I²C bus to use")
	i2cHz := flag.Int("hz", 0, "I²C bus speed")
	ffc := flag.Bool("ffc", false, "trigger FFC")
	reboot := flag.Bool("reboot", false, "reboot the sensor")
	verbose := flag.Int("v", 0, "verbosity level")
	flag.Parse()

	if len(flag.Args()) != 0 {
		return fmt.Errorf("unexpected argument: %s", flag.Args())
	}

	if _, err := host.Init(); err != nil {
		return err
	}
	i2cBus, err := i2creg.Open(*i2cName)
	if err != nil {
		return err
	}
	defer i2cBus.Close()
	if *i2cHz != 0 {
		if err := i2cBus.SetSpeed(physic.Frequency(*i2cHz) * physic.Hertz); err != nil {
			return err
		}
	}
	dev := lepton.NewCCI(i2cBus, vlog.New(*verbose))
	defer dev.Close()
	if *reboot {
		return dev.Reboot()
	}
	status, err := dev.GetStatus()
	if err != nil {
		return err
	}
	fmt.Printf("Status.CameraStatus: %d\n", status.CameraStatus)
	fmt.Printf("Status.CommandCount: %d\n", status.CommandCount)
	serial, err := dev.GetSerial()
	if err != nil {
		return err
	}
	fmt.Printf("Serial:              0x%x\n", serial)
	uptime, err := dev.GetUptime()
	if err != nil {
		return err
	}
	fmt.Printf("Uptime:              %s\n", uptime)
	temp, err := dev.GetTemperature()
	if err != nil {
		return err
	}
	fmt.Printf("Temp:                %.2f°C\n", float64(temp)/100-273.15)
	temp, err = dev.GetHousingTemperature()
	if err != nil {
		return err
	}
	fmt.Printf("Temp housing:        %.2f°C\n", float64(temp)/100-273.15)
	if *ffc {
		return dev.RunFFC()
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nlepton-query: %s.\n", err)
		os.Exit(1)
	}
}
