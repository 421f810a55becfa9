package main

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nasa-jpl/octsync/acquisition"
	"github.com/nasa-jpl/octsync/comm"
	"github.com/nasa-jpl/octsync/config"
	"github.com/nasa-jpl/octsync/device"
	"github.com/nasa-jpl/octsync/device/mock"
	"github.com/nasa-jpl/octsync/pulsegen"
)

// PulsegenBaud is the serial rate of the external pulse generator
const PulsegenBaud = 115200

// Hardware builds the drivers named by c.  The returned func releases any
// connection Hardware opened.  When the trigger comes from the pulse
// generator, c.Galvo.TriggerChannel is rewritten to its counter.
func Hardware(c *config.Hardware) (acquisition.Hardware, func(), error) {
	var hw acquisition.Hardware
	closers := []func() error{}
	release := func() {
		for _, fn := range closers {
			if err := fn(); err != nil {
				log.Println(err)
			}
		}
	}

	var rig *mock.Rig
	if c.Camera.Driver == "mock" || c.Galvo.Driver == "mock" {
		rig = mock.NewRig(device.TransferParams{
			Width:        c.Camera.PixelsPerLine,
			Height:       c.Camera.LinesPerBScan,
			BitsPerPixel: c.Camera.BitsPerPixel,
		})
		rig.FrameClock(framePeriod(c.Camera), 0)
	}
	switch c.Camera.Driver {
	case "mock":
		hw.Grabber = rig.Grabber
	default:
		return hw, release, fmt.Errorf("unknown camera driver %q", c.Camera.Driver)
	}
	switch c.Galvo.Driver {
	case "mock":
		hw.DAQ = rig.DAQ
	default:
		return hw, release, fmt.Errorf("unknown galvo driver %q", c.Galvo.Driver)
	}

	switch c.Galvo.TriggerDriver {
	case "":
	case "pulsegen":
		var dial comm.Dialer
		if strings.Contains(c.Galvo.TriggerAddr, ":") {
			dial = comm.TCPDialer(c.Galvo.TriggerAddr, 3*time.Second)
		} else {
			dial = comm.SerialDialer(comm.SerialConf(c.Galvo.TriggerAddr, PulsegenBaud))
		}
		gen := pulsegen.New(pulsegen.DefaultDevice, comm.NewLink(c.Galvo.TriggerAddr, dial))
		closers = append(closers, gen.Close)
		hw.Counters = gen
		c.Galvo.TriggerChannel = gen.Channel()
	default:
		return hw, release, fmt.Errorf("unknown trigger driver %q", c.Galvo.TriggerDriver)
	}
	return hw, release, nil
}

// framePeriod is the time the camera takes to capture one B-scan
func framePeriod(c config.Camera) time.Duration {
	if c.LineRate <= 0 {
		return 0
	}
	return time.Duration(float64(c.LinesPerBScan) * float64(time.Second) / c.LineRate)
}
