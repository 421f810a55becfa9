// octsrv runs a synchronized scan-and-acquire session controller behind an
// HTTP interface
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/octsync/acquisition"
	"github.com/nasa-jpl/octsync/config"
	"github.com/nasa-jpl/octsync/events"
	"github.com/nasa-jpl/octsync/scan"
	"github.com/nasa-jpl/octsync/util"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "octsrv.yml"
)

func root() {
	str := `octsrv drives a pair of galvanometer scanners and a line-scan camera in
lockstep and streams the captured frames, exposing control over HTTP.

Usage:
	octsrv <command>

Commands:
	run
	help
	mkconf
	conf
	waveform
	version`
	fmt.Println(str)
}

func help() {
	str := `octsrv is amenable to configuration via its .yaml file, octsrv.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html

Every key may be overridden from the environment with the OCTSRV_ prefix,
nested keys joined by a double underscore, e.g.
	OCTSRV_CAMERA__BUFFERCOUNT=16 octsrv run

Camera.Driver and Galvo.Driver select the hardware; "mock" runs the whole
pipeline on simulated devices.  Galvo.TriggerDriver "pulsegen" takes the line
trigger from an external pulse generator at Galvo.TriggerAddr, a serial port
or host:port, instead of the DAQ counter.

Scan.Type is one of line (bscan), volume (cscan), circle, grid or point.
Zero scan fields are filled from the galvo and camera settings.

When MQTT.Broker is set, losses, faults and periodic statistics are
published as JSON under MQTT.Prefix.

HTTP routes, relative to /acq:
	POST   /start          begin a session
	POST   /stop           end the session
	GET    /status         controller status
	GET    /statistics     frames acquired and lost
	GET    /waveform       scan waveform as CSV
	POST   /waveform       upload a CSV waveform, ?rate=<Hz>
	DELETE /waveform       return to the configured pattern
	GET    /frame/last     newest frame, ?fmt=png|fits
	GET    /lock, POST /lock`
	fmt.Println(str)
}

func loadconf() config.Hardware {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func mkconf() {
	c := loadconf()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconf()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("octsrv version %v\n", Version)
}

func pwaveform() {
	c := loadconf()
	wf, err := acquisition.Waveform(c)
	if err != nil {
		log.Fatal(err)
	}
	if err := scan.WriteCSV(os.Stdout, wf); err != nil {
		log.Fatal(err)
	}
}

func newSpinner(msg string) *yacspin.Spinner {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return nil
	}
	return spinner
}

func run() {
	c := loadconf()
	if err := c.Validate(); err != nil {
		log.Fatalf("invalid configuration:\n%v", err)
	}
	hw, closeHW, err := Hardware(&c)
	if err != nil {
		log.Fatal(err)
	}
	defer closeHW()

	ctl := acquisition.NewController(c, hw, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	idle := make(chan struct{})
	close(idle)
	var reported <-chan struct{} = idle
	if c.MQTT.Broker != "" {
		done, err := startReporter(ctx, c.MQTT, ctl)
		if err != nil {
			log.Println("WARNING event reporting disabled:", err)
		} else {
			reported = done
		}
	}

	if c.AutoStart {
		spinner := newSpinner("starting acquisition")
		if spinner != nil {
			spinner.Start()
		}
		err := ctl.Start()
		if spinner != nil {
			if err != nil {
				spinner.StopFail()
			} else {
				spinner.Stop()
			}
		}
		if err != nil {
			log.Println("WARNING acquisition did not start:", err)
		}
	}

	srv := &http.Server{Addr: c.Addr, Handler: BuildMux(ctl)}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		log.Println("shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		srv.Shutdown(sctx)
	}()
	log.Println("now listening for requests at ", c.Addr)
	err = srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Println(err)
	}
	if err := ctl.Close(); err != nil {
		log.Println("error closing the controller:", err)
	}
	// the reporter sends the final statistics and disconnects
	cancel()
	select {
	case <-reported:
	case <-time.After(5 * time.Second):
		log.Println("WARNING event reporter did not finish")
	}
}

// startReporter publishes the controller's events over MQTT until ctx is
// done.  The returned channel is closed once the final statistics are sent
// and the client has disconnected.
func startReporter(ctx context.Context, c config.MQTT, ctl *acquisition.Controller) (<-chan struct{}, error) {
	client, err := events.DialMQTT(c.Broker, c.ClientID, 5*time.Second)
	if err != nil {
		return nil, err
	}
	rep := &events.Reporter{Client: client, Prefix: c.Prefix, QoS: 0, Session: ctl.LastSessionID}
	q := events.NewQueue(rep, 256)
	if _, err := ctl.Pipeline.Subscribe(q); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	interval := util.SecsToDuration(c.StatsInterval)
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		rep.Run(ctx, interval, ctl.Statistics)
		client.Disconnect(250)
	}()
	log.Printf("publishing events to %s under %s/", c.Broker, c.Prefix)
	return done, nil
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "waveform":
		pwaveform()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
