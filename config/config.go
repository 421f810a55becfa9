/*Package config holds the hardware and imaging configuration of the scan
controller and loads it from YAML and the environment.

The acquisition core never reads files; a Hardware value is handed to it when
a session starts.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/nasa-jpl/octsync/galvo"
	"github.com/nasa-jpl/octsync/scan"
	"github.com/nasa-jpl/octsync/util"
)

// EnvPrefix prefixes environment overrides, e.g. OCTSRV_CAMERA__BUFFERCOUNT=16
const EnvPrefix = "OCTSRV_"

// AllowedBitsPerPixel are the pixel depths the grabber supports
var AllowedBitsPerPixel = []int{8, 10, 12, 14, 16}

// Camera configures the frame grabber and camera
type Camera struct {
	// Driver selects the grabber implementation, "mock" for fake hardware
	Driver string `yaml:"Driver" koanf:"Driver"`

	// ConfigFile is the vendor camera configuration file
	ConfigFile string `yaml:"ConfigFile" koanf:"ConfigFile"`

	ServerIndex   int `yaml:"ServerIndex" koanf:"ServerIndex"`
	ResourceIndex int `yaml:"ResourceIndex" koanf:"ResourceIndex"`

	// BufferCount is the number of ring slots
	BufferCount int `yaml:"BufferCount" koanf:"BufferCount"`

	// LineRate is the camera line rate, Hz
	LineRate float64 `yaml:"LineRate" koanf:"LineRate"`

	PixelsPerLine int `yaml:"PixelsPerLine" koanf:"PixelsPerLine"`
	LinesPerBScan int `yaml:"LinesPerBScan" koanf:"LinesPerBScan"`
	BitsPerPixel  int `yaml:"BitsPerPixel" koanf:"BitsPerPixel"`

	// DrainTimeout bounds the camera stop, seconds
	DrainTimeout float64 `yaml:"DrainTimeout" koanf:"DrainTimeout"`
}

// Galvo configures the analog outputs and the trigger counter
type Galvo struct {
	// Driver selects the DAQ implementation, "mock" for fake hardware
	Driver string `yaml:"Driver" koanf:"Driver"`

	DeviceName string `yaml:"DeviceName" koanf:"DeviceName"`

	// XChannel and YChannel are analog outputs relative to DeviceName, e.g. ao0
	XChannel string `yaml:"XChannel" koanf:"XChannel"`
	YChannel string `yaml:"YChannel" koanf:"YChannel"`

	// TriggerChannel is a counter output relative to DeviceName, e.g. ctr0
	TriggerChannel string `yaml:"TriggerChannel" koanf:"TriggerChannel"`

	// TriggerDriver is "" to use the DAQ counter, or "pulsegen" for an
	// external serial pulse generator at TriggerAddr
	TriggerDriver string `yaml:"TriggerDriver" koanf:"TriggerDriver"`
	TriggerAddr   string `yaml:"TriggerAddr" koanf:"TriggerAddr"`

	// ExternalClockSource is a terminal relative to DeviceName, e.g. PFI0
	ExternalClockSource string `yaml:"ExternalClockSource" koanf:"ExternalClockSource"`
	UseExternalClock    bool   `yaml:"UseExternalClock" koanf:"UseExternalClock"`

	XRange galvo.Range `yaml:"XRange" koanf:"XRange"`
	YRange galvo.Range `yaml:"YRange" koanf:"YRange"`

	// ScanAmplitude and ScanOffset are volts
	ScanAmplitude float64 `yaml:"ScanAmplitude" koanf:"ScanAmplitude"`
	ScanOffset    float64 `yaml:"ScanOffset" koanf:"ScanOffset"`

	// SampleRate is the analog output rate, Hz
	SampleRate float64 `yaml:"SampleRate" koanf:"SampleRate"`
}

// Imaging configures the volume and the preview
type Imaging struct {
	BScansPerVolume int `yaml:"BScansPerVolume" koanf:"BScansPerVolume"`

	// DisplayUpdateRate limits preview frames, Hz
	DisplayUpdateRate float64 `yaml:"DisplayUpdateRate" koanf:"DisplayUpdateRate"`
}

// MQTT configures the optional event reporter
type MQTT struct {
	// Broker, e.g. tcp://localhost:1883.  Empty disables reporting.
	Broker   string `yaml:"Broker" koanf:"Broker"`
	ClientID string `yaml:"ClientID" koanf:"ClientID"`
	Prefix   string `yaml:"Prefix" koanf:"Prefix"`

	// StatsInterval between statistics messages, seconds
	StatsInterval float64 `yaml:"StatsInterval" koanf:"StatsInterval"`
}

// Hardware is the complete configuration
type Hardware struct {
	// Addr is the HTTP listen address
	Addr string `yaml:"Addr" koanf:"Addr"`

	// AutoStart begins acquisition as soon as the server is up
	AutoStart bool `yaml:"AutoStart" koanf:"AutoStart"`

	Camera  Camera       `yaml:"Camera" koanf:"Camera"`
	Galvo   Galvo        `yaml:"Galvo" koanf:"Galvo"`
	Imaging Imaging      `yaml:"Imaging" koanf:"Imaging"`
	Scan    scan.Pattern `yaml:"Scan" koanf:"Scan"`
	MQTT    MQTT         `yaml:"MQTT" koanf:"MQTT"`
}

// Default returns the configuration of a stock system
func Default() Hardware {
	return Hardware{
		Addr: ":8000",
		Camera: Camera{
			Driver:        "mock",
			BufferCount:   8,
			LineRate:      250000,
			PixelsPerLine: 2048,
			LinesPerBScan: 512,
			BitsPerPixel:  10,
			DrainTimeout:  5,
		},
		Galvo: Galvo{
			Driver:              "mock",
			DeviceName:          "Dev3",
			XChannel:            "ao0",
			YChannel:            "ao1",
			TriggerChannel:      "ctr0",
			ExternalClockSource: "PFI0",
			UseExternalClock:    true,
			XRange:              galvo.Range{Min: -10, Max: 10},
			YRange:              galvo.Range{Min: -10, Max: 10},
			ScanAmplitude:       5,
			ScanOffset:          0,
			SampleRate:          100000,
		},
		Imaging: Imaging{
			BScansPerVolume:   512,
			DisplayUpdateRate: 30,
		},
		Scan: scan.Pattern{
			Type:            "line",
			Lines:           1,
			FramesPerVolume: 512,
		},
		MQTT: MQTT{
			ClientID:      "octsrv",
			Prefix:        "octsrv",
			StatsInterval: 1,
		},
	}
}

// Physical joins a channel to the device name, "ao0" => "Dev3/ao0".
// Channels that already name a device are returned unchanged.
func (g Galvo) Physical(ch string) string {
	if ch == "" || strings.Contains(ch, "/") {
		return ch
	}
	return g.DeviceName + "/" + ch
}

// Terminal is the fully qualified external clock terminal, "/Dev3/PFI0", or
// "" if the external clock is disabled
func (g Galvo) Terminal() string {
	if !g.UseExternalClock {
		return ""
	}
	if strings.HasPrefix(g.ExternalClockSource, "/") {
		return g.ExternalClockSource
	}
	return "/" + g.Physical(g.ExternalClockSource)
}

// DrainTimeoutDuration converts the drain timeout to a Duration
func (c Camera) DrainTimeoutDuration() time.Duration {
	return util.SecsToDuration(c.DrainTimeout)
}

func contains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Validate checks every field and reports all problems at once
func (h Hardware) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	c := h.Camera
	if c.BufferCount < 2 {
		add("Camera.BufferCount must be at least 2, got %d", c.BufferCount)
	}
	if c.LineRate <= 0 {
		add("Camera.LineRate must be positive, got %v", c.LineRate)
	}
	if c.PixelsPerLine <= 0 {
		add("Camera.PixelsPerLine must be positive, got %d", c.PixelsPerLine)
	}
	if c.LinesPerBScan <= 0 {
		add("Camera.LinesPerBScan must be positive, got %d", c.LinesPerBScan)
	}
	if !contains(AllowedBitsPerPixel, c.BitsPerPixel) {
		add("Camera.BitsPerPixel must be one of %v, got %d", AllowedBitsPerPixel, c.BitsPerPixel)
	}
	if c.DrainTimeout < 0 {
		add("Camera.DrainTimeout must not be negative, got %v", c.DrainTimeout)
	}
	g := h.Galvo
	if g.DeviceName == "" {
		add("Galvo.DeviceName is required")
	}
	if g.XChannel == "" || g.YChannel == "" {
		add("Galvo.XChannel and Galvo.YChannel are required")
	}
	if g.TriggerChannel == "" {
		add("Galvo.TriggerChannel is required")
	}
	if g.UseExternalClock && g.ExternalClockSource == "" {
		add("Galvo.ExternalClockSource is required when UseExternalClock is set")
	}
	if g.TriggerDriver == "pulsegen" && g.TriggerAddr == "" {
		add("Galvo.TriggerAddr is required for the pulsegen trigger")
	}
	if err := g.XRange.Validate(); err != nil {
		add("Galvo.XRange: %v", err)
	}
	if err := g.YRange.Validate(); err != nil {
		add("Galvo.YRange: %v", err)
	}
	if g.ScanAmplitude <= 0 {
		add("Galvo.ScanAmplitude must be positive, got %v", g.ScanAmplitude)
	}
	if g.SampleRate <= 0 {
		add("Galvo.SampleRate must be positive, got %v", g.SampleRate)
	}
	if h.Imaging.BScansPerVolume < 1 {
		add("Imaging.BScansPerVolume must be positive, got %d", h.Imaging.BScansPerVolume)
	}
	if r := h.Imaging.DisplayUpdateRate; r < 1 || r > 120 {
		add("Imaging.DisplayUpdateRate must be within [1, 120] Hz, got %v", r)
	}
	return errors.Join(errs...)
}

// Load layers the defaults, the YAML file at path (if it exists) and
// OCTSRV_ environment variables, in that order.  Nested keys in the
// environment are separated by a double underscore.
func Load(path string) (Hardware, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Hardware{}, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") {
				return Hardware{}, fmt.Errorf("error loading config: %w", err)
			}
		}
	}
	err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey(k)), nil)
	if err != nil {
		return Hardware{}, err
	}
	var h Hardware
	if err := k.Unmarshal("", &h); err != nil {
		return Hardware{}, err
	}
	return h, nil
}

// envKey maps OCTSRV_CAMERA__BUFFERCOUNT to the existing key
// Camera.BufferCount, matching case-insensitively.  Unknown keys are
// dropped.
func envKey(k *koanf.Koanf) func(string, string) (string, interface{}) {
	known := map[string]string{}
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	return func(name, value string) (string, interface{}) {
		path := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, EnvPrefix), "__", "."))
		key, ok := known[path]
		if !ok {
			return "", nil
		}
		return key, value
	}
}
