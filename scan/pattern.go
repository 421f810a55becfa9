package scan

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Pattern is a serializable description of a scan.  Fields that do not apply
// to the chosen Type are ignored.
type Pattern struct {
	// Type is one of "line", "volume", "circle", "grid", "point"
	Type string `yaml:"Type" koanf:"Type"`

	// SamplesPerLine for line and volume scans.  Zero derives it from the
	// sample rate and the camera line rate, see DeriveSamplesPerLine
	SamplesPerLine int `yaml:"SamplesPerLine" koanf:"SamplesPerLine"`

	// ReturnSamples is the flyback length appended to each line
	ReturnSamples int `yaml:"ReturnSamples" koanf:"ReturnSamples"`

	// Lines for a line scan, or lines per frame for a volume scan
	Lines int `yaml:"Lines" koanf:"Lines"`

	FramesPerVolume int `yaml:"FramesPerVolume" koanf:"FramesPerVolume"`

	// Amplitude is in volts, and doubles as the circle radius
	Amplitude float64 `yaml:"Amplitude" koanf:"Amplitude"`

	// OffsetX and OffsetY are the circle center, point position, or the
	// Y hold value of a line scan (OffsetY)
	OffsetX float64 `yaml:"OffsetX" koanf:"OffsetX"`
	OffsetY float64 `yaml:"OffsetY" koanf:"OffsetY"`

	// GridX, GridY are the number of raster points per axis
	GridX int `yaml:"GridX" koanf:"GridX"`
	GridY int `yaml:"GridY" koanf:"GridY"`

	// RangeX, RangeY are the raster extents, volts peak to peak
	RangeX float64 `yaml:"RangeX" koanf:"RangeX"`
	RangeY float64 `yaml:"RangeY" koanf:"RangeY"`
}

// DeriveSamplesPerLine returns the number of analog output samples that span
// the exposure of one frame of linesPerFrame camera lines at lineRate, never
// fewer than 2.
func DeriveSamplesPerLine(sampleRate, lineRate float64, linesPerFrame int) int {
	if lineRate <= 0 || linesPerFrame < 1 {
		return 2
	}
	spl := int(sampleRate*float64(linesPerFrame)/lineRate + 0.5)
	if spl < 2 {
		spl = 2
	}
	return spl
}

// PeriodMismatch is how much longer one line of samplesPerLine output
// samples lasts than a frame of linesPerFrame camera lines, rounded to the
// nanosecond.  Anything but zero drifts the scan against the trigger by that
// much every frame.
func PeriodMismatch(samplesPerLine int, sampleRate, lineRate float64, linesPerFrame int) time.Duration {
	if sampleRate <= 0 || lineRate <= 0 {
		return 0
	}
	galvo := float64(samplesPerLine) / sampleRate
	frame := float64(linesPerFrame) / lineRate
	return time.Duration(math.Round((galvo - frame) * 1e9))
}

// Generate synthesizes the waveform described by p at sampleRate
func (p Pattern) Generate(sampleRate float64) (Waveform, error) {
	switch strings.ToLower(p.Type) {
	case "line", "bscan", "":
		return GenerateLineScan(p.SamplesPerLine, p.Lines, p.Amplitude, sampleRate, p.OffsetY, p.ReturnSamples)
	case "volume", "cscan":
		return GenerateVolumeScan(p.SamplesPerLine, p.Lines, p.FramesPerVolume, p.Amplitude, sampleRate, p.ReturnSamples)
	case "circle":
		return GenerateClosedLoop(p.SamplesPerLine, p.Amplitude, sampleRate, p.OffsetX, p.OffsetY)
	case "grid", "raster":
		return GenerateGrid(p.GridX, p.GridY, p.RangeX, p.RangeY, sampleRate)
	case "point":
		return GeneratePoint(p.OffsetX, p.OffsetY, p.SamplesPerLine, sampleRate)
	default:
		return Waveform{}, fmt.Errorf("%w: unknown pattern type %q", ErrInvalidParameter, p.Type)
	}
}
