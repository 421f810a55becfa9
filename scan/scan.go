/*Package scan synthesizes the analog drive waveforms for a pair of galvanometer
scanners.

Every generator is a pure function: identical inputs yield identical outputs,
and no generator touches hardware.  Invalid inputs are reported with an error
wrapping ErrInvalidParameter; a returned Waveform never contains NaN or Inf.

Sample values are in volts, the same unit the drive channel is configured in.
*/
package scan

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidParameter is wrapped by every generator precondition failure
var ErrInvalidParameter = errors.New("invalid scan parameter")

// MaxSamples is the longest waveform, per axis, a generator will produce
const MaxSamples = 1 << 27

// Kind is the classification of a scan pattern
type Kind int

const (
	// BScan is a single cross-sectional image, X sawtooth with constant Y
	BScan Kind = iota

	// CScan is a volume, a stack of B-scans at stepped Y positions
	CScan

	// Point parks the beam at a fixed position
	Point

	// Custom is any other pattern, for example a circle or raster grid
	Custom
)

func (k Kind) String() string {
	switch k {
	case BScan:
		return "bscan"
	case CScan:
		return "cscan"
	case Point:
		return "point"
	case Custom:
		return "custom"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String
func ParseKind(s string) (Kind, error) {
	switch s {
	case "bscan":
		return BScan, nil
	case "cscan":
		return CScan, nil
	case "point":
		return Point, nil
	case "custom":
		return Custom, nil
	}
	return 0, fmt.Errorf("%w: unknown scan kind %q", ErrInvalidParameter, s)
}

// Waveform is a pair of equal length sample sequences for the X and Y axes.
// A Waveform is not modified after a generator returns it.
type Waveform struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`

	// SampleRate is the analog output update rate, Hz
	SampleRate float64 `json:"sampleRate"`

	// SamplesPerLine includes flyback samples, if any
	SamplesPerLine int `json:"samplesPerLine"`

	// Lines is the number of lines (or cycles) in the waveform
	Lines int `json:"lines"`

	Kind Kind `json:"kind"`
}

// Len returns the number of samples per axis
func (w Waveform) Len() int {
	return len(w.X)
}

// Duration is the time needed to play the waveform once
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(w.X)) / w.SampleRate * float64(time.Second))
}

// Validate checks the structural invariants of the waveform
func (w Waveform) Validate() error {
	if len(w.X) == 0 {
		return fmt.Errorf("%w: waveform is empty", ErrInvalidParameter)
	}
	if len(w.X) != len(w.Y) {
		return fmt.Errorf("%w: X has %d samples, Y has %d", ErrInvalidParameter, len(w.X), len(w.Y))
	}
	if err := checkRate(w.SampleRate); err != nil {
		return err
	}
	for i := range w.X {
		if !finite(w.X[i]) || !finite(w.Y[i]) {
			return fmt.Errorf("%w: non-finite sample at index %d", ErrInvalidParameter, i)
		}
	}
	return nil
}

// Extrema returns the min and max of X and Y
func (w Waveform) Extrema() (xmin, xmax, ymin, ymax float64) {
	if len(w.X) == 0 {
		return
	}
	xmin, xmax = w.X[0], w.X[0]
	ymin, ymax = w.Y[0], w.Y[0]
	for i := range w.X {
		xmin = math.Min(xmin, w.X[i])
		xmax = math.Max(xmax, w.X[i])
		ymin = math.Min(ymin, w.Y[i])
		ymax = math.Max(ymax, w.Y[i])
	}
	return
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func checkRate(sampleRate float64) error {
	if !finite(sampleRate) || sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive and finite, got %v", ErrInvalidParameter, sampleRate)
	}
	return nil
}

func checkNonNegative(name string, v float64) error {
	if !finite(v) || v < 0 {
		return fmt.Errorf("%w: %s must be non-negative and finite, got %v", ErrInvalidParameter, name, v)
	}
	return nil
}

func checkFinite(name string, v float64) error {
	if !finite(v) {
		return fmt.Errorf("%w: %s must be finite, got %v", ErrInvalidParameter, name, v)
	}
	return nil
}

// appendLine appends one ramp of spl samples across [-a, a] followed by
// ret flyback samples from a back to -a.
func appendLine(x []float64, spl, ret int, a float64) []float64 {
	for s := 0; s < spl; s++ {
		x = append(x, (float64(s)/float64(spl-1)*2-1)*a)
	}
	switch {
	case ret == 1:
		x = append(x, -a)
	case ret > 1:
		for s := 0; s < ret; s++ {
			x = append(x, a*(1-2*float64(s)/float64(ret-1)))
		}
	}
	return x
}

// sampleCount multiplies counts, failing instead of overflowing or
// exceeding MaxSamples
func sampleCount(counts ...int) (int, error) {
	n := 1
	for _, c := range counts {
		if c > math.MaxInt/n || n*c > MaxSamples {
			return 0, fmt.Errorf("%w: waveform exceeds %d samples per axis", ErrInvalidParameter, MaxSamples)
		}
		n *= c
	}
	return n, nil
}

func checkLine(samplesPerLine, returnSamples int, amplitude, sampleRate float64) error {
	if samplesPerLine < 2 {
		return fmt.Errorf("%w: samples per line must be at least 2, got %d", ErrInvalidParameter, samplesPerLine)
	}
	if returnSamples < 0 {
		return fmt.Errorf("%w: return samples must be non-negative, got %d", ErrInvalidParameter, returnSamples)
	}
	if samplesPerLine > MaxSamples || returnSamples > MaxSamples-samplesPerLine {
		return fmt.Errorf("%w: line of %d+%d samples exceeds the limit of %d", ErrInvalidParameter, samplesPerLine, returnSamples, MaxSamples)
	}
	if err := checkNonNegative("amplitude", amplitude); err != nil {
		return err
	}
	return checkRate(sampleRate)
}

// GenerateLineScan produces a B-scan: an X sawtooth over [-amplitude, amplitude]
// repeated for each line, with Y held at yOffset.
//
// returnSamples is the length of the linear flyback from +amplitude back to
// -amplitude appended to each line.  Zero means an abrupt retrace.
func GenerateLineScan(samplesPerLine, lines int, amplitude, sampleRate, yOffset float64, returnSamples int) (Waveform, error) {
	if err := checkLine(samplesPerLine, returnSamples, amplitude, sampleRate); err != nil {
		return Waveform{}, err
	}
	if lines < 1 {
		return Waveform{}, fmt.Errorf("%w: lines must be at least 1, got %d", ErrInvalidParameter, lines)
	}
	if err := checkFinite("y offset", yOffset); err != nil {
		return Waveform{}, err
	}
	per := samplesPerLine + returnSamples
	n, err := sampleCount(lines, per)
	if err != nil {
		return Waveform{}, err
	}
	x := make([]float64, 0, n)
	y := make([]float64, n)
	for l := 0; l < lines; l++ {
		x = appendLine(x, samplesPerLine, returnSamples, amplitude)
	}
	for i := range y {
		y[i] = yOffset
	}
	return Waveform{
		X:              x,
		Y:              y,
		SampleRate:     sampleRate,
		SamplesPerLine: per,
		Lines:          lines,
		Kind:           BScan,
	}, nil
}

// GenerateVolumeScan produces a C-scan.  X repeats the line ramp for every
// line of every frame; Y steps linearly across [-amplitude, amplitude] from
// one frame to the next and is constant within a frame.
func GenerateVolumeScan(samplesPerLine, linesPerFrame, framesPerVolume int, amplitude, sampleRate float64, returnSamples int) (Waveform, error) {
	if err := checkLine(samplesPerLine, returnSamples, amplitude, sampleRate); err != nil {
		return Waveform{}, err
	}
	if linesPerFrame < 1 {
		return Waveform{}, fmt.Errorf("%w: lines per frame must be at least 1, got %d", ErrInvalidParameter, linesPerFrame)
	}
	if framesPerVolume < 2 {
		return Waveform{}, fmt.Errorf("%w: frames per volume must be at least 2, got %d", ErrInvalidParameter, framesPerVolume)
	}
	per := samplesPerLine + returnSamples
	n, err := sampleCount(linesPerFrame, framesPerVolume, per)
	if err != nil {
		return Waveform{}, err
	}
	lines := linesPerFrame * framesPerVolume
	x := make([]float64, 0, n)
	y := make([]float64, 0, n)
	for f := 0; f < framesPerVolume; f++ {
		ypos := (float64(f)/float64(framesPerVolume-1)*2 - 1) * amplitude
		for l := 0; l < linesPerFrame; l++ {
			x = appendLine(x, samplesPerLine, returnSamples, amplitude)
			for s := 0; s < per; s++ {
				y = append(y, ypos)
			}
		}
	}
	return Waveform{
		X:              x,
		Y:              y,
		SampleRate:     sampleRate,
		SamplesPerLine: per,
		Lines:          lines,
		Kind:           CScan,
	}, nil
}

// GenerateClosedLoop produces one circle of samplesPerCycle points about
// (centerX, centerY).  The angle is uniformly spaced over [0, 2π) so the
// waveform can be looped without a repeated sample.
func GenerateClosedLoop(samplesPerCycle int, radius, sampleRate, centerX, centerY float64) (Waveform, error) {
	if samplesPerCycle < 1 {
		return Waveform{}, fmt.Errorf("%w: samples per cycle must be at least 1, got %d", ErrInvalidParameter, samplesPerCycle)
	}
	if _, err := sampleCount(samplesPerCycle); err != nil {
		return Waveform{}, err
	}
	if err := checkNonNegative("radius", radius); err != nil {
		return Waveform{}, err
	}
	if err := checkRate(sampleRate); err != nil {
		return Waveform{}, err
	}
	if err := checkFinite("center x", centerX); err != nil {
		return Waveform{}, err
	}
	if err := checkFinite("center y", centerY); err != nil {
		return Waveform{}, err
	}
	x := make([]float64, samplesPerCycle)
	y := make([]float64, samplesPerCycle)
	for i := 0; i < samplesPerCycle; i++ {
		theta := 2 * math.Pi * float64(i) / float64(samplesPerCycle)
		x[i] = centerX + radius*math.Cos(theta)
		y[i] = centerY + radius*math.Sin(theta)
	}
	return Waveform{
		X:              x,
		Y:              y,
		SampleRate:     sampleRate,
		SamplesPerLine: samplesPerCycle,
		Lines:          1,
		Kind:           Custom,
	}, nil
}

// GenerateGrid produces a raster of xPoints × yPoints positions centered on
// the origin and spanning xRange by yRange.  X varies fastest.
func GenerateGrid(xPoints, yPoints int, xRange, yRange, sampleRate float64) (Waveform, error) {
	if xPoints < 2 || yPoints < 2 {
		return Waveform{}, fmt.Errorf("%w: grid needs at least 2 points per axis, got %dx%d", ErrInvalidParameter, xPoints, yPoints)
	}
	if err := checkNonNegative("x range", xRange); err != nil {
		return Waveform{}, err
	}
	if err := checkNonNegative("y range", yRange); err != nil {
		return Waveform{}, err
	}
	if err := checkRate(sampleRate); err != nil {
		return Waveform{}, err
	}
	n, err := sampleCount(xPoints, yPoints)
	if err != nil {
		return Waveform{}, err
	}
	x := make([]float64, 0, n)
	y := make([]float64, 0, n)
	dx := xRange / float64(xPoints-1)
	dy := yRange / float64(yPoints-1)
	for j := 0; j < yPoints; j++ {
		yv := dy*float64(j) - yRange/2
		for i := 0; i < xPoints; i++ {
			x = append(x, dx*float64(i)-xRange/2)
			y = append(y, yv)
		}
	}
	return Waveform{
		X:              x,
		Y:              y,
		SampleRate:     sampleRate,
		SamplesPerLine: xPoints,
		Lines:          yPoints,
		Kind:           Custom,
	}, nil
}

// GeneratePoint holds the beam at (x, y) for the given number of samples
func GeneratePoint(x, y float64, samples int, sampleRate float64) (Waveform, error) {
	if samples < 1 {
		return Waveform{}, fmt.Errorf("%w: samples must be at least 1, got %d", ErrInvalidParameter, samples)
	}
	if _, err := sampleCount(samples); err != nil {
		return Waveform{}, err
	}
	if err := checkFinite("x", x); err != nil {
		return Waveform{}, err
	}
	if err := checkFinite("y", y); err != nil {
		return Waveform{}, err
	}
	if err := checkRate(sampleRate); err != nil {
		return Waveform{}, err
	}
	xs := make([]float64, samples)
	ys := make([]float64, samples)
	for i := range xs {
		xs[i] = x
		ys[i] = y
	}
	return Waveform{
		X:              xs,
		Y:              ys,
		SampleRate:     sampleRate,
		SamplesPerLine: samples,
		Lines:          1,
		Kind:           Point,
	}, nil
}
