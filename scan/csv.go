package scan

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// CSV channel numbers for the two axes
const (
	ChannelX = 0
	ChannelY = 1
)

// WriteCSV writes the waveform as CSV.  The header row holds the channel
// numbers, each following row holds one X and one Y sample.
func WriteCSV(w io.Writer, wf Waveform) error {
	cw := csv.NewWriter(w)
	err := cw.Write([]string{strconv.Itoa(ChannelX), strconv.Itoa(ChannelY)})
	if err != nil {
		return err
	}
	row := make([]string, 2)
	for i := range wf.X {
		row[0] = strconv.FormatFloat(wf.X[i], 'g', -1, 64)
		row[1] = strconv.FormatFloat(wf.Y[i], 'g', -1, 64)
		if err = cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses CSV written by WriteCSV, or any CSV whose header row names
// channels 0 and 1 in either order, into a Custom waveform played at
// sampleRate.  The waveform is validated before it is returned.
func ReadCSV(r io.Reader, sampleRate float64) (Waveform, error) {
	reader := csv.NewReader(r)
	var (
		cols   = map[int]int{}
		x, y   []float64
		header = true
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Waveform{}, err
		}
		if header {
			header = false
			for i := 0; i < len(record); i++ {
				c, err := strconv.Atoi(record[i])
				if err != nil {
					return Waveform{}, fmt.Errorf("%w: header column %d is not a channel number: %v", ErrInvalidParameter, i, err)
				}
				cols[c] = i
			}
			_, okx := cols[ChannelX]
			_, oky := cols[ChannelY]
			if !okx || !oky {
				return Waveform{}, fmt.Errorf("%w: CSV header must name channels %d and %d", ErrInvalidParameter, ChannelX, ChannelY)
			}
			continue
		}
		fx, err := strconv.ParseFloat(record[cols[ChannelX]], 64)
		if err != nil {
			return Waveform{}, err
		}
		fy, err := strconv.ParseFloat(record[cols[ChannelY]], 64)
		if err != nil {
			return Waveform{}, err
		}
		x = append(x, fx)
		y = append(y, fy)
	}
	wf := Waveform{
		X:              x,
		Y:              y,
		SampleRate:     sampleRate,
		SamplesPerLine: len(x),
		Lines:          1,
		Kind:           Custom,
	}
	return wf, wf.Validate()
}
