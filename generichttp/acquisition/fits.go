package acquisition

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/octsync/events"
)

// pixels widens a frame payload to 16 bits.  Multi-byte pixels are little
// endian, as the grabber delivers them.
func pixels(f events.Frame) []uint16 {
	n := f.Width * f.Height
	out := make([]uint16, n)
	if f.BitsPerPixel <= 8 {
		for i := 0; i < n && i < len(f.Payload); i++ {
			out[i] = uint16(f.Payload[i])
		}
		return out
	}
	for i := 0; i < n && 2*i+1 < len(f.Payload); i++ {
		out[i] = binary.LittleEndian.Uint16(f.Payload[2*i:])
	}
	return out
}

// frameCards describes a frame in FITS header cards
func frameCards(f events.Frame) []fitsio.Card {
	return []fitsio.Card{
		{Name: "SEQUENCE", Value: int(f.Sequence), Comment: "frame sequence number within the session"},
		{Name: "DATE-OBS", Value: f.Timestamp.UTC().Format(time.RFC3339Nano), Comment: "capture time"},
		{Name: "BITDEPTH", Value: f.BitsPerPixel, Comment: "significant bits per pixel"},
	}
}

// WriteFits streams a frame to w as a 16 bit FITS image
func WriteFits(w io.Writer, metadata []fitsio.Card, f events.Frame) error {
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{f.Width, f.Height})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	uints := pixels(f)
	ints := make([]int16, len(uints))
	for idx, u := range uints {
		ints[idx] = int16(int32(u) - 32768)
	}
	err = im.Write(ints)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
