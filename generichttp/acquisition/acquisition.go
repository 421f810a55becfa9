// Package acquisition provides an HTTP interface to the scan and acquisition
// controller
package acquisition

import (
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strconv"

	"github.com/nasa-jpl/octsync/acquisition"
	"github.com/nasa-jpl/octsync/config"
	"github.com/nasa-jpl/octsync/events"
	"github.com/nasa-jpl/octsync/generichttp"
	"github.com/nasa-jpl/octsync/scan"
)

// Controller is the part of acquisition.Controller served over HTTP
type Controller interface {
	Start() error
	Stop() error
	Status() acquisition.Status
	Statistics() events.Statistics
	Config() config.Hardware

	Waveform() (scan.Waveform, error)
	SetWaveform(scan.Waveform) error
	ClearWaveform() error
}

// FrameSource holds the newest frame
type FrameSource interface {
	Frame() (events.Frame, bool)
}

// HTTPAcquisition wraps a Controller in an HTTP route table
type HTTPAcquisition struct {
	Ctl Controller

	RouteTable generichttp.RouteTable
}

// NewHTTPAcquisition returns the HTTP interface to ctl.  frames may be nil,
// in which case no frame route is served.
func NewHTTPAcquisition(ctl Controller, frames FrameSource) HTTPAcquisition {
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/start"}:      generichttp.Do(ctl.Start),
		{Method: http.MethodPost, Path: "/stop"}:       generichttp.Do(ctl.Stop),
		{Method: http.MethodGet, Path: "/status"}:      generichttp.GetJSON(func() interface{} { return ctl.Status() }),
		{Method: http.MethodGet, Path: "/statistics"}:  generichttp.GetJSON(func() interface{} { return ctl.Statistics() }),
		{Method: http.MethodGet, Path: "/running"}:     generichttp.GetBool(func() bool { return ctl.Status().Running }),
		{Method: http.MethodGet, Path: "/waveform"}:    GetWaveform(ctl),
		{Method: http.MethodPost, Path: "/waveform"}:   UploadWaveformCSV(ctl),
		{Method: http.MethodDelete, Path: "/waveform"}: generichttp.Do(ctl.ClearWaveform),
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/waveform/kind"}] = generichttp.GetString(func() string {
		wf, err := ctl.Waveform()
		if err != nil {
			return ""
		}
		return wf.Kind.String()
	})
	if frames != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/frame/last"}] = GetLastFrame(frames)
	}
	return HTTPAcquisition{Ctl: ctl, RouteTable: rt}
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPAcquisition) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetWaveform returns the current waveform as CSV, one column per channel
func GetWaveform(c Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, err := c.Waveform()
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		hdr := w.Header()
		hdr.Set("Content-Type", "text/csv")
		hdr.Set("Content-Disposition", "attachment; filename=waveform.csv")
		w.WriteHeader(http.StatusOK)
		scan.WriteCSV(w, wf)
	}
}

// UploadWaveformCSV replaces the scan pattern with a CSV upload.  The
// sample rate may be given by the query parameter rate, in Hz, and
// otherwise is the configured galvo sample rate.
func UploadWaveformCSV(c Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		rate := c.Config().Galvo.SampleRate
		if s := r.URL.Query().Get("rate"); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				http.Error(w, fmt.Sprintf("rate: %v", err), http.StatusBadRequest)
				return
			}
			rate = f
		}
		wf, err := scan.ReadCSV(r.Body, rate)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := c.SetWaveform(wf); err != nil {
			generichttp.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetLastFrame returns the newest frame.  The format is chosen by the query
// parameter fmt, png (the default) or fits.
func GetLastFrame(src FrameSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := src.Frame()
		if !ok {
			http.Error(w, "no frame has been acquired", http.StatusNotFound)
			return
		}
		format := r.URL.Query().Get("fmt")
		if format == "" {
			format = "png"
		}
		switch format {
		case "png":
			w.Header().Set("Content-Type", "image/png")
			w.WriteHeader(http.StatusOK)
			png.Encode(w, toImage(f))
		case "fits":
			hdr := w.Header()
			hdr.Set("Content-Type", "image/fits")
			hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=frame-%d.fits", f.Sequence))
			if err := WriteFits(w, frameCards(f), f); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		default:
			http.Error(w, fmt.Sprintf("unknown format %q, use png or fits", format), http.StatusBadRequest)
		}
	}
}

// toImage scales the frame to fill a 16 bit grayscale image
func toImage(f events.Frame) *image.Gray16 {
	im := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	shift := 16 - f.BitsPerPixel
	if shift < 0 {
		shift = 0
	}
	for i, p := range pixels(f) {
		v := p << uint(shift)
		im.Pix[2*i] = byte(v >> 8)
		im.Pix[2*i+1] = byte(v)
	}
	return im
}
