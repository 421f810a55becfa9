package acquisition_test

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/octsync/acquisition"
	"github.com/nasa-jpl/octsync/config"
	"github.com/nasa-jpl/octsync/device"
	"github.com/nasa-jpl/octsync/device/mock"
	"github.com/nasa-jpl/octsync/events"
	acqhttp "github.com/nasa-jpl/octsync/generichttp/acquisition"
)

var geom = device.TransferParams{Width: 16, Height: 4, BitsPerPixel: 12}

func setup(t *testing.T) (http.Handler, *acquisition.Controller, *mock.Rig) {
	t.Helper()
	cfg := config.Default()
	cfg.Camera.PixelsPerLine = geom.Width
	cfg.Camera.LinesPerBScan = geom.Height
	cfg.Camera.BitsPerPixel = geom.BitsPerPixel
	rig := mock.NewRig(geom)
	c := acquisition.NewController(cfg, acquisition.Hardware{Grabber: rig.Grabber, DAQ: rig.DAQ}, nil)
	t.Cleanup(func() { c.Close() })
	h := acqhttp.NewHTTPAcquisition(c, c.Latest)
	r := chi.NewRouter()
	h.RT().Bind(r)
	return r, c, rig
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestEndpoints(t *testing.T) {
	_, c, _ := setup(t)
	got := acqhttp.NewHTTPAcquisition(c, nil).RT().Endpoints()
	want := []string{
		"GET /running",
		"POST /start",
		"GET /statistics",
		"GET /status",
		"POST /stop",
		"DELETE /waveform",
		"GET /waveform",
		"POST /waveform",
		"GET /waveform/kind",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("endpoint mismatch:\n%s", diff)
	}
}

func TestStartStopStatus(t *testing.T) {
	h, c, rig := setup(t)
	if w := do(h, "POST", "/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start returned %d: %s", w.Code, w.Body)
	}
	for i := 0; i < 3; i++ {
		rig.Grabber.LastTransfer().Fire(false)
	}
	w := do(h, "GET", "/statistics", "")
	var st events.Statistics
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Acquired != 3 {
		t.Errorf("expected 3 frames, got %+v", st)
	}
	w = do(h, "GET", "/status", "")
	var status acquisition.Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if !status.Running || status.Session == "" || status.ScanKind != "bscan" {
		t.Errorf("unexpected status %+v", status)
	}
	if w := do(h, "GET", "/running", ""); strings.TrimSpace(w.Body.String()) != `{"bool":true}` {
		t.Errorf("running returned %s", w.Body)
	}
	if w := do(h, "POST", "/stop", ""); w.Code != http.StatusOK {
		t.Fatalf("stop returned %d: %s", w.Code, w.Body)
	}
	if c.Running() {
		t.Error("still running after stop")
	}
}

func TestStartFailureStatus(t *testing.T) {
	h, _, rig := setup(t)
	rig.Grabber.Available = map[int][]int{}
	if w := do(h, "POST", "/start", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for a missing camera, got %d", w.Code)
	}
}

func TestWaveformRoundTrip(t *testing.T) {
	h, c, _ := setup(t)
	w := do(h, "GET", "/waveform", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("got %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.HasPrefix(w.Body.String(), "0,1\n") {
		t.Errorf("missing channel header: %q", w.Body.String()[:10])
	}

	upload := "1,0\n0.5,-1\n0.25,-2\n0,-3\n"
	if w := do(h, "POST", "/waveform?rate=1000", upload); w.Code != http.StatusOK {
		t.Fatalf("upload returned %d: %s", w.Code, w.Body)
	}
	wf, err := c.Waveform()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{-1, -2, -3}, wf.X); diff != "" {
		t.Errorf("X mismatch:\n%s", diff)
	}
	if wf.SampleRate != 1000 {
		t.Errorf("expected 1 kHz, got %v", wf.SampleRate)
	}
	if w := do(h, "GET", "/waveform/kind", ""); strings.TrimSpace(w.Body.String()) != `{"str":"custom"}` {
		t.Errorf("kind returned %s", w.Body)
	}
	if w := do(h, "DELETE", "/waveform", ""); w.Code != http.StatusOK {
		t.Fatalf("delete returned %d", w.Code)
	}
	if w := do(h, "GET", "/waveform/kind", ""); strings.TrimSpace(w.Body.String()) != `{"str":"bscan"}` {
		t.Errorf("kind after delete returned %s", w.Body)
	}
}

func TestWaveformUploadRejected(t *testing.T) {
	h, _, _ := setup(t)
	if w := do(h, "POST", "/waveform", "0,1\nx,1\n"); w.Code != http.StatusBadRequest {
		t.Errorf("bad csv: expected 400, got %d", w.Code)
	}
	if w := do(h, "POST", "/waveform", "0,1\n20,0\n"); w.Code != http.StatusBadRequest {
		t.Errorf("out of range: expected 400, got %d", w.Code)
	}
	if w := do(h, "POST", "/waveform?rate=fast", "0,1\n0,0\n"); w.Code != http.StatusBadRequest {
		t.Errorf("bad rate: expected 400, got %d", w.Code)
	}
}

func TestLastFrame(t *testing.T) {
	h, _, rig := setup(t)
	if w := do(h, "GET", "/frame/last", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any frame, got %d", w.Code)
	}
	do(h, "POST", "/start", "")
	rig.Grabber.LastTransfer().Fire(false)

	w := do(h, "GET", "/frame/last", "")
	if w.Code != http.StatusOK {
		t.Fatalf("png returned %d", w.Code)
	}
	im, err := png.Decode(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := im.Bounds(); b.Dx() != geom.Width || b.Dy() != geom.Height {
		t.Errorf("png is %v", b)
	}

	w = do(h, "GET", "/frame/last?fmt=fits", "")
	if w.Code != http.StatusOK {
		t.Fatalf("fits returned %d", w.Code)
	}
	f, err := fitsio.Open(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	hdr := f.HDU(0).Header()
	if diff := cmp.Diff([]int{geom.Width, geom.Height}, hdr.Axes()); diff != "" {
		t.Errorf("fits axes mismatch:\n%s", diff)
	}
	if hdr.Bitpix() != 16 {
		t.Errorf("expected 16 bit fits, got %d", hdr.Bitpix())
	}

	if w := do(h, "GET", "/frame/last?fmt=tiff", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown format, got %d", w.Code)
	}
}
