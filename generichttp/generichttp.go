// Package generichttp maps HTTP method and path pairs to handlers and
// provides the handler generators shared by the HTTP interfaces
package generichttp

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"sort"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/octsync/device"
	"github.com/nasa-jpl/octsync/server"
)

// MethodPath is an HTTP method and a chi path pattern
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps MethodPaths to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Bind binds every route to r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, fn := range rt {
		r.MethodFunc(mp.Method, mp.Path, fn)
	}
}

// Endpoints lists the routes as "METHOD path", sorted by path
func (rt RouteTable) Endpoints() []string {
	mps := make([]MethodPath, 0, len(rt))
	for mp := range rt {
		mps = append(mps, mp)
	}
	sort.Slice(mps, func(i, j int) bool {
		if mps[i].Path == mps[j].Path {
			return mps[i].Method < mps[j].Method
		}
		return mps[i].Path < mps[j].Path
	})
	out := make([]string, len(mps))
	for i, mp := range mps {
		out[i] = mp.Method + " " + mp.Path
	}
	return out
}

// HTTPer has a route table
type HTTPer interface {
	RT() RouteTable
}

// StatusOf maps an error to an HTTP status code by its device.Kind
func StatusOf(err error) int {
	var de *device.Error
	if !errors.As(err, &de) {
		return http.StatusInternalServerError
	}
	switch de.Kind {
	case device.ConfigurationInvalid:
		return http.StatusBadRequest
	case device.DeviceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error replies with err and the status StatusOf chooses
func Error(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusOf(err))
}

// Do calls fcn and replies 200 or with its error
func Do(fcn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(); err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hp := server.HumanPayload{T: types.Bool, Bool: fcn()}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := server.BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(b.Bool); err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hp := server.HumanPayload{T: types.String, String: fcn()}
		hp.EncodeAndRespond(w, r)
	}
}

// GetJSON replies with the JSON encoding of whatever fcn returns
func GetJSON(fcn func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		server.ReplyJSON(w, fcn())
	}
}
