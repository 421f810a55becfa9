package main

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/nasa-jpl/octsync/acquisition"
	"github.com/nasa-jpl/octsync/generichttp"
	acqhttp "github.com/nasa-jpl/octsync/generichttp/acquisition"
	"github.com/nasa-jpl/octsync/server"
	"github.com/nasa-jpl/octsync/server/middleware/locker"
)

// Prefix is where the acquisition routes are mounted
const Prefix = "/acq"

// BuildMux assembles the HTTP interface of ctl
func BuildMux(ctl *acquisition.Controller) chi.Router {
	h := acqhttp.NewHTTPAcquisition(ctl, ctl.Latest)
	lock := locker.New()
	locker.Inject(h, lock)

	sub := chi.NewRouter()
	sub.Use(lock.Check)
	h.RT().Bind(sub)

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Mount(Prefix, sub)

	endpoints := []string{}
	for _, ep := range h.RT().Endpoints() {
		endpoints = append(endpoints, prefixed(ep))
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		server.ReplyJSON(w, endpoints)
	})
	root.Get("/version", generichttp.GetString(func() string { return Version }))
	return root
}

// prefixed turns "GET /status" into "GET /acq/status"
func prefixed(ep string) string {
	for i := 0; i < len(ep); i++ {
		if ep[i] == ' ' {
			return ep[:i+1] + Prefix + ep[i+1:]
		}
	}
	return ep
}
