package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wkalt/tapecache/handler"
	"github.com/wkalt/tapecache/plugin"
	"github.com/wkalt/tapecache/util/mw"
)

/*
Package routes serves the local HTTP surface of the service: status and cache
summaries for the host application, manual upload and flush triggers, and the
Prometheus metrics.
*/

////////////////////////////////////////////////////////////////////////////////

// MakeRoutes builds the router. plugins and gatherer may be nil.
func MakeRoutes(h *handler.Handler, plugins *plugin.Manager, gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", newStatusHandler(h, plugins)).Methods(http.MethodGet)
	r.HandleFunc("/caches", newCachesHandler(h)).Methods(http.MethodGet)
	r.HandleFunc("/upload", newUploadHandler(h)).Methods(http.MethodPost)
	r.HandleFunc("/flush", newFlushHandler(h)).Methods(http.MethodPost)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.Use(mw.WithAccessLog)
	return mw.WithRequestID(r)
}
