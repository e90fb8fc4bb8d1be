package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/videoswarm/upswarm/config"
	"github.com/videoswarm/upswarm/log"
)

// ListenAndServe binds addr and serves the Prometheus /metrics endpoint
// until the process exits or the listener errors.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.LogNoRequestID(
		"starting Prometheus metrics listener",
		"version", config.Version,
		"addr", addr,
	)
	return http.ListenAndServe(addr, mux)
}
