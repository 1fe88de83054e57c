package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}

// NewMetricsMux serves /metrics for the given registry on its own port.
func NewMetricsMux(reg *prometheus.Registry) *http.ServeMux {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return m
}
