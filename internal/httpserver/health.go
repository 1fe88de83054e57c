package httpserver

import (
	"context"
	"net/http"
	"time"
)

type ReadyzCheck func(ctx context.Context) error

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

func Readyz(timeout time.Duration, checks ...ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		for _, check := range checks {
			if err := check(ctx); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

// RegisterHealth mounts /healthz and /readyz on the router.
func (s *Server) RegisterHealth(timeout time.Duration, checks ...ReadyzCheck) {
	s.Mux.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", Readyz(timeout, checks...)).Methods(http.MethodGet)
}
