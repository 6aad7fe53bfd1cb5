package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger is implemented by stores that can report backend liveness. The
// in-memory store doesn't, and is always considered ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	return "ok", nil
}

func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	pinger, ok := s.repo.(Pinger)
	if !ok {
		return "ok", nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := pinger.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return nil, err
	}

	return "ok", nil
}
