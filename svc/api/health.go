package api

import (
	"context"
	"net/http"
	"time"

	"hastypaste/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}
type ReadyResponse struct {
	Ready       bool     `json:"ready"`
	Store       string   `json:"store"`
	CacheLevels []string `json:"cache_levels"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready only depends on the store. Cache levels degrade on their own and
// are reported for information.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready:       true,
		Store:       "up",
		CacheLevels: s.paste.CacheLevels(),
	}
	if err := s.paste.PingStore(ctx); err != nil {
		util.Error().Err(err).Msg("store health check failed")
		resp.Store = "down"
		resp.Ready = false
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
