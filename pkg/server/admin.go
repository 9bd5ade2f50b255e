package server

import (
	"errors"
	"net/http"

	"github.com/ha1tch/archety/pkg/batch"
	"github.com/ha1tch/archety/pkg/cache"
	"github.com/ha1tch/archety/pkg/storage"
)

// StatsResponse is the body of GET /v1/admin/stats
type StatsResponse struct {
	Writer batch.Stats        `json:"writer"`
	Cache  cache.Stats        `json:"cache"`
	Store  *storage.Counts    `json:"store,omitempty"`
	Info   *storage.StoreInfo `json:"store_info,omitempty"`
}

// handleFlush applies the queued records now instead of on the next tick
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	res, err := s.writer.Flush(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Str("batch", res.BatchID).Msg("Requested flush failed")
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleStats reports writer, cache and store counters
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Writer: s.writer.Stats(),
		Cache:  s.cache.Stats(),
	}
	if counter, ok := s.store.(storage.Counter); ok {
		counts, err := counter.Counts(r.Context())
		if err != nil {
			s.storeFailure(w, r, err)
			return
		}
		resp.Store = &counts
	}
	if ip, ok := s.store.(storage.InfoProvider); ok {
		info := ip.Info()
		resp.Info = &info
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleWarmup loads every entity key into the lookup cache
func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.store.(storage.Exporter); !ok {
		s.writeError(w, http.StatusNotImplemented, "Store does not support warm-up.")
		return
	}

	n, err := s.resolver.Warm(r.Context())
	if err != nil {
		if errors.Is(err, r.Context().Err()) {
			s.writeError(w, http.StatusServiceUnavailable, "Warm-up interrupted.")
			return
		}
		s.storeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Warmed up and ready to go!",
		"entries": n,
	})
}
