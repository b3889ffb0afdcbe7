package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"relay-flow-backend/internal/models"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// ParseWindow reads a window as a Go duration ("60s", "5m") or as plain
// milliseconds. Empty means fallback.
func ParseWindow(raw string, fallback int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

func (s *Server) window(w http.ResponseWriter, r *http.Request) (int64, bool) {
	windowMs, err := ParseWindow(r.URL.Query().Get("window"), s.flows.DefaultWindowMs())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid window: use a duration like 60s or milliseconds")
		return 0, false
	}
	return windowMs, true
}

func filterFrom(r *http.Request) models.FlowFilter {
	q := r.URL.Query()
	return models.FlowFilter{Bridge: q.Get("bridge"), Destination: q.Get("destination")}.Normalized()
}

// handleRoutes returns per-route summaries for the window
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	windowMs, ok := s.window(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.flows.RouteSummaries(windowMs))
}

// handleDestinations returns per-destination totals for the window
func (s *Server) handleDestinations(w http.ResponseWriter, r *http.Request) {
	windowMs, ok := s.window(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.flows.DestinationFlows(windowMs))
}

func (s *Server) handleBridges(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.flows.BridgeSummaries())
}

// handleFlow resolves the selection, resetting selectors that no longer
// match, and returns the (possibly composite) flow.
func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	filter := s.flows.ReconcileFilter(filterFrom(r))
	flow := s.flows.SelectFlow(filter.Bridge, filter.Destination)
	status := http.StatusOK
	if flow == nil {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, map[string]interface{}{
		"filter": filter,
		"flow":   flow,
	})
}

func (s *Server) handleParticles(w http.ResponseWriter, r *http.Request) {
	filter := filterFrom(r)
	s.writeJSON(w, http.StatusOK, s.flows.ActiveParticles(filter.Bridge, filter.Destination))
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.flows.Options())
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	if s.counts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "daily counts disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.counts.Counts())
}

// handleChains returns current chains data
func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	var chains []models.ChainInfo
	if s.chains != nil {
		chains = s.chains.GetAllChains()
	}
	if chains == nil {
		chains = []models.ChainInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"chains": chains,
		"count":  len(chains),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history store disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	txs, err := s.history.RecentTransactions(r.Context(), limit)
	if err != nil {
		s.logger.Warn("history query failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "history unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.flows.GetStats())
}

// handleHealth returns health status. Degraded feeds still answer 200 with
// status "degraded" since the last aggregates keep being served.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	feed := s.flows.FeedStatus()
	status := "ok"
	if feed.Degraded {
		status = "degraded"
	}
	clients := 0
	if s.ws != nil {
		clients = s.ws.GetClientCount()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"feed":    feed,
		"clients": clients,
	})
}
