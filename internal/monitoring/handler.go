package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sam-2707/EdgeQI-sub000/internal/bandwidth"
	"github.com/sam-2707/EdgeQI-sub000/internal/consensus"
	"github.com/sam-2707/EdgeQI-sub000/internal/coordinator"
	"github.com/sam-2707/EdgeQI-sub000/internal/fusion"
	"github.com/sam-2707/EdgeQI-sub000/internal/mesh"
	"github.com/sam-2707/EdgeQI-sub000/internal/transfer"
)

// Fabric bundles the components the monitoring surface reads from.
// Any field may be nil; the handlers degrade to empty responses.
type Fabric struct {
	Substrate   *mesh.Substrate
	Consensus   *consensus.Engine
	Fusion      *fusion.Manager
	Bandwidth   *bandwidth.Monitor
	Transfers   *transfer.Manager
	Coordinator *coordinator.Coordinator
}

func (s *Service) newHandler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(corsMiddleware)

	r.Get(s.config.HealthPath, s.handleHealth)
	r.Get(s.config.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/stats", s.handleStats)
	r.Get("/info", s.handleInfo)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/queues", s.handleQueues)
		r.Get("/events", s.handleEvents)
		r.Get("/analytics", s.handleAnalytics)
		r.Get("/recommendations", s.handleRecommendations)
		r.Get("/consensus/history", s.handleConsensusHistory)
		r.Get("/topology", s.handleTopology)
		r.Get("/bandwidth", s.handleBandwidth)
		r.Get("/bandwidth/prediction", s.handlePrediction)
		r.Get("/transfers", s.handleTransfers)
		r.Get("/peers", s.handlePeers)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.getHealthStatuses()

	overall := "healthy"
	for _, status := range statuses {
		if status.Status == "unhealthy" {
			overall = "unhealthy"
			break
		}
	}

	code := http.StatusOK
	if overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now(),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    statuses,
	})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":     time.Since(s.startTime).String(),
		"goroutines": runtime.NumGoroutine(),
	}

	if s.fabric != nil {
		if s.fabric.Substrate != nil {
			stats["mesh"] = s.fabric.Substrate.Stats()
		}
		if s.fabric.Consensus != nil {
			stats["consensus"] = s.fabric.Consensus.Stats()
		}
		if s.fabric.Fusion != nil {
			stats["fusion"] = s.fabric.Fusion.Stats()
		}
		if s.fabric.Transfers != nil {
			stats["transfers"] = s.fabric.Transfers.Stats()
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"service":    "edgeqi",
		"started_at": s.startTime,
		"go_version": runtime.Version(),
	}

	if s.fabric != nil && s.fabric.Substrate != nil {
		info["node_id"] = s.fabric.Substrate.NodeID()
	}
	if s.fabric != nil && s.fabric.Coordinator != nil {
		info["role"] = string(s.fabric.Coordinator.Role())
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Service) handleQueues(w http.ResponseWriter, r *http.Request) {
	if s.fabric == nil || s.fabric.Fusion == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"queues": map[string]interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queues": s.fabric.Fusion.GlobalQueues(),
	})
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.fabric == nil || s.fabric.Fusion == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": []interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.fabric.Fusion.Events(),
	})
}

func (s *Service) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.fabric == nil || s.fabric.Fusion == nil {
		writeError(w, http.StatusNotFound, "fusion not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.fabric.Fusion.Analytics())
}

func (s *Service) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if s.fabric == nil || s.fabric.Fusion == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"recommendations": []interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": s.fabric.Fusion.Recommendations(),
	})
}

func (s *Service) handleConsensusHistory(w http.ResponseWriter, r *http.Request) {
	if s.fabric == nil || s.fabric.Consensus == nil {
		writeError(w, http.StatusNotFound, "consensus not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":  s.fabric.Consensus.ActiveProposals(),
		"history": s.fabric.Consensus.History(),
	})
}

func (s *Service) handleTopology(w http.ResponseWriter, r *http.Request) {
	if s.fabric == nil || s.fabric.Coordinator == nil {
		writeError(w, http.StatusNotFound, "coordinator not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.fabric.Coordinator.Topology())
}

func (s *Service) handleBandwidth(w http.ResponseWriter, r *http.Request) {
	if s.fabric == nil || s.fabric.Bandwidth == nil {
		writeError(w, http.StatusNotFound, "bandwidth monitor not enabled")
		return
	}

	current, ok := s.fabric.Bandwidth.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no bandwidth sample yet")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current": current,
		"history": s.fabric.Bandwidth.History(),
	})
}

func (s *Service) handlePrediction(w http.ResponseWriter, r *http.Request) {
	if s.fabric == nil || s.fabric.Bandwidth == nil {
		writeError(w, http.StatusNotFound, "bandwidth monitor not enabled")
		return
	}

	seconds := 30
	if raw := r.URL.Query().Get("horizon_seconds"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid horizon_seconds")
			return
		}
		seconds = parsed
	}

	prediction, ok := s.fabric.Bandwidth.Predict(time.Duration(seconds) * time.Second)
	if !ok {
		writeError(w, http.StatusNotFound, "not enough samples for a prediction")
		return
	}

	writeJSON(w, http.StatusOK, prediction)
}

func (s *Service) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if s.fabric == nil || s.fabric.Transfers == nil {
		writeError(w, http.StatusNotFound, "transfer manager not enabled")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":          s.fabric.Transfers.Stats(),
		"queue_lengths":  s.fabric.Transfers.QueueLengths(),
		"active":         s.fabric.Transfers.ActiveCount(),
		"allocated_mbps": s.fabric.Transfers.AllocatedMbps(),
	})
}

func (s *Service) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.fabric == nil || s.fabric.Substrate == nil {
		writeError(w, http.StatusNotFound, "mesh not enabled")
		return
	}

	resp := map[string]interface{}{
		"peers":       s.fabric.Substrate.ConnectedPeers(),
		"connections": s.fabric.Substrate.Connections(),
	}
	if s.fabric.Coordinator != nil {
		resp["capabilities"] = s.fabric.Coordinator.PeerCapabilities()
		resp["loads"] = s.fabric.Coordinator.PeerLoads()
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
