// Package api provides the HTTP API for inspecting and mutating sync state.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/casey/viewsync/device"
	"github.com/casey/viewsync/metrics"
	"github.com/casey/viewsync/sync"
)

// Handler provides the HTTP API over the sync engines.
type Handler struct {
	watchlist *sync.WatchlistSync
	progress  *sync.ProgressSync
	devices   *device.Registry
	router    *device.Router
	metrics   *metrics.Collector
	startTime time.Time
}

// New creates an API handler.
func New(watchlist *sync.WatchlistSync, progress *sync.ProgressSync, devices *device.Registry, router *device.Router, collector *metrics.Collector) *Handler {
	return &Handler{
		watchlist: watchlist,
		progress:  progress,
		devices:   devices,
		router:    router,
		metrics:   collector,
		startTime: time.Now(),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/api/watchlist", h.handleWatchlist)
	mux.HandleFunc("/api/progress", h.handleProgress)
	mux.HandleFunc("/api/devices", h.handleDevices)
	mux.HandleFunc("/api/handoff", h.handleHandoff)
}

// handleStatus returns server uptime and propagation latency summary.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.jsonResponse(w, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"latency": map[string]string{
			"p50":     h.metrics.LatencyPercentile(50).String(),
			"p95":     h.metrics.LatencyPercentile(95).String(),
			"p99":     h.metrics.LatencyPercentile(99).String(),
			"average": h.metrics.AverageLatency().String(),
		},
	})
}

// WatchlistRequest is the body for watchlist mutations.
type WatchlistRequest struct {
	UserID    string `json:"user_id"`
	ContentID string `json:"content_id"`
}

func (h *Handler) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			h.errorResponse(w, "user_id required", http.StatusBadRequest)
			return
		}
		elements, err := h.watchlist.Watchlist(r.Context(), userID)
		if err != nil {
			h.errorResponse(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.jsonResponse(w, map[string]interface{}{
			"user_id":  userID,
			"elements": elements,
		})

	case http.MethodPost:
		var req WatchlistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.errorResponse(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.ContentID == "" {
			h.errorResponse(w, "user_id and content_id required", http.StatusBadRequest)
			return
		}
		tag, err := h.watchlist.Add(r.Context(), req.UserID, req.ContentID)
		if err != nil {
			h.errorResponse(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.jsonResponse(w, map[string]string{"unique_tag": tag})

	case http.MethodDelete:
		var req WatchlistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.errorResponse(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.ContentID == "" {
			h.errorResponse(w, "user_id and content_id required", http.StatusBadRequest)
			return
		}
		if err := h.watchlist.Remove(r.Context(), req.UserID, req.ContentID); err != nil {
			h.errorResponse(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.jsonResponse(w, map[string]string{"status": "removed"})

	default:
		h.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ProgressRequest is the body for a progress update.
type ProgressRequest struct {
	UserID          string  `json:"user_id"`
	ContentID       string  `json:"content_id"`
	PositionSeconds float64 `json:"position_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			h.errorResponse(w, "user_id required", http.StatusBadRequest)
			return
		}
		if contentID := r.URL.Query().Get("content_id"); contentID != "" {
			pos, ok, err := h.progress.Progress(r.Context(), userID, contentID)
			if err != nil {
				h.errorResponse(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !ok {
				h.errorResponse(w, "no progress recorded", http.StatusNotFound)
				return
			}
			h.jsonResponse(w, pos)
			return
		}
		positions, err := h.progress.AllProgress(r.Context(), userID)
		if err != nil {
			h.errorResponse(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.jsonResponse(w, positions)

	case http.MethodPost, http.MethodPut:
		var req ProgressRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.errorResponse(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.ContentID == "" {
			h.errorResponse(w, "user_id and content_id required", http.StatusBadRequest)
			return
		}
		pos, err := h.progress.Update(r.Context(), req.UserID, req.ContentID, req.PositionSeconds, req.DurationSeconds)
		if err != nil {
			h.errorResponse(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.jsonResponse(w, pos)

	default:
		h.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.errorResponse(w, "user_id required", http.StatusBadRequest)
		return
	}

	var (
		devices []sync.DeviceInfo
		err     error
	)
	if r.URL.Query().Get("active") == "true" {
		devices, err = h.devices.Active(r.Context(), userID)
	} else {
		devices, err = h.devices.Devices(r.Context(), userID)
	}
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []sync.DeviceInfo{}
	}
	h.jsonResponse(w, devices)
}

// HandoffRequest is the body for a playback handoff.
type HandoffRequest struct {
	UserID          string   `json:"user_id"`
	TargetDeviceID  string   `json:"target_device_id"`
	ContentID       string   `json:"content_id"`
	PositionSeconds *float64 `json:"position_seconds,omitempty"`
}

func (h *Handler) handleHandoff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req HandoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.TargetDeviceID == "" || req.ContentID == "" {
		h.errorResponse(w, "user_id, target_device_id and content_id required", http.StatusBadRequest)
		return
	}

	ack, err := h.router.Handoff(r.Context(), req.UserID, req.TargetDeviceID, req.ContentID, req.PositionSeconds)
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, ack)
}

func (h *Handler) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[api] Failed to encode response: %v", err)
	}
}

func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
