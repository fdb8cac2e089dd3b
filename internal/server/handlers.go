package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/salesdash/internal/ingest"
	"github.com/raaihank/salesdash/internal/store"
	"github.com/raaihank/salesdash/internal/websocket"
)

const (
	healthTimeout   = 2 * time.Second
	defaultRunLimit = 20
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleHealth reports healthy when the store answers a ping
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status, code := "healthy", http.StatusOK
	if err := s.records.Ping(ctx); err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Warn("Health check failed", zap.Error(err))
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type infoResponse struct {
	Name             string     `json:"name"`
	Version          string     `json:"version"`
	Uptime           string     `json:"uptime"`
	BatchSize        int        `json:"batch_size"`
	WebSocketEnabled bool       `json:"websocket_enabled"`
	WebSocketPath    string     `json:"websocket_path,omitempty"`
	Schedule         string     `json:"schedule,omitempty"`
	NextScheduledRun *time.Time `json:"next_scheduled_run,omitempty"`
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := infoResponse{
		Name:             "salesdash",
		Version:          s.version,
		Uptime:           time.Since(s.started).Round(time.Second).String(),
		BatchSize:        s.config.Ingest.BatchSize,
		WebSocketEnabled: s.stream != nil,
		Schedule:         s.config.Ingest.Schedule,
	}
	if s.stream != nil {
		info.WebSocketPath = s.config.WebSocket.Path
	}
	if next, ok := s.ingest.NextScheduledRun(); ok {
		info.NextScheduledRun = &next
	}
	writeJSON(w, http.StatusOK, info)
}

// handleIngestStream starts a run and streams its events as server-sent
// events. A client that disconnects cancels the run.
func (s *Server) handleIngestStream(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithRequestID(getRequestID(r.Context()))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is not supported")
		return
	}

	events, err := s.ingest.Start(r.Context(), ingest.TriggerAPI)
	if err != nil {
		if errors.Is(err, ingest.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		log.Error("Failed to start ingestion", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start ingestion")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			log.Error("Failed to encode progress event", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data); err != nil {
			// The run observes the cancelled request context and closes
			// the channel, keep draining until then.
			continue
		}
		flusher.Flush()
	}
}

// handleStatus returns the progress of the active or most recent run
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ingest.Status())
}

// handleReset wipes the store
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ingest.Reset(r.Context()); err != nil {
		if errors.Is(err, ingest.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to reset store", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset store")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleSearch returns the records matching every given attribute
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := store.Query{
		Client:    params.Get("client"),
		Warehouse: params.Get("warehouse"),
		Product:   params.Get("product"),
	}
	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = limit
	}

	result, err := s.records.Search(r.Context(), q)
	if err != nil {
		if errors.Is(err, store.ErrNoFilter) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleOptions lists the distinct clients, warehouses and products
func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := s.records.Options(r.Context())
	if err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to list options", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list options")
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// handleRecord returns one record by composite key
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	rec, err := s.records.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to get record",
			zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type statsResponse struct {
	Store  *store.Stats     `json:"store"`
	Stream *websocket.Stats `json:"websocket,omitempty"`
}

// handleStats reports store contents and websocket sessions
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.records.Stats(r.Context())
	if err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to read store stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}

	resp := statsResponse{Store: stats}
	if s.stream != nil {
		streamStats := s.stream.Stats()
		resp.Stream = &streamStats
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRuns returns the most recent run summaries
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.ingest.History(r.Context(), limit)
	if err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleExport builds a Parquet file of every record in a temp file and
// sends it once complete, so a failed export is a 500 and not a truncated
// download.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithRequestID(getRequestID(r.Context()))

	tmp, err := os.CreateTemp("", "salesdash-export-*.parquet")
	if err != nil {
		log.Error("Failed to create export file", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := s.exporter.WriteTo(r.Context(), tmp); err != nil {
		log.Error("Parquet export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	modified := time.Now().UTC()
	filename := fmt.Sprintf("salesdash-%s.parquet", modified.Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeContent(w, r, filename, modified, tmp)
}
