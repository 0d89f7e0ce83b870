package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
	"github.com/felipepmaragno/llm-orchestrator/internal/orchestrator"
	"github.com/felipepmaragno/llm-orchestrator/internal/telemetry"
)

// maxBodyBytes caps the /v1/generate request body.
const maxBodyBytes = 4 << 20

// Orchestrator is the subset of *orchestrator.Orchestrator the HTTP surface
// uses.
type Orchestrator interface {
	SendRequest(ctx context.Context, req domain.Request, hint domain.ProviderID) (*domain.Response, error)
	StreamRequest(ctx context.Context, req domain.Request, hint domain.ProviderID) (*orchestrator.Stream, error)
	Metrics() domain.UsageMetrics
	ResetMetrics()
	Providers() []domain.ProviderID
	HealthCheck(ctx context.Context) map[domain.ProviderID]error
	BreakerStates() map[domain.ProviderID]string
}

type HandlerConfig struct {
	Orchestrator   Orchestrator
	RequestTimeout time.Duration
	Checks         []DependencyCheck
	Version        string
}

type Handler struct {
	orch           Orchestrator
	requestTimeout time.Duration
	checks         []DependencyCheck
	version        string
	mux            *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		orch:           cfg.Orchestrator,
		requestTimeout: cfg.RequestTimeout,
		checks:         cfg.Checks,
		version:        cfg.Version,
		mux:            http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/generate", h.handleGenerate)
	h.mux.HandleFunc("GET /v1/usage", h.handleUsage)
	h.mux.HandleFunc("POST /v1/usage/reset", h.handleUsageReset)
	h.mux.HandleFunc("GET /v1/providers", h.handleProviders)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	ctx, span := telemetry.StartSpan(r.Context(), "api.generate")
	defer span.End()
	ctx = orchestrator.WithRequestID(ctx, requestID)
	w.Header().Set("X-Request-ID", requestID)
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		w.Header().Set("X-Trace-ID", traceID)
	}

	var req domain.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hint := domain.ProviderID(r.Header.Get("X-Provider"))

	if req.Stream {
		h.handleStream(ctx, w, req, hint, requestID)
		return
	}

	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	resp, err := h.orch.SendRequest(ctx, req, hint)
	if err != nil {
		writeDomainError(w, err, requestID)
		return
	}

	cacheStatus := "MISS"
	if resp.Cached {
		cacheStatus = "HIT"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", cacheStatus)
	w.Header().Set("X-Provider", string(resp.Provider))
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleStream(ctx context.Context, w http.ResponseWriter, req domain.Request, hint domain.ProviderID, requestID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := h.orch.StreamRequest(ctx, req, hint)
	if err != nil {
		writeDomainError(w, err, requestID)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Provider", string(stream.Provider))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range stream.Chunks() {
		data, _ := json.Marshal(chunk)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			slog.Debug("stream client gone", "request_id", requestID, "error", err)
			stream.Close()
			continue
		}
		if chunk.Done {
			fmt.Fprint(w, "data: [DONE]\n\n")
		}
		flusher.Flush()
	}

	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		data, _ := json.Marshal(errorBody(statusFor(err), err.Error()))
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.orch.Metrics())
}

func (h *Handler) handleUsageReset(w http.ResponseWriter, r *http.Request) {
	h.orch.ResetMetrics()
	slog.Info("usage metrics reset", "remote_addr", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

type providerStatus struct {
	ID      domain.ProviderID `json:"id"`
	Status  string            `json:"status"`
	Circuit string            `json:"circuit,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func (h *Handler) handleProviders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := h.orch.HealthCheck(ctx)
	circuits := h.orch.BreakerStates()
	providers := make([]providerStatus, 0, len(h.orch.Providers()))
	for _, id := range h.orch.Providers() {
		ps := providerStatus{ID: id, Status: "ok", Circuit: circuits[id]}
		if err := health[id]; err != nil {
			ps.Status = "unhealthy"
			ps.Error = err.Error()
		}
		providers = append(providers, ps)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"providers": providers})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// statusFor maps an orchestrator error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNoAdapter:
		return http.StatusServiceUnavailable
	case domain.KindTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeDomainError(w http.ResponseWriter, err error, requestID string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("generate failed", "request_id", requestID, "status", status, "error", err)
	} else {
		slog.Warn("generate rejected", "request_id", requestID, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func errorBody(status int, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(status),
			"code":    status,
		},
	}
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusServiceUnavailable:
		return "no_adapter_available"
	case http.StatusBadGateway:
		return "transport_error"
	case http.StatusGatewayTimeout:
		return "timeout"
	}
	return "error"
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody(status, message))
}
