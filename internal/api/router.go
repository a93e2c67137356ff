package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gradeflow/gradeflow/internal/ledger"
	"github.com/gradeflow/gradeflow/internal/logger"
	"github.com/gradeflow/gradeflow/internal/orchestrator"
	"github.com/gradeflow/gradeflow/internal/websocket"
)

type contextKey string

const correlationKey contextKey = "correlation_id"

func AddRoutes(mux *http.ServeMux, core *orchestrator.Core, hub *websocket.Hub) {
	mux.HandleFunc("/jobs", correlationMiddleware(handleJobs(core)))
	mux.HandleFunc("/jobs/", correlationMiddleware(handleJobByID(core)))
	mux.HandleFunc("/stats", correlationMiddleware(handleStats(core)))
	mux.HandleFunc("/internal/jobs/", correlationMiddleware(handleInternalCallback(core)))
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.HandleWebSocket(hub, w, r)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", HandleHealth)
	mux.HandleFunc("/health/ready", HandleReadiness)
	mux.HandleFunc("/health/live", HandleLiveness)
}

func correlationMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), correlationKey, correlationID)
		next(w, r.WithContext(ctx))
	}
}

func getCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	return ""
}

// requester reads the identity the (out-of-scope) auth layer injects.
func requester(r *http.Request) (userID, userEmail string) {
	return r.Header.Get("X-User-ID"), r.Header.Get("X-User-Email")
}

func handleJobs(core *orchestrator.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleSubmit(w, r, core)
	}
}

func handleSubmit(w http.ResponseWriter, r *http.Request, core *orchestrator.Core) {
	log := logger.WithCorrelationID(getCorrelationID(r.Context()))

	userID, userEmail := requester(r)
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Error().Err(err).Msg("Invalid JSON request")
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := core.Submit(r.Context(), orchestrator.SubmitRequest{
		UserID:         userID,
		UserEmail:      userEmail,
		Payload:        payload,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, log, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
	log.Info().Str("job_id", resp.JobID).Msg("Job submitted")
}

func handleJobByID(core *orchestrator.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithCorrelationID(getCorrelationID(r.Context()))

		path := strings.TrimPrefix(r.URL.Path, "/jobs/")
		if path == "" {
			http.Error(w, "Job ID is required", http.StatusBadRequest)
			return
		}

		userID, _ := requester(r)
		if userID == "" {
			http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
			return
		}

		if jobID, ok := strings.CutSuffix(path, "/retry"); ok {
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			resp, err := core.Retry(r.Context(), userID, jobID)
			if err != nil {
				writeError(w, log, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}

		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		view, err := core.GetStatus(r.Context(), path, userID)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleStats(core *orchestrator.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, core.GetStats())
	}
}

// handleInternalCallback is the HTTP fallback for deployments without a
// broker: workers report outcomes directly. It converges on the same
// transition function as the event consumer.
func handleInternalCallback(core *orchestrator.Core) http.HandlerFunc {
	type callbackRequest struct {
		ResultID     string `json:"result_id"`
		ErrorMessage string `json:"error,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithCorrelationID(getCorrelationID(r.Context()))

		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/internal/jobs/")
		var req callbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}

		var err error
		switch {
		case strings.HasSuffix(path, "/completed"):
			jobID := strings.TrimSuffix(path, "/completed")
			err = core.ReportCompleted(r.Context(), jobID, req.ResultID)
		case strings.HasSuffix(path, "/failed"):
			jobID := strings.TrimSuffix(path, "/failed")
			err = core.ReportFailed(r.Context(), jobID, req.ResultID, req.ErrorMessage)
		default:
			http.Error(w, "Unknown callback", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to apply callback")
			http.Error(w, "Failed to apply callback", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, log *zerolog.Logger, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		http.Error(w, "Insufficient token balance", http.StatusPaymentRequired)
	case errors.Is(err, orchestrator.ErrConflict):
		http.Error(w, "Idempotency key reused with a different payload", http.StatusConflict)
	case errors.Is(err, orchestrator.ErrDuplicateInFlight):
		http.Error(w, "Request with this idempotency key is still in flight", http.StatusConflict)
	case errors.Is(err, orchestrator.ErrNotRetryable):
		http.Error(w, "Job is not in a terminal state", http.StatusConflict)
	case errors.Is(err, orchestrator.ErrNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, orchestrator.ErrUpstreamUnavailable):
		log.Error().Err(err).Msg("Upstream failure")
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		log.Error().Err(err).Msg("Unhandled error")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
