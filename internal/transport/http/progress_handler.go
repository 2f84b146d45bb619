package http

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"quiz-progress-service/internal/app"
	"quiz-progress-service/internal/domain"
)

// ProgressHandler exposes the progress ingestion and aggregation endpoints.
// The upstream auth layer verifies callers and forwards the identity in
// X-User-ID / X-User-Role headers; handlers pass it down explicitly.
type ProgressHandler struct {
	ingest *app.IngestService
	stats  *app.StatsService
}

func NewProgressHandler(ingest *app.IngestService, stats *app.StatsService) *ProgressHandler {
	return &ProgressHandler{ingest: ingest, stats: stats}
}

// Register wires the REST routes onto the mux.
func (h *ProgressHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /progress/update", h.handleUpdate)
	mux.HandleFunc("POST /progress/detailed", h.handleDetailed)
	mux.HandleFunc("POST /progress/beacon", h.handleBeacon)
	mux.HandleFunc("POST /progress/sync", h.handleBeacon)
	mux.HandleFunc("POST /quiz/submit", h.handleSubmit)
	mux.HandleFunc("GET /progress/stats/{userId}", h.handleOverview)
	mux.HandleFunc("GET /progress/stats/{userId}/{questionSetId}", h.handleSetStats)
	mux.HandleFunc("DELETE /progress/{userId}/{progressId}", h.handleDelete)
}

type updateResponse struct {
	Success   bool   `json:"success"`
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type detailedResponse struct {
	Success  bool                 `json:"success"`
	Progress domain.ProgressEvent `json:"progress"`
	Stats    domain.ProgressStats `json:"stats"`
}

type beaconResponse struct {
	Success bool `json:"success"`
}

type submitResponse struct {
	Success bool `json:"success"`
	app.SubmissionReceipt
}

type deleteResponse struct {
	Success bool                 `json:"success"`
	Stats   domain.ProgressStats `json:"stats"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *ProgressHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	payload, err := app.ParseAnswerPayload(body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	receipt, err := h.ingest.RecordAnswer(r.Context(), ident, payload)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{Success: true, ID: receipt.ID, Duplicate: receipt.Duplicate})
}

func (h *ProgressHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	payload, err := app.ParseDetailedPayload(body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	event, stats, err := h.ingest.RecordDetailed(r.Context(), ident, payload)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detailedResponse{Success: true, Progress: event, Stats: stats})
}

// handleBeacon serves the page-unload sync path. Browsers discard the
// response body of a beacon, so every outcome maps to HTTP 200; a failed
// batch only flips the success flag.
func (h *ProgressHandler) handleBeacon(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFrom(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusOK, beaconResponse{Success: false})
		return
	}
	payload, err := app.ParseBeaconPayload(body)
	if err != nil {
		writeJSON(w, http.StatusOK, beaconResponse{Success: false})
		return
	}
	ok := h.ingest.SyncBeacon(r.Context(), ident, payload)
	writeJSON(w, http.StatusOK, beaconResponse{Success: ok})
}

func (h *ProgressHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	payload, err := app.ParseSubmissionPayload(body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	receipt, err := h.ingest.SubmitQuiz(r.Context(), ident, payload)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Success: true, SubmissionReceipt: receipt})
}

func (h *ProgressHandler) handleOverview(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	userID := r.PathValue("userId")
	if !ident.CanActOn(userID) {
		writeFailure(w, domain.ErrPermissionDenied)
		return
	}
	overview, err := h.stats.Overview(r.Context(), userID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (h *ProgressHandler) handleSetStats(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	userID := r.PathValue("userId")
	if !ident.CanActOn(userID) {
		writeFailure(w, domain.ErrPermissionDenied)
		return
	}
	stats, err := h.stats.SetStats(r.Context(), userID, r.PathValue("questionSetId"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *ProgressHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	stats, err := h.ingest.DeleteEvent(r.Context(), ident, r.PathValue("userId"), r.PathValue("progressId"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Success: true, Stats: stats})
}

func identityFrom(r *http.Request) (domain.Identity, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		return domain.Identity{}, false
	}
	return domain.Identity{
		UserID: userID,
		Admin:  r.Header.Get("X-User-Role") == "admin",
	}, true
}

// writeFailure maps domain errors onto status codes. Store errors surface as
// a generic message so internals never leak to clients.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrMissingParameter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrQuestionSetNotFound), errors.Is(err, domain.ErrEventNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		log.Printf("progress handler: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
