package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"github.com/parrotdial/parrot-voice-dashboard/internal/reconciler"
	"github.com/parrotdial/parrot-voice-dashboard/internal/repository"
	"github.com/parrotdial/parrot-voice-dashboard/internal/session"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/logger"
)

// CallHandler handles HTTP requests for outbound calls
type CallHandler struct {
	service  *reconciler.Service
	callRepo repository.CallRecordRepository
	sessions *session.Manager
	limiter  *rate.Limiter
}

// NewCallHandler creates a new call handler. The limiter throttles call
// initiation across the whole instance so a runaway campaign script cannot
// exhaust the telephony account.
func NewCallHandler(service *reconciler.Service, callRepo repository.CallRecordRepository, sessions *session.Manager, limiter *rate.Limiter) *CallHandler {
	return &CallHandler{
		service:  service,
		callRepo: callRepo,
		sessions: sessions,
		limiter:  limiter,
	}
}

// InitiateCall places a new outbound call
func (h *CallHandler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		http.Error(w, "Too many call initiations, slow down", http.StatusTooManyRequests)
		return
	}

	var req domain.InitiateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.VoiceAgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	resp, err := h.service.InitiateCall(r.Context(), &req)
	if err != nil {
		if resp != nil {
			// Provider refused; the record exists and is marked failed.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"callId": resp.CallID,
				"status": resp.Status,
				"error":  err.Error(),
			})
			return
		}
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// GetCall retrieves a full call record
func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	record, err := h.callRepo.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

// GetCallStatus is the poll endpoint the dashboard hits until the call goes
// live or terminal
func (h *CallHandler) GetCallStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	view, err := h.service.Status(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// HangupCall terminates a call on the operator's initiative
func (h *CallHandler) HangupCall(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	record, err := h.service.Hangup(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	if h.sessions != nil {
		if err := h.sessions.NotifyHangup(r.Context(), id); err != nil {
			logger.Base().Warn("Hangup broadcast failed", zap.String("call_id", id), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record.StatusView())
}

// AttachVoiceSession links a call record to the provider-side conversation
// the dashboard connected to
func (h *CallHandler) AttachVoiceSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var report domain.VoiceSessionReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	record, err := h.service.AttachVoiceSession(r.Context(), id, report.VoiceSessionID)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record.StatusView())
}

// ListCalls returns call history, newest first
func (h *CallHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repository.CallListFilter{
		VoiceAgentID: query.Get("agent_id"),
		ContactID:    query.Get("contact_id"),
		Status:       domain.CallStatus(query.Get("status")),
	}

	records, err := h.callRepo.List(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// ListActiveCalls returns every in-flight call across all instances
func (h *CallHandler) ListActiveCalls(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		http.Error(w, "Active call registry unavailable", http.StatusServiceUnavailable)
		return
	}

	calls, err := h.sessions.ListActive(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(calls)
}

// SetupCallRoutes registers call routes on the API subrouter
func (h *CallHandler) SetupCallRoutes(router *mux.Router) {
	router.HandleFunc("/calls", h.InitiateCall).Methods("POST")
	router.HandleFunc("/calls", h.ListCalls).Methods("GET")
	router.HandleFunc("/calls/active", h.ListActiveCalls).Methods("GET")
	router.HandleFunc("/calls/{id}", h.GetCall).Methods("GET")
	router.HandleFunc("/calls/{id}/status", h.GetCallStatus).Methods("GET")
	router.HandleFunc("/calls/{id}/hangup", h.HangupCall).Methods("POST")
	router.HandleFunc("/calls/{id}/voice-session", h.AttachVoiceSession).Methods("POST")
}

// respondError maps domain sentinels onto HTTP status codes.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrStateConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case domain.IsProviderUnreachable(err):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
