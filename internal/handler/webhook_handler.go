package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"github.com/parrotdial/parrot-voice-dashboard/internal/reconciler"
	"github.com/parrotdial/parrot-voice-dashboard/internal/telephony"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/logger"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/redis"
)

const dedupTTL = 2 * time.Minute

// WebhookHandler receives telephony provider callbacks. Both webhooks carry
// the signed correlation token in the query string; anything without a valid
// token is rejected before touching call state.
type WebhookHandler struct {
	service  *reconciler.Service
	signer   *telephony.TokenSigner
	redisSvc redis.ServiceInterface
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(service *reconciler.Service, signer *telephony.TokenSigner, redisSvc redis.ServiceInterface) *WebhookHandler {
	return &WebhookHandler{
		service:  service,
		signer:   signer,
		redisSvc: redisSvc,
	}
}

// HandleAnswer is hit synchronously when the callee picks up. The response
// body is the call-control directive the provider executes, so this handler
// always answers 200 with XML; failures surface as a hangup directive.
func (h *WebhookHandler) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	claims, err := h.signer.Parse(r.URL.Query().Get("token"))
	if err != nil {
		logger.Base().Warn("Answer webhook with invalid token",
			zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Invalid correlation token", http.StatusForbidden)
		return
	}

	directive := h.service.HandleAnswer(r.Context(), claims)

	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(directive))
}

// HandleStatus receives asynchronous lifecycle callbacks
func (h *WebhookHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	form, err := telephony.ParseCallbackRequest(r)
	if err != nil {
		http.Error(w, "Malformed callback", http.StatusBadRequest)
		return
	}

	// The provider call id correlates callbacks whose token was lost or
	// mangled in transit; a callback with neither is rejected outright.
	callID := ""
	if claims, err := h.signer.Parse(form.Token); err == nil {
		callID = claims.CallID
	} else {
		if form.CallSid == "" {
			logger.Base().Warn("Status webhook with invalid token and no call sid",
				zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
			http.Error(w, "Invalid correlation token", http.StatusForbidden)
			return
		}
		logger.Base().Warn("Status webhook token invalid, correlating by provider call id",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("call_sid", form.CallSid),
			zap.Error(err))
	}

	if h.isDuplicate(r, form) {
		w.WriteHeader(http.StatusOK)
		return
	}

	ev := telephony.NormalizeCallback(form)
	record, err := h.service.ApplyCallback(r.Context(), callID, ev)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Base().Warn("Callback matched no call record",
				zap.String("call_id", callID),
				zap.String("call_sid", form.CallSid),
				zap.String("call_status", form.CallStatus))
			if callID == "" {
				http.Error(w, "Invalid correlation token", http.StatusForbidden)
				return
			}
			http.Error(w, "Unknown call", http.StatusBadRequest)
			return
		}
		logger.Base().Error("Failed to apply status callback",
			zap.String("call_id", callID), zap.Error(err))
		http.Error(w, "Callback processing failed", http.StatusInternalServerError)
		return
	}

	logger.Base().Info("Status callback applied",
		zap.String("call_id", record.ID),
		zap.String("raw_status", form.CallStatus),
		zap.String("stream_event", form.StreamEvent),
		zap.String("status", string(record.Status)))

	w.WriteHeader(http.StatusOK)
}

// isDuplicate drops exact redeliveries of the same callback. Best effort:
// when redis is down the reconciler still absorbs duplicates, this just
// saves the round trip.
func (h *WebhookHandler) isDuplicate(r *http.Request, form telephony.CallbackForm) bool {
	if h.redisSvc == nil || form.CallSid == "" {
		return false
	}
	fingerprint := fmt.Sprintf("%s:%s:%s", form.CallSid, form.CallStatus, form.StreamEvent)
	key := h.redisSvc.GenerateKey(redis.WebhookDedup, fingerprint)
	acquired, err := h.redisSvc.SetIfAbsent(r.Context(), key, "1", dedupTTL)
	if err != nil {
		return false
	}
	return !acquired
}

// SetupWebhookRoutes registers provider callback routes. Registered on the
// root router: the provider posts form-encoded bodies that must bypass the
// JSON validation middleware.
func (h *WebhookHandler) SetupWebhookRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/voice/answer", h.HandleAnswer).Methods("POST", "GET")
	router.HandleFunc("/webhooks/voice/status", h.HandleStatus).Methods("POST", "GET")
}
