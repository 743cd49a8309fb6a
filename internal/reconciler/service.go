package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parrotdial/parrot-voice-dashboard/internal/cache"
	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"github.com/parrotdial/parrot-voice-dashboard/internal/event"
	"github.com/parrotdial/parrot-voice-dashboard/internal/repository"
	"github.com/parrotdial/parrot-voice-dashboard/internal/telephony"
	"github.com/parrotdial/parrot-voice-dashboard/internal/voicebridge"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/logger"
)

// conflictRetries bounds the optimistic-update loop when two callbacks for
// the same call land at once.
const conflictRetries = 3

// Service owns every transition of a call record after creation. All
// writes funnel through applyEvent so the status-precondition check in the
// repository serializes concurrent callbacks per call.
type Service struct {
	repos   repository.RepositoryManager
	gateway telephony.Gateway
	issuer  voicebridge.CredentialIssuer
	signer  *telephony.TokenSigner
	agents  *cache.AgentCache
	bus     event.EventBus

	defaultCallerID string
	answerTimeout   time.Duration
}

func NewService(
	repos repository.RepositoryManager,
	gateway telephony.Gateway,
	issuer voicebridge.CredentialIssuer,
	signer *telephony.TokenSigner,
	agents *cache.AgentCache,
	bus event.EventBus,
	defaultCallerID string,
	answerTimeout time.Duration,
) *Service {
	if answerTimeout <= 0 {
		answerTimeout = 4 * time.Second
	}
	return &Service{
		repos:           repos,
		gateway:         gateway,
		issuer:          issuer,
		signer:          signer,
		agents:          agents,
		bus:             bus,
		defaultCallerID: defaultCallerID,
		answerTimeout:   answerTimeout,
	}
}

// InitiateCall creates a call record and asks the telephony provider to dial.
// The record exists before the provider is contacted, so a crash mid-dial
// still leaves an auditable row.
func (s *Service) InitiateCall(ctx context.Context, req *domain.InitiateCallRequest) (*domain.InitiateCallResponse, error) {
	agent, err := s.agents.GetAgent(ctx, req.VoiceAgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown voice agent %s", domain.ErrValidation, req.VoiceAgentID)
	}
	if agent.Disabled {
		return nil, fmt.Errorf("%w: voice agent %s is disabled", domain.ErrValidation, req.VoiceAgentID)
	}

	number := req.ContactNumber
	if req.ContactID != nil {
		contact, err := s.repos.Contacts().GetByID(ctx, *req.ContactID)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown contact %s", domain.ErrValidation, *req.ContactID)
		}
		number = contact.PhoneNumber
	}
	if number == "" {
		return nil, fmt.Errorf("%w: contact number is required", domain.ErrValidation)
	}

	caller := agent.CallerNumber
	if caller == "" {
		caller = s.defaultCallerID
	}

	now := time.Now()
	record := &domain.CallRecord{
		ID:            uuid.NewString(),
		VoiceAgentID:  agent.ID,
		ContactID:     req.ContactID,
		ContactNumber: number,
		CallerNumber:  caller,
		Status:        domain.CallStatusInitiating,
		StartedAt:     &now,
	}
	if err := s.repos.CallRecords().Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create call record: %w", err)
	}

	token, err := s.signer.Sign(record.ID, agent.ID)
	if err != nil {
		s.failCall(ctx, record, "correlation token signing failed")
		return nil, fmt.Errorf("failed to sign correlation token: %w", err)
	}

	externalID, err := s.gateway.PlaceCall(ctx, telephony.PlaceCallRequest{
		To:    number,
		From:  caller,
		Token: token,
	})
	if err != nil {
		logger.Base().Error("Provider refused outbound call",
			zap.String("call_id", record.ID),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
		s.failCall(ctx, record, domain.FailureReason(err))
		return &domain.InitiateCallResponse{CallID: record.ID, Status: domain.CallStatusFailed}, err
	}

	updated, err := s.applyEvent(ctx, record, domain.LifecycleEvent{
		Kind:         domain.EventKindAccepted,
		SourceCallID: externalID,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return nil, err
	}

	if req.ContactID != nil {
		if err := s.repos.Contacts().RecordCall(ctx, *req.ContactID, record.ID); err != nil {
			logger.Base().Warn("Failed to stamp contact with call",
				zap.String("contact_id", *req.ContactID), zap.Error(err))
		}
	}

	logger.Base().Info("Outbound call placed",
		zap.String("call_id", updated.ID),
		zap.String("external_call_id", updated.ExternalCallID),
		zap.String("agent_id", agent.ID))

	return &domain.InitiateCallResponse{
		CallID:         updated.ID,
		ExternalCallID: updated.ExternalCallID,
		Status:         updated.Status,
	}, nil
}

// ApplyCallback correlates one normalized provider callback with a call
// record and commits the resulting transition. An empty callID falls back to
// the provider's call SID; a callback matching neither is an error the
// handler turns into a 400.
func (s *Service) ApplyCallback(ctx context.Context, callID string, ev domain.LifecycleEvent) (*domain.CallRecord, error) {
	record, err := s.resolve(ctx, callID, ev.SourceCallID)
	if err != nil {
		return nil, err
	}
	return s.applyEvent(ctx, record, ev)
}

// HandleAnswer runs the answer-webhook flow: mark the call answered, fetch a
// stream credential from the voice API, and hand the provider a directive to
// bridge audio into the voice session. Every failure path returns a
// disconnect directive so the callee is never left on a dead line.
func (s *Service) HandleAnswer(ctx context.Context, claims *telephony.CorrelationClaims) string {
	record, err := s.repos.CallRecords().GetByID(ctx, claims.CallID)
	if err != nil {
		logger.Base().Error("Answer webhook for unknown call",
			zap.String("call_id", claims.CallID), zap.Error(err))
		return voicebridge.BuildDisconnectInstruction()
	}

	record, err = s.applyEvent(ctx, record, domain.LifecycleEvent{
		Kind:      domain.EventKindAnswered,
		Timestamp: time.Now(),
	})
	if err != nil || record.Status.IsTerminal() {
		// Canceled or hung up while the answer was in flight.
		return voicebridge.BuildDisconnectInstruction()
	}

	agent, err := s.agents.GetAgent(ctx, record.VoiceAgentID)
	if err != nil {
		s.failAnswer(ctx, record, "voice agent configuration missing")
		return voicebridge.BuildDisconnectInstruction()
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.answerTimeout)
	defer cancel()

	signedURL, err := s.issuer.AcquireStreamCredential(acquireCtx, agent.VoiceAPIAgent)
	if err != nil {
		logger.Base().Error("Stream credential acquisition failed",
			zap.String("call_id", record.ID),
			zap.String("agent_id", record.VoiceAgentID),
			zap.Error(err))
		s.failAnswer(ctx, record, domain.FailureReason(err))
		return voicebridge.BuildDisconnectInstruction()
	}

	record, err = s.applyEvent(ctx, record, domain.LifecycleEvent{
		Kind:      domain.EventKindCredentialAcquired,
		SignedURL: signedURL,
		Timestamp: time.Now(),
	})
	if err != nil || record.Status != domain.CallStatusConnected {
		return voicebridge.BuildDisconnectInstruction()
	}

	directive, err := voicebridge.BuildStreamInstruction(signedURL)
	if err != nil {
		// The record is already connected here, so this failure is terminal
		// rather than an answer-flow credential problem.
		s.failCall(ctx, record, "stream directive rendering failed")
		return voicebridge.BuildDisconnectInstruction()
	}

	logger.Base().Info("Call bridged to voice session",
		zap.String("call_id", record.ID),
		zap.String("agent_id", record.VoiceAgentID))
	return directive
}

// Hangup terminates a call on the dashboard's initiative. The record goes
// terminal immediately; the provider-side teardown runs in the background
// and is retried by the gateway, never blocking the caller.
func (s *Service) Hangup(ctx context.Context, callID string) (*domain.CallRecord, error) {
	record, err := s.repos.CallRecords().GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if record.Status.IsTerminal() {
		return record, nil
	}

	externalID := record.ExternalCallID
	record, err = s.applyEvent(ctx, record, domain.LifecycleEvent{
		Kind:      domain.EventKindHangupRequested,
		Timestamp: time.Now(),
	})
	if err != nil {
		return nil, err
	}

	go func() {
		hangupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.gateway.RequestHangup(hangupCtx, externalID); err != nil {
			logger.Base().Warn("Provider-side hangup failed",
				zap.String("call_id", callID),
				zap.String("external_call_id", externalID),
				zap.Error(err))
		}
	}()

	return record, nil
}

// AttachVoiceSession records the provider-side conversation id the dashboard
// reports once its live channel opens. Best effort: a call that went terminal
// while the report was in flight keeps its record as is.
func (s *Service) AttachVoiceSession(ctx context.Context, callID, sessionID string) (*domain.CallRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: voice session id is required", domain.ErrValidation)
	}
	record, err := s.repos.CallRecords().GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if record.VoiceSessionID == sessionID || record.Status.IsTerminal() {
		return record, nil
	}

	updated, err := s.repos.CallRecords().UpdateStatus(ctx, record.ID, nil,
		map[string]interface{}{"voice_session_id": sessionID})
	if errors.Is(err, domain.ErrStateConflict) {
		return s.repos.CallRecords().GetByID(ctx, callID)
	}
	if err != nil {
		return nil, err
	}

	logger.Base().Info("Voice session attached",
		zap.String("call_id", updated.ID),
		zap.String("voice_session_id", sessionID))
	return updated, nil
}

// Status returns the poll-endpoint projection of a call.
func (s *Service) Status(ctx context.Context, callID string) (*domain.CallStatusView, error) {
	record, err := s.repos.CallRecords().GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	view := record.StatusView()
	return &view, nil
}

func (s *Service) resolve(ctx context.Context, callID, externalCallID string) (*domain.CallRecord, error) {
	if callID != "" {
		record, err := s.repos.CallRecords().GetByID(ctx, callID)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if externalCallID != "" {
		record, err := s.repos.CallRecords().FindByExternalID(ctx, externalCallID)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no call matches id %q or external id %q",
		domain.ErrNotFound, callID, externalCallID)
}

// applyEvent runs the pure state machine against the current record and
// commits the result with a status precondition. A conflict means another
// callback won the race; re-read and re-advance so every event is judged
// against the freshest state.
func (s *Service) applyEvent(ctx context.Context, record *domain.CallRecord, ev domain.LifecycleEvent) (*domain.CallRecord, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	for attempt := 0; attempt < conflictRetries; attempt++ {
		out := Advance(*record, ev)
		if !out.Changed {
			logger.Base().Debug("Lifecycle event ignored",
				zap.String("call_id", record.ID),
				zap.String("event", string(ev.Kind)),
				zap.String("reason", out.DropReason))
			return record, nil
		}

		updated, err := s.repos.CallRecords().UpdateStatus(ctx, record.ID,
			[]domain.CallStatus{record.Status}, commitFields(out.Record))
		if err == nil {
			s.publish(*updated)
			return updated, nil
		}
		if !errors.Is(err, domain.ErrStateConflict) {
			return nil, err
		}

		record, err = s.repos.CallRecords().GetByID(ctx, record.ID)
		if err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: call %s kept changing under event %s",
		domain.ErrStateConflict, record.ID, ev.Kind)
}

func commitFields(r domain.CallRecord) map[string]interface{} {
	return map[string]interface{}{
		"status":           string(r.Status),
		"external_call_id": r.ExternalCallID,
		"signed_url":       r.SignedURL,
		"failure_reason":   r.FailureReason,
		"started_at":       r.StartedAt,
		"ended_at":         r.EndedAt,
		"duration_secs":    r.DurationSecs,
	}
}

func (s *Service) publish(record domain.CallRecord) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(event.CallStatusChanged, record); err != nil {
		logger.Base().Warn("Failed to publish status change", zap.String("call_id", record.ID), zap.Error(err))
	}
	if record.Status.IsTerminal() {
		if err := s.bus.Publish(event.CallTerminated, record); err != nil {
			logger.Base().Warn("Failed to publish termination", zap.String("call_id", record.ID), zap.Error(err))
		}
	}
}

func (s *Service) failCall(ctx context.Context, record *domain.CallRecord, reason string) {
	if _, err := s.applyEvent(ctx, record, domain.LifecycleEvent{
		Kind:           domain.EventKindTerminal,
		TerminalStatus: domain.CallStatusFailed,
		Reason:         reason,
		Timestamp:      time.Now(),
	}); err != nil {
		logger.Base().Error("Failed to mark call failed",
			zap.String("call_id", record.ID), zap.Error(err))
	}
}

func (s *Service) failAnswer(ctx context.Context, record *domain.CallRecord, reason string) {
	if _, err := s.applyEvent(ctx, record, domain.LifecycleEvent{
		Kind:      domain.EventKindCredentialFailed,
		Reason:    reason,
		Timestamp: time.Now(),
	}); err != nil {
		logger.Base().Error("Failed to mark answer flow failed",
			zap.String("call_id", record.ID), zap.Error(err))
	}
}
