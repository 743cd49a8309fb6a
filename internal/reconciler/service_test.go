package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parrotdial/parrot-voice-dashboard/internal/cache"
	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"github.com/parrotdial/parrot-voice-dashboard/internal/repository"
	"github.com/parrotdial/parrot-voice-dashboard/internal/telephony"
)

// --- in-memory fakes -------------------------------------------------------

type memCallRepo struct {
	mu      sync.Mutex
	records map[string]*domain.CallRecord
}

func newMemCallRepo() *memCallRepo {
	return &memCallRepo{records: make(map[string]*domain.CallRecord)}
}

func (r *memCallRepo) Create(ctx context.Context, record *domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *record
	r.records[record.ID] = &cp
	return nil
}

func (r *memCallRepo) GetByID(ctx context.Context, id string) (*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: call record %s", domain.ErrNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

func (r *memCallRepo) FindByExternalID(ctx context.Context, externalCallID string) (*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ExternalCallID == externalCallID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: external call %s", domain.ErrNotFound, externalCallID)
}

func (r *memCallRepo) UpdateStatus(ctx context.Context, id string, expectedPrior []domain.CallStatus, fields map[string]interface{}) (*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: call record %s", domain.ErrNotFound, id)
	}

	if len(expectedPrior) == 0 {
		expectedPrior = domain.NonTerminalStatuses()
	}
	match := false
	for _, s := range expectedPrior {
		if rec.Status == s {
			match = true
			break
		}
	}
	if !match {
		return nil, fmt.Errorf("%w: call %s is %s", domain.ErrStateConflict, id, rec.Status)
	}

	for key, value := range fields {
		switch key {
		case "status":
			rec.Status = domain.CallStatus(value.(string))
		case "external_call_id":
			rec.ExternalCallID = value.(string)
		case "signed_url":
			rec.SignedURL = value.(string)
		case "failure_reason":
			rec.FailureReason = value.(string)
		case "started_at":
			rec.StartedAt, _ = value.(*time.Time)
		case "ended_at":
			rec.EndedAt, _ = value.(*time.Time)
		case "duration_secs":
			rec.DurationSecs = value.(int)
		case "voice_session_id":
			rec.VoiceSessionID = value.(string)
		}
	}
	cp := *rec
	return &cp, nil
}

func (r *memCallRepo) List(ctx context.Context, filter repository.CallListFilter) ([]*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.CallRecord, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

type memAgentRepo struct {
	agents map[string]*domain.VoiceAgent
}

func (r *memAgentRepo) Create(ctx context.Context, req *domain.CreateVoiceAgentRequest) (*domain.VoiceAgent, error) {
	return nil, fmt.Errorf("not implemented")
}

func (r *memAgentRepo) GetByID(ctx context.Context, id string) (*domain.VoiceAgent, error) {
	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: voice agent %s", domain.ErrNotFound, id)
	}
	cp := *agent
	return &cp, nil
}

func (r *memAgentRepo) GetAll(ctx context.Context, includeDisabled bool) ([]*domain.VoiceAgent, error) {
	return nil, nil
}

func (r *memAgentRepo) Update(ctx context.Context, id string, req *domain.UpdateVoiceAgentRequest) (*domain.VoiceAgent, error) {
	return nil, fmt.Errorf("not implemented")
}

func (r *memAgentRepo) Delete(ctx context.Context, id string) error { return nil }

type memContactRepo struct {
	contacts  map[string]*domain.Contact
	lastCalls map[string]string
}

func (r *memContactRepo) Create(ctx context.Context, req *domain.CreateContactRequest) (*domain.Contact, error) {
	return nil, fmt.Errorf("not implemented")
}

func (r *memContactRepo) GetByID(ctx context.Context, id string) (*domain.Contact, error) {
	c, ok := r.contacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: contact %s", domain.ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (r *memContactRepo) GetAll(ctx context.Context) ([]*domain.Contact, error) { return nil, nil }

func (r *memContactRepo) Update(ctx context.Context, id string, req *domain.UpdateContactRequest) (*domain.Contact, error) {
	return nil, fmt.Errorf("not implemented")
}

func (r *memContactRepo) RecordCall(ctx context.Context, id string, callID string) error {
	if r.lastCalls == nil {
		r.lastCalls = make(map[string]string)
	}
	r.lastCalls[id] = callID
	return nil
}

func (r *memContactRepo) Delete(ctx context.Context, id string) error { return nil }

type memRepos struct {
	calls    *memCallRepo
	agents   *memAgentRepo
	contacts *memContactRepo
}

func (m *memRepos) CallRecords() repository.CallRecordRepository { return m.calls }
func (m *memRepos) VoiceAgents() repository.VoiceAgentRepository { return m.agents }
func (m *memRepos) Contacts() repository.ContactRepository       { return m.contacts }
func (m *memRepos) Ping(ctx context.Context) error               { return nil }
func (m *memRepos) Close() error                                 { return nil }

type fakeGateway struct {
	mu         sync.Mutex
	placeErr   error
	placed     []telephony.PlaceCallRequest
	hangups    chan string
	externalID string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{externalID: "CA-test-1", hangups: make(chan string, 4)}
}

func (g *fakeGateway) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		return "", g.placeErr
	}
	g.placed = append(g.placed, req)
	return g.externalID, nil
}

func (g *fakeGateway) RequestHangup(ctx context.Context, externalCallID string) error {
	g.hangups <- externalCallID
	return nil
}

type fakeIssuer struct {
	signedURL string
	err       error
	calls     int
}

func (f *fakeIssuer) AcquireStreamCredential(ctx context.Context, voiceAPIAgentID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.signedURL, nil
}

// --- fixture ---------------------------------------------------------------

type fixture struct {
	service *Service
	repos   *memRepos
	gateway *fakeGateway
	issuer  *fakeIssuer
	signer  *telephony.TokenSigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repos := &memRepos{
		calls: newMemCallRepo(),
		agents: &memAgentRepo{agents: map[string]*domain.VoiceAgent{
			"agent-1": {ID: "agent-1", Name: "Closer", VoiceAPIAgent: "el-agent-1", CallerNumber: "+15550001111"},
			"agent-off": {ID: "agent-off", Name: "Retired", VoiceAPIAgent: "el-agent-2",
				CallerNumber: "+15550002222", Disabled: true},
		}},
		contacts: &memContactRepo{contacts: map[string]*domain.Contact{
			"contact-1": {ID: "contact-1", Name: "Ada", PhoneNumber: "+15557654321"},
		}},
	}
	gateway := newFakeGateway()
	issuer := &fakeIssuer{signedURL: "wss://api.elevenlabs.io/v1/convai/conversation?token=signed"}
	signer := telephony.NewTokenSigner("test-secret", time.Hour)
	agents := cache.NewAgentCache(repos.agents, nil)

	service := NewService(repos, gateway, issuer, signer, agents, nil, "+15550009999", time.Second)
	return &fixture{service: service, repos: repos, gateway: gateway, issuer: issuer, signer: signer}
}

func (f *fixture) mustGet(t *testing.T, id string) *domain.CallRecord {
	t.Helper()
	rec, err := f.repos.calls.GetByID(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// --- tests -----------------------------------------------------------------

func TestInitiateCallPlacesAndRings(t *testing.T) {
	f := newFixture(t)

	resp, err := f.service.InitiateCall(context.Background(), &domain.InitiateCallRequest{
		VoiceAgentID:  "agent-1",
		ContactNumber: "+15551234567",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, resp.Status)
	assert.Equal(t, "CA-test-1", resp.ExternalCallID)

	rec := f.mustGet(t, resp.CallID)
	assert.Equal(t, domain.CallStatusRinging, rec.Status)
	assert.Equal(t, "+15551234567", rec.ContactNumber)
	assert.Equal(t, "+15550001111", rec.CallerNumber, "agent caller number wins over default")

	require.Len(t, f.gateway.placed, 1)
	claims, err := f.signer.Parse(f.gateway.placed[0].Token)
	require.NoError(t, err)
	assert.Equal(t, resp.CallID, claims.CallID)
	assert.Equal(t, "agent-1", claims.VoiceAgentID)
}

func TestInitiateCallResolvesContact(t *testing.T) {
	f := newFixture(t)
	contactID := "contact-1"

	resp, err := f.service.InitiateCall(context.Background(), &domain.InitiateCallRequest{
		VoiceAgentID: "agent-1",
		ContactID:    &contactID,
	})
	require.NoError(t, err)

	rec := f.mustGet(t, resp.CallID)
	assert.Equal(t, "+15557654321", rec.ContactNumber)
	assert.Equal(t, resp.CallID, f.repos.contacts.lastCalls["contact-1"])
}

func TestInitiateCallValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.InitiateCall(ctx, &domain.InitiateCallRequest{VoiceAgentID: "nope", ContactNumber: "+1555"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.service.InitiateCall(ctx, &domain.InitiateCallRequest{VoiceAgentID: "agent-off", ContactNumber: "+1555"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.service.InitiateCall(ctx, &domain.InitiateCallRequest{VoiceAgentID: "agent-1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestInitiateCallProviderRejection(t *testing.T) {
	f := newFixture(t)
	f.gateway.placeErr = domain.NewProviderRejected("telephony", "invalid destination number", nil)

	resp, err := f.service.InitiateCall(context.Background(), &domain.InitiateCallRequest{
		VoiceAgentID:  "agent-1",
		ContactNumber: "+0",
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, domain.CallStatusFailed, resp.Status)

	rec := f.mustGet(t, resp.CallID)
	assert.Equal(t, domain.CallStatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "invalid destination number")
	require.NotNil(t, rec.EndedAt)
}

func TestHandleAnswerBridgesCall(t *testing.T) {
	f := newFixture(t)
	resp, err := f.service.InitiateCall(context.Background(), &domain.InitiateCallRequest{
		VoiceAgentID: "agent-1", ContactNumber: "+15551234567",
	})
	require.NoError(t, err)

	directive := f.service.HandleAnswer(context.Background(),
		&telephony.CorrelationClaims{CallID: resp.CallID, VoiceAgentID: "agent-1"})

	assert.Contains(t, directive, "<Connect>")
	assert.Contains(t, directive, "token=signed")

	rec := f.mustGet(t, resp.CallID)
	assert.Equal(t, domain.CallStatusConnected, rec.Status)
	assert.Equal(t, f.issuer.signedURL, rec.SignedURL)
	require.NotNil(t, rec.StartedAt)
}

func TestHandleAnswerCredentialFailure(t *testing.T) {
	f := newFixture(t)
	f.issuer.err = domain.NewProviderUnreachable("voice-api", "voice session backend unreachable", nil)

	resp, err := f.service.InitiateCall(context.Background(), &domain.InitiateCallRequest{
		VoiceAgentID: "agent-1", ContactNumber: "+15551234567",
	})
	require.NoError(t, err)

	directive := f.service.HandleAnswer(context.Background(),
		&telephony.CorrelationClaims{CallID: resp.CallID, VoiceAgentID: "agent-1"})

	assert.Contains(t, directive, "<Hangup")
	assert.NotContains(t, directive, "<Connect")

	rec := f.mustGet(t, resp.CallID)
	assert.Equal(t, domain.CallStatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "unreachable")
}

func TestHandleAnswerOnCanceledCall(t *testing.T) {
	f := newFixture(t)
	resp, err := f.service.InitiateCall(context.Background(), &domain.InitiateCallRequest{
		VoiceAgentID: "agent-1", ContactNumber: "+15551234567",
	})
	require.NoError(t, err)

	_, err = f.service.ApplyCallback(context.Background(), resp.CallID, domain.LifecycleEvent{
		Kind: domain.EventKindTerminal, TerminalStatus: domain.CallStatusCanceled,
	})
	require.NoError(t, err)

	directive := f.service.HandleAnswer(context.Background(),
		&telephony.CorrelationClaims{CallID: resp.CallID, VoiceAgentID: "agent-1"})
	assert.Contains(t, directive, "<Hangup")
	assert.Equal(t, 0, f.issuer.calls, "no credential fetched for a dead call")

	rec := f.mustGet(t, resp.CallID)
	assert.Equal(t, domain.CallStatusCanceled, rec.Status, "terminal state stays put")
}

func TestApplyCallbackFallsBackToExternalID(t *testing.T) {
	f := newFixture(t)
	resp, err := f.service.InitiateCall(context.Background(), &domain.InitiateCallRequest{
		VoiceAgentID: "agent-1", ContactNumber: "+15551234567",
	})
	require.NoError(t, err)

	rec, err := f.service.ApplyCallback(context.Background(), "", domain.LifecycleEvent{
		Kind: domain.EventKindAnswered, SourceCallID: "CA-test-1",
	})
	require.NoError(t, err)
	assert.Equal(t, resp.CallID, rec.ID)
	assert.Equal(t, domain.CallStatusAnswered, rec.Status)
}

func TestApplyCallbackUnknownCall(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.ApplyCallback(context.Background(), "missing", domain.LifecycleEvent{
		Kind: domain.EventKindRinging, SourceCallID: "CA-unknown",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHangupIsOptimisticAndIdempotent(t *testing.T) {
	f := newFixture(t)
	resp, err := f.service.InitiateCall(context.Background(), &domain.InitiateCallRequest{
		VoiceAgentID: "agent-1", ContactNumber: "+15551234567",
	})
	require.NoError(t, err)

	rec, err := f.service.Hangup(context.Background(), resp.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, rec.Status)

	select {
	case ext := <-f.gateway.hangups:
		assert.Equal(t, "CA-test-1", ext)
	case <-time.After(2 * time.Second):
		t.Fatal("provider hangup was never requested")
	}

	// Second hangup is a no-op against the terminal record.
	again, err := f.service.Hangup(context.Background(), resp.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, again.Status)
	select {
	case <-f.gateway.hangups:
		t.Fatal("idempotent hangup must not hit the provider again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAttachVoiceSessionPersistsConversationID(t *testing.T) {
	f := newFixture(t)
	resp, err := f.service.InitiateCall(context.Background(), &domain.InitiateCallRequest{
		VoiceAgentID: "agent-1", ContactNumber: "+15551234567",
	})
	require.NoError(t, err)

	rec, err := f.service.AttachVoiceSession(context.Background(), resp.CallID, "conv-abc123")
	require.NoError(t, err)
	assert.Equal(t, resp.CallID, rec.ID)

	stored, err := f.repos.calls.GetByID(context.Background(), resp.CallID)
	require.NoError(t, err)
	assert.Equal(t, "conv-abc123", stored.VoiceSessionID)
	assert.Equal(t, domain.CallStatusRinging, stored.Status, "attaching a session must not touch the lifecycle state")

	// Re-reporting the same conversation is a no-op.
	_, err = f.service.AttachVoiceSession(context.Background(), resp.CallID, "conv-abc123")
	require.NoError(t, err)
}

func TestAttachVoiceSessionValidation(t *testing.T) {
	f := newFixture(t)
	resp, err := f.service.InitiateCall(context.Background(), &domain.InitiateCallRequest{
		VoiceAgentID: "agent-1", ContactNumber: "+15551234567",
	})
	require.NoError(t, err)

	_, err = f.service.AttachVoiceSession(context.Background(), resp.CallID, "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.service.AttachVoiceSession(context.Background(), "no-such-call", "conv-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAttachVoiceSessionAfterTerminalIsNoop(t *testing.T) {
	f := newFixture(t)
	resp, err := f.service.InitiateCall(context.Background(), &domain.InitiateCallRequest{
		VoiceAgentID: "agent-1", ContactNumber: "+15551234567",
	})
	require.NoError(t, err)

	_, err = f.service.Hangup(context.Background(), resp.CallID)
	require.NoError(t, err)

	rec, err := f.service.AttachVoiceSession(context.Background(), resp.CallID, "conv-late")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, rec.Status)
	assert.Empty(t, rec.VoiceSessionID, "a report landing after the call ended changes nothing")
}

// conflictOnceRepo makes the first UpdateStatus fail with a state conflict
// while mutating the stored record, simulating a racing callback.
type conflictOnceRepo struct {
	*memCallRepo
	fired bool
}

func (r *conflictOnceRepo) UpdateStatus(ctx context.Context, id string, expectedPrior []domain.CallStatus, fields map[string]interface{}) (*domain.CallRecord, error) {
	if !r.fired {
		r.fired = true
		if _, err := r.memCallRepo.UpdateStatus(ctx, id, expectedPrior,
			map[string]interface{}{"status": string(domain.CallStatusAnswered)}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: racing callback won", domain.ErrStateConflict)
	}
	return r.memCallRepo.UpdateStatus(ctx, id, expectedPrior, fields)
}

func TestApplyCallbackRetriesOnConflict(t *testing.T) {
	f := newFixture(t)
	resp, err := f.service.InitiateCall(context.Background(), &domain.InitiateCallRequest{
		VoiceAgentID: "agent-1", ContactNumber: "+15551234567",
	})
	require.NoError(t, err)

	racing := &conflictOnceRepo{memCallRepo: f.repos.calls}
	svc := NewService(&racingRepos{memRepos: f.repos, racing: racing},
		f.gateway, f.issuer, f.signer,
		cache.NewAgentCache(f.repos.agents, nil), nil, "+15550009999", time.Second)

	// The answered event arrives; the racing update flips the record to
	// answered first, so the retry re-reads and drops the duplicate cleanly.
	rec, err := svc.ApplyCallback(context.Background(), resp.CallID, domain.LifecycleEvent{
		Kind: domain.EventKindAnswered,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAnswered, rec.Status)
	assert.Equal(t, resp.CallID, rec.ID)
}

type racingRepos struct {
	*memRepos
	racing *conflictOnceRepo
}

func (m *racingRepos) CallRecords() repository.CallRecordRepository { return m.racing }
