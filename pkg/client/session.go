package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/logger"
)

// Mode is the synchronizer's lifecycle state.
type Mode int

const (
	ModeIdle Mode = iota
	ModePolling
	ModeLive
	ModeClosed
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePolling:
		return "polling"
	case ModeLive:
		return "live"
	case ModeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultPollInterval = 3 * time.Second
	defaultMaxPollWait  = 5 * time.Minute
	timedOutReason      = "timed out awaiting provider"
)

// SessionConfig configures one call's dashboard-side tracking.
type SessionConfig struct {
	BaseURL string
	CallID  string

	// PollInterval between status checks; MaxPollWait caps how long to wait
	// for the call to connect before giving up locally.
	PollInterval time.Duration
	MaxPollWait  time.Duration

	HTTPClient *http.Client
}

// SessionCallbacks surface call progress to the UI layer. OnLive fires
// exactly once, when polling hands off to the live channel.
type SessionCallbacks struct {
	OnStatus   func(view domain.CallStatusView)
	OnLive     func(channel *LiveChannel)
	OnTerminal func(view domain.CallStatusView)
	OnError    func(err error)
	Channel    LiveChannelCallbacks
}

// Session tracks one call from initiation to teardown: poll the status
// endpoint until the call connects, open the live channel once, then ride
// the channel until the call ends.
type Session struct {
	cfg      SessionConfig
	cb       SessionCallbacks
	duplexer *Duplexer
	http     *http.Client

	mu      sync.Mutex
	mode    Mode
	channel *LiveChannel
	cancel  context.CancelFunc
}

func NewSession(cfg SessionConfig, duplexer *Duplexer, cb SessionCallbacks) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxPollWait <= 0 {
		cfg.MaxPollWait = defaultMaxPollWait
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Session{
		cfg:      cfg,
		cb:       cb,
		duplexer: duplexer,
		http:     httpClient,
		mode:     ModeIdle,
	}
}

// Mode returns the current synchronizer state.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Start begins polling. Returns an error if the session already ran.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.mode != ModeIdle {
		s.mu.Unlock()
		return fmt.Errorf("session for call %s already started (%s)", s.cfg.CallID, s.mode)
	}
	pollCtx, cancel := context.WithCancel(ctx)
	s.mode = ModePolling
	s.cancel = cancel
	s.mu.Unlock()

	go s.pollLoop(pollCtx)
	return nil
}

func (s *Session) pollLoop(ctx context.Context) {
	deadline := time.Now().Add(s.cfg.MaxPollWait)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		view, found, err := s.fetchStatus(ctx)
		if err != nil {
			// Transient transport trouble; the next tick retries.
			s.reportError(err)
			continue
		}
		if !found {
			s.finish(domain.CallStatusView{
				ID:            s.cfg.CallID,
				Status:        domain.CallStatusFailed,
				FailureReason: "call record not found",
			})
			return
		}

		if s.cb.OnStatus != nil {
			s.cb.OnStatus(view)
		}

		if view.Status.IsTerminal() {
			s.finish(view)
			return
		}

		if view.Status == domain.CallStatusConnected && view.SignedURL != "" {
			s.goLive(ctx, view)
			return
		}

		if time.Now().After(deadline) {
			// The provider never connected us. Give up locally and make a
			// best-effort attempt to stop the call server-side too.
			go s.postHangup(context.Background())
			s.finish(domain.CallStatusView{
				ID:            s.cfg.CallID,
				Status:        domain.CallStatusFailed,
				FailureReason: timedOutReason,
			})
			return
		}
	}
}

// goLive performs the exactly-once handoff from polling to the live channel.
func (s *Session) goLive(ctx context.Context, view domain.CallStatusView) {
	s.mu.Lock()
	if s.mode != ModePolling {
		// Hangup or close won the race; the signed URL is not used.
		s.mu.Unlock()
		return
	}
	s.mode = ModeLive
	s.mu.Unlock()

	cb := s.cb.Channel
	userDisconnect := cb.OnDisconnect
	cb.OnDisconnect = func(err error) {
		if userDisconnect != nil {
			userDisconnect(err)
		}
		s.onChannelDown(err)
	}
	userMetadata := cb.OnConversationMetadata
	cb.OnConversationMetadata = func(conversationID string) {
		if userMetadata != nil {
			userMetadata(conversationID)
		}
		go s.reportVoiceSession(conversationID)
	}

	channel, err := DialLiveChannel(ctx, view.SignedURL, s.duplexer, cb)
	if err != nil {
		logger.Base().Error("Live channel dial failed",
			zap.String("call_id", s.cfg.CallID), zap.Error(err))
		s.finish(domain.CallStatusView{
			ID:            s.cfg.CallID,
			Status:        domain.CallStatusFailed,
			FailureReason: "live channel connection failed",
		})
		return
	}

	s.mu.Lock()
	if s.mode != ModeLive {
		// Hangup or close landed while the dial was in flight; the channel
		// must not outlive the session.
		s.mu.Unlock()
		channel.Close()
		return
	}
	s.channel = channel
	s.mu.Unlock()

	if s.cb.OnLive != nil {
		s.cb.OnLive(channel)
	}
}

// onChannelDown runs when the live channel drops. One final status fetch
// reports how the call actually ended.
func (s *Session) onChannelDown(chanErr error) {
	s.mu.Lock()
	if s.mode != ModeLive {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	view, found, err := s.fetchStatus(ctx)
	if err != nil || !found {
		view = domain.CallStatusView{ID: s.cfg.CallID, Status: domain.CallStatusEnded}
		if chanErr != nil {
			view.Status = domain.CallStatusFailed
			view.FailureReason = chanErr.Error()
		}
	}
	s.finish(view)
}

// Hangup disconnects locally right away and asks the server to end the call.
// Idempotent: extra calls after the session closed are no-ops.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	if s.mode == ModeClosed {
		s.mu.Unlock()
		return nil
	}
	s.teardownLocked()
	s.mu.Unlock()

	return s.postHangup(ctx)
}

// Close stops the session without contacting the server.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

// teardownLocked moves to closed and releases the poll loop, channel and
// duplexer. Caller holds s.mu.
func (s *Session) teardownLocked() {
	if s.mode == ModeClosed {
		return
	}
	s.mode = ModeClosed
	if s.cancel != nil {
		s.cancel()
	}
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.duplexer != nil {
		s.duplexer.Close()
	}
}

func (s *Session) finish(view domain.CallStatusView) {
	s.mu.Lock()
	alreadyClosed := s.mode == ModeClosed
	s.teardownLocked()
	s.mu.Unlock()

	if !alreadyClosed && s.cb.OnTerminal != nil {
		s.cb.OnTerminal(view)
	}
}

func (s *Session) fetchStatus(ctx context.Context) (domain.CallStatusView, bool, error) {
	url := fmt.Sprintf("%s/api/calls/%s/status", s.cfg.BaseURL, s.cfg.CallID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.CallStatusView{}, false, err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return domain.CallStatusView{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.CallStatusView{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return domain.CallStatusView{}, false, fmt.Errorf("status poll returned %d", resp.StatusCode)
	}

	var view domain.CallStatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return domain.CallStatusView{}, false, err
	}
	return view, true, nil
}

// reportVoiceSession tells the server which provider conversation the live
// channel landed on. Best effort: the call works fine without the linkage.
func (s *Session) reportVoiceSession(conversationID string) {
	if conversationID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, err := json.Marshal(domain.VoiceSessionReport{VoiceSessionID: conversationID})
	if err != nil {
		return
	}

	url := fmt.Sprintf("%s/api/calls/%s/voice-session", s.cfg.BaseURL, s.cfg.CallID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		logger.Base().Warn("Voice session report failed",
			zap.String("call_id", s.cfg.CallID), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Base().Warn("Voice session report rejected",
			zap.String("call_id", s.cfg.CallID), zap.Int("status", resp.StatusCode))
	}
}

func (s *Session) postHangup(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/calls/%s/hangup", s.cfg.BaseURL, s.cfg.CallID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("hangup returned %d", resp.StatusCode)
	}
	return nil
}

func (s *Session) reportError(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}
