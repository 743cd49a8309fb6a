package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
)

func fastConfig(baseURL, callID string) SessionConfig {
	return SessionConfig{
		BaseURL:      baseURL,
		CallID:       callID,
		PollInterval: 10 * time.Millisecond,
		MaxPollWait:  5 * time.Second,
	}
}

func awaitTerminal(t *testing.T, ch <-chan domain.CallStatusView) domain.CallStatusView {
	t.Helper()
	select {
	case view := <-ch:
		return view
	case <-time.After(3 * time.Second):
		t.Fatal("session never reached a terminal state")
		return domain.CallStatusView{}
	}
}

func TestSessionStopsOnTerminalStatus(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/calls/call-1/status" {
			http.NotFound(w, r)
			return
		}
		view := domain.CallStatusView{ID: "call-1", Status: domain.CallStatusRinging}
		if polls.Add(1) >= 3 {
			view.Status = domain.CallStatusEnded
			view.DurationSecs = 18
		}
		json.NewEncoder(w).Encode(view)
	}))
	defer srv.Close()

	terminal := make(chan domain.CallStatusView, 1)
	var statuses atomic.Int32
	sess := NewSession(fastConfig(srv.URL, "call-1"), NewDuplexer(&recordingPlayer{}), SessionCallbacks{
		OnStatus:   func(view domain.CallStatusView) { statuses.Add(1) },
		OnTerminal: func(view domain.CallStatusView) { terminal <- view },
	})
	require.NoError(t, sess.Start(context.Background()))

	view := awaitTerminal(t, terminal)
	assert.Equal(t, domain.CallStatusEnded, view.Status)
	assert.Equal(t, 18, view.DurationSecs)
	assert.Equal(t, ModeClosed, sess.Mode())
	assert.GreaterOrEqual(t, statuses.Load(), int32(3))
}

func TestSessionStopsWhenRecordMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	terminal := make(chan domain.CallStatusView, 1)
	sess := NewSession(fastConfig(srv.URL, "ghost"), NewDuplexer(&recordingPlayer{}), SessionCallbacks{
		OnTerminal: func(view domain.CallStatusView) { terminal <- view },
	})
	require.NoError(t, sess.Start(context.Background()))

	view := awaitTerminal(t, terminal)
	assert.Equal(t, domain.CallStatusFailed, view.Status)
	assert.Equal(t, "call record not found", view.FailureReason)
}

func TestSessionTimesOutAndRequestsHangup(t *testing.T) {
	hangups := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/hangup") {
			hangups <- struct{}{}
			json.NewEncoder(w).Encode(domain.CallStatusView{ID: "call-slow", Status: domain.CallStatusEnded})
			return
		}
		json.NewEncoder(w).Encode(domain.CallStatusView{ID: "call-slow", Status: domain.CallStatusRinging})
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL, "call-slow")
	cfg.MaxPollWait = 40 * time.Millisecond

	terminal := make(chan domain.CallStatusView, 1)
	sess := NewSession(cfg, NewDuplexer(&recordingPlayer{}), SessionCallbacks{
		OnTerminal: func(view domain.CallStatusView) { terminal <- view },
	})
	require.NoError(t, sess.Start(context.Background()))

	view := awaitTerminal(t, terminal)
	assert.Equal(t, domain.CallStatusFailed, view.Status)
	assert.Equal(t, "timed out awaiting provider", view.FailureReason)

	select {
	case <-hangups:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never triggered a server-side hangup")
	}
}

func TestSessionTransportErrorsAreRetried(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			http.Error(w, "db hiccup", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(domain.CallStatusView{ID: "call-1", Status: domain.CallStatusEnded})
	}))
	defer srv.Close()

	terminal := make(chan domain.CallStatusView, 1)
	var errCount atomic.Int32
	sess := NewSession(fastConfig(srv.URL, "call-1"), NewDuplexer(&recordingPlayer{}), SessionCallbacks{
		OnError:    func(err error) { errCount.Add(1) },
		OnTerminal: func(view domain.CallStatusView) { terminal <- view },
	})
	require.NoError(t, sess.Start(context.Background()))

	view := awaitTerminal(t, terminal)
	assert.Equal(t, domain.CallStatusEnded, view.Status)
	assert.Equal(t, int32(1), errCount.Load(), "the 500 should surface once, then the next tick recovers")
}

func TestSessionStartTwice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.CallStatusView{ID: "call-1", Status: domain.CallStatusRinging})
	}))
	defer srv.Close()

	sess := NewSession(fastConfig(srv.URL, "call-1"), NewDuplexer(&recordingPlayer{}), SessionCallbacks{})
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Close()

	assert.Error(t, sess.Start(context.Background()))
}

func TestSessionHangupDuringPollingSkipsHandoff(t *testing.T) {
	var liveCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/hangup") {
			json.NewEncoder(w).Encode(domain.CallStatusView{ID: "call-1", Status: domain.CallStatusEnded})
			return
		}
		json.NewEncoder(w).Encode(domain.CallStatusView{
			ID: "call-1", Status: domain.CallStatusConnected, SignedURL: "ws://127.0.0.1:1/never-dialed",
		})
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL, "call-1")
	cfg.PollInterval = 50 * time.Millisecond

	sess := NewSession(cfg, NewDuplexer(&recordingPlayer{}), SessionCallbacks{
		OnLive: func(channel *LiveChannel) { liveCount.Add(1) },
	})
	require.NoError(t, sess.Start(context.Background()))
	require.NoError(t, sess.Hangup(context.Background()))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, ModeClosed, sess.Mode())
	assert.Equal(t, int32(0), liveCount.Load(), "hangup must win the race against the handoff")
}

func TestSessionClosedDuringDialClosesChannel(t *testing.T) {
	handshake := make(chan struct{})
	serverRead := make(chan error, 1)
	upgrader := websocket.Upgrader{}

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-handshake // hold the dial in flight
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			serverRead <- err
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, _, err = conn.ReadMessage()
		serverRead <- err
	}))
	defer wsSrv.Close()
	signedURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")

	sess := NewSession(fastConfig("http://unused.invalid", "call-1"),
		NewDuplexer(&recordingPlayer{}), SessionCallbacks{
			OnLive: func(channel *LiveChannel) { t.Error("handoff fired on a closed session") },
		})
	sess.mu.Lock()
	sess.mode = ModePolling
	sess.mu.Unlock()

	dialDone := make(chan struct{})
	go func() {
		sess.goLive(context.Background(), domain.CallStatusView{
			ID: "call-1", Status: domain.CallStatusConnected, SignedURL: signedURL,
		})
		close(dialDone)
	}()

	time.Sleep(20 * time.Millisecond) // the dial is in flight now
	sess.Close()
	close(handshake)

	select {
	case <-dialDone:
	case <-time.After(3 * time.Second):
		t.Fatal("dial never finished")
	}

	// The connection must be torn down, not parked on a dead session.
	select {
	case err := <-serverRead:
		require.Error(t, err, "server read succeeded; the channel was left open")
	case <-time.After(2 * time.Second):
		t.Fatal("session closed but its live channel stayed open")
	}
}

func TestSessionHandsOffToLiveChannel(t *testing.T) {
	var ended atomic.Bool
	pongs := make(chan int, 1)
	upgrader := websocket.Upgrader{}

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]interface{}{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]interface{}{
				"conversation_id": "conv-42",
			},
		})
		conn.WriteJSON(map[string]interface{}{
			"type":       "ping",
			"ping_event": map[string]interface{}{"event_id": 7, "ping_ms": 0},
		})
		conn.WriteJSON(map[string]interface{}{
			"type": "audio",
			"audio_event": map[string]interface{}{
				"audio_base_64": base64.StdEncoding.EncodeToString([]byte("agent greeting")),
				"event_id":      1,
			},
		})

		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "pong" {
				pongs <- int(msg["event_id"].(float64))
				break
			}
		}

		// Hang up from the far side; the final poll must see the record ended.
		ended.Store(true)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	}))
	defer wsSrv.Close()
	signedURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")

	reported := make(chan string, 1)
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/voice-session") {
			var report domain.VoiceSessionReport
			if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			reported <- report.VoiceSessionID
			json.NewEncoder(w).Encode(domain.CallStatusView{ID: "call-live", Status: domain.CallStatusConnected})
			return
		}
		view := domain.CallStatusView{ID: "call-live", Status: domain.CallStatusConnected, SignedURL: signedURL}
		if ended.Load() {
			view = domain.CallStatusView{ID: "call-live", Status: domain.CallStatusEnded, DurationSecs: 9}
		}
		json.NewEncoder(w).Encode(view)
	}))
	defer apiSrv.Close()

	player := &recordingPlayer{}
	terminal := make(chan domain.CallStatusView, 1)
	var liveCount atomic.Int32
	liveCh := make(chan *LiveChannel, 1)

	sess := NewSession(fastConfig(apiSrv.URL, "call-live"), NewDuplexer(player), SessionCallbacks{
		OnLive: func(channel *LiveChannel) {
			liveCount.Add(1)
			liveCh <- channel
		},
		OnTerminal: func(view domain.CallStatusView) { terminal <- view },
	})
	require.NoError(t, sess.Start(context.Background()))

	var channel *LiveChannel
	select {
	case channel = <-liveCh:
	case <-time.After(3 * time.Second):
		t.Fatal("handoff to the live channel never happened")
	}

	select {
	case eventID := <-pongs:
		assert.Equal(t, 7, eventID, "pong must echo the ping's event id")
	case <-time.After(3 * time.Second):
		t.Fatal("ping was never answered")
	}

	view := awaitTerminal(t, terminal)
	assert.Equal(t, domain.CallStatusEnded, view.Status)
	assert.Equal(t, 9, view.DurationSecs, "terminal view comes from the server, not a local guess")

	assert.Equal(t, int32(1), liveCount.Load(), "handoff happens exactly once")
	assert.Equal(t, "conv-42", channel.ConversationID())

	select {
	case sessionID := <-reported:
		assert.Equal(t, "conv-42", sessionID, "conversation id must be reported back to the server")
	case <-time.After(3 * time.Second):
		t.Fatal("voice session was never reported")
	}

	played := player.played()
	require.NotEmpty(t, played, "agent audio must reach the playback path")
	assert.Equal(t, "agent greeting", played[0])
}
