package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parrotdial/parrot-voice-dashboard/pkg/logger"
)

// LiveChannelCallbacks surface conversation events to the dashboard UI. All
// callbacks are optional and run on the channel's read goroutine.
type LiveChannelCallbacks struct {
	OnConversationMetadata func(conversationID string)
	OnUserTranscript       func(text string)
	OnAgentResponse        func(text string)
	OnInterruption         func()
	OnDisconnect           func(err error)
}

// LiveChannel is the WebSocket connection to the voice session, opened with
// the short-lived signed URL. Inbound audio is handed to the duplexer for
// sequential playback; captured audio goes out through CaptureFrame.
type LiveChannel struct {
	conn     *websocket.Conn
	duplexer *Duplexer
	cb       LiveChannelCallbacks

	conversationID string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// channelMessage covers every inbound message shape on the live channel.
type channelMessage struct {
	Type string `json:"type"`

	ConversationInitiationMetadataEvent *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	PingEvent *struct {
		EventID int `json:"event_id"`
		PingMs  int `json:"ping_ms"`
	} `json:"ping_event,omitempty"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	InterruptionEvent *struct {
		EventID int `json:"event_id"`
	} `json:"interruption_event,omitempty"`
}

// DialLiveChannel opens the live channel and starts reading. The duplexer's
// outbound path is bound to this channel until it closes.
func DialLiveChannel(ctx context.Context, signedURL string, duplexer *Duplexer, cb LiveChannelCallbacks) (*LiveChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		return nil, err
	}

	lc := &LiveChannel{
		conn:     conn,
		duplexer: duplexer,
		cb:       cb,
		done:     make(chan struct{}),
	}
	duplexer.BindSender(lc.sendAudioChunk)

	go lc.readLoop()
	return lc, nil
}

// ConversationID returns the voice session identifier, available once the
// initiation metadata arrived.
func (lc *LiveChannel) ConversationID() string {
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	return lc.conversationID
}

// Done is closed when the channel shuts down for any reason.
func (lc *LiveChannel) Done() <-chan struct{} {
	return lc.done
}

func (lc *LiveChannel) readLoop() {
	var disconnectErr error
	defer func() {
		lc.shutdown()
		if lc.cb.OnDisconnect != nil {
			lc.cb.OnDisconnect(disconnectErr)
		}
	}()

	for {
		_, data, err := lc.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				disconnectErr = err
			}
			return
		}

		var msg channelMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Base().Warn("Undecodable live channel message", zap.Error(err))
			continue
		}
		lc.dispatch(msg)
	}
}

func (lc *LiveChannel) dispatch(msg channelMessage) {
	switch msg.Type {
	case "conversation_initiation_metadata":
		if msg.ConversationInitiationMetadataEvent != nil {
			lc.writeMu.Lock()
			lc.conversationID = msg.ConversationInitiationMetadataEvent.ConversationID
			lc.writeMu.Unlock()
			if lc.cb.OnConversationMetadata != nil {
				lc.cb.OnConversationMetadata(msg.ConversationInitiationMetadataEvent.ConversationID)
			}
		}

	case "ping":
		if msg.PingEvent != nil {
			lc.schedulePong(msg.PingEvent.EventID, msg.PingEvent.PingMs)
		}

	case "audio":
		if msg.AudioEvent == nil {
			return
		}
		frame, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
		if err != nil {
			logger.Base().Warn("Undecodable audio frame", zap.Int("event_id", msg.AudioEvent.EventID), zap.Error(err))
			return
		}
		lc.duplexer.EnqueuePlayback(frame)

	case "user_transcript":
		if msg.UserTranscriptionEvent != nil && lc.cb.OnUserTranscript != nil {
			lc.cb.OnUserTranscript(msg.UserTranscriptionEvent.UserTranscript)
		}

	case "agent_response":
		if msg.AgentResponseEvent != nil && lc.cb.OnAgentResponse != nil {
			lc.cb.OnAgentResponse(msg.AgentResponseEvent.AgentResponse)
		}

	case "interruption":
		lc.duplexer.FlushPlayback()
		if lc.cb.OnInterruption != nil {
			lc.cb.OnInterruption()
		}

	default:
		logger.Base().Debug("Ignoring live channel message", zap.String("type", msg.Type))
	}
}

// schedulePong echoes the ping's event id after the requested delay. The
// session measures round trips this way; an unanswered ping gets the channel
// dropped server-side.
func (lc *LiveChannel) schedulePong(eventID, delayMs int) {
	go func() {
		if delayMs > 0 {
			select {
			case <-time.After(time.Duration(delayMs) * time.Millisecond):
			case <-lc.done:
				return
			}
		}
		if err := lc.writeJSON(map[string]interface{}{
			"type":     "pong",
			"event_id": eventID,
		}); err != nil {
			logger.Base().Warn("Pong write failed", zap.Int("event_id", eventID), zap.Error(err))
		}
	}()
}

func (lc *LiveChannel) sendAudioChunk(frame []byte) error {
	return lc.writeJSON(map[string]interface{}{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(frame),
	})
}

func (lc *LiveChannel) writeJSON(v interface{}) error {
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	return lc.conn.WriteJSON(v)
}

func (lc *LiveChannel) shutdown() {
	lc.closeOnce.Do(func() {
		close(lc.done)
		lc.conn.Close()
	})
}

// Close tears the channel down. Safe to call more than once.
func (lc *LiveChannel) Close() error {
	lc.writeMu.Lock()
	lc.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	lc.writeMu.Unlock()

	lc.shutdown()
	return nil
}
