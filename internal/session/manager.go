package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/parrotdial/parrot-voice-dashboard/pkg/logger"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/redis"
	"go.uber.org/zap"
)

const (
	HangupChannel  = "parrot:call:hangup"
	ActiveCallTTL  = 2 * time.Hour
	activeWildcard = "*"
)

// ActiveCall is the redis-backed registry entry for a call that has not yet
// reached a terminal state. Keyed by call record ID so every instance can see
// calls placed by every other instance.
type ActiveCall struct {
	CallID        string    `json:"callId"`
	VoiceAgentID  string    `json:"voiceAgentId"`
	ContactNumber string    `json:"contactNumber"`
	Status        string    `json:"status"`
	InstanceID    string    `json:"instanceId"`
	StartTime     time.Time `json:"startTime"`
}

// HangupMessage is the payload for the cross-instance hangup broadcast.
type HangupMessage struct {
	CallID string `json:"callId"`
}

type Manager struct {
	redisSvc   redis.ServiceInterface
	instanceID string
}

func NewManager(redisSvc redis.ServiceInterface, instanceID string) *Manager {
	return &Manager{
		redisSvc:   redisSvc,
		instanceID: instanceID,
	}
}

// Register records a call in the active registry.
func (m *Manager) Register(ctx context.Context, call ActiveCall) error {
	call.InstanceID = m.instanceID
	if call.StartTime.IsZero() {
		call.StartTime = time.Now()
	}

	data, _ := json.Marshal(call)
	key := m.redisSvc.GenerateKey(redis.CallSession, call.CallID)

	err := m.redisSvc.SetValue(ctx, key, string(data), ActiveCallTTL)
	if err == nil {
		logger.Base().Debug("Active call registered",
			zap.String("call_id", call.CallID),
			zap.String("status", call.Status),
			zap.String("instance_id", m.instanceID))
	}
	return err
}

// Unregister removes a call from the registry once it goes terminal.
func (m *Manager) Unregister(ctx context.Context, callID string) error {
	key := m.redisSvc.GenerateKey(redis.CallSession, callID)
	return m.redisSvc.DelValue(ctx, key)
}

// ListActive returns every non-terminal call known across all instances.
func (m *Manager) ListActive(ctx context.Context) ([]ActiveCall, error) {
	pattern := m.redisSvc.GenerateKey(redis.CallSession, activeWildcard)
	keys, err := m.redisSvc.ScanKeys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	calls := make([]ActiveCall, 0, len(keys))
	for _, key := range keys {
		raw, err := m.redisSvc.GetValue(ctx, key)
		if err != nil {
			// Entry may have expired between scan and read.
			continue
		}
		var call ActiveCall
		if err := json.Unmarshal([]byte(raw), &call); err != nil {
			logger.Base().Warn("Skipping corrupt active-call entry", zap.String("key", key), zap.Error(err))
			continue
		}
		calls = append(calls, call)
	}
	return calls, nil
}

// NotifyHangup broadcasts a hangup request to all instances.
func (m *Manager) NotifyHangup(ctx context.Context, callID string) error {
	logger.Base().Info("Broadcasting hangup request", zap.String("call_id", callID))
	return m.redisSvc.Publish(ctx, HangupChannel, HangupMessage{CallID: callID})
}

// SubscribeToHangup listens for hangup broadcasts from other instances.
func (m *Manager) SubscribeToHangup(ctx context.Context, handler func(callID string)) error {
	return m.redisSvc.Subscribe(ctx, HangupChannel, func(payload string) {
		var msg HangupMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal hangup message", zap.Error(err))
			return
		}
		handler(msg.CallID)
	})
}
