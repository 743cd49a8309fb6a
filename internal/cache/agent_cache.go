package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"github.com/parrotdial/parrot-voice-dashboard/internal/repository"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/logger"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/redis"
)

const agentCacheTTL = 5 * time.Minute

// AgentCache is a read-through cache for voice agent configuration. Lookups
// hit the in-process map first, then redis (shared across instances), then
// the database. Writes to an agent must call Invalidate.
type AgentCache struct {
	repo     repository.VoiceAgentRepository
	redisSvc redis.ServiceInterface

	agents map[string]cachedAgent
	mutex  sync.RWMutex
}

type cachedAgent struct {
	agent     *domain.VoiceAgent
	expiresAt time.Time
}

func NewAgentCache(repo repository.VoiceAgentRepository, redisSvc redis.ServiceInterface) *AgentCache {
	return &AgentCache{
		repo:     repo,
		redisSvc: redisSvc,
		agents:   make(map[string]cachedAgent),
	}
}

// GetAgent resolves an agent by ID through the cache layers.
func (c *AgentCache) GetAgent(ctx context.Context, id string) (*domain.VoiceAgent, error) {
	c.mutex.RLock()
	entry, ok := c.agents[id]
	c.mutex.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return c.copyAgent(entry.agent), nil
	}

	if agent := c.fromRedis(ctx, id); agent != nil {
		c.storeLocal(id, agent)
		return c.copyAgent(agent), nil
	}

	agent, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c.storeLocal(id, agent)
	c.toRedis(ctx, id, agent)
	return c.copyAgent(agent), nil
}

// Invalidate drops an agent from both cache layers after a create, update
// or delete.
func (c *AgentCache) Invalidate(ctx context.Context, id string) {
	c.mutex.Lock()
	delete(c.agents, id)
	c.mutex.Unlock()

	if c.redisSvc == nil {
		return
	}
	key := c.redisSvc.GenerateKey(redis.AgentConfig, id)
	if err := c.redisSvc.DelValue(ctx, key); err != nil {
		logger.Base().Warn("Failed to invalidate agent cache entry",
			zap.String("agent_id", id), zap.Error(err))
	}
}

func (c *AgentCache) storeLocal(id string, agent *domain.VoiceAgent) {
	c.mutex.Lock()
	c.agents[id] = cachedAgent{
		agent:     c.copyAgent(agent),
		expiresAt: time.Now().Add(agentCacheTTL),
	}
	c.mutex.Unlock()
}

func (c *AgentCache) fromRedis(ctx context.Context, id string) *domain.VoiceAgent {
	if c.redisSvc == nil {
		return nil
	}
	key := c.redisSvc.GenerateKey(redis.AgentConfig, id)
	raw, err := c.redisSvc.GetValue(ctx, key)
	if err != nil {
		if err != redis.ErrKeyNotExist {
			logger.Base().Warn("Agent cache redis read failed", zap.String("agent_id", id), zap.Error(err))
		}
		return nil
	}

	var agent domain.VoiceAgent
	if err := json.Unmarshal([]byte(raw), &agent); err != nil {
		logger.Base().Warn("Corrupt agent cache entry", zap.String("agent_id", id), zap.Error(err))
		return nil
	}
	return &agent
}

func (c *AgentCache) toRedis(ctx context.Context, id string, agent *domain.VoiceAgent) {
	if c.redisSvc == nil {
		return
	}
	data, err := json.Marshal(agent)
	if err != nil {
		return
	}
	key := c.redisSvc.GenerateKey(redis.AgentConfig, id)
	if err := c.redisSvc.SetValue(ctx, key, string(data), agentCacheTTL); err != nil {
		logger.Base().Warn("Agent cache redis write failed", zap.String("agent_id", id), zap.Error(err))
	}
}

// copyAgent returns a deep copy so callers can never mutate cached state.
func (c *AgentCache) copyAgent(original *domain.VoiceAgent) *domain.VoiceAgent {
	if original == nil {
		return nil
	}
	var out domain.VoiceAgent
	if err := copier.CopyWithOption(&out, original, copier.Option{DeepCopy: true}); err != nil {
		logger.Base().Warn("Failed to copy agent config", zap.Error(err))
		return original
	}
	return &out
}
