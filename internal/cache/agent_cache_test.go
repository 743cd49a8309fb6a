package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
)

type countingAgentRepo struct {
	agents map[string]*domain.VoiceAgent
	reads  int
}

func (r *countingAgentRepo) Create(ctx context.Context, req *domain.CreateVoiceAgentRequest) (*domain.VoiceAgent, error) {
	return nil, fmt.Errorf("not implemented")
}

func (r *countingAgentRepo) GetByID(ctx context.Context, id string) (*domain.VoiceAgent, error) {
	r.reads++
	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: voice agent %s", domain.ErrNotFound, id)
	}
	cp := *agent
	return &cp, nil
}

func (r *countingAgentRepo) GetAll(ctx context.Context, includeDisabled bool) ([]*domain.VoiceAgent, error) {
	return nil, nil
}

func (r *countingAgentRepo) Update(ctx context.Context, id string, req *domain.UpdateVoiceAgentRequest) (*domain.VoiceAgent, error) {
	return nil, fmt.Errorf("not implemented")
}

func (r *countingAgentRepo) Delete(ctx context.Context, id string) error { return nil }

func TestGetAgentReadsThroughOnce(t *testing.T) {
	repo := &countingAgentRepo{agents: map[string]*domain.VoiceAgent{
		"agent-1": {ID: "agent-1", Name: "Closer", VoiceAPIAgent: "el-1", CallerNumber: "+15550001111"},
	}}
	cache := NewAgentCache(repo, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		agent, err := cache.GetAgent(ctx, "agent-1")
		if err != nil {
			t.Fatalf("GetAgent: %v", err)
		}
		if agent.Name != "Closer" {
			t.Fatalf("unexpected agent %+v", agent)
		}
	}

	if repo.reads != 1 {
		t.Fatalf("repo read %d times, want 1", repo.reads)
	}
}

func TestGetAgentUnknown(t *testing.T) {
	cache := NewAgentCache(&countingAgentRepo{agents: map[string]*domain.VoiceAgent{}}, nil)

	if _, err := cache.GetAgent(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestInvalidateForcesReread(t *testing.T) {
	repo := &countingAgentRepo{agents: map[string]*domain.VoiceAgent{
		"agent-1": {ID: "agent-1", Name: "Closer", VoiceAPIAgent: "el-1", CallerNumber: "+15550001111"},
	}}
	cache := NewAgentCache(repo, nil)
	ctx := context.Background()

	if _, err := cache.GetAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("GetAgent: %v", err)
	}

	repo.agents["agent-1"].Name = "Renamed"
	cache.Invalidate(ctx, "agent-1")

	agent, err := cache.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent after invalidate: %v", err)
	}
	if agent.Name != "Renamed" {
		t.Fatalf("stale entry survived invalidation: %+v", agent)
	}
	if repo.reads != 2 {
		t.Fatalf("repo read %d times, want 2", repo.reads)
	}
}

func TestCachedAgentIsIsolatedFromCallers(t *testing.T) {
	repo := &countingAgentRepo{agents: map[string]*domain.VoiceAgent{
		"agent-1": {ID: "agent-1", Name: "Closer", VoiceAPIAgent: "el-1", CallerNumber: "+15550001111"},
	}}
	cache := NewAgentCache(repo, nil)
	ctx := context.Background()

	first, err := cache.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	first.Name = "mutated by caller"

	second, err := cache.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if second.Name != "Closer" {
		t.Fatalf("cached entry leaked to a caller: %+v", second)
	}
}
