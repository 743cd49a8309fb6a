package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jinzhu/copier"
	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"gorm.io/gorm"
)

// GormVoiceAgentRepository implements VoiceAgentRepository using GORM
type GormVoiceAgentRepository struct {
	db *gorm.DB
}

// NewGormVoiceAgentRepository creates a new GORM voice agent repository
func NewGormVoiceAgentRepository(db *gorm.DB) *GormVoiceAgentRepository {
	return &GormVoiceAgentRepository{db: db}
}

// Create creates a new voice agent
func (r *GormVoiceAgentRepository) Create(ctx context.Context, req *domain.CreateVoiceAgentRequest) (*domain.VoiceAgent, error) {
	agent := &domain.VoiceAgent{
		Name:          req.Name,
		VoiceAPIAgent: req.VoiceAPIAgent,
		CallerNumber:  req.CallerNumber,
		Language:      req.Language,
		FirstMessage:  req.FirstMessage,
		SystemPrompt:  req.SystemPrompt,
	}
	if agent.Language == "" {
		agent.Language = "en"
	}

	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return nil, fmt.Errorf("failed to create voice agent: %w", err)
	}
	return agent, nil
}

// GetByID retrieves a voice agent by ID
func (r *GormVoiceAgentRepository) GetByID(ctx context.Context, id string) (*domain.VoiceAgent, error) {
	var agent domain.VoiceAgent
	if err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get voice agent: %w", err)
	}
	return &agent, nil
}

// GetAll retrieves all voice agents
func (r *GormVoiceAgentRepository) GetAll(ctx context.Context, includeDisabled bool) ([]*domain.VoiceAgent, error) {
	var agents []*domain.VoiceAgent
	query := r.db.WithContext(ctx)
	if !includeDisabled {
		query = query.Where("disabled = ?", false)
	}
	if err := query.Order("created_at DESC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("failed to get voice agents: %w", err)
	}
	return agents, nil
}

// Update updates a voice agent; nil request fields are left untouched.
func (r *GormVoiceAgentRepository) Update(ctx context.Context, id string, req *domain.UpdateVoiceAgentRequest) (*domain.VoiceAgent, error) {
	agent, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := copier.CopyWithOption(agent, req, copier.Option{IgnoreEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to merge voice agent update: %w", err)
	}
	if req.Disabled != nil {
		agent.Disabled = *req.Disabled
	}

	if err := r.db.WithContext(ctx).Save(agent).Error; err != nil {
		return nil, fmt.Errorf("failed to update voice agent: %w", err)
	}
	return agent, nil
}

// Delete removes a voice agent
func (r *GormVoiceAgentRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&domain.VoiceAgent{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete voice agent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
