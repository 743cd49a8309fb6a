package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"gorm.io/gorm"
)

// GormCallRecordRepository implements CallRecordRepository using GORM
type GormCallRecordRepository struct {
	db *gorm.DB
}

// NewGormCallRecordRepository creates a new GORM call record repository
func NewGormCallRecordRepository(db *gorm.DB) *GormCallRecordRepository {
	return &GormCallRecordRepository{db: db}
}

// Create persists a new call record.
func (r *GormCallRecordRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

// GetByID retrieves a call record by internal id.
func (r *GormCallRecordRepository) GetByID(ctx context.Context, id string) (*domain.CallRecord, error) {
	var record domain.CallRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return &record, nil
}

// FindByExternalID retrieves a call record by the provider-assigned call id.
// Fallback path for callbacks that lost their correlation token.
func (r *GormCallRecordRepository) FindByExternalID(ctx context.Context, externalCallID string) (*domain.CallRecord, error) {
	if externalCallID == "" {
		return nil, domain.ErrNotFound
	}
	var record domain.CallRecord
	if err := r.db.WithContext(ctx).First(&record, "external_call_id = ?", externalCallID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find call record by external id: %w", err)
	}
	return &record, nil
}

// UpdateStatus applies fields under a status precondition. The WHERE guard on
// the current status is what serializes concurrent webhook deliveries for the
// same call: a late or duplicate delivery sees zero rows affected and is
// reported as a state conflict instead of overwriting a terminal status.
func (r *GormCallRecordRepository) UpdateStatus(ctx context.Context, id string, expectedPrior []domain.CallStatus, fields map[string]interface{}) (*domain.CallRecord, error) {
	if len(expectedPrior) == 0 {
		expectedPrior = domain.NonTerminalStatuses()
	}

	res := r.db.WithContext(ctx).
		Model(&domain.CallRecord{}).
		Where("id = ? AND status IN ?", id, statusStrings(expectedPrior)).
		Updates(fields)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update call record status: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		// Distinguish "gone" from "already moved on".
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, domain.ErrStateConflict
	}

	return r.GetByID(ctx, id)
}

// List returns recent call records, newest first.
func (r *GormCallRecordRepository) List(ctx context.Context, filter CallListFilter) ([]*domain.CallRecord, error) {
	query := r.db.WithContext(ctx).Model(&domain.CallRecord{})

	if filter.VoiceAgentID != "" {
		query = query.Where("voice_agent_id = ?", filter.VoiceAgentID)
	}
	if filter.ContactID != "" {
		query = query.Where("contact_id = ?", filter.ContactID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var records []*domain.CallRecord
	if err := query.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	return records, nil
}

func statusStrings(statuses []domain.CallStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
