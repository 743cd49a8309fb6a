package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GormContactRepository implements ContactRepository using GORM
type GormContactRepository struct {
	db *gorm.DB
}

// NewGormContactRepository creates a new GORM contact repository
func NewGormContactRepository(db *gorm.DB) *GormContactRepository {
	return &GormContactRepository{db: db}
}

// Create creates a new contact
func (r *GormContactRepository) Create(ctx context.Context, req *domain.CreateContactRequest) (*domain.Contact, error) {
	contact := &domain.Contact{
		Name:        req.Name,
		PhoneNumber: req.PhoneNumber,
	}
	if len(req.Tags) > 0 {
		data, err := json.Marshal(req.Tags)
		if err != nil {
			return nil, fmt.Errorf("failed to encode contact tags: %w", err)
		}
		contact.Tags = datatypes.JSON(data)
	}

	if err := r.db.WithContext(ctx).Create(contact).Error; err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}
	return contact, nil
}

// GetByID retrieves a contact by ID
func (r *GormContactRepository) GetByID(ctx context.Context, id string) (*domain.Contact, error) {
	var contact domain.Contact
	if err := r.db.WithContext(ctx).First(&contact, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return &contact, nil
}

// GetAll retrieves all contacts
func (r *GormContactRepository) GetAll(ctx context.Context) ([]*domain.Contact, error) {
	var contacts []*domain.Contact
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&contacts).Error; err != nil {
		return nil, fmt.Errorf("failed to get contacts: %w", err)
	}
	return contacts, nil
}

// Update updates a contact; nil request fields are left untouched.
func (r *GormContactRepository) Update(ctx context.Context, id string, req *domain.UpdateContactRequest) (*domain.Contact, error) {
	contact, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		contact.Name = *req.Name
	}
	if req.PhoneNumber != nil {
		contact.PhoneNumber = *req.PhoneNumber
	}
	if req.Tags != nil {
		data, err := json.Marshal(req.Tags)
		if err != nil {
			return nil, fmt.Errorf("failed to encode contact tags: %w", err)
		}
		contact.Tags = datatypes.JSON(data)
	}

	if err := r.db.WithContext(ctx).Save(contact).Error; err != nil {
		return nil, fmt.Errorf("failed to update contact: %w", err)
	}
	return contact, nil
}

// RecordCall links the most recent call attempt to the contact.
func (r *GormContactRepository) RecordCall(ctx context.Context, id string, callID string) error {
	res := r.db.WithContext(ctx).
		Model(&domain.Contact{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_call_id":   callID,
			"last_called_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record contact call: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a contact
func (r *GormContactRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&domain.Contact{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete contact: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
