package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Contact is one dialable campaign contact.
type Contact struct {
	ID           string         `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Name         string         `json:"name" gorm:"type:varchar(255);not null"`
	PhoneNumber  string         `json:"phone_number" gorm:"type:varchar(32);not null;index"`
	Tags         datatypes.JSON `json:"tags,omitempty" gorm:"type:jsonb"`
	LastCallID   *string        `json:"last_call_id,omitempty" gorm:"type:uuid"`
	LastCalledAt *time.Time     `json:"last_called_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for Contact
func (Contact) TableName() string {
	return "contacts"
}

// CreateContactRequest represents the request to create a new contact
type CreateContactRequest struct {
	Name        string   `json:"name" validate:"required"`
	PhoneNumber string   `json:"phone_number" validate:"required"`
	Tags        []string `json:"tags,omitempty"`
}

// UpdateContactRequest represents the request to update a contact.
// Nil fields are left untouched.
type UpdateContactRequest struct {
	Name        *string  `json:"name,omitempty"`
	PhoneNumber *string  `json:"phone_number,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}
