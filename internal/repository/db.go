package repository

import (
	"context"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"gorm.io/gorm"
)

// CallRecordRepository defines the Call Record Store interface. The reconciler
// is the only writer after creation; UpdateStatus enforces the sticky-terminal
// invariant with a status precondition so concurrent webhook retries serialize
// at the row.
type CallRecordRepository interface {
	Create(ctx context.Context, record *domain.CallRecord) error
	GetByID(ctx context.Context, id string) (*domain.CallRecord, error)
	FindByExternalID(ctx context.Context, externalCallID string) (*domain.CallRecord, error)
	// UpdateStatus applies fields to the record only while its current status
	// is one of expectedPrior. Returns domain.ErrStateConflict when the record
	// exists but the precondition failed, domain.ErrNotFound otherwise.
	UpdateStatus(ctx context.Context, id string, expectedPrior []domain.CallStatus, fields map[string]interface{}) (*domain.CallRecord, error)
	List(ctx context.Context, filter CallListFilter) ([]*domain.CallRecord, error)
}

// CallListFilter narrows dashboard call listings.
type CallListFilter struct {
	VoiceAgentID string
	ContactID    string
	Status       domain.CallStatus
	Limit        int
}

// VoiceAgentRepository defines the interface for voice agent operations
type VoiceAgentRepository interface {
	Create(ctx context.Context, req *domain.CreateVoiceAgentRequest) (*domain.VoiceAgent, error)
	GetByID(ctx context.Context, id string) (*domain.VoiceAgent, error)
	GetAll(ctx context.Context, includeDisabled bool) ([]*domain.VoiceAgent, error)
	Update(ctx context.Context, id string, req *domain.UpdateVoiceAgentRequest) (*domain.VoiceAgent, error)
	Delete(ctx context.Context, id string) error
}

// ContactRepository defines the interface for contact operations
type ContactRepository interface {
	Create(ctx context.Context, req *domain.CreateContactRequest) (*domain.Contact, error)
	GetByID(ctx context.Context, id string) (*domain.Contact, error)
	GetAll(ctx context.Context) ([]*domain.Contact, error)
	Update(ctx context.Context, id string, req *domain.UpdateContactRequest) (*domain.Contact, error)
	RecordCall(ctx context.Context, id string, callID string) error
	Delete(ctx context.Context, id string) error
}

// RepositoryManager combines all repositories
type RepositoryManager interface {
	CallRecords() CallRecordRepository
	VoiceAgents() VoiceAgentRepository
	Contacts() ContactRepository

	Ping(ctx context.Context) error
	Close() error
}

// GormRepositoryManager implements RepositoryManager using GORM
type GormRepositoryManager struct {
	db             *gorm.DB
	callRecordRepo *GormCallRecordRepository
	voiceAgentRepo *GormVoiceAgentRepository
	contactRepo    *GormContactRepository
}

// NewGormRepositoryManager creates a new GORM repository manager
func NewGormRepositoryManager(db *gorm.DB) *GormRepositoryManager {
	return &GormRepositoryManager{
		db:             db,
		callRecordRepo: NewGormCallRecordRepository(db),
		voiceAgentRepo: NewGormVoiceAgentRepository(db),
		contactRepo:    NewGormContactRepository(db),
	}
}

// CallRecords returns the call record repository
func (m *GormRepositoryManager) CallRecords() CallRecordRepository {
	return m.callRecordRepo
}

// VoiceAgents returns the voice agent repository
func (m *GormRepositoryManager) VoiceAgents() VoiceAgentRepository {
	return m.voiceAgentRepo
}

// Contacts returns the contact repository
func (m *GormRepositoryManager) Contacts() ContactRepository {
	return m.contactRepo
}

// Ping checks the database connection
func (m *GormRepositoryManager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (m *GormRepositoryManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
