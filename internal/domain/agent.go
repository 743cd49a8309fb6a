package domain

import (
	"time"
)

// VoiceAgent is the dashboard-managed configuration of one conversational
// voice agent: which voice-API agent answers, which caller id the telephony
// leg dials from, and the conversation settings shown in the agent form.
type VoiceAgent struct {
	ID            string    `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Name          string    `json:"name" gorm:"type:varchar(255);not null"`
	VoiceAPIAgent string    `json:"voice_api_agent_id" gorm:"column:voice_api_agent_id;type:varchar(128);not null;index"`
	CallerNumber  string    `json:"caller_number" gorm:"type:varchar(32);not null"`
	Language      string    `json:"language" gorm:"type:varchar(16);default:'en'"`
	FirstMessage  *string   `json:"first_message,omitempty" gorm:"type:text"`
	SystemPrompt  *string   `json:"system_prompt,omitempty" gorm:"type:text"`
	Disabled      bool      `json:"disabled" gorm:"default:false"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for VoiceAgent
func (VoiceAgent) TableName() string {
	return "voice_agents"
}

// CreateVoiceAgentRequest represents the request to create a new voice agent
type CreateVoiceAgentRequest struct {
	Name          string  `json:"name" validate:"required"`
	VoiceAPIAgent string  `json:"voice_api_agent_id" validate:"required"`
	CallerNumber  string  `json:"caller_number" validate:"required"`
	Language      string  `json:"language,omitempty"`
	FirstMessage  *string `json:"first_message,omitempty"`
	SystemPrompt  *string `json:"system_prompt,omitempty"`
}

// UpdateVoiceAgentRequest represents the request to update a voice agent.
// Nil fields are left untouched.
type UpdateVoiceAgentRequest struct {
	Name          *string `json:"name,omitempty"`
	VoiceAPIAgent *string `json:"voice_api_agent_id,omitempty"`
	CallerNumber  *string `json:"caller_number,omitempty"`
	Language      *string `json:"language,omitempty"`
	FirstMessage  *string `json:"first_message,omitempty"`
	SystemPrompt  *string `json:"system_prompt,omitempty"`
	Disabled      *bool   `json:"disabled,omitempty"`
}
