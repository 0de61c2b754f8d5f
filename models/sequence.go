package models

import "gorm.io/gorm"

const (
	SequenceStatusDraft     = "draft"
	SequenceStatusActive    = "active"
	SequenceStatusPaused    = "paused"
	SequenceStatusCompleted = "completed"
	SequenceStatusArchived  = "archived"
)

// Sequence represents a multi-step outreach campaign
type Sequence struct {
	gorm.Model
	UserID           uint  `gorm:"not null;index" json:"user_id"`
	SendingProfileID *uint `gorm:"index" json:"sending_profile_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft';index" json:"status"` // draft, active, paused, completed, archived

	// Settings
	DailyLimit int `gorm:"default:30" json:"daily_limit"`

	// Relations
	Steps          []SequenceStep  `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
	SendingProfile *SendingProfile `gorm:"foreignKey:SendingProfileID" json:"sending_profile,omitempty"`
}

// SequenceStep is one email within a sequence. StepNumber is 1-based and contiguous.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	StepNumber int    `gorm:"not null" json:"step_number"`
	Name       string `gorm:"not null" json:"name"`
	Subject    string `json:"subject"`
	Template   string `gorm:"type:text" json:"template"`
	AIPrompt   string `gorm:"type:text" json:"ai_prompt"`

	// Delay measured from the previous send, or from enrollment for step 1
	DelayDays  int `gorm:"default:0" json:"delay_days"`
	DelayHours int `gorm:"default:0" json:"delay_hours"`

	IncludePreviousEmails bool `gorm:"default:false" json:"include_previous_emails"`
}
