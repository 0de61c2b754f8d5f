package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	EnrollmentStatusActive    = "active"
	EnrollmentStatusSending   = "sending" // claimed by a dispatch sweep
	EnrollmentStatusCompleted = "completed"
	EnrollmentStatusStopped   = "stopped"
	EnrollmentStatusReplied   = "replied"
)

const (
	StopReasonManuallyRemoved = "manually_removed"
	StopReasonReplied         = "replied"
	StopReasonSendUnrecorded  = "send_unrecorded"
)

const (
	SequenceEmailSent   = "sent"
	SequenceEmailFailed = "failed"
)

// Enrollment tracks one lead's progress through one sequence.
// EndedAt is set on every terminal transition; the partial unique index keeps
// at most one open enrollment per lead and sequence.
type Enrollment struct {
	gorm.Model
	UserID     uint `gorm:"not null;index" json:"user_id"`
	LeadID     uint `gorm:"not null;uniqueIndex:idx_enrollment_open,where:ended_at IS NULL;index" json:"lead_id"`
	SequenceID uint `gorm:"not null;uniqueIndex:idx_enrollment_open,where:ended_at IS NULL;index" json:"sequence_id"`

	CurrentStep int    `gorm:"not null;default:1" json:"current_step"`
	Status      string `gorm:"not null;default:'active';index" json:"status"`

	StartedAt   time.Time  `gorm:"not null" json:"started_at"`
	NextSendAt  *time.Time `gorm:"index" json:"next_send_at"`
	LastSentAt  *time.Time `json:"last_sent_at"`
	CompletedAt *time.Time `json:"completed_at"`
	EndedAt     *time.Time `json:"ended_at"`
	ClaimedAt   *time.Time `json:"-"`

	// Failure bookkeeping
	Attempts   int    `gorm:"default:0" json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`

	// Relations
	Lead     *Lead           `gorm:"foreignKey:LeadID" json:"lead,omitempty"`
	Sequence *Sequence       `gorm:"foreignKey:SequenceID" json:"-"`
	Emails   []SequenceEmail `gorm:"foreignKey:EnrollmentID" json:"emails,omitempty"`
}

// IsTerminal reports whether no further steps will be sent.
func (e *Enrollment) IsTerminal() bool {
	switch e.Status {
	case EnrollmentStatusCompleted, EnrollmentStatusStopped, EnrollmentStatusReplied:
		return true
	}
	return false
}

// SequenceEmail records one send attempt for a step
type SequenceEmail struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	SequenceID   uint `gorm:"not null;index" json:"sequence_id"`
	StepID       uint `gorm:"not null;index" json:"step_id"`
	StepNumber   int  `gorm:"not null" json:"step_number"`

	ToEmail    string `json:"to_email"`
	Subject    string `json:"subject"`
	Body       string `gorm:"type:text" json:"body"`
	TrackingID string `gorm:"not null;uniqueIndex" json:"tracking_id"`
	MessageID  string `gorm:"index" json:"message_id"`

	Status string     `gorm:"not null;index" json:"status"` // sent, failed
	Error  string     `json:"error,omitempty"`
	SentAt *time.Time `json:"sent_at"`

	// Tracking
	Opens     int        `gorm:"default:0" json:"opens"`
	Clicks    int        `gorm:"default:0" json:"clicks"`
	OpenedAt  *time.Time `json:"opened_at"`
	ClickedAt *time.Time `json:"clicked_at"`
}

// EmailReply is an inbound reply matched to an enrollment
type EmailReply struct {
	gorm.Model
	EnrollmentID    uint  `gorm:"not null;index" json:"enrollment_id"`
	SequenceEmailID *uint `gorm:"index" json:"sequence_email_id"`

	MessageID  *string   `gorm:"uniqueIndex" json:"message_id"`
	FromEmail  string    `gorm:"not null" json:"from_email"`
	Subject    string    `json:"subject"`
	Snippet    string    `gorm:"type:text" json:"snippet"`
	ReceivedAt time.Time `json:"received_at"`
}
