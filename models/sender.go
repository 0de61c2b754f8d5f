package models

import (
	"gorm.io/gorm"
)

// SendingProfile is a sender identity attachable to sequences, with an optional
// send window and optional mailbox credentials.
type SendingProfile struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Identity
	Name          string `gorm:"not null" json:"name"`
	SenderName    string `gorm:"not null" json:"sender_name"`
	SenderTitle   string `json:"sender_title"`
	SenderCompany string `json:"sender_company"`
	SenderEmail   string `gorm:"not null" json:"sender_email"`
	SenderPhone   string `json:"sender_phone"`
	SenderWebsite string `json:"sender_website"`
	Signature     string `gorm:"type:text" json:"signature"`
	IsDefault     bool   `gorm:"default:false;index" json:"is_default"`

	// ========= Schedule Window =========
	ScheduleEnabled  bool   `gorm:"default:false" json:"schedule_enabled"`
	ScheduleDays     string `gorm:"default:'mon,tue,wed,thu,fri'" json:"schedule_days"`
	ScheduleStart    string `gorm:"default:'09:00'" json:"schedule_start"` // HH:MM
	ScheduleEnd      string `gorm:"default:'17:00'" json:"schedule_end"`   // HH:MM
	ScheduleTimezone string `gorm:"default:'UTC'" json:"schedule_timezone"`

	// ========= SMTP Configuration =========
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"` // Encrypted in application layer

	// ========= IMAP Configuration =========
	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `gorm:"default:993" json:"imap_port"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"-"` // Encrypted in application layer
	IMAPMailbox  string `gorm:"default:'INBOX'" json:"imap_mailbox"`
}

// HasSMTP reports whether the profile carries its own SMTP credentials
func (p *SendingProfile) HasSMTP() bool {
	return p.SMTPHost != "" && p.SMTPUsername != ""
}

// HasIMAP reports whether replies can be polled for this profile
func (p *SendingProfile) HasIMAP() bool {
	return p.IMAPHost != "" && p.IMAPUsername != ""
}
