package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	LeadStatusActive       = "active"
	LeadStatusUnsubscribed = "unsubscribed"
	LeadStatusBounced      = "bounced"
)

// Lead represents a single contact. Email is stored lowercased and is unique per user.
type Lead struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex:idx_lead_user_email" json:"user_id"`

	Email     string `gorm:"not null;uniqueIndex:idx_lead_user_email" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `gorm:"index" json:"company"`
	Title     string `json:"title"`
	Phone     string `json:"phone"`
	Website   string `json:"website"`
	Industry  string `gorm:"index" json:"industry"`

	Status      string     `gorm:"default:'active'" json:"status"` // active, unsubscribed, bounced
	LastContact *time.Time `json:"last_contact"`
	Source      string     `json:"source"` // manual, csv, bulk

	// Relations
	Memberships []LeadGroupMembership `gorm:"foreignKey:LeadID" json:"-"`
}

// FullName joins first and last name, skipping empty parts.
func (l *Lead) FullName() string {
	switch {
	case l.FirstName != "" && l.LastName != "":
		return l.FirstName + " " + l.LastName
	case l.FirstName != "":
		return l.FirstName
	default:
		return l.LastName
	}
}

// LeadGroup is a named collection of leads. LeadCount is computed on read.
type LeadGroup struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex:idx_group_user_name" json:"user_id"`

	Name        string `gorm:"not null;uniqueIndex:idx_group_user_name" json:"name"`
	Description string `json:"description"`
	Color       string `gorm:"default:'#3B82F6'" json:"color"`

	LeadCount int64 `gorm:"-" json:"lead_count"`

	Memberships []LeadGroupMembership `gorm:"foreignKey:LeadGroupID" json:"-"`
}

// LeadGroupMembership joins leads to groups
type LeadGroupMembership struct {
	LeadID      uint      `gorm:"primaryKey" json:"lead_id"`
	LeadGroupID uint      `gorm:"primaryKey" json:"lead_group_id"`
	CreatedAt   time.Time `json:"created_at"`
}
