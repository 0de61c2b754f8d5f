package models

import (
	"gorm.io/gorm"
)

// User represents an operator account. Every other aggregate is scoped by UserID.
type User struct {
	gorm.Model

	Email        string  `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string  `gorm:"not null" json:"-"`
	Name         *string `json:"name,omitempty"`
	Timezone     string  `gorm:"default:'UTC'" json:"timezone"`

	IsActive     bool `gorm:"default:true" json:"is_active"`
	TokenVersion int  `gorm:"default:0" json:"-"`

	// Relations
	Leads           []Lead           `gorm:"foreignKey:UserID" json:"leads,omitempty"`
	Sequences       []Sequence       `gorm:"foreignKey:UserID" json:"sequences,omitempty"`
	SendingProfiles []SendingProfile `gorm:"foreignKey:UserID" json:"sending_profiles,omitempty"`
}
