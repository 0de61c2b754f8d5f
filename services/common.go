package services

import (
	"errors"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"gorm.io/gorm"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Clock returns the current time. Services store UTC.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

// PageRequest is a 1-based page selector
type PageRequest struct {
	Page    int
	PerPage int
}

// Normalize clamps page to >= 1 and per_page to [1, MaxPerPage]
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}

func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// Page is the paginated listing shape returned by every list endpoint
type Page[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

// NewPage builds page metadata; total_pages is ceil(total/per_page)
func NewPage[T any](items []T, total int64, req PageRequest) Page[T] {
	if items == nil {
		items = []T{}
	}
	totalPages := 0
	if req.PerPage > 0 {
		totalPages = int((total + int64(req.PerPage) - 1) / int64(req.PerPage))
	}
	return Page[T]{
		Items:      items,
		Total:      total,
		Page:       req.Page,
		PerPage:    req.PerPage,
		TotalPages: totalPages,
		HasNext:    req.Page < totalPages,
		HasPrev:    req.Page > 1,
	}
}

// NormalizeEmail trims and lowercases an address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks address syntax
func ValidateEmail(email string) error {
	if email == "" {
		return NewValidationError("email is required")
	}
	if err := checkmail.ValidateFormat(email); err != nil {
		return NewValidationError("invalid email '%s'", email)
	}
	return nil
}

// NormalizeWebsite prefixes https:// when the value has no scheme
func NormalizeWebsite(website string) string {
	website = strings.TrimSpace(website)
	if website == "" {
		return ""
	}
	lower := strings.ToLower(website)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return website
	}
	return "https://" + website
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
