package services

import (
	"fmt"
	"strings"

	"coldreach/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LeadInput carries lead fields from any entry point
type LeadInput struct {
	Email     string `json:"email" validate:"required"`
	FirstName string `json:"first_name" validate:"omitempty,max=100"`
	LastName  string `json:"last_name" validate:"omitempty,max=100"`
	Company   string `json:"company" validate:"omitempty,max=200"`
	Title     string `json:"title" validate:"omitempty,max=200"`
	Phone     string `json:"phone" validate:"omitempty,max=50"`
	Website   string `json:"website" validate:"omitempty,max=255"`
	Industry  string `json:"industry" validate:"omitempty,max=100"`
	Status    string `json:"status" validate:"omitempty,oneof=active unsubscribed bounced"`
}

// LeadUpdate is a partial update; nil fields are left unchanged
type LeadUpdate struct {
	Email     *string `json:"email"`
	FirstName *string `json:"first_name" validate:"omitempty,max=100"`
	LastName  *string `json:"last_name" validate:"omitempty,max=100"`
	Company   *string `json:"company" validate:"omitempty,max=200"`
	Title     *string `json:"title" validate:"omitempty,max=200"`
	Phone     *string `json:"phone" validate:"omitempty,max=50"`
	Website   *string `json:"website" validate:"omitempty,max=255"`
	Industry  *string `json:"industry" validate:"omitempty,max=100"`
	Status    *string `json:"status" validate:"omitempty,oneof=active unsubscribed bounced"`
}

// LeadFilter narrows lead listings
type LeadFilter struct {
	Industry string
	Company  string
	GroupID  uint
	Status   string
}

// BulkResult is the outcome of a bulk create
type BulkResult struct {
	Created int      `json:"created"`
	Errors  []string `json:"errors"`
}

type LeadService struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewLeadService(db *gorm.DB, logger *logrus.Entry) *LeadService {
	return &LeadService{DB: db, Logger: logger}
}

// buildLead validates input and produces a normalized model
func buildLead(userID uint, in LeadInput, source string) (models.Lead, error) {
	email := NormalizeEmail(in.Email)
	if err := ValidateEmail(email); err != nil {
		return models.Lead{}, err
	}
	status := in.Status
	if status == "" {
		status = models.LeadStatusActive
	}
	if !validLeadStatus(status) {
		return models.Lead{}, NewValidationError("invalid lead status '%s'", status)
	}
	return models.Lead{
		UserID:    userID,
		Email:     email,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Company:   strings.TrimSpace(in.Company),
		Title:     strings.TrimSpace(in.Title),
		Phone:     strings.TrimSpace(in.Phone),
		Website:   NormalizeWebsite(in.Website),
		Industry:  strings.TrimSpace(in.Industry),
		Status:    status,
		Source:    source,
	}, nil
}

func validLeadStatus(status string) bool {
	switch status {
	case models.LeadStatusActive, models.LeadStatusUnsubscribed, models.LeadStatusBounced:
		return true
	}
	return false
}

func emailExists(db *gorm.DB, userID uint, email string, excludeID uint) (bool, error) {
	var count int64
	q := db.Model(&models.Lead{}).Where("user_id = ? AND email = ?", userID, email)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Create inserts a lead, rejecting malformed or duplicate emails
func (s *LeadService) Create(userID uint, in LeadInput) (*models.Lead, error) {
	lead, err := buildLead(userID, in, "manual")
	if err != nil {
		return nil, err
	}

	exists, err := emailExists(s.DB, userID, lead.Email, 0)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, NewConflictError("Lead with email %s already exists", lead.Email)
	}

	if err := s.DB.Create(&lead).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, NewConflictError("Lead with email %s already exists", lead.Email)
		}
		return nil, err
	}
	return &lead, nil
}

// BulkCreate inserts each input independently; failures are reported per lead
func (s *LeadService) BulkCreate(userID uint, inputs []LeadInput) (*BulkResult, error) {
	result := &BulkResult{Errors: []string{}}
	seen := make(map[string]struct{}, len(inputs))

	for i, in := range inputs {
		lead, err := buildLead(userID, in, "bulk")
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Lead %d: %s", i+1, err.Error()))
			continue
		}
		if _, dup := seen[lead.Email]; dup {
			result.Errors = append(result.Errors, fmt.Sprintf("Lead %d: duplicate email %s in request", i+1, lead.Email))
			continue
		}
		seen[lead.Email] = struct{}{}

		exists, err := emailExists(s.DB, userID, lead.Email, 0)
		if err != nil {
			return nil, err
		}
		if exists {
			result.Errors = append(result.Errors, fmt.Sprintf("Lead %d: email %s already exists", i+1, lead.Email))
			continue
		}
		if err := s.DB.Create(&lead).Error; err != nil {
			if isDuplicateKey(err) {
				result.Errors = append(result.Errors, fmt.Sprintf("Lead %d: email %s already exists", i+1, lead.Email))
				continue
			}
			return nil, err
		}
		result.Created++
	}

	s.Logger.WithFields(logrus.Fields{
		"user_id": userID,
		"created": result.Created,
		"errors":  len(result.Errors),
	}).Info("Bulk lead create finished")
	return result, nil
}

// Get loads a lead owned by the user
func (s *LeadService) Get(userID, id uint) (*models.Lead, error) {
	var lead models.Lead
	if err := s.DB.Where("id = ? AND user_id = ?", id, userID).First(&lead).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, NewNotFoundError("Lead", id)
		}
		return nil, err
	}
	return &lead, nil
}

// Update applies a partial update, re-checking email uniqueness when it changes
func (s *LeadService) Update(userID, id uint, in LeadUpdate) (*models.Lead, error) {
	lead, err := s.Get(userID, id)
	if err != nil {
		return nil, err
	}

	if in.Email != nil {
		email := NormalizeEmail(*in.Email)
		if err := ValidateEmail(email); err != nil {
			return nil, err
		}
		if email != lead.Email {
			exists, err := emailExists(s.DB, userID, email, lead.ID)
			if err != nil {
				return nil, err
			}
			if exists {
				return nil, NewConflictError("Lead with email %s already exists", email)
			}
			lead.Email = email
		}
	}
	if in.FirstName != nil {
		lead.FirstName = strings.TrimSpace(*in.FirstName)
	}
	if in.LastName != nil {
		lead.LastName = strings.TrimSpace(*in.LastName)
	}
	if in.Company != nil {
		lead.Company = strings.TrimSpace(*in.Company)
	}
	if in.Title != nil {
		lead.Title = strings.TrimSpace(*in.Title)
	}
	if in.Phone != nil {
		lead.Phone = strings.TrimSpace(*in.Phone)
	}
	if in.Website != nil {
		lead.Website = NormalizeWebsite(*in.Website)
	}
	if in.Industry != nil {
		lead.Industry = strings.TrimSpace(*in.Industry)
	}
	if in.Status != nil {
		if !validLeadStatus(*in.Status) {
			return nil, NewValidationError("invalid lead status '%s'", *in.Status)
		}
		lead.Status = *in.Status
	}

	if err := s.DB.Save(lead).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, NewConflictError("Lead with email %s already exists", lead.Email)
		}
		return nil, err
	}
	return lead, nil
}

// Delete removes a lead and its memberships. Leads with an open enrollment are kept.
func (s *LeadService) Delete(userID, id uint) error {
	lead, err := s.Get(userID, id)
	if err != nil {
		return err
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.Enrollment{}).
			Where("lead_id = ? AND ended_at IS NULL", lead.ID).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return NewConflictError("Lead %d is enrolled in %d active campaign(s); remove it from those campaigns first", lead.ID, open)
		}

		// Terminal enrollment history goes with the lead
		var enrollmentIDs []uint
		if err := tx.Model(&models.Enrollment{}).Where("lead_id = ?", lead.ID).Pluck("id", &enrollmentIDs).Error; err != nil {
			return err
		}
		if len(enrollmentIDs) > 0 {
			if err := tx.Unscoped().Where("enrollment_id IN ?", enrollmentIDs).Delete(&models.EmailReply{}).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Where("enrollment_id IN ?", enrollmentIDs).Delete(&models.SequenceEmail{}).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Where("id IN ?", enrollmentIDs).Delete(&models.Enrollment{}).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("lead_id = ?", lead.ID).Delete(&models.LeadGroupMembership{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(lead).Error
	})
}

// List returns a filtered page of leads
func (s *LeadService) List(userID uint, filter LeadFilter, req PageRequest) (Page[models.Lead], error) {
	req = req.Normalize()

	query := s.DB.Model(&models.Lead{}).Where("leads.user_id = ?", userID)
	if filter.Industry != "" {
		query = query.Where("leads.industry = ?", filter.Industry)
	}
	if filter.Company != "" {
		query = query.Where("LOWER(leads.company) LIKE ?", "%"+strings.ToLower(filter.Company)+"%")
	}
	if filter.Status != "" {
		query = query.Where("leads.status = ?", filter.Status)
	}
	if filter.GroupID != 0 {
		query = query.Joins("JOIN lead_group_memberships ON lead_group_memberships.lead_id = leads.id").
			Where("lead_group_memberships.lead_group_id = ?", filter.GroupID)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return Page[models.Lead]{}, err
	}

	var leads []models.Lead
	if err := query.Order("leads.created_at DESC, leads.id DESC").
		Offset(req.Offset()).Limit(req.PerPage).
		Find(&leads).Error; err != nil {
		return Page[models.Lead]{}, err
	}
	return NewPage(leads, total, req), nil
}

// Industries lists the distinct non-empty industries for filter dropdowns
func (s *LeadService) Industries(userID uint) ([]string, error) {
	var industries []string
	err := s.DB.Model(&models.Lead{}).
		Where("user_id = ? AND industry <> ''", userID).
		Distinct().Order("industry").
		Pluck("industry", &industries).Error
	return industries, err
}
