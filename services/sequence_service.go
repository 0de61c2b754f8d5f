package services

import (
	"fmt"
	"sort"
	"strings"

	"coldreach/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StepInput struct {
	StepNumber            int    `json:"step_number"`
	Name                  string `json:"name" validate:"omitempty,max=200"`
	Subject               string `json:"subject" validate:"omitempty,max=255"`
	Template              string `json:"template"`
	AIPrompt              string `json:"ai_prompt"`
	DelayDays             int    `json:"delay_days" validate:"gte=0"`
	DelayHours            int    `json:"delay_hours" validate:"gte=0"`
	IncludePreviousEmails bool   `json:"include_previous_emails"`
}

type StepUpdate struct {
	Name                  *string `json:"name" validate:"omitempty,max=200"`
	Subject               *string `json:"subject" validate:"omitempty,max=255"`
	Template              *string `json:"template"`
	AIPrompt              *string `json:"ai_prompt"`
	DelayDays             *int    `json:"delay_days" validate:"omitempty,gte=0"`
	DelayHours            *int    `json:"delay_hours" validate:"omitempty,gte=0"`
	IncludePreviousEmails *bool   `json:"include_previous_emails"`
}

type SequenceInput struct {
	Name             string      `json:"name" validate:"required,max=200"`
	Description      string      `json:"description" validate:"omitempty,max=1000"`
	SendingProfileID *uint       `json:"sending_profile_id"`
	DailyLimit       int         `json:"daily_limit" validate:"omitempty,gte=1,lte=1000"`
	Steps            []StepInput `json:"steps" validate:"required,min=1,dive"`
}

// SequenceUpdate edits sequence metadata. A sending_profile_id of 0 unlinks the profile.
type SequenceUpdate struct {
	Name             *string `json:"name" validate:"omitempty,max=200"`
	Description      *string `json:"description" validate:"omitempty,max=1000"`
	SendingProfileID *uint   `json:"sending_profile_id"`
	DailyLimit       *int    `json:"daily_limit" validate:"omitempty,gte=1,lte=1000"`
}

// SequenceFilter narrows sequence listings. Archived sequences are hidden unless asked for.
type SequenceFilter struct {
	Status          string
	IncludeArchived bool
}

// SequenceListItem is a sequence row with its rollup
type SequenceListItem struct {
	models.Sequence
	StepCount int              `json:"step_count"`
	Summary   *CampaignSummary `json:"summary"`
}

type SequenceService struct {
	DB       *gorm.DB
	Logger   *logrus.Entry
	Progress *ProgressService
}

func NewSequenceService(db *gorm.DB, logger *logrus.Entry, progress *ProgressService) *SequenceService {
	return &SequenceService{DB: db, Logger: logger, Progress: progress}
}

func validateStep(in StepInput, position int) (models.SequenceStep, error) {
	if in.DelayDays < 0 || in.DelayHours < 0 {
		return models.SequenceStep{}, NewValidationError("Step %d: delays must not be negative", position)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = fmt.Sprintf("Step %d", position)
	}
	return models.SequenceStep{
		StepNumber:            position,
		Name:                  name,
		Subject:               strings.TrimSpace(in.Subject),
		Template:              in.Template,
		AIPrompt:              in.AIPrompt,
		DelayDays:             in.DelayDays,
		DelayHours:            in.DelayHours,
		IncludePreviousEmails: in.IncludePreviousEmails,
	}, nil
}

func (s *SequenceService) checkProfile(db *gorm.DB, userID uint, id *uint) error {
	if id == nil || *id == 0 {
		return nil
	}
	_, err := findProfile(db, userID, *id)
	return err
}

// Create stores a sequence with its steps numbered 1..N in the order given
func (s *SequenceService) Create(userID uint, in SequenceInput) (*models.Sequence, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, NewValidationError("name is required")
	}
	if len(in.Steps) == 0 {
		return nil, NewValidationError("A campaign needs at least one step")
	}

	steps := make([]models.SequenceStep, 0, len(in.Steps))
	for i, si := range in.Steps {
		step, err := validateStep(si, i+1)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := s.checkProfile(s.DB, userID, in.SendingProfileID); err != nil {
		return nil, err
	}

	seq := models.Sequence{
		UserID:      userID,
		Name:        name,
		Description: in.Description,
		Status:      models.SequenceStatusDraft,
		DailyLimit:  in.DailyLimit,
		Steps:       steps,
	}
	if in.SendingProfileID != nil && *in.SendingProfileID != 0 {
		seq.SendingProfileID = in.SendingProfileID
	}
	if seq.DailyLimit == 0 {
		seq.DailyLimit = 30
	}

	if err := s.DB.Create(&seq).Error; err != nil {
		return nil, err
	}
	return s.Get(userID, seq.ID)
}

func findSequence(db *gorm.DB, userID, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	if err := db.Where("id = ? AND user_id = ?", id, userID).First(&seq).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, NewNotFoundError("Campaign", id)
		}
		return nil, err
	}
	return &seq, nil
}

// lockSequence loads the sequence row for update inside a transaction
func lockSequence(tx *gorm.DB, userID, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND user_id = ?", id, userID).First(&seq).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, NewNotFoundError("Campaign", id)
		}
		return nil, err
	}
	return &seq, nil
}

func loadSteps(db *gorm.DB, sequenceID uint) ([]models.SequenceStep, error) {
	var steps []models.SequenceStep
	err := db.Where("sequence_id = ?", sequenceID).Order("step_number, id").Find(&steps).Error
	return steps, err
}

// Get loads a sequence with ordered steps and its profile
func (s *SequenceService) Get(userID, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.DB.
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number, id") }).
		Preload("SendingProfile").
		Where("id = ? AND user_id = ?", id, userID).
		First(&seq).Error
	if err != nil {
		if isRecordNotFound(err) {
			return nil, NewNotFoundError("Campaign", id)
		}
		return nil, err
	}
	return &seq, nil
}

// List pages through sequences, newest first, each with its summary
func (s *SequenceService) List(userID uint, filter SequenceFilter, req PageRequest) (Page[SequenceListItem], error) {
	req = req.Normalize()

	query := s.DB.Model(&models.Sequence{}).Where("user_id = ?", userID)
	switch {
	case filter.Status != "":
		query = query.Where("status = ?", filter.Status)
	case !filter.IncludeArchived:
		query = query.Where("status <> ?", models.SequenceStatusArchived)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return Page[SequenceListItem]{}, err
	}

	var seqs []models.Sequence
	if err := query.Order("created_at DESC, id DESC").
		Offset(req.Offset()).Limit(req.PerPage).
		Find(&seqs).Error; err != nil {
		return Page[SequenceListItem]{}, err
	}

	items := make([]SequenceListItem, 0, len(seqs))
	for _, seq := range seqs {
		var stepCount int64
		if err := s.DB.Model(&models.SequenceStep{}).Where("sequence_id = ?", seq.ID).Count(&stepCount).Error; err != nil {
			return Page[SequenceListItem]{}, err
		}
		summary, err := s.Progress.summaryFor(seq.ID)
		if err != nil {
			return Page[SequenceListItem]{}, err
		}
		items = append(items, SequenceListItem{Sequence: seq, StepCount: int(stepCount), Summary: summary})
	}
	return NewPage(items, total, req), nil
}

func (s *SequenceService) Update(userID, id uint, in SequenceUpdate) (*models.Sequence, error) {
	seq, err := findSequence(s.DB, userID, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, NewValidationError("name is required")
		}
		updates["name"] = name
	}
	if in.Description != nil {
		updates["description"] = *in.Description
	}
	if in.DailyLimit != nil {
		if *in.DailyLimit < 1 {
			return nil, NewValidationError("daily_limit must be at least 1")
		}
		updates["daily_limit"] = *in.DailyLimit
	}
	if in.SendingProfileID != nil {
		if *in.SendingProfileID == 0 {
			updates["sending_profile_id"] = nil
		} else {
			if err := s.checkProfile(s.DB, userID, in.SendingProfileID); err != nil {
				return nil, err
			}
			updates["sending_profile_id"] = *in.SendingProfileID
		}
	}
	if len(updates) > 0 {
		if err := s.DB.Model(seq).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return s.Get(userID, id)
}

// Delete removes a sequence with its steps and history. Blocked while enrollments are open.
func (s *SequenceService) Delete(userID, id uint) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		seq, err := lockSequence(tx, userID, id)
		if err != nil {
			return err
		}
		var open int64
		if err := tx.Model(&models.Enrollment{}).
			Where("sequence_id = ? AND ended_at IS NULL", seq.ID).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return NewConflictError("Cannot delete campaign with %d active lead(s); remove them or complete the campaign first", open)
		}

		var enrollmentIDs []uint
		if err := tx.Model(&models.Enrollment{}).Where("sequence_id = ?", seq.ID).Pluck("id", &enrollmentIDs).Error; err != nil {
			return err
		}
		if len(enrollmentIDs) > 0 {
			if err := tx.Unscoped().Where("enrollment_id IN ?", enrollmentIDs).Delete(&models.EmailReply{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Unscoped().Where("sequence_id = ?", seq.ID).Delete(&models.SequenceEmail{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("sequence_id = ?", seq.ID).Delete(&models.Enrollment{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("sequence_id = ?", seq.ID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(seq).Error
	})
}

// renumber writes step_number 1..N following the given order
func renumber(tx *gorm.DB, steps []models.SequenceStep) error {
	for i := range steps {
		want := i + 1
		if steps[i].StepNumber == want {
			continue
		}
		if err := tx.Model(&models.SequenceStep{}).
			Where("id = ?", steps[i].ID).
			Update("step_number", want).Error; err != nil {
			return err
		}
		steps[i].StepNumber = want
	}
	return nil
}

var openStatuses = []string{models.EnrollmentStatusActive, models.EnrollmentStatusSending}

// shiftOpenEnrollments moves the position of open enrollments past step `after` by delta,
// so each keeps pointing at the step it was going to send next
func shiftOpenEnrollments(tx *gorm.DB, sequenceID uint, after, delta int) error {
	return tx.Model(&models.Enrollment{}).
		Where("sequence_id = ? AND status IN ? AND current_step > ?", sequenceID, openStatuses, after).
		Update("current_step", gorm.Expr("current_step + ?", delta)).Error
}

// AddStep inserts a step at position (1-based); 0 or out of range appends.
// Leads already past the position keep their place; a lead about to send the step
// at the position receives the new step first.
func (s *SequenceService) AddStep(userID, sequenceID uint, in StepInput, position int) (*models.Sequence, error) {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		seq, err := lockSequence(tx, userID, sequenceID)
		if err != nil {
			return err
		}
		steps, err := loadSteps(tx, seq.ID)
		if err != nil {
			return err
		}
		if position < 1 || position > len(steps)+1 {
			position = len(steps) + 1
		}

		step, err := validateStep(in, position)
		if err != nil {
			return err
		}
		step.SequenceID = seq.ID
		if err := tx.Create(&step).Error; err != nil {
			return err
		}

		ordered := make([]models.SequenceStep, 0, len(steps)+1)
		ordered = append(ordered, steps[:position-1]...)
		ordered = append(ordered, step)
		ordered = append(ordered, steps[position-1:]...)
		if err := renumber(tx, ordered); err != nil {
			return err
		}
		return shiftOpenEnrollments(tx, seq.ID, position, 1)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(userID, sequenceID)
}

// RemoveStep deletes a step and closes the gap. The last remaining step cannot be removed.
func (s *SequenceService) RemoveStep(userID, sequenceID, stepID uint) (*models.Sequence, error) {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		seq, err := lockSequence(tx, userID, sequenceID)
		if err != nil {
			return err
		}
		steps, err := loadSteps(tx, seq.ID)
		if err != nil {
			return err
		}

		idx := -1
		for i := range steps {
			if steps[i].ID == stepID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return NewNotFoundError("Step", stepID)
		}
		if len(steps) == 1 {
			return NewValidationError("A campaign must keep at least one step")
		}

		if err := tx.Unscoped().Delete(&models.SequenceStep{}, steps[idx].ID).Error; err != nil {
			return err
		}
		remaining := append(steps[:idx:idx], steps[idx+1:]...)
		if err := renumber(tx, remaining); err != nil {
			return err
		}
		return shiftOpenEnrollments(tx, seq.ID, idx+1, -1)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(userID, sequenceID)
}

// checkReorder rejects an order that would move a step an open enrollment has already sent
// (or is sending) behind its position, or an unsent step in front of it
func checkReorder(tx *gorm.DB, sequenceID uint, before, after []models.SequenceStep) error {
	type position struct {
		CurrentStep int
		Status      string
	}
	var open []position
	if err := tx.Model(&models.Enrollment{}).
		Select("DISTINCT current_step, status").
		Where("sequence_id = ? AND status IN ?", sequenceID, openStatuses).
		Scan(&open).Error; err != nil {
		return err
	}
	for _, p := range open {
		done := p.CurrentStep - 1
		if p.Status == models.EnrollmentStatusSending {
			done++
		}
		if done > len(before) {
			done = len(before)
		}
		if done <= 0 {
			continue
		}
		delivered := make(map[uint]bool, done)
		for _, st := range before[:done] {
			delivered[st.ID] = true
		}
		for _, st := range after[:done] {
			if !delivered[st.ID] {
				return NewConflictError("Leads in this campaign have already received step %d; only steps after it can be reordered", done)
			}
		}
	}
	return nil
}

// ReorderSteps assigns positions following stepIDs, which must list every step exactly once.
// Steps that enrolled leads have already received must stay ahead of the unsent ones.
func (s *SequenceService) ReorderSteps(userID, sequenceID uint, stepIDs []uint) (*models.Sequence, error) {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		seq, err := lockSequence(tx, userID, sequenceID)
		if err != nil {
			return err
		}
		steps, err := loadSteps(tx, seq.ID)
		if err != nil {
			return err
		}
		if len(stepIDs) != len(steps) || len(uniqueIDs(stepIDs)) != len(stepIDs) {
			return NewValidationError("step_ids must list each of the campaign's %d steps exactly once", len(steps))
		}

		byID := make(map[uint]models.SequenceStep, len(steps))
		for _, st := range steps {
			byID[st.ID] = st
		}
		ordered := make([]models.SequenceStep, 0, len(steps))
		for _, id := range stepIDs {
			st, ok := byID[id]
			if !ok {
				return NewValidationError("step %d does not belong to this campaign", id)
			}
			ordered = append(ordered, st)
		}
		if err := checkReorder(tx, seq.ID, steps, ordered); err != nil {
			return err
		}
		return renumber(tx, ordered)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(userID, sequenceID)
}

// UpdateStep edits a step's content and delays without moving it
func (s *SequenceService) UpdateStep(userID, sequenceID, stepID uint, in StepUpdate) (*models.SequenceStep, error) {
	if _, err := findSequence(s.DB, userID, sequenceID); err != nil {
		return nil, err
	}
	var step models.SequenceStep
	if err := s.DB.Where("id = ? AND sequence_id = ?", stepID, sequenceID).First(&step).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, NewNotFoundError("Step", stepID)
		}
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, NewValidationError("step name must not be empty")
		}
		updates["name"] = name
	}
	if in.Subject != nil {
		updates["subject"] = strings.TrimSpace(*in.Subject)
	}
	if in.Template != nil {
		updates["template"] = *in.Template
	}
	if in.AIPrompt != nil {
		updates["ai_prompt"] = *in.AIPrompt
	}
	if in.DelayDays != nil {
		if *in.DelayDays < 0 {
			return nil, NewValidationError("delay_days must not be negative")
		}
		updates["delay_days"] = *in.DelayDays
	}
	if in.DelayHours != nil {
		if *in.DelayHours < 0 {
			return nil, NewValidationError("delay_hours must not be negative")
		}
		updates["delay_hours"] = *in.DelayHours
	}
	if in.IncludePreviousEmails != nil {
		updates["include_previous_emails"] = *in.IncludePreviousEmails
	}
	if len(updates) > 0 {
		if err := s.DB.Model(&step).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	if err := s.DB.First(&step, step.ID).Error; err != nil {
		return nil, err
	}
	return &step, nil
}

// StepNumbers returns the sorted step numbers of a sequence
func StepNumbers(steps []models.SequenceStep) []int {
	out := make([]int, len(steps))
	for i, st := range steps {
		out[i] = st.StepNumber
	}
	sort.Ints(out)
	return out
}

// status transitions

const (
	ActionActivate   = "activate"
	ActionPause      = "pause"
	ActionUnpause    = "unpause"
	ActionComplete   = "complete"
	ActionArchive    = "archive"
	ActionReactivate = "reactivate"
)

type transition struct {
	from []string
	to   string
}

var sequenceTransitions = map[string]transition{
	ActionActivate:   {from: []string{models.SequenceStatusDraft}, to: models.SequenceStatusActive},
	ActionPause:      {from: []string{models.SequenceStatusActive}, to: models.SequenceStatusPaused},
	ActionUnpause:    {from: []string{models.SequenceStatusPaused}, to: models.SequenceStatusActive},
	ActionComplete:   {from: []string{models.SequenceStatusActive, models.SequenceStatusPaused}, to: models.SequenceStatusCompleted},
	ActionArchive:    {from: []string{models.SequenceStatusDraft, models.SequenceStatusActive, models.SequenceStatusPaused, models.SequenceStatusCompleted}, to: models.SequenceStatusArchived},
	ActionReactivate: {from: []string{models.SequenceStatusArchived, models.SequenceStatusCompleted}, to: models.SequenceStatusActive},
}

// Transition applies a named status action: activate, pause, unpause, complete, archive, reactivate.
// Completing a sequence stops its open enrollments.
func (s *SequenceService) Transition(userID, id uint, action string) (*models.Sequence, error) {
	t, ok := sequenceTransitions[action]
	if !ok {
		return nil, NewValidationError("Unknown campaign action '%s'", action)
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		seq, err := lockSequence(tx, userID, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, f := range t.from {
			if seq.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return NewConflictError("Cannot %s a campaign that is %s", action, seq.Status)
		}
		if err := tx.Model(seq).Update("status", t.to).Error; err != nil {
			return err
		}
		if action == ActionComplete {
			now := systemClock()
			if err := tx.Model(&models.Enrollment{}).
				Where("sequence_id = ? AND ended_at IS NULL", seq.ID).
				Updates(map[string]interface{}{
					"status":       models.EnrollmentStatusStopped,
					"stop_reason":  "campaign_completed",
					"next_send_at": nil,
					"ended_at":     now,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{"sequence_id": id, "action": action}).Info("Campaign status changed")
	return s.Get(userID, id)
}
