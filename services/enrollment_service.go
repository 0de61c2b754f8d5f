package services

import (
	"strings"
	"time"

	"coldreach/metrics"
	"coldreach/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EnrollRequest selects leads directly or through their groups
type EnrollRequest struct {
	LeadIDs  []uint `json:"lead_ids"`
	GroupIDs []uint `json:"group_ids"`
}

// EnrollResult reports per-lead outcomes of a bulk enrollment
type EnrollResult struct {
	Enrolled       int      `json:"enrolled"`
	Skipped        int      `json:"skipped"`
	Errors         []string `json:"errors"`
	SequenceStatus string   `json:"sequence_status"`
}

// InboundReply is a message received on a sending profile's mailbox
type InboundReply struct {
	FromEmail  string
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	Snippet    string
	ReceivedAt time.Time
}

type EnrollmentService struct {
	DB     *gorm.DB
	Logger *logrus.Entry
	Now    Clock
}

func NewEnrollmentService(db *gorm.DB, logger *logrus.Entry) *EnrollmentService {
	return &EnrollmentService{DB: db, Logger: logger, Now: systemClock}
}

func (s *EnrollmentService) now() time.Time {
	if s.Now == nil {
		return systemClock()
	}
	return s.Now().UTC()
}

// StepDelay is the wait before a step, measured from the previous send or from enrollment for step 1
func StepDelay(step models.SequenceStep) time.Duration {
	return time.Duration(step.DelayDays)*24*time.Hour + time.Duration(step.DelayHours)*time.Hour
}

func openEnrollmentLeadIDs(db *gorm.DB, sequenceID uint, leadIDs []uint) (map[uint]bool, error) {
	var ids []uint
	if err := db.Model(&models.Enrollment{}).
		Where("sequence_id = ? AND lead_id IN ? AND ended_at IS NULL", sequenceID, leadIDs).
		Pluck("lead_id", &ids).Error; err != nil {
		return nil, err
	}
	open := make(map[uint]bool, len(ids))
	for _, id := range ids {
		open[id] = true
	}
	return open, nil
}

// enrollLocked creates enrollments for leads inside a transaction holding the sequence lock.
// Leads with an open enrollment come back as ConflictError entries.
func (s *EnrollmentService) enrollLocked(tx *gorm.DB, seq *models.Sequence, leadIDs []uint, now time.Time) ([]models.Enrollment, map[uint]error, error) {
	if seq.Status == models.SequenceStatusArchived {
		return nil, nil, NewConflictError("Cannot enroll leads into an archived campaign")
	}
	steps, err := loadSteps(tx, seq.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(steps) == 0 {
		return nil, nil, NewValidationError("Campaign has no steps")
	}

	var leads []models.Lead
	if err := tx.Where("user_id = ? AND id IN ?", seq.UserID, leadIDs).Find(&leads).Error; err != nil {
		return nil, nil, err
	}
	byID := make(map[uint]*models.Lead, len(leads))
	for i := range leads {
		byID[leads[i].ID] = &leads[i]
	}
	open, err := openEnrollmentLeadIDs(tx, seq.ID, leadIDs)
	if err != nil {
		return nil, nil, err
	}

	next := now.Add(StepDelay(steps[0]))
	failures := make(map[uint]error)
	var created []models.Enrollment
	for _, id := range leadIDs {
		lead, ok := byID[id]
		switch {
		case !ok:
			failures[id] = NewNotFoundError("Lead", id)
			continue
		case lead.Status != models.LeadStatusActive:
			failures[id] = NewValidationError("Lead %s is %s and cannot be enrolled", lead.Email, lead.Status)
			continue
		case open[id]:
			failures[id] = NewConflictError("Lead %s is already enrolled in this campaign", lead.Email)
			continue
		}
		nextSendAt := next
		created = append(created, models.Enrollment{
			UserID:      seq.UserID,
			LeadID:      id,
			SequenceID:  seq.ID,
			CurrentStep: 1,
			Status:      models.EnrollmentStatusActive,
			StartedAt:   now,
			NextSendAt:  &nextSendAt,
		})
	}

	if len(created) > 0 {
		if err := tx.CreateInBatches(&created, 100).Error; err != nil {
			if isDuplicateKey(err) {
				return nil, nil, NewConflictError("A lead was enrolled concurrently, please retry")
			}
			return nil, nil, err
		}
		switch seq.Status {
		case models.SequenceStatusDraft, models.SequenceStatusCompleted:
			if err := tx.Model(seq).Update("status", models.SequenceStatusActive).Error; err != nil {
				return nil, nil, err
			}
			seq.Status = models.SequenceStatusActive
		}
	}
	return created, failures, nil
}

// EnrollLead enrolls a single lead, failing with ConflictError when it already has an open enrollment
func (s *EnrollmentService) EnrollLead(userID, sequenceID, leadID uint) (*models.Enrollment, error) {
	var enrollment *models.Enrollment
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		seq, err := lockSequence(tx, userID, sequenceID)
		if err != nil {
			return err
		}
		created, failures, err := s.enrollLocked(tx, seq, []uint{leadID}, s.now())
		if err != nil {
			return err
		}
		if ferr, ok := failures[leadID]; ok {
			return ferr
		}
		enrollment = &created[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EnrollmentTransitions.WithLabelValues(models.EnrollmentStatusActive).Inc()
	return enrollment, nil
}

// Enroll enrolls every selected lead. Already enrolled leads are skipped; unknown or inactive leads are errors.
func (s *EnrollmentService) Enroll(userID, sequenceID uint, req EnrollRequest) (*EnrollResult, error) {
	if len(req.LeadIDs) == 0 && len(req.GroupIDs) == 0 {
		return nil, NewValidationError("Select at least one lead or group")
	}

	result := &EnrollResult{Errors: []string{}}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		seq, err := lockSequence(tx, userID, sequenceID)
		if err != nil {
			return err
		}

		leadIDs := append([]uint{}, req.LeadIDs...)
		for _, gid := range uniqueIDs(req.GroupIDs) {
			if _, err := findGroup(tx, userID, gid); err != nil {
				return err
			}
			var members []uint
			if err := tx.Model(&models.LeadGroupMembership{}).
				Where("lead_group_id = ?", gid).
				Order("lead_id").
				Pluck("lead_id", &members).Error; err != nil {
				return err
			}
			leadIDs = append(leadIDs, members...)
		}
		leadIDs = uniqueIDs(leadIDs)
		if len(leadIDs) == 0 {
			result.SequenceStatus = seq.Status
			return nil
		}

		created, failures, err := s.enrollLocked(tx, seq, leadIDs, s.now())
		if err != nil {
			return err
		}
		result.Enrolled = len(created)
		for _, id := range leadIDs {
			ferr, ok := failures[id]
			if !ok {
				continue
			}
			if IsConflict(ferr) {
				result.Skipped++
				continue
			}
			result.Errors = append(result.Errors, ferr.Error())
		}
		result.SequenceStatus = seq.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EnrollmentTransitions.WithLabelValues(models.EnrollmentStatusActive).Add(float64(result.Enrolled))
	s.Logger.WithFields(logrus.Fields{
		"sequence_id": sequenceID,
		"enrolled":    result.Enrolled,
		"skipped":     result.Skipped,
		"errors":      len(result.Errors),
	}).Info("Leads enrolled")
	return result, nil
}

// Get returns an enrollment owned by the user
func (s *EnrollmentService) Get(userID, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := s.DB.Preload("Lead").Where("id = ? AND user_id = ?", id, userID).First(&e).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, NewNotFoundError("Enrollment", id)
		}
		return nil, err
	}
	return &e, nil
}

// latestEnrollment prefers the open enrollment for a pair, then the most recent closed one
func latestEnrollment(db *gorm.DB, userID, sequenceID, leadID uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := db.Where("user_id = ? AND sequence_id = ? AND lead_id = ?", userID, sequenceID, leadID).
		Order("CASE WHEN ended_at IS NULL THEN 0 ELSE 1 END, id DESC").
		First(&e).Error
	if err != nil {
		if isRecordNotFound(err) {
			return nil, &NotFoundError{Resource: "Enrollment for lead in campaign"}
		}
		return nil, err
	}
	return &e, nil
}

// endEnrollment moves an open enrollment to a terminal status. It reports whether a row changed.
func endEnrollment(db *gorm.DB, id uint, status, reason string, now time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":       status,
		"stop_reason":  reason,
		"next_send_at": nil,
		"claimed_at":   nil,
		"ended_at":     now,
	}
	if status == models.EnrollmentStatusCompleted {
		updates["completed_at"] = now
	}
	res := db.Model(&models.Enrollment{}).
		Where("id = ? AND ended_at IS NULL", id).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		metrics.EnrollmentTransitions.WithLabelValues(status).Inc()
		return true, nil
	}
	return false, nil
}

// maybeCompleteSequence moves an active sequence to completed once every enrollment is terminal
func maybeCompleteSequence(db *gorm.DB, sequenceID uint) (bool, error) {
	var open int64
	if err := db.Model(&models.Enrollment{}).
		Where("sequence_id = ? AND ended_at IS NULL", sequenceID).
		Count(&open).Error; err != nil {
		return false, err
	}
	if open > 0 {
		return false, nil
	}
	res := db.Model(&models.Sequence{}).
		Where("id = ? AND status = ?", sequenceID, models.SequenceStatusActive).
		Where("EXISTS (SELECT 1 FROM enrollments WHERE enrollments.sequence_id = sequences.id AND enrollments.deleted_at IS NULL)").
		Update("status", models.SequenceStatusCompleted)
	return res.RowsAffected == 1, res.Error
}

func (s *EnrollmentService) afterTerminal(sequenceID uint) {
	done, err := maybeCompleteSequence(s.DB, sequenceID)
	if err != nil {
		s.Logger.WithError(err).WithField("sequence_id", sequenceID).Warn("Failed to check campaign completion")
		return
	}
	if done {
		s.Logger.WithField("sequence_id", sequenceID).Info("Campaign completed, all enrollments finished")
	}
}

// Remove stops a lead's open enrollment. Removing an already finished enrollment is a no-op.
func (s *EnrollmentService) Remove(userID, sequenceID, leadID uint) (*models.Enrollment, error) {
	if _, err := findSequence(s.DB, userID, sequenceID); err != nil {
		return nil, err
	}
	e, err := latestEnrollment(s.DB, userID, sequenceID, leadID)
	if err != nil {
		return nil, err
	}
	if e.EndedAt != nil {
		return e, nil
	}

	changed, err := endEnrollment(s.DB, e.ID, models.EnrollmentStatusStopped, models.StopReasonManuallyRemoved, s.now())
	if err != nil {
		return nil, err
	}
	if changed {
		s.Logger.WithFields(logrus.Fields{"sequence_id": sequenceID, "lead_id": leadID}).Info("Lead removed from campaign")
		s.afterTerminal(sequenceID)
	}
	return s.Get(userID, e.ID)
}

func (s *EnrollmentService) markReplied(e *models.Enrollment, reply *models.EmailReply, source string) (bool, error) {
	now := s.now()
	changed := false
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if reply != nil {
			reply.EnrollmentID = e.ID
			if reply.ReceivedAt.IsZero() {
				reply.ReceivedAt = now
			}
			if err := tx.Create(reply).Error; err != nil {
				return err
			}
		}
		if e.EndedAt != nil {
			return nil
		}
		var err error
		changed, err = endEnrollment(tx, e.ID, models.EnrollmentStatusReplied, models.StopReasonReplied, now)
		return err
	})
	if err != nil {
		return false, err
	}
	metrics.RepliesDetected.WithLabelValues(source).Inc()
	if changed {
		s.afterTerminal(e.SequenceID)
	}
	return changed, nil
}

// MarkReplied records a manual reply signal. Later dispatch sweeps skip the enrollment.
func (s *EnrollmentService) MarkReplied(userID, enrollmentID uint) (*models.Enrollment, error) {
	e, err := s.Get(userID, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.Status == models.EnrollmentStatusReplied {
		return e, nil
	}
	reply := &models.EmailReply{Subject: "(marked as replied)"}
	if e.Lead != nil {
		reply.FromEmail = e.Lead.Email
	}
	if _, err := s.markReplied(e, reply, "manual"); err != nil {
		return nil, err
	}
	return s.Get(userID, enrollmentID)
}

// MarkRepliedForLead is MarkReplied addressed by campaign and lead
func (s *EnrollmentService) MarkRepliedForLead(userID, sequenceID, leadID uint) (*models.Enrollment, error) {
	if _, err := findSequence(s.DB, userID, sequenceID); err != nil {
		return nil, err
	}
	e, err := latestEnrollment(s.DB, userID, sequenceID, leadID)
	if err != nil {
		return nil, err
	}
	return s.MarkReplied(userID, e.ID)
}

func cleanMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// RecordInboundReply matches an inbound message to enrollments, first through the thread headers
// and then by sender address, and marks the open ones replied. It returns the number of
// enrollments the reply was attached to.
func (s *EnrollmentService) RecordInboundReply(userID uint, in InboundReply) (int, error) {
	messageID := cleanMessageID(in.MessageID)
	if messageID != "" {
		var seen int64
		if err := s.DB.Model(&models.EmailReply{}).Where("message_id = ?", messageID).Count(&seen).Error; err != nil {
			return 0, err
		}
		if seen > 0 {
			return 0, nil
		}
	}

	var refs []string
	for _, r := range append([]string{in.InReplyTo}, in.References...) {
		if r = cleanMessageID(r); r != "" {
			refs = append(refs, r)
		}
	}

	var matches []models.Enrollment
	var sentEmailID *uint
	if len(refs) > 0 {
		var sent models.SequenceEmail
		err := s.DB.Joins("JOIN enrollments ON enrollments.id = sequence_emails.enrollment_id").
			Where("enrollments.user_id = ? AND sequence_emails.message_id IN ?", userID, refs).
			Order("sequence_emails.id DESC").
			First(&sent).Error
		switch {
		case err == nil:
			var e models.Enrollment
			if err := s.DB.First(&e, sent.EnrollmentID).Error; err != nil {
				return 0, err
			}
			matches = append(matches, e)
			sentEmailID = &sent.ID
		case !isRecordNotFound(err):
			return 0, err
		}
	}

	if len(matches) == 0 {
		from := NormalizeEmail(in.FromEmail)
		if from == "" {
			return 0, nil
		}
		if err := s.DB.Joins("JOIN leads ON leads.id = enrollments.lead_id").
			Where("enrollments.user_id = ? AND enrollments.ended_at IS NULL AND LOWER(leads.email) = ?", userID, from).
			Find(&matches).Error; err != nil {
			return 0, err
		}
	}

	for i := range matches {
		reply := &models.EmailReply{
			SequenceEmailID: sentEmailID,
			FromEmail:       NormalizeEmail(in.FromEmail),
			Subject:         in.Subject,
			Snippet:         in.Snippet,
			ReceivedAt:      in.ReceivedAt.UTC(),
		}
		// the message id is unique, so only the first match carries it
		if i == 0 && messageID != "" {
			id := messageID
			reply.MessageID = &id
		}
		if _, err := s.markReplied(&matches[i], reply, "imap"); err != nil {
			return i, err
		}
	}
	if len(matches) > 0 {
		s.Logger.WithFields(logrus.Fields{"from": in.FromEmail, "matched": len(matches)}).Info("Inbound reply recorded")
	}
	return len(matches), nil
}

// ReleaseStaleClaims returns enrollments left in sending by an interrupted sweep to active.
// A claim whose current step already has a sent email is left alone.
func (s *EnrollmentService) ReleaseStaleClaims(olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	sentCurrent := s.DB.Model(&models.SequenceEmail{}).
		Select("1").
		Joins("JOIN sequence_steps ON sequence_steps.id = sequence_emails.step_id").
		Where("sequence_emails.enrollment_id = enrollments.id").
		Where("sequence_emails.status = ?", models.SequenceEmailSent).
		Where("sequence_steps.step_number = enrollments.current_step")
	res := s.DB.Model(&models.Enrollment{}).
		Where("status = ? AND claimed_at < ?", models.EnrollmentStatusSending, cutoff).
		Where("NOT EXISTS (?)", sentCurrent).
		Updates(map[string]interface{}{
			"status":     models.EnrollmentStatusActive,
			"claimed_at": nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.Logger.WithField("released", res.RowsAffected).Warn("Released stale dispatch claims")
	}
	return res.RowsAffected, nil
}

// ListForSequence pages the per-lead rollup of a campaign
func (s *EnrollmentService) ListForSequence(userID, sequenceID uint, status string, req PageRequest) (Page[LeadProgress], error) {
	return NewProgressService(s.DB).LeadRollup(userID, sequenceID, status, req)
}
