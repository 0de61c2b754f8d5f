package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coldreach/metrics"
	"coldreach/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// OutboundEmail is one rendered message handed to a MailSender
type OutboundEmail struct {
	Profile    *models.SendingProfile // nil sends through the system SMTP account
	To         string
	ToName     string
	Subject    string
	HTMLBody   string
	TextBody   string
	InReplyTo  string
	References []string
	TrackingID string
}

// MailSender delivers a message and returns its Message-ID
type MailSender interface {
	Send(ctx context.Context, msg OutboundEmail) (string, error)
}

// PreviousEmail is an earlier step already sent to the same lead
type PreviousEmail struct {
	StepNumber int
	Subject    string
	Body       string
	MessageID  string `json:"-"`
	SentAt     time.Time
}

// GenerationRequest carries everything needed to write one step's email
type GenerationRequest struct {
	Lead           *models.Lead
	Sequence       *models.Sequence
	Step           *models.SequenceStep
	Profile        *models.SendingProfile
	PreviousEmails []PreviousEmail
}

// GeneratedEmail is the subject and HTML body produced for a step
type GeneratedEmail struct {
	Subject string
	Body    string
}

// ContentGenerator writes the email for a step
type ContentGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (GeneratedEmail, error)
}

const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// dispatch outcomes, also used as metric labels
const (
	outcomeSent      = "sent"
	outcomeCompleted = "completed"
	outcomeDeferred  = "deferred"
	outcomeRetry     = "retry"
	outcomeStopped   = "stopped"
	outcomeReplied   = "replied"
	outcomeLost      = "claim_lost"
	outcomeError     = "error"
)

// SweepOptions narrows a sweep to one user or one campaign
type SweepOptions struct {
	UserID     *uint
	SequenceID *uint
	Trigger    string
}

// DispatchResult summarizes a sweep
type DispatchResult struct {
	Message            string   `json:"message"`
	EmailsSent         int      `json:"emails_sent"`
	CampaignsProcessed int      `json:"campaigns_processed"`
	Deferred           int      `json:"deferred"`
	Failed             int      `json:"failed"`
	Errors             []string `json:"errors"`
}

type dispatchOutcome struct {
	sequenceID uint
	kind       string
	sent       bool
	err        string
}

// Dispatcher sends due steps. Sweeps may overlap: each enrollment is claimed with a conditional
// update before any content is generated, so only one sweep can advance it per due cycle.
type Dispatcher struct {
	DB              *gorm.DB
	Logger          *logrus.Entry
	Sender          MailSender
	Generator       ContentGenerator
	Policy          RetryPolicy
	BatchSize       int
	Concurrency     int
	SendTimeout     time.Duration
	TrackingBaseURL string
	Now             Clock
}

func NewDispatcher(db *gorm.DB, logger *logrus.Entry, sender MailSender, generator ContentGenerator) *Dispatcher {
	return &Dispatcher{
		DB:          db,
		Logger:      logger,
		Sender:      sender,
		Generator:   generator,
		Policy:      DefaultRetryPolicy(),
		BatchSize:   50,
		Concurrency: 4,
		SendTimeout: 60 * time.Second,
		Now:         systemClock,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return systemClock()
	}
	return d.Now().UTC()
}

func (d *Dispatcher) dueEnrollments(now time.Time, opts SweepOptions) ([]uint, error) {
	batch := d.BatchSize
	if batch <= 0 {
		batch = 50
	}
	q := d.DB.Model(&models.Enrollment{}).
		Joins("JOIN sequences ON sequences.id = enrollments.sequence_id AND sequences.deleted_at IS NULL").
		Where("enrollments.status = ? AND enrollments.next_send_at <= ?", models.EnrollmentStatusActive, now).
		Where("sequences.status = ?", models.SequenceStatusActive)
	if opts.UserID != nil {
		q = q.Where("enrollments.user_id = ?", *opts.UserID)
	}
	if opts.SequenceID != nil {
		q = q.Where("enrollments.sequence_id = ?", *opts.SequenceID)
	}
	var ids []uint
	err := q.Order("enrollments.next_send_at, enrollments.id").Limit(batch).Pluck("enrollments.id", &ids).Error
	return ids, err
}

// Sweep processes due enrollments in parallel. Per-enrollment failures are recorded on the
// enrollment and reported in the result; only a failure to query due work is returned as an error.
func (d *Dispatcher) Sweep(ctx context.Context, opts SweepOptions) (*DispatchResult, error) {
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	start := time.Now()
	defer func() {
		metrics.DispatchSweepDuration.WithLabelValues(opts.Trigger).Observe(time.Since(start).Seconds())
	}()

	ids, err := d.dueEnrollments(d.now(), opts)
	if err != nil {
		return nil, err
	}
	result := &DispatchResult{Errors: []string{}}
	if len(ids) == 0 {
		result.Message = "No emails due for sending"
		return result, nil
	}

	limit := d.Concurrency
	if limit <= 0 {
		limit = 1
	}
	var (
		mu        sync.Mutex
		campaigns = make(map[uint]bool)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			out := d.processEnrollment(gctx, id)
			metrics.DispatchOutcomes.WithLabelValues(out.kind).Inc()

			mu.Lock()
			defer mu.Unlock()
			if out.kind == outcomeLost {
				return nil
			}
			campaigns[out.sequenceID] = true
			if out.sent {
				result.EmailsSent++
			}
			switch out.kind {
			case outcomeDeferred:
				result.Deferred++
			case outcomeRetry, outcomeError:
				result.Failed++
			case outcomeStopped:
				if out.err != "" {
					result.Failed++
				}
			}
			if out.err != "" {
				result.Errors = append(result.Errors, out.err)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.CampaignsProcessed = len(campaigns)
	result.Message = fmt.Sprintf("Processed %d campaign(s): %d email(s) sent, %d deferred, %d failed",
		result.CampaignsProcessed, result.EmailsSent, result.Deferred, result.Failed)

	d.Logger.WithFields(logrus.Fields{
		"trigger":   opts.Trigger,
		"due":       len(ids),
		"sent":      result.EmailsSent,
		"deferred":  result.Deferred,
		"failed":    result.Failed,
		"campaigns": result.CampaignsProcessed,
	}).Info("Dispatch sweep finished")
	return result, nil
}

// claim moves a due enrollment of an active sequence from active to sending
func (d *Dispatcher) claim(id uint, now time.Time) (bool, error) {
	activeSequences := d.DB.Model(&models.Sequence{}).Select("id").Where("status = ?", models.SequenceStatusActive)
	res := d.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ? AND next_send_at <= ?", id, models.EnrollmentStatusActive, now).
		Where("sequence_id IN (?)", activeSequences).
		Updates(map[string]interface{}{
			"status":     models.EnrollmentStatusSending,
			"claimed_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// release returns a claimed enrollment to active with a new due time
func (d *Dispatcher) release(id uint, next time.Time, extra map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":       models.EnrollmentStatusActive,
		"next_send_at": next,
		"claimed_at":   nil,
	}
	for k, v := range extra {
		updates[k] = v
	}
	return d.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentStatusSending).
		Updates(updates).Error
}

func (d *Dispatcher) finish(e *models.Enrollment, status, reason string) dispatchOutcome {
	kind := map[string]string{
		models.EnrollmentStatusCompleted: outcomeCompleted,
		models.EnrollmentStatusReplied:   outcomeReplied,
		models.EnrollmentStatusStopped:   outcomeStopped,
	}[status]
	out := dispatchOutcome{sequenceID: e.SequenceID, kind: kind}
	if _, err := endEnrollment(d.DB, e.ID, status, reason, d.now()); err != nil {
		out.kind = outcomeError
		out.err = fmt.Sprintf("Enrollment %d: %v", e.ID, err)
		return out
	}
	d.completeIfDone(e.SequenceID)
	return out
}

func (d *Dispatcher) completeIfDone(sequenceID uint) {
	done, err := maybeCompleteSequence(d.DB, sequenceID)
	if err != nil {
		d.Logger.WithError(err).WithField("sequence_id", sequenceID).Warn("Failed to check campaign completion")
		return
	}
	if done {
		d.Logger.WithField("sequence_id", sequenceID).Info("Campaign completed, all enrollments finished")
	}
}

func (d *Dispatcher) processEnrollment(ctx context.Context, id uint) dispatchOutcome {
	now := d.now()
	claimed, err := d.claim(id, now)
	if err != nil {
		return dispatchOutcome{kind: outcomeError, err: fmt.Sprintf("Enrollment %d: %v", id, err)}
	}
	if !claimed {
		return dispatchOutcome{kind: outcomeLost}
	}
	metrics.DispatchInFlight.Inc()
	defer metrics.DispatchInFlight.Dec()

	var e models.Enrollment
	if err := d.DB.Preload("Lead").Preload("Sequence").First(&e, id).Error; err != nil {
		_ = d.release(id, now, nil)
		return dispatchOutcome{kind: outcomeError, err: fmt.Sprintf("Enrollment %d: %v", id, err)}
	}
	log := d.Logger.WithFields(logrus.Fields{"enrollment_id": e.ID, "sequence_id": e.SequenceID, "step": e.CurrentStep})

	var replies int64
	if err := d.DB.Model(&models.EmailReply{}).Where("enrollment_id = ?", e.ID).Count(&replies).Error; err != nil {
		_ = d.release(id, now, nil)
		return dispatchOutcome{sequenceID: e.SequenceID, kind: outcomeError, err: fmt.Sprintf("Enrollment %d: %v", id, err)}
	}
	if replies > 0 {
		return d.finish(&e, models.EnrollmentStatusReplied, models.StopReasonReplied)
	}
	if e.Lead == nil {
		return d.finish(&e, models.EnrollmentStatusStopped, "lead_deleted")
	}
	if e.Lead.Status != models.LeadStatusActive {
		return d.finish(&e, models.EnrollmentStatusStopped, "lead_"+e.Lead.Status)
	}

	var step models.SequenceStep
	err = d.DB.Where("sequence_id = ? AND step_number = ?", e.SequenceID, e.CurrentStep).First(&step).Error
	if isRecordNotFound(err) {
		// steps were removed from under the enrollment
		return d.finish(&e, models.EnrollmentStatusCompleted, "")
	}
	if err != nil {
		_ = d.release(id, now, nil)
		return dispatchOutcome{sequenceID: e.SequenceID, kind: outcomeError, err: fmt.Sprintf("Enrollment %d: %v", id, err)}
	}

	profile, err := ResolveForSequence(d.DB, e.Sequence)
	if err != nil {
		_ = d.release(id, now, nil)
		return dispatchOutcome{sequenceID: e.SequenceID, kind: outcomeError, err: fmt.Sprintf("Enrollment %d: %v", id, err)}
	}
	if next, deferred := d.deferral(&e, profile, now, log); deferred {
		if err := d.release(id, next, nil); err != nil {
			return dispatchOutcome{sequenceID: e.SequenceID, kind: outcomeError, err: fmt.Sprintf("Enrollment %d: %v", id, err)}
		}
		log.WithField("next_send_at", next).Debug("Send deferred")
		return dispatchOutcome{sequenceID: e.SequenceID, kind: outcomeDeferred}
	}

	return d.advance(ctx, &e, &step, profile, log)
}

// deferral reports whether a send must wait for the profile's window or the campaign's daily limit
func (d *Dispatcher) deferral(e *models.Enrollment, profile *models.SendingProfile, now time.Time, log *logrus.Entry) (time.Time, bool) {
	if profile != nil && profile.ScheduleEnabled {
		window, err := ParseSendWindow(profile)
		if err != nil {
			log.WithError(err).Warn("Ignoring invalid send window")
		} else if !window.Contains(now) {
			return window.Next(now), true
		}
	}

	if e.Sequence != nil && e.Sequence.DailyLimit > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		var sentToday int64
		if err := d.DB.Model(&models.SequenceEmail{}).
			Where("sequence_id = ? AND status = ? AND sent_at >= ?", e.SequenceID, models.SequenceEmailSent, dayStart).
			Count(&sentToday).Error; err != nil {
			log.WithError(err).Warn("Failed to count today's sends")
		} else if sentToday >= int64(e.Sequence.DailyLimit) {
			return dayStart.Add(24 * time.Hour), true
		}
	}
	return time.Time{}, false
}

func (d *Dispatcher) previousEmails(enrollmentID uint) ([]PreviousEmail, error) {
	var sent []models.SequenceEmail
	if err := d.DB.Where("enrollment_id = ? AND status = ?", enrollmentID, models.SequenceEmailSent).
		Order("step_number, id").Find(&sent).Error; err != nil {
		return nil, err
	}
	prev := make([]PreviousEmail, 0, len(sent))
	for _, s := range sent {
		p := PreviousEmail{StepNumber: s.StepNumber, Subject: s.Subject, Body: s.Body, MessageID: s.MessageID}
		if s.SentAt != nil {
			p.SentAt = *s.SentAt
		}
		prev = append(prev, p)
	}
	return prev, nil
}

type deliveryResult struct {
	email     GeneratedEmail
	messageID string
	err       error
}

// deliver generates and sends under the send timeout. A collaborator that ignores its context
// is abandoned once the deadline passes.
func (d *Dispatcher) deliver(ctx context.Context, req GenerationRequest, msg OutboundEmail) deliveryResult {
	timeout := d.SendTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan deliveryResult, 1)
	go func() {
		var r deliveryResult
		r.email, r.err = d.Generator.Generate(ctx, req)
		if r.err != nil {
			r.err = &TransientSendError{Op: "generate", Err: r.err}
			done <- r
			return
		}
		msg.Subject = r.email.Subject
		msg.HTMLBody = InjectTracking(r.email.Body, d.TrackingBaseURL, msg.TrackingID)
		r.messageID, r.err = d.Sender.Send(ctx, msg)
		if r.err != nil {
			r.err = &TransientSendError{Op: "send", Err: r.err}
		}
		done <- r
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", timeout)
		}
		return deliveryResult{err: &TransientSendError{Op: "send", Err: err}}
	}
}

func (d *Dispatcher) advance(ctx context.Context, e *models.Enrollment, step *models.SequenceStep, profile *models.SendingProfile, log *logrus.Entry) dispatchOutcome {
	req := GenerationRequest{Lead: e.Lead, Sequence: e.Sequence, Step: step, Profile: profile}
	prev, err := d.previousEmails(e.ID)
	if err != nil {
		return d.recordFailure(e, step, "", err, log)
	}
	if step.IncludePreviousEmails {
		req.PreviousEmails = prev
	}

	msg := OutboundEmail{
		Profile:    profile,
		To:         e.Lead.Email,
		ToName:     e.Lead.FullName(),
		TrackingID: NewTrackingID(e.ID, step.StepNumber),
	}
	// thread follow-ups under the last delivered step
	for i := len(prev) - 1; i >= 0; i-- {
		if prev[i].MessageID != "" {
			msg.InReplyTo = prev[i].MessageID
			msg.References = []string{prev[i].MessageID}
			break
		}
	}

	r := d.deliver(ctx, req, msg)
	if r.err != nil {
		return d.recordFailure(e, step, msg.TrackingID, r.err, log)
	}

	sentAt := d.now()
	email := models.SequenceEmail{
		EnrollmentID: e.ID,
		SequenceID:   e.SequenceID,
		StepID:       step.ID,
		StepNumber:   step.StepNumber,
		ToEmail:      e.Lead.Email,
		Subject:      r.email.Subject,
		Body:         r.email.Body,
		TrackingID:   msg.TrackingID,
		MessageID:    cleanMessageID(r.messageID),
		Status:       models.SequenceEmailSent,
		SentAt:       &sentAt,
	}

	completed := false
	advanced := false
	err = d.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&email).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Lead{}).Where("id = ?", e.LeadID).Update("last_contact", sentAt).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"last_sent_at": sentAt,
			"attempts":     0,
			"last_error":   "",
			"claimed_at":   nil,
		}
		nextNumber, err := positionAfter(tx, e.ID, step.ID)
		if err != nil {
			return err
		}
		var next models.SequenceStep
		err = tx.Where("sequence_id = ? AND step_number = ?", e.SequenceID, nextNumber).First(&next).Error
		switch {
		case isRecordNotFound(err):
			completed = true
			updates["status"] = models.EnrollmentStatusCompleted
			updates["completed_at"] = sentAt
			updates["ended_at"] = sentAt
			updates["next_send_at"] = nil
		case err != nil:
			return err
		default:
			updates["status"] = models.EnrollmentStatusActive
			updates["current_step"] = nextNumber
			updates["next_send_at"] = sentAt.Add(StepDelay(next))
		}

		// the enrollment may have been removed or marked replied while sending
		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND status = ?", e.ID, models.EnrollmentStatusSending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		advanced = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		// the message is out, so the enrollment must not come back to this step
		log.WithError(err).Error("Email sent but failed to record it")
		out := dispatchOutcome{sequenceID: e.SequenceID, kind: outcomeError, sent: true,
			err: fmt.Sprintf("Enrollment %d: sent but not recorded", e.ID)}
		if serr := d.stopUnrecorded(e.ID, err); serr != nil {
			log.WithError(serr).Error("Failed to stop enrollment after unrecorded send")
			return out
		}
		d.completeIfDone(e.SequenceID)
		return out
	}

	log.WithFields(logrus.Fields{"to": e.Lead.Email, "tracking_id": email.TrackingID}).Info("Sequence email sent")
	if !advanced {
		return dispatchOutcome{sequenceID: e.SequenceID, kind: outcomeSent, sent: true}
	}
	if completed {
		metrics.EnrollmentTransitions.WithLabelValues(models.EnrollmentStatusCompleted).Inc()
		d.completeIfDone(e.SequenceID)
	}
	return dispatchOutcome{sequenceID: e.SequenceID, kind: outcomeSent, sent: true}
}

// positionAfter is the step number that follows the sent step as the steps stand now.
// When the sent step was removed mid-send its successor already sits at the enrollment's position.
func positionAfter(tx *gorm.DB, enrollmentID, stepID uint) (int, error) {
	var sent models.SequenceStep
	err := tx.Select("step_number").Where("id = ?", stepID).First(&sent).Error
	if err == nil {
		return sent.StepNumber + 1, nil
	}
	if !isRecordNotFound(err) {
		return 0, err
	}
	var fresh models.Enrollment
	if err := tx.Select("current_step").First(&fresh, enrollmentID).Error; err != nil {
		return 0, err
	}
	return fresh.CurrentStep, nil
}

// stopUnrecorded ends a claimed enrollment whose email went out but could not be recorded
func (d *Dispatcher) stopUnrecorded(id uint, cause error) error {
	now := d.now()
	res := d.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentStatusSending).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusStopped,
			"stop_reason":  models.StopReasonSendUnrecorded,
			"last_error":   cause.Error(),
			"next_send_at": nil,
			"claimed_at":   nil,
			"ended_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		metrics.EnrollmentTransitions.WithLabelValues(models.EnrollmentStatusStopped).Inc()
	}
	return nil
}

// recordFailure keeps the enrollment on the same step and schedules a retry, or stops it
// once the retry ceiling is reached
func (d *Dispatcher) recordFailure(e *models.Enrollment, step *models.SequenceStep, trackingID string, cause error, log *logrus.Entry) dispatchOutcome {
	now := d.now()
	reason := cause.Error()
	attempts := e.Attempts + 1
	if trackingID == "" {
		trackingID = NewTrackingID(e.ID, step.StepNumber)
	}

	failed := models.SequenceEmail{
		EnrollmentID: e.ID,
		SequenceID:   e.SequenceID,
		StepID:       step.ID,
		StepNumber:   step.StepNumber,
		ToEmail:      e.Lead.Email,
		Subject:      step.Subject,
		TrackingID:   trackingID,
		Status:       models.SequenceEmailFailed,
		Error:        reason,
	}
	if err := d.DB.Create(&failed).Error; err != nil {
		log.WithError(err).Warn("Failed to record failed send")
	}

	out := dispatchOutcome{sequenceID: e.SequenceID, err: fmt.Sprintf("Enrollment %d: %s", e.ID, reason)}
	if d.Policy.Exhausted(attempts) {
		updates := map[string]interface{}{
			"status":       models.EnrollmentStatusStopped,
			"stop_reason":  "send_failed: " + reason,
			"attempts":     attempts,
			"last_error":   reason,
			"next_send_at": nil,
			"claimed_at":   nil,
			"ended_at":     now,
		}
		res := d.DB.Model(&models.Enrollment{}).
			Where("id = ? AND status = ?", e.ID, models.EnrollmentStatusSending).
			Updates(updates)
		if res.Error != nil {
			out.kind = outcomeError
			return out
		}
		out.kind = outcomeStopped
		if res.RowsAffected == 1 {
			metrics.EnrollmentTransitions.WithLabelValues(models.EnrollmentStatusStopped).Inc()
			d.completeIfDone(e.SequenceID)
		}
		log.WithField("attempts", attempts).Warn("Send failed, retry limit reached; enrollment stopped")
		return out
	}

	next := now.Add(d.Policy.Backoff(attempts))
	if err := d.release(e.ID, next, map[string]interface{}{"attempts": attempts, "last_error": reason}); err != nil {
		out.kind = outcomeError
		return out
	}
	out.kind = outcomeRetry
	log.WithFields(logrus.Fields{"attempts": attempts, "retry_at": next}).WithError(cause).Warn("Send failed, retry scheduled")
	return out
}
