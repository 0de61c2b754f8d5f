package services

import (
	"math"
	"time"

	"coldreach/models"

	"gorm.io/gorm"
)

// SequenceProgress counts enrollments by status. Claimed (sending) rows count as active.
type SequenceProgress struct {
	SequenceID     uint    `json:"sequence_id"`
	TotalLeads     int64   `json:"total_leads"`
	ActiveLeads    int64   `json:"active_leads"`
	CompletedLeads int64   `json:"completed_leads"`
	StoppedLeads   int64   `json:"stopped_leads"`
	RepliedLeads   int64   `json:"replied_leads"`
	AvgStep        float64 `json:"avg_step"`
}

// CampaignSummary folds send and tracking counts into rates within [0, 100]
type CampaignSummary struct {
	SequenceProgress
	EmailsSent     int64   `json:"emails_sent"`
	EmailsOpened   int64   `json:"emails_opened"`
	EmailsClicked  int64   `json:"emails_clicked"`
	EmailsFailed   int64   `json:"emails_failed"`
	Replies        int64   `json:"replies"`
	CompletionRate float64 `json:"completion_rate"`
	OpenRate       float64 `json:"open_rate"`
	ClickRate      float64 `json:"click_rate"`
	ReplyRate      float64 `json:"reply_rate"`
}

// LeadProgress is the per-lead rollup inside a sequence
type LeadProgress struct {
	EnrollmentID uint               `json:"enrollment_id"`
	Lead         *models.Lead       `json:"lead"`
	Status       string             `json:"status"`
	CurrentStep  int                `json:"current_step"`
	StartedAt    time.Time          `json:"started_at"`
	NextSendAt   *time.Time         `json:"next_send_at"`
	LastSentAt   *time.Time         `json:"last_sent_at"`
	EmailsSent   int64              `json:"emails_sent"`
	Opens        int64              `json:"opens"`
	Clicks       int64              `json:"clicks"`
	Replied      bool               `json:"replied"`
	StopReason   string             `json:"stop_reason,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	Attempts     int                `json:"attempts"`
	Enrollment   *models.Enrollment `json:"-"`
}

type ProgressService struct {
	DB *gorm.DB
}

func NewProgressService(db *gorm.DB) *ProgressService {
	return &ProgressService{DB: db}
}

// Rate returns part/whole*100 rounded to one decimal, 0 for an empty whole, clamped to [0, 100]
func Rate(part, whole int64) float64 {
	if whole <= 0 || part <= 0 {
		return 0
	}
	r := float64(part) / float64(whole) * 100
	if r > 100 {
		r = 100
	}
	return math.Round(r*10) / 10
}

func (s *ProgressService) progressFor(sequenceID uint) (*SequenceProgress, error) {
	type statusRow struct {
		Status  string
		Total   int64
		StepSum int64
	}
	var rows []statusRow
	if err := s.DB.Model(&models.Enrollment{}).
		Select("status, COUNT(*) AS total, COALESCE(SUM(current_step), 0) AS step_sum").
		Where("sequence_id = ?", sequenceID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	p := &SequenceProgress{SequenceID: sequenceID}
	var stepSum int64
	for _, r := range rows {
		p.TotalLeads += r.Total
		stepSum += r.StepSum
		switch r.Status {
		case models.EnrollmentStatusActive, models.EnrollmentStatusSending:
			p.ActiveLeads += r.Total
		case models.EnrollmentStatusCompleted:
			p.CompletedLeads += r.Total
		case models.EnrollmentStatusStopped:
			p.StoppedLeads += r.Total
		case models.EnrollmentStatusReplied:
			p.RepliedLeads += r.Total
		}
	}
	if p.TotalLeads > 0 {
		p.AvgStep = math.Round(float64(stepSum)/float64(p.TotalLeads)*100) / 100
	}
	return p, nil
}

func (s *ProgressService) summaryFor(sequenceID uint) (*CampaignSummary, error) {
	progress, err := s.progressFor(sequenceID)
	if err != nil {
		return nil, err
	}
	summary := &CampaignSummary{SequenceProgress: *progress}

	type emailRow struct {
		Sent    int64
		Opened  int64
		Clicked int64
		Failed  int64
	}
	var er emailRow
	if err := s.DB.Model(&models.SequenceEmail{}).
		Select(
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS sent, "+
				"COALESCE(SUM(CASE WHEN status = ? AND opens > 0 THEN 1 ELSE 0 END), 0) AS opened, "+
				"COALESCE(SUM(CASE WHEN status = ? AND clicks > 0 THEN 1 ELSE 0 END), 0) AS clicked, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed",
			models.SequenceEmailSent, models.SequenceEmailSent, models.SequenceEmailSent, models.SequenceEmailFailed).
		Where("sequence_id = ?", sequenceID).
		Scan(&er).Error; err != nil {
		return nil, err
	}
	summary.EmailsSent = er.Sent
	summary.EmailsOpened = er.Opened
	summary.EmailsClicked = er.Clicked
	summary.EmailsFailed = er.Failed

	if err := s.DB.Model(&models.EmailReply{}).
		Joins("JOIN enrollments ON enrollments.id = email_replies.enrollment_id").
		Where("enrollments.sequence_id = ?", sequenceID).
		Distinct("email_replies.enrollment_id").
		Count(&summary.Replies).Error; err != nil {
		return nil, err
	}

	summary.CompletionRate = Rate(summary.EmailsSent, summary.TotalLeads)
	summary.OpenRate = Rate(summary.EmailsOpened, summary.EmailsSent)
	summary.ClickRate = Rate(summary.EmailsClicked, summary.EmailsSent)
	summary.ReplyRate = Rate(summary.Replies, summary.TotalLeads)
	return summary, nil
}

// SequenceProgress returns enrollment counts and the mean current step
func (s *ProgressService) SequenceProgress(userID, sequenceID uint) (*SequenceProgress, error) {
	if _, err := findSequence(s.DB, userID, sequenceID); err != nil {
		return nil, err
	}
	return s.progressFor(sequenceID)
}

// CampaignSummary returns progress plus send, open, click and reply rates
func (s *ProgressService) CampaignSummary(userID, sequenceID uint) (*CampaignSummary, error) {
	if _, err := findSequence(s.DB, userID, sequenceID); err != nil {
		return nil, err
	}
	return s.summaryFor(sequenceID)
}

// LeadRollup pages through a sequence's enrollments with per-lead counters
func (s *ProgressService) LeadRollup(userID, sequenceID uint, status string, req PageRequest) (Page[LeadProgress], error) {
	req = req.Normalize()
	if _, err := findSequence(s.DB, userID, sequenceID); err != nil {
		return Page[LeadProgress]{}, err
	}

	query := s.DB.Model(&models.Enrollment{}).Where("sequence_id = ?", sequenceID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return Page[LeadProgress]{}, err
	}

	var enrollments []models.Enrollment
	if err := query.Preload("Lead").
		Order("started_at DESC, id DESC").
		Offset(req.Offset()).Limit(req.PerPage).
		Find(&enrollments).Error; err != nil {
		return Page[LeadProgress]{}, err
	}
	if len(enrollments) == 0 {
		return NewPage([]LeadProgress{}, total, req), nil
	}

	ids := make([]uint, len(enrollments))
	for i, e := range enrollments {
		ids[i] = e.ID
	}

	type counterRow struct {
		EnrollmentID uint
		Sent         int64
		Opens        int64
		Clicks       int64
	}
	var counters []counterRow
	if err := s.DB.Model(&models.SequenceEmail{}).
		Select("enrollment_id, COUNT(*) AS sent, COALESCE(SUM(opens), 0) AS opens, COALESCE(SUM(clicks), 0) AS clicks").
		Where("enrollment_id IN ? AND status = ?", ids, models.SequenceEmailSent).
		Group("enrollment_id").
		Scan(&counters).Error; err != nil {
		return Page[LeadProgress]{}, err
	}
	byID := make(map[uint]counterRow, len(counters))
	for _, c := range counters {
		byID[c.EnrollmentID] = c
	}

	var replied []uint
	if err := s.DB.Model(&models.EmailReply{}).Where("enrollment_id IN ?", ids).Distinct().Pluck("enrollment_id", &replied).Error; err != nil {
		return Page[LeadProgress]{}, err
	}
	repliedSet := make(map[uint]bool, len(replied))
	for _, id := range replied {
		repliedSet[id] = true
	}

	items := make([]LeadProgress, 0, len(enrollments))
	for i := range enrollments {
		e := &enrollments[i]
		c := byID[e.ID]
		status := e.Status
		if status == models.EnrollmentStatusSending {
			status = models.EnrollmentStatusActive
		}
		items = append(items, LeadProgress{
			EnrollmentID: e.ID,
			Lead:         e.Lead,
			Status:       status,
			CurrentStep:  e.CurrentStep,
			StartedAt:    e.StartedAt,
			NextSendAt:   e.NextSendAt,
			LastSentAt:   e.LastSentAt,
			EmailsSent:   c.Sent,
			Opens:        c.Opens,
			Clicks:       c.Clicks,
			Replied:      repliedSet[e.ID] || e.Status == models.EnrollmentStatusReplied,
			StopReason:   e.StopReason,
			LastError:    e.LastError,
			Attempts:     e.Attempts,
			Enrollment:   e,
		})
	}
	return NewPage(items, total, req), nil
}
