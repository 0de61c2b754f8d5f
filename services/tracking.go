package services

import (
	"fmt"
	"net/url"
	"strings"

	"coldreach/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewTrackingID builds the id that keys a sent email's open and click counters
func NewTrackingID(enrollmentID uint, stepNumber int) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("seq_%d_%d_%s", enrollmentID, stepNumber, suffix)
}

// OpenPixelURL is the 1x1 image that records opens
func OpenPixelURL(baseURL, trackingID string) string {
	return fmt.Sprintf("%s/track/open/%s", strings.TrimRight(baseURL, "/"), trackingID)
}

// ClickURL redirects to target after recording a click
func ClickURL(baseURL, trackingID, target string) string {
	return fmt.Sprintf("%s/track/click/%s?url=%s", strings.TrimRight(baseURL, "/"), trackingID, url.QueryEscape(target))
}

// InjectTracking rewrites http(s) links through the click endpoint and appends the open pixel
func InjectTracking(html, baseURL, trackingID string) string {
	if baseURL == "" || trackingID == "" {
		return html
	}
	const startTag = `href="`
	var b strings.Builder
	rest := html
	for {
		i := strings.Index(rest, startTag)
		if i == -1 {
			b.WriteString(rest)
			break
		}
		i += len(startTag)
		j := strings.IndexByte(rest[i:], '"')
		if j == -1 {
			b.WriteString(rest)
			break
		}
		target := rest[i : i+j]
		b.WriteString(rest[:i])
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			b.WriteString(ClickURL(baseURL, trackingID, target))
		} else {
			b.WriteString(target)
		}
		rest = rest[i+j:]
	}
	b.WriteString(fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, OpenPixelURL(baseURL, trackingID)))
	return b.String()
}

// TrackingService updates open and click counters for sent emails
type TrackingService struct {
	DB  *gorm.DB
	Now Clock
}

func NewTrackingService(db *gorm.DB) *TrackingService {
	return &TrackingService{DB: db, Now: systemClock}
}

func (s *TrackingService) bump(trackingID, counter, stamp string) error {
	now := systemClock()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	res := s.DB.Model(&models.SequenceEmail{}).
		Where("tracking_id = ? AND status = ?", trackingID, models.SequenceEmailSent).
		Updates(map[string]interface{}{
			counter: gorm.Expr(counter + " + 1"),
			stamp:   gorm.Expr("COALESCE("+stamp+", ?)", now),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Resource: "Tracked email"}
	}
	return nil
}

// RecordOpen counts an open. The first open time is kept.
func (s *TrackingService) RecordOpen(trackingID string) error {
	return s.bump(trackingID, "opens", "opened_at")
}

// ValidateRedirect accepts only absolute http(s) urls
func ValidateRedirect(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", NewValidationError("invalid redirect url")
	}
	return u.String(), nil
}

// RecordClick counts a click and returns the validated redirect target
func (s *TrackingService) RecordClick(trackingID, target string) (string, error) {
	target, err := ValidateRedirect(target)
	if err != nil {
		return "", err
	}
	if err := s.bump(trackingID, "clicks", "clicked_at"); err != nil {
		return target, err
	}
	return target, nil
}
