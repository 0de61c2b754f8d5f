package services

import (
	"strings"

	"coldreach/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SecretSealer encrypts mailbox passwords before they are stored
type SecretSealer interface {
	Encrypt(plaintext string) (string, error)
}

type ProfileInput struct {
	Name          string `json:"name" validate:"required,max=100"`
	SenderName    string `json:"sender_name" validate:"required,max=100"`
	SenderTitle   string `json:"sender_title" validate:"omitempty,max=100"`
	SenderCompany string `json:"sender_company" validate:"omitempty,max=200"`
	SenderEmail   string `json:"sender_email" validate:"required,email"`
	SenderPhone   string `json:"sender_phone" validate:"omitempty,max=50"`
	SenderWebsite string `json:"sender_website" validate:"omitempty,max=255"`
	Signature     string `json:"signature"`
	IsDefault     bool   `json:"is_default"`

	ScheduleEnabled  bool   `json:"schedule_enabled"`
	ScheduleDays     string `json:"schedule_days"`
	ScheduleStart    string `json:"schedule_start"`
	ScheduleEnd      string `json:"schedule_end"`
	ScheduleTimezone string `json:"schedule_timezone"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port" validate:"omitempty,gte=1,lte=65535"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`

	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port" validate:"omitempty,gte=1,lte=65535"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"imap_password"`
	IMAPMailbox  string `json:"imap_mailbox"`
}

type ProfileUpdate struct {
	Name          *string `json:"name" validate:"omitempty,max=100"`
	SenderName    *string `json:"sender_name" validate:"omitempty,max=100"`
	SenderTitle   *string `json:"sender_title"`
	SenderCompany *string `json:"sender_company"`
	SenderEmail   *string `json:"sender_email" validate:"omitempty,email"`
	SenderPhone   *string `json:"sender_phone"`
	SenderWebsite *string `json:"sender_website"`
	Signature     *string `json:"signature"`
	IsDefault     *bool   `json:"is_default"`

	ScheduleEnabled  *bool   `json:"schedule_enabled"`
	ScheduleDays     *string `json:"schedule_days"`
	ScheduleStart    *string `json:"schedule_start"`
	ScheduleEnd      *string `json:"schedule_end"`
	ScheduleTimezone *string `json:"schedule_timezone"`

	SMTPHost     *string `json:"smtp_host"`
	SMTPPort     *int    `json:"smtp_port"`
	SMTPUsername *string `json:"smtp_username"`
	SMTPPassword *string `json:"smtp_password"`

	IMAPHost     *string `json:"imap_host"`
	IMAPPort     *int    `json:"imap_port"`
	IMAPUsername *string `json:"imap_username"`
	IMAPPassword *string `json:"imap_password"`
	IMAPMailbox  *string `json:"imap_mailbox"`
}

type ProfileService struct {
	DB     *gorm.DB
	Logger *logrus.Entry
	Sealer SecretSealer
}

func NewProfileService(db *gorm.DB, logger *logrus.Entry, sealer SecretSealer) *ProfileService {
	return &ProfileService{DB: db, Logger: logger, Sealer: sealer}
}

func findProfile(db *gorm.DB, userID, id uint) (*models.SendingProfile, error) {
	var p models.SendingProfile
	if err := db.Where("id = ? AND user_id = ?", id, userID).First(&p).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, NewNotFoundError("Sending profile", id)
		}
		return nil, err
	}
	return &p, nil
}

func (s *ProfileService) seal(plain string) (string, error) {
	if plain == "" || s.Sealer == nil {
		return plain, nil
	}
	return s.Sealer.Encrypt(plain)
}

func validateWindow(p *models.SendingProfile) error {
	if !p.ScheduleEnabled {
		return nil
	}
	_, err := ParseSendWindow(p)
	return err
}

// Create stores a profile. The user's first profile, or one flagged is_default, becomes the default.
func (s *ProfileService) Create(userID uint, in ProfileInput) (*models.SendingProfile, error) {
	p := models.SendingProfile{
		UserID:           userID,
		Name:             strings.TrimSpace(in.Name),
		SenderName:       strings.TrimSpace(in.SenderName),
		SenderTitle:      in.SenderTitle,
		SenderCompany:    in.SenderCompany,
		SenderEmail:      NormalizeEmail(in.SenderEmail),
		SenderPhone:      in.SenderPhone,
		SenderWebsite:    NormalizeWebsite(in.SenderWebsite),
		Signature:        in.Signature,
		ScheduleEnabled:  in.ScheduleEnabled,
		ScheduleDays:     defaultString(in.ScheduleDays, "mon,tue,wed,thu,fri"),
		ScheduleStart:    defaultString(in.ScheduleStart, "09:00"),
		ScheduleEnd:      defaultString(in.ScheduleEnd, "17:00"),
		ScheduleTimezone: defaultString(in.ScheduleTimezone, "UTC"),
		SMTPHost:         in.SMTPHost,
		SMTPPort:         in.SMTPPort,
		SMTPUsername:     in.SMTPUsername,
		IMAPHost:         in.IMAPHost,
		IMAPPort:         in.IMAPPort,
		IMAPUsername:     in.IMAPUsername,
		IMAPMailbox:      defaultString(in.IMAPMailbox, "INBOX"),
	}
	if p.Name == "" || p.SenderName == "" {
		return nil, NewValidationError("name and sender_name are required")
	}
	if err := ValidateEmail(p.SenderEmail); err != nil {
		return nil, err
	}
	if err := validateWindow(&p); err != nil {
		return nil, err
	}

	var err error
	if p.SMTPPassword, err = s.seal(in.SMTPPassword); err != nil {
		return nil, err
	}
	if p.IMAPPassword, err = s.seal(in.IMAPPassword); err != nil {
		return nil, err
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.SendingProfile{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		if in.IsDefault || count == 0 {
			return setDefault(tx, userID, p.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findProfile(s.DB, userID, p.ID)
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return strings.TrimSpace(v)
}

func (s *ProfileService) Get(userID, id uint) (*models.SendingProfile, error) {
	return findProfile(s.DB, userID, id)
}

// List returns the user's profiles, default first
func (s *ProfileService) List(userID uint) ([]models.SendingProfile, error) {
	var profiles []models.SendingProfile
	err := s.DB.Where("user_id = ?", userID).Order("is_default DESC, name").Find(&profiles).Error
	if profiles == nil {
		profiles = []models.SendingProfile{}
	}
	return profiles, err
}

func (s *ProfileService) Update(userID, id uint, in ProfileUpdate) (*models.SendingProfile, error) {
	p, err := findProfile(s.DB, userID, id)
	if err != nil {
		return nil, err
	}

	assign := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	assign(&p.Name, in.Name)
	assign(&p.SenderName, in.SenderName)
	assign(&p.SenderTitle, in.SenderTitle)
	assign(&p.SenderCompany, in.SenderCompany)
	assign(&p.SenderPhone, in.SenderPhone)
	assign(&p.ScheduleDays, in.ScheduleDays)
	assign(&p.ScheduleStart, in.ScheduleStart)
	assign(&p.ScheduleEnd, in.ScheduleEnd)
	assign(&p.ScheduleTimezone, in.ScheduleTimezone)
	assign(&p.SMTPHost, in.SMTPHost)
	assign(&p.SMTPUsername, in.SMTPUsername)
	assign(&p.IMAPHost, in.IMAPHost)
	assign(&p.IMAPUsername, in.IMAPUsername)
	assign(&p.IMAPMailbox, in.IMAPMailbox)
	if in.Signature != nil {
		p.Signature = *in.Signature
	}
	if in.SenderWebsite != nil {
		p.SenderWebsite = NormalizeWebsite(*in.SenderWebsite)
	}
	if in.SenderEmail != nil {
		p.SenderEmail = NormalizeEmail(*in.SenderEmail)
		if err := ValidateEmail(p.SenderEmail); err != nil {
			return nil, err
		}
	}
	if in.ScheduleEnabled != nil {
		p.ScheduleEnabled = *in.ScheduleEnabled
	}
	if in.SMTPPort != nil {
		p.SMTPPort = *in.SMTPPort
	}
	if in.IMAPPort != nil {
		p.IMAPPort = *in.IMAPPort
	}
	if in.SMTPPassword != nil {
		if p.SMTPPassword, err = s.seal(*in.SMTPPassword); err != nil {
			return nil, err
		}
	}
	if in.IMAPPassword != nil {
		if p.IMAPPassword, err = s.seal(*in.IMAPPassword); err != nil {
			return nil, err
		}
	}
	if p.Name == "" || p.SenderName == "" {
		return nil, NewValidationError("name and sender_name are required")
	}
	if err := validateWindow(p); err != nil {
		return nil, err
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		// is_default is saved as loaded; it only moves through setDefault
		if err := tx.Save(p).Error; err != nil {
			return err
		}
		if in.IsDefault != nil && *in.IsDefault {
			return setDefault(tx, userID, p.ID)
		}
		if in.IsDefault != nil && !*in.IsDefault {
			return tx.Model(&models.SendingProfile{}).Where("id = ?", p.ID).Update("is_default", false).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findProfile(s.DB, userID, id)
}

// Delete removes a profile that no sequence references
func (s *ProfileService) Delete(userID, id uint) error {
	p, err := findProfile(s.DB, userID, id)
	if err != nil {
		return err
	}
	var used int64
	if err := s.DB.Model(&models.Sequence{}).Where("sending_profile_id = ?", p.ID).Count(&used).Error; err != nil {
		return err
	}
	if used > 0 {
		return NewConflictError("Sending profile is used by %d campaign(s)", used)
	}
	return s.DB.Unscoped().Delete(p).Error
}

// setDefault clears every default of the user and sets one, inside the caller's transaction
func setDefault(tx *gorm.DB, userID, id uint) error {
	if err := tx.Model(&models.SendingProfile{}).
		Where("user_id = ? AND is_default = ?", userID, true).
		Update("is_default", false).Error; err != nil {
		return err
	}
	res := tx.Model(&models.SendingProfile{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("is_default", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return NewNotFoundError("Sending profile", id)
	}
	return nil
}

// SetDefault makes one profile the user's only default
func (s *ProfileService) SetDefault(userID, id uint) (*models.SendingProfile, error) {
	if err := s.DB.Transaction(func(tx *gorm.DB) error {
		return setDefault(tx, userID, id)
	}); err != nil {
		return nil, err
	}
	return findProfile(s.DB, userID, id)
}

// ResolveForSequence returns the sequence's profile, falling back to the user's default.
// A nil profile with nil error means none is configured.
func ResolveForSequence(db *gorm.DB, seq *models.Sequence) (*models.SendingProfile, error) {
	var p models.SendingProfile
	q := db.Where("user_id = ?", seq.UserID)
	if seq.SendingProfileID != nil {
		q = q.Where("id = ?", *seq.SendingProfileID)
	} else {
		q = q.Where("is_default = ?", true)
	}
	if err := q.First(&p).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}
