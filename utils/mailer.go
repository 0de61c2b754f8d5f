package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coldreach/config"
	"coldreach/models"
	"coldreach/services"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SecretOpener decrypts stored mailbox passwords
type SecretOpener interface {
	Decrypt(ciphertext string) (string, error)
}

// SMTPMailer sends sequence emails through the profile's own SMTP account, or the system
// account when the profile has none
type SMTPMailer struct {
	Default config.SMTPConfig
	Secrets SecretOpener
}

func NewSMTPMailer(def config.SMTPConfig, secrets SecretOpener) *SMTPMailer {
	return &SMTPMailer{Default: def, Secrets: secrets}
}

func senderDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}

func angle(id string) string {
	return "<" + strings.Trim(id, "<>") + ">"
}

// buildMessage renders the MIME message and returns it with its Message-ID (without angle brackets)
func (m *SMTPMailer) buildMessage(msg services.OutboundEmail) (*gomail.Message, string) {
	fromEmail, fromName := m.Default.FromEmail, ""
	if p := msg.Profile; p != nil {
		fromEmail, fromName = p.SenderEmail, p.SenderName
	}
	messageID := fmt.Sprintf("%s@%s", uuid.NewString(), senderDomain(fromEmail))

	g := gomail.NewMessage()
	g.SetAddressHeader("From", fromEmail, fromName)
	g.SetAddressHeader("To", msg.To, msg.ToName)
	g.SetHeader("Subject", msg.Subject)
	g.SetHeader("Message-ID", angle(messageID))
	if msg.InReplyTo != "" {
		g.SetHeader("In-Reply-To", angle(msg.InReplyTo))
	}
	if len(msg.References) > 0 {
		refs := make([]string, len(msg.References))
		for i, r := range msg.References {
			refs[i] = angle(r)
		}
		g.SetHeader("References", strings.Join(refs, " "))
	}
	if msg.TrackingID != "" {
		g.SetHeader("X-Tracking-ID", msg.TrackingID)
	}

	if msg.TextBody != "" {
		g.SetBody("text/plain", msg.TextBody)
		if msg.HTMLBody != "" {
			g.AddAlternative("text/html", msg.HTMLBody)
		}
	} else {
		g.SetBody("text/html", msg.HTMLBody)
	}
	return g, messageID
}

func (m *SMTPMailer) dialer(p *models.SendingProfile) (*gomail.Dialer, error) {
	if p != nil && p.HasSMTP() {
		password := p.SMTPPassword
		if m.Secrets != nil {
			plain, err := m.Secrets.Decrypt(p.SMTPPassword)
			if err != nil {
				return nil, fmt.Errorf("decrypt smtp password: %w", err)
			}
			password = plain
		}
		port := p.SMTPPort
		if port == 0 {
			port = 587
		}
		return gomail.NewDialer(p.SMTPHost, port, p.SMTPUsername, password), nil
	}
	if m.Default.Host == "" {
		return nil, errors.New("no SMTP account configured")
	}
	return gomail.NewDialer(m.Default.Host, m.Default.Port, m.Default.Username, m.Default.Password), nil
}

// Send delivers msg and returns its Message-ID
func (m *SMTPMailer) Send(ctx context.Context, msg services.OutboundEmail) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d, err := m.dialer(msg.Profile)
	if err != nil {
		return "", err
	}
	g, messageID := m.buildMessage(msg)
	if err := d.DialAndSend(g); err != nil {
		return "", fmt.Errorf("error sending email: %w", err)
	}
	return messageID, nil
}
