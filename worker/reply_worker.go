package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"coldreach/models"
	"coldreach/services"
	"coldreach/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	replyLookback   = 7 * 24 * time.Hour
	snippetMaxChars = 280
)

// ReplyWorker polls sending profile mailboxes and turns replies into enrollment state changes
type ReplyWorker struct {
	db          *gorm.DB
	enrollments *services.EnrollmentService
	secrets     utils.SecretOpener
	schedule    string
	logger      *logrus.Entry
}

func NewReplyWorker(db *gorm.DB, enrollments *services.EnrollmentService, secrets utils.SecretOpener, schedule string, logger *logrus.Entry) *ReplyWorker {
	return &ReplyWorker{
		db:          db,
		enrollments: enrollments,
		secrets:     secrets,
		schedule:    schedule,
		logger:      logger,
	}
}

// Start polls on the configured schedule until ctx is done
func (w *ReplyWorker) Start(ctx context.Context) error {
	cronLog := cron.PrintfLogger(w.logger)
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLog),
		cron.Recover(cronLog),
	))
	if _, err := c.AddFunc(w.schedule, func() { w.pollAll(ctx) }); err != nil {
		return fmt.Errorf("invalid reply poll schedule '%s': %w", w.schedule, err)
	}

	w.logger.WithField("schedule", w.schedule).Info("Starting reply worker")
	c.Start()

	<-ctx.Done()
	w.logger.Info("Stopping reply worker")
	<-c.Stop().Done()
	return nil
}

func (w *ReplyWorker) pollAll(ctx context.Context) {
	var profiles []models.SendingProfile
	if err := w.db.Where("imap_host <> '' AND imap_username <> ''").Find(&profiles).Error; err != nil {
		w.logger.WithError(err).Error("Failed to load profiles with IMAP")
		return
	}

	for i := range profiles {
		if ctx.Err() != nil {
			return
		}
		profile := &profiles[i]
		log := w.logger.WithFields(logrus.Fields{"profile_id": profile.ID, "user_id": profile.UserID})

		replies, err := w.fetchReplies(profile)
		if err != nil {
			log.WithError(err).Warn("Failed to poll mailbox")
			continue
		}

		matched := 0
		for _, reply := range replies {
			n, err := w.enrollments.RecordInboundReply(profile.UserID, reply)
			if err != nil {
				log.WithError(err).WithField("message_id", reply.MessageID).Error("Failed to record reply")
				continue
			}
			matched += n
		}
		if matched > 0 {
			log.WithField("enrollments", matched).Info("Replies detected")
		}
	}
}

func (w *ReplyWorker) dial(profile *models.SendingProfile) (*client.Client, error) {
	port := profile.IMAPPort
	if port == 0 {
		port = 993
	}
	addr := fmt.Sprintf("%s:%d", profile.IMAPHost, port)
	tlsConfig := &tls.Config{ServerName: profile.IMAPHost}

	if port == 993 {
		return client.DialTLS(addr, tlsConfig)
	}
	c, err := client.Dial(addr)
	if err != nil {
		return nil, err
	}
	if ok, _ := c.SupportStartTLS(); ok {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, err
		}
	}
	return c, nil
}

// fetchReplies reads recent unseen messages without marking them seen
func (w *ReplyWorker) fetchReplies(profile *models.SendingProfile) ([]services.InboundReply, error) {
	password, err := w.secrets.Decrypt(profile.IMAPPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	c, err := w.dial(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer c.Logout()

	if err := c.Login(profile.IMAPUsername, password); err != nil {
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := profile.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, true); err != nil {
		return nil, fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = time.Now().Add(-replyLookback)
	ids, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{Peek: true}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	var replies []services.InboundReply
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		reply, err := parseInbound(body, msg.Envelope)
		if err != nil {
			w.logger.WithError(err).WithField("seq", msg.SeqNum).Debug("Skipping unreadable message")
			continue
		}
		replies = append(replies, reply)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("error during fetch: %w", err)
	}
	return replies, nil
}

// parseInbound extracts the sender and threading headers from a raw message.
// The envelope fills in fields the headers lack.
func parseInbound(r io.Reader, env *imap.Envelope) (services.InboundReply, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return services.InboundReply{}, fmt.Errorf("failed to create message reader: %w", err)
	}
	defer mr.Close()

	var reply services.InboundReply
	h := mr.Header
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		reply.FromEmail = from[0].Address
	}
	reply.MessageID, _ = h.MessageID()
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		reply.InReplyTo = ids[0]
	}
	reply.References, _ = h.MsgIDList("References")
	reply.Subject, _ = h.Subject()
	reply.ReceivedAt, _ = h.Date()

	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		if ih, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := ih.ContentType()
			if contentType != "text/plain" {
				continue
			}
			b, err := io.ReadAll(io.LimitReader(p.Body, 4096))
			if err != nil {
				continue
			}
			reply.Snippet = snippet(string(b))
			break
		}
	}

	if env != nil {
		if reply.FromEmail == "" && len(env.From) > 0 {
			reply.FromEmail = env.From[0].Address()
		}
		if reply.MessageID == "" {
			reply.MessageID = env.MessageId
		}
		if reply.InReplyTo == "" {
			reply.InReplyTo = env.InReplyTo
		}
		if reply.Subject == "" {
			reply.Subject = env.Subject
		}
		if reply.ReceivedAt.IsZero() {
			reply.ReceivedAt = env.Date
		}
	}
	if reply.FromEmail == "" {
		return reply, fmt.Errorf("message has no sender")
	}
	return reply, nil
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if len(body) > snippetMaxChars {
		body = body[:snippetMaxChars]
	}
	return body
}
