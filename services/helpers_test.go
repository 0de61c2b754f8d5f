package services

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"coldreach/models"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, models.AutoMigrate(db))
	return db
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeClock is a settable Clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t.UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSender records every message and can be told to fail or block
type fakeSender struct {
	mu    sync.Mutex
	sent  []OutboundEmail
	fail  error
	block time.Duration
}

func (s *fakeSender) Send(ctx context.Context, msg OutboundEmail) (string, error) {
	if s.block > 0 {
		// ignores ctx on purpose so the dispatcher's own deadline is exercised
		time.Sleep(s.block)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	s.sent = append(s.sent, msg)
	return fmt.Sprintf("<msg-%d@test.local>", len(s.sent)), nil
}

func (s *fakeSender) Sent() []OutboundEmail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutboundEmail(nil), s.sent...)
}

func (s *fakeSender) SetFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

type fakeGenerator struct{}

func (fakeGenerator) Generate(_ context.Context, req GenerationRequest) (GeneratedEmail, error) {
	return GeneratedEmail{
		Subject: fmt.Sprintf("Step %d for %s", req.Step.StepNumber, req.Lead.Email),
		Body:    `<p>Hello</p><a href="https://example.com/offer">offer</a>`,
	}, nil
}

type fixture struct {
	db          *gorm.DB
	clock       *fakeClock
	sender      *fakeSender
	leads       *LeadService
	groups      *GroupService
	sequences   *SequenceService
	enrollments *EnrollmentService
	progress    *ProgressService
	profiles    *ProfileService
	dispatcher  *Dispatcher
	user        models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	log := testLogger()
	clock := newFakeClock(time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)) // a Monday
	sender := &fakeSender{}

	user := models.User{Email: "owner@example.com", PasswordHash: "x", IsActive: true}
	require.NoError(t, db.Create(&user).Error)

	progress := NewProgressService(db)
	enrollments := NewEnrollmentService(db, log)
	enrollments.Now = clock.Now
	dispatcher := NewDispatcher(db, log, sender, fakeGenerator{})
	dispatcher.Now = clock.Now
	dispatcher.SendTimeout = 2 * time.Second
	dispatcher.TrackingBaseURL = "https://t.example.com"

	return &fixture{
		db:          db,
		clock:       clock,
		sender:      sender,
		leads:       NewLeadService(db, log),
		groups:      NewGroupService(db, log),
		sequences:   NewSequenceService(db, log, progress),
		enrollments: enrollments,
		progress:    progress,
		profiles:    NewProfileService(db, log, nil),
		dispatcher:  dispatcher,
		user:        user,
	}
}

func (f *fixture) lead(t *testing.T, email string) *models.Lead {
	t.Helper()
	lead, err := f.leads.Create(f.user.ID, LeadInput{Email: email, FirstName: "Ann"})
	require.NoError(t, err)
	return lead
}

// sequence creates a campaign with one step per delay (in hours)
func (f *fixture) sequence(t *testing.T, delaysHours ...int) *models.Sequence {
	t.Helper()
	steps := make([]StepInput, 0, len(delaysHours))
	for i, h := range delaysHours {
		steps = append(steps, StepInput{
			Name:       fmt.Sprintf("Step %d", i+1),
			Subject:    fmt.Sprintf("Subject %d", i+1),
			Template:   "Hi {first_name}",
			DelayHours: h,
		})
	}
	seq, err := f.sequences.Create(f.user.ID, SequenceInput{Name: "Outreach", Steps: steps})
	require.NoError(t, err)
	return seq
}

func (f *fixture) enrollment(t *testing.T, id uint) models.Enrollment {
	t.Helper()
	var e models.Enrollment
	require.NoError(t, f.db.First(&e, id).Error)
	return e
}

func (f *fixture) sweep(t *testing.T) *DispatchResult {
	t.Helper()
	res, err := f.dispatcher.Sweep(context.Background(), SweepOptions{Trigger: TriggerManual})
	require.NoError(t, err)
	return res
}

// stepNameGenerator uses the step name as the subject so tests can tell steps apart after renumbering.
// before, when set, runs once ahead of the first generation.
type stepNameGenerator struct {
	once   sync.Once
	before func()
}

func (g *stepNameGenerator) Generate(_ context.Context, req GenerationRequest) (GeneratedEmail, error) {
	if g.before != nil {
		g.once.Do(g.before)
	}
	return GeneratedEmail{Subject: req.Step.Name, Body: "<p>Hello</p>"}, nil
}

// sentSteps lists the step names delivered to one address, in send order
func (f *fixture) sentSteps(to string) []string {
	var names []string
	for _, msg := range f.sender.Sent() {
		if msg.To == to {
			names = append(names, msg.Subject)
		}
	}
	return names
}

func (f *fixture) sweepTimes(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.sweep(t)
	}
}
