package services

import (
	"testing"
	"time"

	"coldreach/models"

	"github.com/stretchr/testify/require"
)

func TestEnrollmentTwoStepProgression(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seq := f.sequence(t, 0, 24)
	lead := f.lead(t, "a@example.com")
	start := f.clock.Now()

	e, err := f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
	require.NoError(t, err)
	require.Equal(t, 1, e.CurrentStep)
	require.Equal(t, models.EnrollmentStatusActive, e.Status)
	require.WithinDuration(t, start, *e.NextSendAt, time.Second)

	// enrolling a draft campaign activates it
	got, err := f.sequences.Get(f.user.ID, seq.ID)
	require.NoError(t, err)
	require.Equal(t, models.SequenceStatusActive, got.Status)

	res := f.sweep(t)
	require.Equal(t, 1, res.EmailsSent)

	after := f.enrollment(t, e.ID)
	require.Equal(t, 2, after.CurrentStep)
	require.Equal(t, models.EnrollmentStatusActive, after.Status)
	require.WithinDuration(t, start.Add(24*time.Hour), *after.NextSendAt, time.Second)

	// not due yet
	res = f.sweep(t)
	require.Zero(t, res.EmailsSent)
	require.Equal(t, "No emails due for sending", res.Message)

	f.clock.Advance(24 * time.Hour)
	res = f.sweep(t)
	require.Equal(t, 1, res.EmailsSent)

	done := f.enrollment(t, e.ID)
	require.Equal(t, models.EnrollmentStatusCompleted, done.Status)
	require.Nil(t, done.NextSendAt)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, 2, done.CurrentStep)

	// the last open enrollment finishing completes the campaign
	got, err = f.sequences.Get(f.user.ID, seq.ID)
	require.NoError(t, err)
	require.Equal(t, models.SequenceStatusCompleted, got.Status)

	var emails []models.SequenceEmail
	require.NoError(t, f.db.Order("step_number").Find(&emails, "enrollment_id = ?", e.ID).Error)
	require.Len(t, emails, 2)
	require.Equal(t, []int{1, 2}, []int{emails[0].StepNumber, emails[1].StepNumber})

	// the follow-up is threaded under the first message
	sent := f.sender.Sent()
	require.Len(t, sent, 2)
	require.Empty(t, sent[0].InReplyTo)
	require.Equal(t, emails[0].MessageID, sent[1].InReplyTo)
}

func TestEnrollmentReplyStopsProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seq := f.sequence(t, 0, 24)
	lead := f.lead(t, "a@example.com")
	e, err := f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
	require.NoError(t, err)

	replied, err := f.enrollments.MarkReplied(f.user.ID, e.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusReplied, replied.Status)
	require.NotNil(t, replied.EndedAt)

	res := f.sweep(t)
	require.Zero(t, res.EmailsSent)
	require.Empty(t, f.sender.Sent())

	got := f.enrollment(t, e.ID)
	require.Equal(t, models.EnrollmentStatusReplied, got.Status)
	require.Equal(t, 1, got.CurrentStep)

	// marking twice is a no-op
	again, err := f.enrollments.MarkRepliedForLead(f.user.ID, seq.ID, lead.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusReplied, again.Status)
	var replies int64
	require.NoError(t, f.db.Model(&models.EmailReply{}).Count(&replies).Error)
	require.Equal(t, int64(1), replies)
}

func TestEnrollmentRemove(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seq := f.sequence(t, 0)
	lead := f.lead(t, "a@example.com")
	e, err := f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
	require.NoError(t, err)

	first, err := f.enrollments.Remove(f.user.ID, seq.ID, lead.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusStopped, first.Status)
	require.Equal(t, models.StopReasonManuallyRemoved, first.StopReason)

	second, err := f.enrollments.Remove(f.user.ID, seq.ID, lead.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, models.EnrollmentStatusStopped, second.Status)

	// a removed lead can be enrolled again as a fresh enrollment
	_, err = f.sequences.Transition(f.user.ID, seq.ID, ActionReactivate)
	require.NoError(t, err)
	again, err := f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
	require.NoError(t, err)
	require.NotEqual(t, e.ID, again.ID)
	require.Equal(t, 1, again.CurrentStep)

	_, err = f.enrollments.Remove(f.user.ID, seq.ID, 9999)
	require.True(t, IsNotFound(err), "got %v", err)
}

func TestEnrollDuplicates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seq := f.sequence(t, 0)
	a := f.lead(t, "a@example.com")
	b := f.lead(t, "b@example.com")

	_, err := f.enrollments.EnrollLead(f.user.ID, seq.ID, a.ID)
	require.NoError(t, err)

	t.Run("single enroll of an enrolled lead conflicts", func(t *testing.T) {
		_, err := f.enrollments.EnrollLead(f.user.ID, seq.ID, a.ID)
		require.True(t, IsConflict(err), "got %v", err)
	})

	t.Run("bulk enroll skips enrolled leads and reports unknown ones", func(t *testing.T) {
		res, err := f.enrollments.Enroll(f.user.ID, seq.ID, EnrollRequest{LeadIDs: []uint{a.ID, b.ID, 4242}})
		require.NoError(t, err)
		require.Equal(t, 1, res.Enrolled)
		require.Equal(t, 1, res.Skipped)
		require.Len(t, res.Errors, 1)
		require.Equal(t, models.SequenceStatusActive, res.SequenceStatus)
	})

	t.Run("enrolling by group", func(t *testing.T) {
		c := f.lead(t, "c@example.com")
		group, err := f.groups.Create(f.user.ID, GroupInput{Name: "G"})
		require.NoError(t, err)
		_, err = f.groups.AddLeads(f.user.ID, group.ID, []uint{a.ID, c.ID})
		require.NoError(t, err)

		res, err := f.enrollments.Enroll(f.user.ID, seq.ID, EnrollRequest{GroupIDs: []uint{group.ID}})
		require.NoError(t, err)
		require.Equal(t, 1, res.Enrolled)
		require.Equal(t, 1, res.Skipped)
	})

	t.Run("empty selection is rejected", func(t *testing.T) {
		_, err := f.enrollments.Enroll(f.user.ID, seq.ID, EnrollRequest{})
		require.True(t, IsValidation(err))
	})
}

func TestEnrollRules(t *testing.T) {
	t.Parallel()

	t.Run("archived campaign conflicts", func(t *testing.T) {
		f := newFixture(t)
		seq := f.sequence(t, 0)
		lead := f.lead(t, "a@example.com")
		_, err := f.sequences.Transition(f.user.ID, seq.ID, ActionArchive)
		require.NoError(t, err)

		_, err = f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
		require.True(t, IsConflict(err), "got %v", err)
	})

	t.Run("unsubscribed lead is rejected", func(t *testing.T) {
		f := newFixture(t)
		seq := f.sequence(t, 0)
		lead, err := f.leads.Create(f.user.ID, LeadInput{Email: "u@example.com", Status: models.LeadStatusUnsubscribed})
		require.NoError(t, err)

		_, err = f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
		require.True(t, IsValidation(err), "got %v", err)
	})

	t.Run("first step delay is applied from enrollment", func(t *testing.T) {
		f := newFixture(t)
		seq := f.sequence(t, 6)
		lead := f.lead(t, "a@example.com")
		e, err := f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
		require.NoError(t, err)
		require.WithinDuration(t, f.clock.Now().Add(6*time.Hour), *e.NextSendAt, time.Second)
	})
}

func TestRecordInboundReply(t *testing.T) {
	t.Parallel()

	t.Run("matches on thread headers", func(t *testing.T) {
		f := newFixture(t)
		seq := f.sequence(t, 0, 24)
		lead := f.lead(t, "a@example.com")
		e, err := f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
		require.NoError(t, err)
		f.sweep(t)

		var sent models.SequenceEmail
		require.NoError(t, f.db.First(&sent, "enrollment_id = ?", e.ID).Error)

		n, err := f.enrollments.RecordInboundReply(f.user.ID, InboundReply{
			FromEmail: "someone-else@example.com",
			MessageID: "<reply-1@mail.example.com>",
			InReplyTo: "<" + sent.MessageID + ">",
			Subject:   "Re: Step 1",
		})
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got := f.enrollment(t, e.ID)
		require.Equal(t, models.EnrollmentStatusReplied, got.Status)

		var reply models.EmailReply
		require.NoError(t, f.db.First(&reply).Error)
		require.NotNil(t, reply.SequenceEmailID)
		require.Equal(t, sent.ID, *reply.SequenceEmailID)

		// the same message seen again is ignored
		n, err = f.enrollments.RecordInboundReply(f.user.ID, InboundReply{MessageID: "reply-1@mail.example.com", FromEmail: "a@example.com"})
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("falls back to the sender address", func(t *testing.T) {
		f := newFixture(t)
		first := f.sequence(t, 0)
		second := f.sequence(t, 0)
		lead := f.lead(t, "a@example.com")
		_, err := f.enrollments.EnrollLead(f.user.ID, first.ID, lead.ID)
		require.NoError(t, err)
		_, err = f.enrollments.EnrollLead(f.user.ID, second.ID, lead.ID)
		require.NoError(t, err)

		n, err := f.enrollments.RecordInboundReply(f.user.ID, InboundReply{FromEmail: "A@Example.com", MessageID: "<x@y>"})
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})

	t.Run("unknown sender matches nothing", func(t *testing.T) {
		f := newFixture(t)
		n, err := f.enrollments.RecordInboundReply(f.user.ID, InboundReply{FromEmail: "nobody@example.com"})
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestReleaseStaleClaims(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seq := f.sequence(t, 0)
	lead := f.lead(t, "a@example.com")
	e, err := f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
	require.NoError(t, err)

	claimedAt := f.clock.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(&models.Enrollment{}).Where("id = ?", e.ID).
		Updates(map[string]interface{}{"status": models.EnrollmentStatusSending, "claimed_at": claimedAt}).Error)

	released, err := f.enrollments.ReleaseStaleClaims(15 * time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), released)
	require.Equal(t, models.EnrollmentStatusActive, f.enrollment(t, e.ID).Status)

	// a released claim is picked up by the next sweep
	res := f.sweep(t)
	require.Equal(t, 1, res.EmailsSent)
}

func TestReleaseStaleClaimsSkipsDeliveredStep(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seq := f.sequence(t, 0, 24)
	lead := f.lead(t, "a@example.com")
	e, err := f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.sweep(t).EmailsSent)

	// the step 1 email is recorded but the claim still points at step 1
	claimedAt := f.clock.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(&models.Enrollment{}).Where("id = ?", e.ID).
		Updates(map[string]interface{}{"status": models.EnrollmentStatusSending, "claimed_at": claimedAt, "current_step": 1}).Error)

	released, err := f.enrollments.ReleaseStaleClaims(15 * time.Minute)
	require.NoError(t, err)
	require.Zero(t, released)
	require.Equal(t, models.EnrollmentStatusSending, f.enrollment(t, e.ID).Status)

	require.NoError(t, f.db.Model(&models.Enrollment{}).Where("id = ?", e.ID).Update("current_step", 2).Error)
	released, err = f.enrollments.ReleaseStaleClaims(15 * time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), released)
}
