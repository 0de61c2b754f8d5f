package services

import (
	"math"
	"testing"

	"coldreach/models"

	"github.com/stretchr/testify/require"
)

func TestRate(t *testing.T) {
	t.Parallel()

	require.Zero(t, Rate(0, 0))
	require.Zero(t, Rate(5, 0))
	require.Zero(t, Rate(-1, 10))
	require.Equal(t, 33.3, Rate(1, 3))
	require.Equal(t, 66.7, Rate(2, 3))
	require.Equal(t, 100.0, Rate(3, 3))
	// more opens than sends cannot push a rate past 100
	require.Equal(t, 100.0, Rate(7, 3))
}

func TestProgressEmptyCampaign(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seq := f.sequence(t, 0)

	summary, err := f.progress.CampaignSummary(f.user.ID, seq.ID)
	require.NoError(t, err)
	require.Zero(t, summary.TotalLeads)
	for _, r := range []float64{summary.CompletionRate, summary.OpenRate, summary.ClickRate, summary.ReplyRate, summary.AvgStep} {
		require.False(t, math.IsNaN(r))
		require.Zero(t, r)
	}

	_, err = f.progress.SequenceProgress(f.user.ID+1, seq.ID)
	require.True(t, IsNotFound(err))
}

func TestProgressCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seq := f.sequence(t, 0, 24)
	var ids []uint
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"} {
		lead := f.lead(t, email)
		e, err := f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	f.sweep(t)

	_, err := f.enrollments.MarkReplied(f.user.ID, ids[0])
	require.NoError(t, err)
	lead, err := f.leads.Get(f.user.ID, f.enrollment(t, ids[1]).LeadID)
	require.NoError(t, err)
	_, err = f.enrollments.Remove(f.user.ID, seq.ID, lead.ID)
	require.NoError(t, err)

	p, err := f.progress.SequenceProgress(f.user.ID, seq.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), p.TotalLeads)
	require.Equal(t, int64(2), p.ActiveLeads)
	require.Equal(t, int64(1), p.RepliedLeads)
	require.Equal(t, int64(1), p.StoppedLeads)
	require.Equal(t, p.TotalLeads, p.ActiveLeads+p.CompletedLeads+p.StoppedLeads+p.RepliedLeads)
	require.Equal(t, 2.0, p.AvgStep)

	summary, err := f.progress.CampaignSummary(f.user.ID, seq.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), summary.EmailsSent)
	require.Equal(t, int64(1), summary.Replies)
	require.Equal(t, 25.0, summary.ReplyRate)

	t.Run("lead rollup filters by status", func(t *testing.T) {
		page, err := f.progress.LeadRollup(f.user.ID, seq.ID, models.EnrollmentStatusReplied, PageRequest{})
		require.NoError(t, err)
		require.Equal(t, int64(1), page.Total)
		item := page.Items[0]
		require.True(t, item.Replied)
		require.Equal(t, int64(1), item.EmailsSent)
		require.Equal(t, "a@example.com", item.Lead.Email)
	})

	t.Run("claimed enrollments read as active", func(t *testing.T) {
		require.NoError(t, f.db.Model(&models.Enrollment{}).Where("id = ?", ids[2]).
			Update("status", models.EnrollmentStatusSending).Error)
		page, err := f.progress.LeadRollup(f.user.ID, seq.ID, "", PageRequest{PerPage: 10})
		require.NoError(t, err)
		require.Equal(t, int64(4), page.Total)
		for _, item := range page.Items {
			require.NotEqual(t, models.EnrollmentStatusSending, item.Status)
		}
	})
}
