package services

import (
	"testing"

	"coldreach/models"

	"github.com/stretchr/testify/require"
)

func TestLeadServiceCreate(t *testing.T) {
	t.Parallel()

	t.Run("normalizes email and website", func(t *testing.T) {
		f := newFixture(t)
		lead, err := f.leads.Create(f.user.ID, LeadInput{Email: "  Ann@Example.COM ", Website: "acme.io"})
		require.NoError(t, err)
		require.Equal(t, "ann@example.com", lead.Email)
		require.Equal(t, "https://acme.io", lead.Website)
		require.Equal(t, models.LeadStatusActive, lead.Status)
	})

	t.Run("rejects duplicate email case-insensitively", func(t *testing.T) {
		f := newFixture(t)
		f.lead(t, "ann@example.com")

		_, err := f.leads.Create(f.user.ID, LeadInput{Email: "ANN@example.com"})
		require.True(t, IsConflict(err), "got %v", err)
	})

	t.Run("same email is allowed for another user", func(t *testing.T) {
		f := newFixture(t)
		f.lead(t, "ann@example.com")

		other := models.User{Email: "other@example.com", PasswordHash: "x", IsActive: true}
		require.NoError(t, f.db.Create(&other).Error)
		_, err := f.leads.Create(other.ID, LeadInput{Email: "ann@example.com"})
		require.NoError(t, err)
	})

	t.Run("rejects malformed email", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.leads.Create(f.user.ID, LeadInput{Email: "not-an-email"})
		require.True(t, IsValidation(err), "got %v", err)
	})
}

func TestLeadServiceBulkCreate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.lead(t, "existing@example.com")

	res, err := f.leads.BulkCreate(f.user.ID, []LeadInput{
		{Email: "a@example.com"},
		{Email: "bad"},
		{Email: "A@example.com"},
		{Email: "existing@example.com"},
		{Email: "b@example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)
	require.Len(t, res.Errors, 3)
	require.Contains(t, res.Errors[0], "Lead 2")
}

func TestLeadServiceUpdate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.lead(t, "a@example.com")
	f.lead(t, "b@example.com")

	t.Run("partial update keeps other fields", func(t *testing.T) {
		company := "Acme"
		lead, err := f.leads.Update(f.user.ID, a.ID, LeadUpdate{Company: &company})
		require.NoError(t, err)
		require.Equal(t, "Acme", lead.Company)
		require.Equal(t, "Ann", lead.FirstName)
	})

	t.Run("email change to a taken address conflicts", func(t *testing.T) {
		email := "B@example.com"
		_, err := f.leads.Update(f.user.ID, a.ID, LeadUpdate{Email: &email})
		require.True(t, IsConflict(err), "got %v", err)
	})

	t.Run("unknown lead is not found", func(t *testing.T) {
		_, err := f.leads.Update(f.user.ID, 9999, LeadUpdate{})
		require.True(t, IsNotFound(err), "got %v", err)
	})
}

func TestLeadServiceDelete(t *testing.T) {
	t.Parallel()

	t.Run("blocked while enrolled", func(t *testing.T) {
		f := newFixture(t)
		lead := f.lead(t, "a@example.com")
		seq := f.sequence(t, 0)
		_, err := f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
		require.NoError(t, err)

		err = f.leads.Delete(f.user.ID, lead.ID)
		require.True(t, IsConflict(err), "got %v", err)
		_, err = f.leads.Get(f.user.ID, lead.ID)
		require.NoError(t, err)
	})

	t.Run("removes lead, memberships and finished history", func(t *testing.T) {
		f := newFixture(t)
		lead := f.lead(t, "a@example.com")
		group, err := f.groups.Create(f.user.ID, GroupInput{Name: "Prospects"})
		require.NoError(t, err)
		_, err = f.groups.AddLeads(f.user.ID, group.ID, []uint{lead.ID})
		require.NoError(t, err)

		seq := f.sequence(t, 0)
		_, err = f.enrollments.EnrollLead(f.user.ID, seq.ID, lead.ID)
		require.NoError(t, err)
		_, err = f.enrollments.Remove(f.user.ID, seq.ID, lead.ID)
		require.NoError(t, err)

		require.NoError(t, f.leads.Delete(f.user.ID, lead.ID))

		_, err = f.leads.Get(f.user.ID, lead.ID)
		require.True(t, IsNotFound(err))
		var memberships, enrollments int64
		require.NoError(t, f.db.Model(&models.LeadGroupMembership{}).Count(&memberships).Error)
		require.NoError(t, f.db.Model(&models.Enrollment{}).Count(&enrollments).Error)
		require.Zero(t, memberships)
		require.Zero(t, enrollments)

		// the address can be reused
		f.lead(t, "a@example.com")
	})
}

func TestLeadServiceList(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for i, industry := range []string{"SaaS", "SaaS", "Retail"} {
		_, err := f.leads.Create(f.user.ID, LeadInput{
			Email:    string(rune('a'+i)) + "@example.com",
			Industry: industry,
			Company:  "Acme Corp",
		})
		require.NoError(t, err)
	}

	t.Run("filters and paginates", func(t *testing.T) {
		page, err := f.leads.List(f.user.ID, LeadFilter{Industry: "SaaS"}, PageRequest{Page: 1, PerPage: 1})
		require.NoError(t, err)
		require.Equal(t, int64(2), page.Total)
		require.Len(t, page.Items, 1)
		require.Equal(t, 2, page.TotalPages)
		require.True(t, page.HasNext)
		require.False(t, page.HasPrev)
	})

	t.Run("company filter is a case-insensitive substring", func(t *testing.T) {
		page, err := f.leads.List(f.user.ID, LeadFilter{Company: "acme"}, PageRequest{})
		require.NoError(t, err)
		require.Equal(t, int64(3), page.Total)
		require.Equal(t, DefaultPerPage, page.PerPage)
	})

	t.Run("empty page past the end", func(t *testing.T) {
		page, err := f.leads.List(f.user.ID, LeadFilter{}, PageRequest{Page: 5, PerPage: 10})
		require.NoError(t, err)
		require.Empty(t, page.Items)
		require.NotNil(t, page.Items)
		require.False(t, page.HasNext)
		require.True(t, page.HasPrev)
	})

	t.Run("industries are distinct and sorted", func(t *testing.T) {
		industries, err := f.leads.Industries(f.user.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"Retail", "SaaS"}, industries)
	})
}
