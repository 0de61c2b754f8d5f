package services

import (
	"testing"

	"coldreach/models"

	"github.com/stretchr/testify/require"
)

type upperSealer struct{}

func (upperSealer) Encrypt(plain string) (string, error) { return "sealed:" + plain, nil }

func profileInput(name string) ProfileInput {
	return ProfileInput{Name: name, SenderName: "Sam", SenderEmail: "sam@example.com"}
}

func countDefaults(t *testing.T, f *fixture) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.SendingProfile{}).Where("user_id = ? AND is_default = ?", f.user.ID, true).Count(&n).Error)
	return n
}

func TestProfileDefaults(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a, err := f.profiles.Create(f.user.ID, profileInput("A"))
	require.NoError(t, err)
	require.True(t, a.IsDefault, "first profile becomes the default")

	b, err := f.profiles.Create(f.user.ID, profileInput("B"))
	require.NoError(t, err)
	require.False(t, b.IsDefault)

	t.Run("setting a default clears the others", func(t *testing.T) {
		got, err := f.profiles.SetDefault(f.user.ID, b.ID)
		require.NoError(t, err)
		require.True(t, got.IsDefault)
		require.Equal(t, int64(1), countDefaults(t, f))

		list, err := f.profiles.List(f.user.ID)
		require.NoError(t, err)
		require.Equal(t, b.ID, list[0].ID)
	})

	t.Run("create flagged default takes over", func(t *testing.T) {
		in := profileInput("C")
		in.IsDefault = true
		c, err := f.profiles.Create(f.user.ID, in)
		require.NoError(t, err)
		require.True(t, c.IsDefault)
		require.Equal(t, int64(1), countDefaults(t, f))
	})

	t.Run("update flagged default takes over", func(t *testing.T) {
		yes := true
		got, err := f.profiles.Update(f.user.ID, a.ID, ProfileUpdate{IsDefault: &yes})
		require.NoError(t, err)
		require.True(t, got.IsDefault)
		require.Equal(t, int64(1), countDefaults(t, f))
	})

	t.Run("unknown profile cannot be default", func(t *testing.T) {
		_, err := f.profiles.SetDefault(f.user.ID, 999)
		require.True(t, IsNotFound(err), "got %v", err)
		require.Equal(t, int64(1), countDefaults(t, f))
	})
}

func TestProfileValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	t.Run("bad sender email", func(t *testing.T) {
		in := profileInput("X")
		in.SenderEmail = "nope"
		_, err := f.profiles.Create(f.user.ID, in)
		require.True(t, IsValidation(err), "got %v", err)
	})

	t.Run("inverted window", func(t *testing.T) {
		in := profileInput("X")
		in.ScheduleEnabled = true
		in.ScheduleStart = "18:00"
		in.ScheduleEnd = "09:00"
		_, err := f.profiles.Create(f.user.ID, in)
		require.True(t, IsValidation(err), "got %v", err)
	})

	t.Run("unknown timezone", func(t *testing.T) {
		in := profileInput("X")
		in.ScheduleEnabled = true
		in.ScheduleTimezone = "Mars/Olympus"
		_, err := f.profiles.Create(f.user.ID, in)
		require.True(t, IsValidation(err), "got %v", err)
	})
}

func TestProfilePasswordsAreSealed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	svc := NewProfileService(f.db, testLogger(), upperSealer{})
	in := profileInput("Mailbox")
	in.SMTPPassword = "hunter2"
	in.IMAPPassword = "swordfish"
	p, err := svc.Create(f.user.ID, in)
	require.NoError(t, err)
	require.Equal(t, "sealed:hunter2", p.SMTPPassword)
	require.Equal(t, "sealed:swordfish", p.IMAPPassword)
	require.Equal(t, "INBOX", p.IMAPMailbox)

	// omitted passwords are left as stored
	name := "Renamed"
	p, err = svc.Update(f.user.ID, p.ID, ProfileUpdate{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "sealed:hunter2", p.SMTPPassword)
}

func TestProfileDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p, err := f.profiles.Create(f.user.ID, profileInput("A"))
	require.NoError(t, err)
	_, err = f.sequences.Create(f.user.ID, SequenceInput{Name: "Uses A", SendingProfileID: &p.ID, Steps: []StepInput{{}}})
	require.NoError(t, err)

	err = f.profiles.Delete(f.user.ID, p.ID)
	require.True(t, IsConflict(err), "got %v", err)

	unused, err := f.profiles.Create(f.user.ID, profileInput("B"))
	require.NoError(t, err)
	require.NoError(t, f.profiles.Delete(f.user.ID, unused.ID))
	_, err = f.profiles.Get(f.user.ID, unused.ID)
	require.True(t, IsNotFound(err))
}

func TestResolveForSequence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seq := f.sequence(t, 0)

	p, err := ResolveForSequence(f.db, seq)
	require.NoError(t, err)
	require.Nil(t, p, "no profile configured")

	def, err := f.profiles.Create(f.user.ID, profileInput("Default"))
	require.NoError(t, err)
	other, err := f.profiles.Create(f.user.ID, profileInput("Other"))
	require.NoError(t, err)

	p, err = ResolveForSequence(f.db, seq)
	require.NoError(t, err)
	require.Equal(t, def.ID, p.ID)

	seq.SendingProfileID = &other.ID
	p, err = ResolveForSequence(f.db, seq)
	require.NoError(t, err)
	require.Equal(t, other.ID, p.ID)
}
