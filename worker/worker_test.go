package worker

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

const multipartReply = "From: Ann Lee <Ann@Example.com>\r\n" +
	"To: sam@acme.io\r\n" +
	"Subject: Re: Quick question\r\n" +
	"Date: Mon, 03 Mar 2025 14:30:00 +0000\r\n" +
	"Message-ID: <reply-1@example.com>\r\n" +
	"In-Reply-To: <abc@acme.io>\r\n" +
	"References: <first@acme.io> <abc@acme.io>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Sounds good,\r\n   let's talk   Thursday.\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Sounds good</p>\r\n" +
	"--b1--\r\n"

func TestParseInbound(t *testing.T) {
	t.Parallel()

	t.Run("reads headers and the plain text part", func(t *testing.T) {
		reply, err := parseInbound(strings.NewReader(multipartReply), nil)
		require.NoError(t, err)
		require.Equal(t, "Ann@Example.com", reply.FromEmail)
		require.Equal(t, "reply-1@example.com", reply.MessageID)
		require.Equal(t, "abc@acme.io", reply.InReplyTo)
		require.Equal(t, []string{"first@acme.io", "abc@acme.io"}, reply.References)
		require.Equal(t, "Re: Quick question", reply.Subject)
		require.Equal(t, "Sounds good, let's talk Thursday.", reply.Snippet)
		require.True(t, reply.ReceivedAt.Equal(time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)))
	})

	t.Run("falls back to the envelope", func(t *testing.T) {
		raw := "Content-Type: text/plain\r\n\r\nThanks!\r\n"
		env := &imap.Envelope{
			Date:      time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC),
			Subject:   "Re: Hello",
			From:      []*imap.Address{{MailboxName: "bob", HostName: "example.com"}},
			MessageId: "<env-1@example.com>",
			InReplyTo: "<abc@acme.io>",
		}
		reply, err := parseInbound(strings.NewReader(raw), env)
		require.NoError(t, err)
		require.Equal(t, "bob@example.com", reply.FromEmail)
		require.Equal(t, "<env-1@example.com>", reply.MessageID)
		require.Equal(t, "<abc@acme.io>", reply.InReplyTo)
		require.Equal(t, "Re: Hello", reply.Subject)
		require.Equal(t, "Thanks!", reply.Snippet)
	})

	t.Run("no sender is an error", func(t *testing.T) {
		_, err := parseInbound(strings.NewReader("Subject: x\r\n\r\nbody\r\n"), nil)
		require.Error(t, err)
	})
}

func TestSnippet(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a b c", snippet("  a\n\tb   c \r\n"))
	require.Len(t, snippet(strings.Repeat("x", 1000)), snippetMaxChars)
}

func TestWorkersRejectBadSchedules(t *testing.T) {
	t.Parallel()

	dw := NewDispatchWorker(nil, nil, "not a schedule", time.Minute, quietLogger())
	require.Error(t, dw.Start(context.Background()))

	rw := NewReplyWorker(nil, nil, nil, "every tuesday-ish", quietLogger())
	require.Error(t, rw.Start(context.Background()))
}

func TestWorkersStopWithContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dw := NewDispatchWorker(nil, nil, "@every 1h", time.Minute, quietLogger())
	require.NoError(t, dw.Start(ctx))

	rw := NewReplyWorker(nil, nil, nil, "@every 1h", quietLogger())
	require.NoError(t, rw.Start(ctx))
}
