package utils

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"coldreach/config"
	"coldreach/models"
	"coldreach/services"

	"github.com/stretchr/testify/require"
)

func TestValidateStruct(t *testing.T) {
	t.Parallel()

	type payload struct {
		Email     string   `validate:"required,email"`
		FirstName string   `validate:"max=3"`
		Status    string   `validate:"omitempty,oneof=active paused"`
		LeadIDs   []uint   `validate:"min=1"`
		Port      int      `validate:"gte=1"`
		Tags      []string `validate:"omitempty"`
	}

	require.NoError(t, ValidateStruct(payload{Email: "a@b.co", LeadIDs: []uint{1}, Port: 1}))

	err := ValidateStruct(payload{FirstName: "Annabel", Status: "gone"})
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "email is required")
	require.Contains(t, msg, "first_name must be at most 3 characters")
	require.Contains(t, msg, "status must be one of: active, paused")
	require.Contains(t, msg, "lead_ids must contain at least 1 item(s)")
	require.Contains(t, msg, "port must be greater than or equal to 1")
}

func TestToSnake(t *testing.T) {
	t.Parallel()

	require.Equal(t, "first_name", toSnake("FirstName"))
	require.Equal(t, "lead_ids", toSnake("LeadIDs"))
	require.Equal(t, "email", toSnake("Email"))
}

func TestAESSealer(t *testing.T) {
	t.Parallel()

	s := NewAESSealer("0123456789abcdef0123456789abcdef")

	sealed, err := s.Encrypt("hunter2")
	require.NoError(t, err)
	require.NotContains(t, sealed, "hunter2")

	again, err := s.Encrypt("hunter2")
	require.NoError(t, err)
	require.NotEqual(t, sealed, again, "each seal uses a fresh iv")

	plain, err := s.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, "hunter2", plain)

	empty, err := s.Encrypt("")
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = s.Decrypt("c2hvcnQ=")
	require.Error(t, err)

	// tampering is detected
	raw, err := base64.URLEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	_, err = s.Decrypt(base64.URLEncoding.EncodeToString(raw))
	require.Error(t, err)

	_, err = NewAESSealer("fedcba9876543210fedcba9876543210").Decrypt(sealed)
	require.Error(t, err)

	_, err = NewAESSealer("short").Encrypt("x")
	require.Error(t, err)
}

func genRequest(template, prompt string) services.GenerationRequest {
	return services.GenerationRequest{
		Lead:    &models.Lead{Email: "ann@acme.io", FirstName: "Ann", Company: "Acme"},
		Profile: &models.SendingProfile{SenderName: "Sam", SenderCompany: "Coldreach"},
		Step: &models.SequenceStep{
			StepNumber: 1,
			Name:       "Intro",
			Subject:    "Quick question for {company}",
			Template:   template,
			AIPrompt:   prompt,
		},
	}
}

func TestRenderTemplate(t *testing.T) {
	t.Parallel()

	t.Run("fills placeholders and wraps paragraphs", func(t *testing.T) {
		out, err := RenderTemplate(genRequest("Hi {first_name},\n\nI work at {sender_company}.\nCheers, {sender_name}", ""))
		require.NoError(t, err)
		require.Equal(t, "Quick question for Acme", out.Subject)
		require.Equal(t, "<p>Hi Ann,</p><p>I work at Coldreach.<br>Cheers, Sam</p>", out.Body)
	})

	t.Run("html templates pass through", func(t *testing.T) {
		out, err := RenderTemplate(genRequest("<p>Hello {first_name}</p>", ""))
		require.NoError(t, err)
		require.Equal(t, "<p>Hello Ann</p>", out.Body)
	})

	t.Run("subject falls back to the step name", func(t *testing.T) {
		req := genRequest("Hello", "")
		req.Step.Subject = ""
		out, err := RenderTemplate(req)
		require.NoError(t, err)
		require.Equal(t, "Intro", out.Subject)
	})

	t.Run("the prompt is never used as a body", func(t *testing.T) {
		_, err := RenderTemplate(genRequest("", "Ask about their hiring plans"))
		require.ErrorIs(t, err, ErrNoTemplate)
	})
}

func openAIStub(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := status
		if r.Header.Get("Authorization") != "Bearer test-key" {
			code = http.StatusUnauthorized
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAIGenerator(t *testing.T) {
	t.Parallel()

	t.Run("uses the model response", func(t *testing.T) {
		srv := openAIStub(t, http.StatusOK, `{"subject":"Hello Ann","body":"Line one\n\nLine two"}`)
		g := NewAIGenerator("test-key", "gpt-4o-mini", nil)
		g.Endpoint = srv.URL

		out, err := g.Generate(context.Background(), genRequest("Template {first_name}", "Be brief"))
		require.NoError(t, err)
		require.Equal(t, "Hello Ann", out.Subject)
		require.Equal(t, "<p>Line one</p><p>Line two</p>", out.Body)
	})

	t.Run("falls back to the template on failure", func(t *testing.T) {
		srv := openAIStub(t, http.StatusServiceUnavailable, "")
		g := NewAIGenerator("test-key", "gpt-4o-mini", nil)
		g.Endpoint = srv.URL

		out, err := g.Generate(context.Background(), genRequest("Template {first_name}", "Be brief"))
		require.NoError(t, err)
		require.Equal(t, "<p>Template Ann</p>", out.Body)
	})

	t.Run("fails without a template", func(t *testing.T) {
		srv := openAIStub(t, http.StatusServiceUnavailable, "")
		g := NewAIGenerator("test-key", "gpt-4o-mini", nil)
		g.Endpoint = srv.URL

		_, err := g.Generate(context.Background(), genRequest("", "Be brief"))
		require.Error(t, err)
		require.Contains(t, err.Error(), "overloaded")
	})

	t.Run("no key and no template refuses to write", func(t *testing.T) {
		g := NewAIGenerator("", "gpt-4o-mini", nil)
		_, err := g.Generate(context.Background(), genRequest("", "Internal: pitch the enterprise plan"))
		require.ErrorIs(t, err, ErrNoTemplate)
	})

	t.Run("no key renders the template", func(t *testing.T) {
		g := NewAIGenerator("", "gpt-4o-mini", nil)
		out, err := g.Generate(context.Background(), genRequest("Hi {first_name}", "Be brief"))
		require.NoError(t, err)
		require.Equal(t, "<p>Hi Ann</p>", out.Body)
	})
}

func TestBuildMessage(t *testing.T) {
	t.Parallel()

	m := NewSMTPMailer(config.SMTPConfig{FromEmail: "noreply@coldreach.io"}, nil)
	g, id := m.buildMessage(services.OutboundEmail{
		Profile:    &models.SendingProfile{SenderEmail: "sam@acme.io", SenderName: "Sam"},
		To:         "ann@example.com",
		ToName:     "Ann",
		Subject:    "Following up",
		HTMLBody:   "<p>Hi</p>",
		InReplyTo:  "first@acme.io",
		References: []string{"first@acme.io"},
		TrackingID: "seq_1_2_abc",
	})
	require.True(t, strings.HasSuffix(id, "@acme.io"))
	require.False(t, strings.HasPrefix(id, "<"))

	var buf bytes.Buffer
	_, err := g.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	require.Contains(t, raw, "Message-ID: <"+id+">")
	require.Contains(t, raw, "In-Reply-To: <first@acme.io>")
	require.Contains(t, raw, "References: <first@acme.io>")
	require.Contains(t, raw, "X-Tracking-ID: seq_1_2_abc")
	require.Contains(t, raw, `From: "Sam" <sam@acme.io>`)

	t.Run("system account without a profile", func(t *testing.T) {
		_, id := m.buildMessage(services.OutboundEmail{To: "ann@example.com", HTMLBody: "<p>x</p>"})
		require.True(t, strings.HasSuffix(id, "@coldreach.io"))

		_, err := m.dialer(nil)
		require.Error(t, err)
	})
}

func TestJWTRoundTrip(t *testing.T) {
	config.AppConfig.JWTSecret = "test-secret"

	user := &models.User{TokenVersion: 3}
	user.ID = 7
	token, expires, err := GenerateJWTToken(user)
	require.NoError(t, err)
	require.False(t, expires.IsZero())

	claims, err := ParseJWTToken(token)
	require.NoError(t, err)
	require.Equal(t, uint(7), claims.UserID)
	require.Equal(t, 3, claims.TokenVersion)

	_, err = ParseJWTToken(token + "x")
	require.Error(t, err)
}
