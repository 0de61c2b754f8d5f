package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInjectTracking(t *testing.T) {
	t.Parallel()

	html := `<p>Hi</p><a href="https://acme.io/a?b=1">a</a> <a href="mailto:x@y.z">mail</a> <a href="/relative">r</a>`
	out := InjectTracking(html, "https://t.example.com/", "seq_1_1_abc")

	require.Contains(t, out, `href="https://t.example.com/track/click/seq_1_1_abc?url=https%3A%2F%2Facme.io%2Fa%3Fb%3D1"`)
	require.Contains(t, out, `href="mailto:x@y.z"`)
	require.Contains(t, out, `href="/relative"`)
	require.True(t, strings.HasSuffix(out, `<img src="https://t.example.com/track/open/seq_1_1_abc" alt="" width="1" height="1" style="display:none">`))

	require.Equal(t, html, InjectTracking(html, "", "seq_1_1_abc"))
	require.Equal(t, html, InjectTracking(html, "https://t.example.com", ""))
}

func TestValidateRedirect(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"https://acme.io", "http://acme.io/path?q=1"} {
		got, err := ValidateRedirect(ok)
		require.NoError(t, err, ok)
		require.Equal(t, ok, got)
	}
	for _, bad := range []string{"", "javascript:alert(1)", "/local", "ftp://acme.io", "https://"} {
		_, err := ValidateRedirect(bad)
		require.True(t, IsValidation(err), bad)
	}
}

func TestNewTrackingID(t *testing.T) {
	t.Parallel()

	a := NewTrackingID(12, 3)
	b := NewTrackingID(12, 3)
	require.True(t, strings.HasPrefix(a, "seq_12_3_"))
	require.NotEqual(t, a, b)
}
