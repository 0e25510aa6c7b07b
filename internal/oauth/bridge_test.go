package oauth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/momento/internal/tokens"
)

func TestNewBridgeOrigin(t *testing.T) {
	b, err := NewBridge("https://app.example.com/some/path?x=1")
	require.NoError(t, err)
	require.Equal(t, "https://app.example.com", b.Origin())

	_, err = NewBridge("/relative")
	require.Error(t, err)
}

func TestCallbackPageNeverTargetsWildcard(t *testing.T) {
	b, err := NewBridge("https://app.example.com")
	require.NoError(t, err)

	for _, msg := range []BridgeMessage{
		SuccessMessage(tokens.Notion, &Workspace{Name: "Acme"}),
		ErrorMessage(tokens.Figma, "INVALID_STATE", "invalid OAuth state"),
		RelayMessage(tokens.Claude, "code-1", "state-1"),
	} {
		rec := httptest.NewRecorder()
		require.NoError(t, b.Render(rec, msg))
		body := rec.Body.String()

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		require.Contains(t, body, "app.example.com")
		require.Contains(t, body, msg.Type)
		require.Contains(t, body, "window.close()")
		require.NotContains(t, body, `"*"`)
		require.NotContains(t, body, `'*'`)
	}
}

func TestCallbackPageEscapesProviderText(t *testing.T) {
	b, err := NewBridge("https://app.example.com")
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	require.NoError(t, b.Render(rec, ErrorMessage(tokens.Notion, "PROVIDER_DENIED", `</script><script>alert(1)</script>`)))
	require.Equal(t, 1, strings.Count(rec.Body.String(), "</script>"))
}

func TestMessageTypes(t *testing.T) {
	require.Equal(t, "NOTION_OAUTH_SUCCESS", SuccessMessage(tokens.Notion, nil).Type)
	require.Equal(t, "FIGMA_OAUTH_ERROR", ErrorMessage(tokens.Figma, "X", "y").Type)
	relay := RelayMessage(tokens.Claude, "c", "s")
	require.True(t, relay.Success)
	require.Equal(t, "c", relay.Code)
	require.Equal(t, "s", relay.State)
}

func TestScriptHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	ScriptHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/oauth-bridge.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "javascript")
	body := rec.Body.String()
	require.Contains(t, body, "openAndAwait")
	require.Contains(t, body, "event.origin !== expectedOrigin")
}
