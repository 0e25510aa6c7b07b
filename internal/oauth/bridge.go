package oauth

import (
	_ "embed"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/example/momento/internal/tokens"
)

//go:embed bridge.js
var bridgeScript []byte

// BridgeMessage is posted from the callback popup to window.opener.
type BridgeMessage struct {
	Type        string             `json:"type"`
	Success     bool               `json:"success"`
	Integration tokens.Integration `json:"integration"`
	Workspace   *Workspace         `json:"workspace,omitempty"`
	ErrorCode   string             `json:"errorCode,omitempty"`
	Error       string             `json:"error,omitempty"`
	// Code and State are only set in relay mode, where the opener completes
	// the exchange through POST /api/{integration}/exchange.
	Code  string `json:"code,omitempty"`
	State string `json:"state,omitempty"`
}

func SuccessMessage(integration tokens.Integration, ws *Workspace) BridgeMessage {
	return BridgeMessage{
		Type:        strings.ToUpper(string(integration)) + "_OAUTH_SUCCESS",
		Success:     true,
		Integration: integration,
		Workspace:   ws,
	}
}

func ErrorMessage(integration tokens.Integration, code, message string) BridgeMessage {
	return BridgeMessage{
		Type:        strings.ToUpper(string(integration)) + "_OAUTH_ERROR",
		Integration: integration,
		ErrorCode:   code,
		Error:       message,
	}
}

func RelayMessage(integration tokens.Integration, code, state string) BridgeMessage {
	m := SuccessMessage(integration, nil)
	m.Code = code
	m.State = state
	return m
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<p>{{.Title}}. This window will close automatically.</p>
<script>
(function () {
  var message = {{.Message}};
  var targetOrigin = {{.Origin}};
  try {
    if (window.opener) {
      window.opener.postMessage(message, targetOrigin);
    }
  } finally {
    window.close();
  }
})();
</script>
</body>
</html>
`))

// Bridge renders the callback popup page. Messages are only ever posted to
// the configured site origin.
type Bridge struct {
	origin string
}

// NewBridge derives the postMessage target origin from siteURL.
func NewBridge(siteURL string) (*Bridge, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("site url %q must be absolute", siteURL)
	}
	return &Bridge{origin: u.Scheme + "://" + u.Host}, nil
}

func (b *Bridge) Origin() string { return b.origin }

// Render writes the page for msg. The status is always 200 so the popup
// script runs and closes the window.
func (b *Bridge) Render(w http.ResponseWriter, msg BridgeMessage) error {
	title := "Connection complete"
	if !msg.Success {
		title = "Connection failed"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'unsafe-inline'")
	return callbackPage.Execute(w, struct {
		Title   string
		Message BridgeMessage
		Origin  string
	}{Title: title, Message: msg, Origin: b.origin})
}

// ScriptHandler serves the openAndAwait browser helper.
func ScriptHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(bridgeScript)
	})
}
