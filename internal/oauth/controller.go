// Package oauth runs the connect / callback / token-exchange flow for the
// Notion, Figma and Claude integrations and renders the popup bridge page.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/example/momento/internal/apperr"
	"github.com/example/momento/internal/tokens"
)

const (
	DefaultProviderTimeout = 15 * time.Second
	maxTokenResponseBytes  = 1 << 20
)

// FlowState is the per-integration connection state machine:
// IDLE -> AWAITING_CALLBACK -> EXCHANGING -> CONNECTED | FAILED.
type FlowState string

const (
	StateIdle             FlowState = "IDLE"
	StateAwaitingCallback FlowState = "AWAITING_CALLBACK"
	StateExchanging       FlowState = "EXCHANGING"
	StateConnected        FlowState = "CONNECTED"
	StateFailed           FlowState = "FAILED"
)

// Observer is told about every state transition; metrics hook in here.
type Observer func(integration tokens.Integration, state FlowState)

type ControllerConfig struct {
	Providers  []Provider
	SiteURL    string
	HTTPClient *http.Client
	Observer   Observer
}

type Controller struct {
	providers  map[tokens.Integration]Provider
	states     *StateManager
	tokens     tokens.Store
	httpClient *http.Client
	siteURL    string
	observe    Observer
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewController(cfg ControllerConfig, states *StateManager, store tokens.Store, log logrus.FieldLogger) *Controller {
	providers := make(map[tokens.Integration]Provider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Integration] = p
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultProviderTimeout}
	}
	observe := cfg.Observer
	if observe == nil {
		observe = func(tokens.Integration, FlowState) {}
	}
	return &Controller{
		providers:  providers,
		states:     states,
		tokens:     store,
		httpClient: httpClient,
		siteURL:    strings.TrimRight(cfg.SiteURL, "/"),
		observe:    observe,
		log:        log,
		now:        time.Now,
	}
}

// RedirectURI is the callback URL registered with the provider. Both legs of
// the flow must send exactly this value.
func (c *Controller) RedirectURI(integration tokens.Integration) string {
	return c.siteURL + "/auth/callback/" + string(integration)
}

func (c *Controller) provider(integration tokens.Integration) (Provider, error) {
	p, ok := c.providers[integration]
	if !ok || !p.Configured() {
		return Provider{}, apperr.New(apperr.ConfigMissing, fmt.Sprintf("%s integration is not configured", integration))
	}
	return p, nil
}

// BeginConnect issues a state and returns the provider authorization URL.
func (c *Controller) BeginConnect(ctx context.Context, userID string, integration tokens.Integration) (string, error) {
	p, err := c.provider(integration)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(userID) == "" {
		return "", apperr.New(apperr.BadRequest, "userId is required")
	}
	state, err := c.states.Issue(ctx, userID, integration)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "could not start authorization", err)
	}
	c.observe(integration, StateAwaitingCallback)
	c.log.WithFields(logrus.Fields{
		"user_id":     userID,
		"integration": integration,
		"state":       tokenPrefix(state),
	}).Info("oauth authorization started")
	return p.AuthCodeURL(state, c.RedirectURI(integration)), nil
}

type CallbackParams struct {
	Integration   tokens.Integration
	Code          string
	State         string
	ProviderError string
}

// Workspace is the user-visible part of a connection.
type Workspace struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Icon string `json:"icon,omitempty"`
}

type Result struct {
	Integration tokens.Integration `json:"integration"`
	UserID      string             `json:"userId"`
	Workspace   *Workspace         `json:"workspace,omitempty"`
}

// HandleCallback validates the state, exchanges the code and persists the
// token. Steps are strictly sequential and nothing is retried: codes are
// single use.
func (c *Controller) HandleCallback(ctx context.Context, in CallbackParams) (*Result, error) {
	log := c.log.WithField("integration", in.Integration)

	if in.ProviderError != "" {
		c.observe(in.Integration, StateFailed)
		log.WithField("provider_error", in.ProviderError).Info("provider denied authorization")
		return nil, apperr.New(apperr.ProviderDenied, "authorization was denied: "+in.ProviderError)
	}
	if in.Code == "" || in.State == "" {
		return nil, apperr.New(apperr.MissingParams, "code and state are required")
	}
	p, err := c.provider(in.Integration)
	if err != nil {
		return nil, err
	}

	claim, err := c.states.Consume(ctx, in.State)
	if err != nil {
		c.observe(in.Integration, StateFailed)
		return nil, err
	}
	if claim.Integration != in.Integration {
		c.observe(in.Integration, StateFailed)
		log.WithField("state_integration", claim.Integration).Warn("oauth state used on the wrong integration callback")
		return nil, apperr.New(apperr.InvalidState, "invalid OAuth state, possible CSRF attempt")
	}
	log = log.WithField("user_id", claim.UserID)

	c.observe(in.Integration, StateExchanging)
	resp, err := c.exchange(ctx, p, map[string]string{
		"grant_type":   "authorization_code",
		"code":         in.Code,
		"redirect_uri": c.RedirectURI(in.Integration),
	})
	if err != nil {
		c.observe(in.Integration, StateFailed)
		log.WithError(err).Error("oauth token exchange failed")
		return nil, err
	}

	now := c.now()
	token := &tokens.IntegrationToken{
		UserID:            claim.UserID,
		Integration:       in.Integration,
		Status:            tokens.StatusConnected,
		AccessToken:       resp.AccessToken,
		RefreshToken:      resp.RefreshToken,
		ExpiresAt:         resp.expiresAt(now),
		WorkspaceMetadata: resp.Metadata,
		LastSyncAt:        now,
	}
	if err := c.tokens.Upsert(ctx, token); err != nil {
		c.observe(in.Integration, StateFailed)
		// the provider has issued a token we could not store; it is not revoked
		log.WithError(err).Error("orphaned oauth token: exchange succeeded but persistence failed, manual reconciliation required")
		return nil, apperr.Wrap(apperr.PersistenceFailed, "could not save the connection", err)
	}

	c.observe(in.Integration, StateConnected)
	log.Info("integration connected")
	return &Result{Integration: in.Integration, UserID: claim.UserID, Workspace: workspaceFrom(resp.Metadata)}, nil
}

type ConnectionStatus struct {
	Connected bool          `json:"connected"`
	Status    tokens.Status `json:"status"`
	Workspace *Workspace    `json:"workspace,omitempty"`
	LastSync  *time.Time    `json:"lastSync,omitempty"`
	ExpiresAt *time.Time    `json:"expiresAt,omitempty"`
}

func (c *Controller) Status(ctx context.Context, userID string, integration tokens.Integration) (*ConnectionStatus, error) {
	t, err := c.tokens.Get(ctx, userID, integration)
	if errors.Is(err, tokens.ErrNotFound) {
		return &ConnectionStatus{Connected: false, Status: tokens.StatusDisconnected}, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "could not load connection", err)
	}
	lastSync := t.LastSyncAt
	return &ConnectionStatus{
		Connected: t.Status == tokens.StatusConnected,
		Status:    t.Status,
		Workspace: workspaceFrom(t.WorkspaceMetadata),
		LastSync:  &lastSync,
		ExpiresAt: t.ExpiresAt,
	}, nil
}

// Disconnect clears the stored token. Disconnecting twice is not an error.
func (c *Controller) Disconnect(ctx context.Context, userID string, integration tokens.Integration) error {
	if err := c.tokens.Delete(ctx, userID, integration); err != nil {
		return apperr.Wrap(apperr.PersistenceFailed, "could not remove the connection", err)
	}
	c.observe(integration, StateIdle)
	c.log.WithFields(logrus.Fields{"user_id": userID, "integration": integration}).Info("integration disconnected")
	return nil
}

// Refresh exchanges the stored refresh token for a new access token. It only
// runs on request; nothing refreshes tokens in the background.
func (c *Controller) Refresh(ctx context.Context, userID string, integration tokens.Integration) (*Result, error) {
	p, err := c.provider(integration)
	if err != nil {
		return nil, err
	}
	current, err := c.tokens.Get(ctx, userID, integration)
	if errors.Is(err, tokens.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "integration is not connected")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "could not load connection", err)
	}
	if current.RefreshToken == "" {
		return nil, apperr.New(apperr.BadRequest, "integration did not issue a refresh token")
	}

	log := c.log.WithFields(logrus.Fields{"user_id": userID, "integration": integration})
	resp, err := c.exchange(ctx, p, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": current.RefreshToken,
	})
	if err != nil {
		log.WithError(err).Warn("oauth token refresh failed")
		current.Status = tokens.StatusError
		if uerr := c.tokens.Upsert(ctx, current); uerr != nil {
			log.WithError(uerr).Error("could not record refresh failure")
		}
		return nil, err
	}

	now := c.now()
	current.Status = tokens.StatusConnected
	current.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		current.RefreshToken = resp.RefreshToken
	}
	current.ExpiresAt = resp.expiresAt(now)
	current.LastSyncAt = now
	if current.WorkspaceMetadata == nil {
		current.WorkspaceMetadata = map[string]any{}
	}
	for k, v := range resp.Metadata {
		current.WorkspaceMetadata[k] = v
	}
	if err := c.tokens.Upsert(ctx, current); err != nil {
		log.WithError(err).Error("orphaned oauth token: refresh succeeded but persistence failed, manual reconciliation required")
		return nil, apperr.Wrap(apperr.PersistenceFailed, "could not save the refreshed connection", err)
	}
	log.Info("integration token refreshed")
	return &Result{Integration: integration, UserID: userID, Workspace: workspaceFrom(current.WorkspaceMetadata)}, nil
}

type tokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Metadata     map[string]any
}

func (r *tokenResponse) expiresAt(now time.Time) *time.Time {
	if r.ExpiresIn <= 0 {
		return nil
	}
	t := now.Add(time.Duration(r.ExpiresIn) * time.Second)
	return &t
}

// exchange posts to the provider token endpoint with HTTP Basic client
// authentication. Any non-2xx answer is TOKEN_EXCHANGE_FAILED.
func (c *Controller) exchange(ctx context.Context, p Provider, params map[string]string) (*tokenResponse, error) {
	var (
		body        []byte
		contentType string
		err         error
	)
	if p.JSONTokenRequest {
		body, err = json.Marshal(params)
		if err != nil {
			return nil, err
		}
		contentType = "application/json"
	} else {
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		body = []byte(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.TokenExchangeFailed, "could not build token request", err)
	}
	req.SetBasicAuth(p.ClientID, p.ClientSecret)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	for k, v := range p.ExtraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TokenExchangeFailed, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, apperr.Wrap(apperr.TokenExchangeFailed, "could not read token response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := firstString(raw, "error_description", "message", "error")
		return nil, apperr.New(apperr.TokenExchangeFailed, fmt.Sprintf("token exchange failed: status=%d %s", resp.StatusCode, reason))
	}

	parsed := gjson.ParseBytes(raw)
	access := parsed.Get("access_token").String()
	if access == "" {
		return nil, apperr.New(apperr.TokenExchangeFailed, "token response did not include an access token")
	}
	out := &tokenResponse{
		AccessToken:  access,
		RefreshToken: parsed.Get("refresh_token").String(),
		ExpiresIn:    parsed.Get("expires_in").Int(),
		Metadata:     map[string]any{},
	}
	for key, path := range p.MetadataPaths {
		if v := parsed.Get(path); v.Exists() && v.Type != gjson.Null {
			out.Metadata[key] = v.Value()
		}
	}
	return out, nil
}

func firstString(raw []byte, paths ...string) string {
	for _, path := range paths {
		if v := gjson.GetBytes(raw, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func workspaceFrom(meta map[string]any) *Workspace {
	if len(meta) == 0 {
		return nil
	}
	str := func(k string) string {
		s, _ := meta[k].(string)
		return s
	}
	w := &Workspace{ID: str("workspace_id"), Name: str("workspace_name"), Icon: str("workspace_icon")}
	if w.Name == "" {
		w.Name = str("account_email")
	}
	if *w == (Workspace{}) {
		return nil
	}
	return w
}
