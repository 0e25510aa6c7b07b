package main

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/example/momento/internal/apperr"
	"github.com/example/momento/internal/oauth"
	"github.com/example/momento/internal/tokens"
)

func integrationParam(w http.ResponseWriter, r *http.Request) (tokens.Integration, bool) {
	integration, err := tokens.ParseIntegration(mux.Vars(r)["integration"])
	if err != nil {
		writeError(w, http.StatusBadRequest, string(apperr.BadRequest), "Unknown integration")
		return "", false
	}
	return integration, true
}

// HandleConnect starts an OAuth flow and returns the provider authorization
// URL. The body names the user; a bearer token, when sent, must belong to
// that same user.
func (a *App) HandleConnect(w http.ResponseWriter, r *http.Request) {
	integration, ok := integrationParam(w, r)
	if !ok {
		return
	}
	var req connectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if u, ok := userFrom(r.Context()); ok {
		if req.UserID == "" {
			req.UserID = u.ID
		}
		if req.UserID != u.ID {
			writeError(w, http.StatusForbidden, string(apperr.Forbidden), "userId does not match the authenticated user")
			return
		}
	}

	authURL, err := a.oauth.BeginConnect(r.Context(), req.UserID, integration)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{AuthURL: authURL})
}

// HandleCallback is the provider redirect target. It always answers with the
// popup page, which posts the outcome to the opener and closes itself.
func (a *App) HandleCallback(w http.ResponseWriter, r *http.Request) {
	integration, err := tokens.ParseIntegration(mux.Vars(r)["integration"])
	if err != nil {
		writeError(w, http.StatusNotFound, string(apperr.NotFound), "Unknown integration")
		return
	}
	q := r.URL.Query()
	params := oauth.CallbackParams{
		Integration:   integration,
		Code:          q.Get("code"),
		State:         q.Get("state"),
		ProviderError: q.Get("error"),
	}
	if params.ProviderError != "" {
		if desc := q.Get("error_description"); desc != "" {
			params.ProviderError += ": " + desc
		}
	}

	var msg oauth.BridgeMessage
	if a.relayCallbacks && params.ProviderError == "" && params.Code != "" && params.State != "" {
		msg = oauth.RelayMessage(integration, params.Code, params.State)
	} else {
		msg = a.completeCallback(r, params)
	}
	if err := a.bridge.Render(w, msg); err != nil {
		a.log.WithError(err).WithField("integration", integration).Error("render oauth callback page")
	}
}

func (a *App) completeCallback(r *http.Request, params oauth.CallbackParams) oauth.BridgeMessage {
	res, err := a.oauth.HandleCallback(r.Context(), params)
	if err != nil {
		code := apperr.CodeOf(err)
		message := "The connection could not be completed"
		var ae *apperr.Error
		if code != apperr.Internal && errors.As(err, &ae) {
			message = ae.Message
		}
		return oauth.ErrorMessage(params.Integration, string(code), message)
	}
	return oauth.SuccessMessage(params.Integration, res.Workspace)
}

// HandleExchange completes a relayed callback: the opener posts the code and
// state it received from the popup.
func (a *App) HandleExchange(w http.ResponseWriter, r *http.Request) {
	integration, ok := integrationParam(w, r)
	if !ok {
		return
	}
	var req exchangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := a.oauth.HandleCallback(r.Context(), oauth.CallbackParams{
		Integration:   integration,
		Code:          req.Code,
		State:         req.State,
		ProviderError: req.Error,
	})
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	if u, ok := userFrom(r.Context()); ok && u.ID != res.UserID {
		a.log.WithFields(logrus.Fields{"user_id": u.ID, "integration": integration}).
			Warn("relayed oauth exchange completed for a different user than the caller")
	}
	writeJSON(w, http.StatusOK, oauth.SuccessMessage(integration, res.Workspace))
}

func (a *App) HandleIntegrationStatus(w http.ResponseWriter, r *http.Request) {
	integration, ok := integrationParam(w, r)
	if !ok {
		return
	}
	u, _ := userFrom(r.Context())
	status, err := a.oauth.Status(r.Context(), u.ID, integration)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *App) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	integration, ok := integrationParam(w, r)
	if !ok {
		return
	}
	u, _ := userFrom(r.Context())
	if err := a.oauth.Disconnect(r.Context(), u.ID, integration); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	integration, ok := integrationParam(w, r)
	if !ok {
		return
	}
	u, _ := userFrom(r.Context())
	res, err := a.oauth.Refresh(r.Context(), u.ID, integration)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}
