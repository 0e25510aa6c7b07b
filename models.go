package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/example/momento/internal/canvas"
)

const maxBodyBytes = 4 << 20

type connectRequest struct {
	UserID string `json:"userId"`
}

type connectResponse struct {
	AuthURL string `json:"authUrl"`
}

// exchangeRequest carries what the popup relayed to the opener.
type exchangeRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
	Error string `json:"error"`
}

// saveCanvasRequest accepts {"canvasData": {...}} or the canvas object itself.
type saveCanvasRequest struct {
	Wrapped  *canvas.CanvasData `json:"canvasData"`
	Nodes    json.RawMessage    `json:"nodes"`
	Edges    json.RawMessage    `json:"edges"`
	Viewport json.RawMessage    `json:"viewport"`
}

func (r saveCanvasRequest) data() canvas.CanvasData {
	if r.Wrapped != nil {
		return *r.Wrapped
	}
	return canvas.CanvasData{Nodes: r.Nodes, Edges: r.Edges, Viewport: r.Viewport}
}

type positionsRequest struct {
	Positions []canvas.PositionUpdate `json:"positions"`
}

type inviteRequest struct {
	Email string      `json:"email"`
	Role  canvas.Role `json:"role"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// decodeJSON reads a bounded JSON body. An empty body decodes to the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "BAD_REQUEST", "Request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
	return false
}
