package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/momento/internal/canvas"
	"github.com/example/momento/internal/metrics"
)

// Every handler here sits behind BearerAuth, so the user is always present.
func currentUserID(r *http.Request) string {
	u, _ := userFrom(r.Context())
	return u.ID
}

func (a *App) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := a.canvas.ListProjects(r.Context(), currentUserID(r))
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (a *App) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	var in canvas.CreateProjectInput
	if !decodeJSON(w, r, &in) {
		return
	}
	u, _ := userFrom(r.Context())
	p, err := a.canvas.CreateProject(r.Context(), u.ID, u.Email, in)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *App) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := a.canvas.GetProject(r.Context(), mux.Vars(r)["id"], currentUserID(r))
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) HandleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var in canvas.UpdateProjectInput
	if !decodeJSON(w, r, &in) {
		return
	}
	p, err := a.canvas.UpdateProject(r.Context(), mux.Vars(r)["id"], currentUserID(r), in)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) HandleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := a.canvas.DeleteProject(r.Context(), mux.Vars(r)["id"], currentUserID(r)); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (a *App) HandleGetCanvas(w http.ResponseWriter, r *http.Request) {
	snap, err := a.canvas.GetCanvas(r.Context(), mux.Vars(r)["id"], currentUserID(r))
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *App) HandleSaveCanvas(w http.ResponseWriter, r *http.Request) {
	var req saveCanvasRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	snap, err := a.canvas.SaveCanvas(r.Context(), mux.Vars(r)["id"], currentUserID(r), req.data())
	metrics.RecordCanvasSave(err)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *App) HandleListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := a.canvas.ListBlocks(r.Context(), mux.Vars(r)["id"], currentUserID(r))
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (a *App) HandleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var in canvas.BlockInput
	if !decodeJSON(w, r, &in) {
		return
	}
	b, err := a.canvas.CreateBlock(r.Context(), mux.Vars(r)["id"], currentUserID(r), in)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *App) HandleUpdateBlock(w http.ResponseWriter, r *http.Request) {
	var patch canvas.BlockPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	vars := mux.Vars(r)
	b, err := a.canvas.UpdateBlock(r.Context(), vars["id"], currentUserID(r), vars["blockId"], patch)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *App) HandleUpdateBlockPositions(w http.ResponseWriter, r *http.Request) {
	var req positionsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	blocks, err := a.canvas.UpdateBlockPositions(r.Context(), mux.Vars(r)["id"], currentUserID(r), req.Positions)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (a *App) HandleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.canvas.DeleteBlock(r.Context(), vars["id"], currentUserID(r), vars["blockId"]); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (a *App) HandleListRelations(w http.ResponseWriter, r *http.Request) {
	relations, err := a.canvas.ListRelations(r.Context(), mux.Vars(r)["id"], currentUserID(r))
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, relations)
}

func (a *App) HandleCreateRelation(w http.ResponseWriter, r *http.Request) {
	var in canvas.RelationInput
	if !decodeJSON(w, r, &in) {
		return
	}
	rel, err := a.canvas.CreateRelation(r.Context(), mux.Vars(r)["id"], currentUserID(r), in)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (a *App) HandleDeleteRelation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.canvas.DeleteRelation(r.Context(), vars["id"], currentUserID(r), vars["relationId"]); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (a *App) HandleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := a.canvas.ListMembers(r.Context(), mux.Vars(r)["id"], currentUserID(r))
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (a *App) HandleInviteMember(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := a.canvas.InviteMember(r.Context(), mux.Vars(r)["id"], currentUserID(r), req.Email, req.Role)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *App) HandleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	u, _ := userFrom(r.Context())
	p, err := a.canvas.AcceptInvitation(r.Context(), mux.Vars(r)["token"], u.ID, u.Email)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeSuccess(w, http.StatusOK, p)
}
