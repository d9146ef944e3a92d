package handlers

import (
	"net/http"
	"strconv"
)

func (app *App) RegisterIncidentRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/incidents", app.auth(app.handleListIncidents))
	mux.HandleFunc("GET /api/incidents/{id}", app.auth(app.handleGetIncident))
	mux.HandleFunc("POST /api/incidents/{id}/resolve", app.auth(app.handleResolveIncident))
	mux.HandleFunc("GET /api/correlation/groups", app.auth(app.handleListGroups))
	mux.HandleFunc("POST /api/correlation/groups/{id}/resolve", app.auth(app.handleResolveGroup))
}

func (app *App) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("resolved") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	incidents, err := app.Incidents.List(limit, includeResolved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (app *App) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid incident id")
		return
	}

	inc, err := app.Incidents.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if inc == nil {
		writeError(w, http.StatusNotFound, "incident %d not found", id)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (app *App) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid incident id")
		return
	}

	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	existing, err := app.Incidents.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "incident %d not found", id)
		return
	}

	inc, err := app.Incidents.Resolve(id, req.Notes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (app *App) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := app.Correlator.Groups()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

type resolveGroupResponse struct {
	Resolved int `json:"resolved"`
}

func (app *App) handleResolveGroup(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	n, err := app.Correlator.ResolveGroup(r.PathValue("id"), req.Notes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if n == 0 {
		writeError(w, http.StatusNotFound, "correlation group not found")
		return
	}
	writeJSON(w, http.StatusOK, resolveGroupResponse{Resolved: n})
}
