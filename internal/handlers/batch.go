package handlers

import (
	"net/http"
	"strconv"
)

func (app *App) RegisterBatchRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/updates", app.auth(app.handleListRuns))
	mux.HandleFunc("POST /api/check-updates/run", app.auth(app.handleRunCheck))
	mux.HandleFunc("POST /api/analyze/run", app.auth(app.handleRunAnalyze))
	mux.HandleFunc("GET /healthz", app.handleHealthz)
}

func (app *App) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := app.Runs.List(r.URL.Query().Get("host"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (app *App) handleRunCheck(w http.ResponseWriter, r *http.Request) {
	report, err := app.Sched.RunCheckNow(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (app *App) handleRunAnalyze(w http.ResponseWriter, r *http.Request) {
	report, err := app.Sched.RunAnalyzeNow(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (app *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
