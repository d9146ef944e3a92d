package handlers

import (
	"net/http"

	"github.com/updeck/updeck/internal/fleet"
)

func (app *App) RegisterHostRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/hosts", app.auth(app.handleListHosts))
	mux.HandleFunc("GET /api/hosts/{name}/containers", app.auth(app.handleListContainers))
	mux.HandleFunc("POST /api/hosts/{name}/containers/{container}/update", app.auth(app.handleUpdateContainer))
	mux.HandleFunc("GET /api/hosts/{name}/packages", app.auth(app.handleCheckPackages))
	mux.HandleFunc("POST /api/hosts/{name}/packages/update", app.auth(app.handleApplyPackages))
}

// hostView is the API shape of one inventory host. Credential blobs never
// leave the server.
type hostView struct {
	Name       string            `json:"name"`
	Address    string            `json:"address"`
	Kind       string            `json:"kind"`
	Tags       []string          `json:"tags,omitempty"`
	Containers bool              `json:"containers"`
	System     bool              `json:"system"`
	Security   bool              `json:"security"`
	LastStatus *fleet.HostStatus `json:"lastStatus,omitempty"`
}

func (app *App) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts := app.Inventory.Hosts()

	views := make([]hostView, 0, len(hosts))
	for i := range hosts {
		h := &hosts[i]
		view := hostView{
			Name:       h.Name,
			Address:    h.Address,
			Kind:       h.Kind,
			Tags:       h.Tags,
			Containers: h.ContainersEnabled(),
			System:     h.SystemEnabled(),
			Security:   h.SecurityEnabled(),
		}
		if st, ok := app.Fleet.LastStatus(h.Name); ok {
			view.LastStatus = &st
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (app *App) handleListContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := app.Fleet.ListContainers(r.Context(), r.PathValue("name"))
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

type updateContainerRequest struct {
	// Image is the replacement reference; empty re-pulls the current one.
	Image string `json:"image"`
}

func (app *App) handleUpdateContainer(w http.ResponseWriter, r *http.Request) {
	var req updateContainerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	attempt, err := app.Fleet.UpdateContainer(r.Context(),
		r.PathValue("name"), r.PathValue("container"), req.Image)
	if err != nil {
		serviceError(w, err)
		return
	}
	// A failed-and-rolled-back update is still a completed request; the
	// attempt carries the outcome.
	writeJSON(w, http.StatusOK, attempt)
}

func (app *App) handleCheckPackages(w http.ResponseWriter, r *http.Request) {
	report, err := app.Fleet.CheckHostPackages(r.Context(), r.PathValue("name"))
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type applyPackagesRequest struct {
	// Packages limits the upgrade; empty upgrades everything.
	Packages []string `json:"packages"`
}

func (app *App) handleApplyPackages(w http.ResponseWriter, r *http.Request) {
	var req applyPackagesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report, err := app.Fleet.ApplyHostPackages(r.Context(), r.PathValue("name"), req.Packages)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
