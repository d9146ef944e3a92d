// Package handlers is the JSON API surface. Every handler group hangs off an
// App holding the injected dependencies; routes are registered per concern on
// a plain http.ServeMux with method-qualified patterns.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/updeck/updeck/internal/fleet"
	"github.com/updeck/updeck/internal/inventory"
	"github.com/updeck/updeck/internal/models"
	"github.com/updeck/updeck/internal/sched"
	"github.com/updeck/updeck/internal/soc"
	"github.com/updeck/updeck/internal/sshx"
)

// App holds shared dependencies for all handlers.
type App struct {
	Users      *models.UserStore
	Settings   *models.SettingStore
	Incidents  *models.IncidentStore
	Runs       *models.UpdateRunStore
	Inventory  *inventory.Manager
	Fleet      *fleet.Service
	Sched      *sched.Scheduler
	Correlator *soc.Correlator

	JWTSecret string
	NoAuth    bool // all endpoints open
	Dev       bool
}

// RegisterRoutes mounts every handler group on the mux.
func (app *App) RegisterRoutes(mux *http.ServeMux) {
	app.RegisterAuthRoutes(mux)
	app.RegisterHostRoutes(mux)
	app.RegisterIncidentRoutes(mux)
	app.RegisterBatchRoutes(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "err", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// serviceError maps fleet-layer failures onto HTTP statuses.
func serviceError(w http.ResponseWriter, err error) {
	var connErr *sshx.ConnectError
	switch {
	case errors.Is(err, fleet.ErrUnknownHost):
		writeError(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, fleet.ErrBusy):
		writeError(w, http.StatusConflict, "%v", err)
	case errors.As(err, &connErr):
		writeError(w, http.StatusBadGateway, "%v", err)
	default:
		writeError(w, http.StatusInternalServerError, "%v", err)
	}
}

// auth wraps a handler with JWT bearer authentication.
func (app *App) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if app.NoAuth {
			next(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := app.VerifyToken(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

// VerifyToken validates a JWT and checks it was minted against the user's
// current password hash, so a password change revokes outstanding tokens.
// Also used by the event stream, which carries the token as a query
// parameter.
func (app *App) VerifyToken(token string) error {
	if app.NoAuth {
		return nil
	}
	claims, err := models.VerifyJWT(token, app.JWTSecret)
	if err != nil {
		return err
	}

	user, err := app.Users.FindByUsername(claims.Username)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("unknown user %q", claims.Username)
	}
	if claims.H != models.Shake256Hex(user.Password, 16) {
		return fmt.Errorf("token revoked by password change")
	}
	return nil
}

// decodeBody unmarshals a JSON request body into dst. An empty body leaves
// dst at its zero value, so optional request bodies stay optional.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
