package handlers

import (
	"log/slog"
	"net/http"

	"github.com/updeck/updeck/internal/models"
)

const adminUsername = "admin"

// devAdminPassword seeds the admin account in dev mode so local setups work
// out of the box. Production first runs get a generated password instead.
const devAdminPassword = "admin"

func (app *App) RegisterAuthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", app.handleLogin)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (app *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := app.Users.FindByUsername(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if user == nil || !models.VerifyPassword(req.Password, user.Password) {
		// Identical answer for unknown user and wrong password.
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := models.CreateJWT(user, app.JWTSecret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token creation failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// EnsureAdmin creates the admin account on first run. Dev mode seeds a known
// password; otherwise one is generated and logged exactly once — it is not
// recoverable later, only resettable.
func EnsureAdmin(users *models.UserStore, dev bool) error {
	count, err := users.Count()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password := devAdminPassword
	if !dev {
		password, err = models.GenSecret(24)
		if err != nil {
			return err
		}
	}

	if _, err := users.Create(adminUsername, password); err != nil {
		return err
	}

	if dev {
		slog.Info("admin user created", "username", adminUsername, "password", devAdminPassword)
	} else {
		slog.Info("admin user created, note the password now",
			"username", adminUsername, "password", password)
	}
	return nil
}
