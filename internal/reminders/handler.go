package reminders

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/barline-hq/barline/internal/platform/httpx"
)

// Handler exposes the cron trigger endpoint for the reminder sweep.
type Handler struct {
	logger  *slog.Logger
	sweeper *Sweeper
	secret  string
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, sweeper *Sweeper, secret string) *Handler {
	return &Handler{logger: logger, sweeper: sweeper, secret: secret}
}

// MountRoutes registers cron routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/reminders/sweep", h.sweep)
}

// sweep authorises the caller before the lock table is touched, then runs one
// guarded pass. Duplicate triggers return skipped=true.
func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.logger.Error("reminder sweep", slog.String("run_key", result.RunKey), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}
