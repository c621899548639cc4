package classify

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/barline-hq/barline/internal/platform/httpx"
)

// Handler manages classification review endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers classification routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/groups", h.reviewGroups)
	r.Post("/groups/apply", h.applyGroup)
}

func (h *Handler) reviewGroups(w http.ResponseWriter, r *http.Request) {
	in := ReviewInput{}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be a positive integer")
			return
		}
		in.Limit = limit
	}
	if raw := r.URL.Query().Get("statuses"); raw != "" {
		for _, status := range strings.Split(raw, ",") {
			if status = strings.TrimSpace(status); status != "" {
				in.Statuses = append(in.Statuses, status)
			}
		}
	}
	in.OnlyUnclassified = r.URL.Query().Get("unclassified") == "true"

	review, err := h.service.ReviewGroups(r.Context(), in)
	if err != nil {
		h.logger.Error("review groups", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, review)
}

type applyRequest struct {
	Details         string   `json:"details"`
	VendorName      *string  `json:"vendorName"`
	ExpenseCategory *string  `json:"expenseCategory"`
	Statuses        []string `json:"statuses"`
}

func (h *Handler) applyGroup(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	outcome, err := h.service.Apply(r.Context(), ApplyInput{
		Details:         req.Details,
		VendorName:      req.VendorName,
		ExpenseCategory: req.ExpenseCategory,
		Statuses:        req.Statuses,
		ActorID:         actorID(r),
	})
	if err != nil {
		h.logger.Error("apply group classification", slog.String("details", req.Details), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, outcome)
}

func actorID(r *http.Request) int64 {
	if raw := r.Header.Get("X-Actor-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return 0
}
