package receipts

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/barline-hq/barline/internal/platform/httpx"
)

// Handler manages receipt reconciliation endpoints.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	retro          *RetroRunner
	validate       *validator.Validate
	maxUploadBytes int64
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, retro *RetroRunner, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 5 << 20
	}
	return &Handler{
		logger:         logger,
		service:        service,
		retro:          retro,
		validate:       validator.New(),
		maxUploadBytes: maxUploadBytes,
	}
}

// MountRoutes registers receipt routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/statements", h.importStatement)

	r.Route("/transactions/{id}", func(r chi.Router) {
		r.Get("/", h.getTransaction)
		r.Post("/mark", h.markTransaction)
		r.Post("/classification", h.updateClassification)
		r.Get("/logs", h.transactionLogs)
		r.Post("/files", h.attachFile)
	})
	r.Delete("/files/{fileID}", h.removeFile)

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.listRules)
		r.Post("/", h.createRule)
		r.Get("/{id}", h.getRule)
		r.Put("/{id}", h.updateRule)
		r.Delete("/{id}", h.disableRule)
		r.Get("/{id}/logs", h.ruleLogs)
		r.Post("/{id}/retro", h.retroRun)
	})
}

func (h *Handler) importStatement(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		httpx.Problem(w, http.StatusRequestEntityTooLarge, "Upload Too Large",
			fmt.Sprintf("statement must be at most %d bytes", h.maxUploadBytes))
		return
	}
	file, header, err := r.FormFile("statement")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "multipart field 'statement' is required")
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "only .csv statements are accepted")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "could not read uploaded statement")
		return
	}

	summary, err := h.service.ImportStatement(r.Context(), ImportInput{
		Filename:   header.Filename,
		Data:       data,
		UploadedBy: actorID(r),
	})
	if err != nil {
		h.logger.Error("import statement", slog.String("filename", header.Filename), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, summary)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	txn, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, txn)
}

type markRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
	// ReceiptRequired is shorthand for callers toggling the receipt flag
	// without naming a status. An explicit status wins when both are set.
	ReceiptRequired *bool `json:"receiptRequired"`
}

func (h *Handler) markTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req markRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	status := TransactionStatus(req.Status)
	if req.Status == "" && req.ReceiptRequired != nil {
		if *req.ReceiptRequired {
			status = StatusPending
		} else {
			status = StatusNoReceiptRequired
		}
	}
	txn, err := h.service.MarkTransaction(r.Context(), MarkInput{
		TransactionID: id,
		Status:        status,
		Note:          req.Note,
		ActorID:       actorID(r),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, txn)
}

type classificationRequest struct {
	VendorName      *string `json:"vendorName"`
	ExpenseCategory *string `json:"expenseCategory"`
}

func (h *Handler) updateClassification(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req classificationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	txn, suggestion, err := h.service.UpdateClassification(r.Context(), ClassificationInput{
		TransactionID:   id,
		VendorName:      req.VendorName,
		ExpenseCategory: req.ExpenseCategory,
		ActorID:         actorID(r),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"transaction":    txn,
		"ruleSuggestion": suggestion,
	})
}

func (h *Handler) transactionLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	logs, err := h.service.TransactionLogs(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (h *Handler) attachFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		httpx.Problem(w, http.StatusRequestEntityTooLarge, "Upload Too Large",
			fmt.Sprintf("file must be at most %d bytes", h.maxUploadBytes))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "multipart field 'file' is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "could not read uploaded file")
		return
	}

	stored, err := h.service.AttachFile(r.Context(), AttachInput{
		TransactionID: id,
		Filename:      header.Filename,
		ContentType:   header.Header.Get("Content-Type"),
		Data:          data,
		ActorID:       actorID(r),
	})
	if err != nil {
		h.logger.Error("attach file", slog.Int64("transaction_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, stored)
}

func (h *Handler) removeFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "fileID")
	if !ok {
		return
	}
	if err := h.service.RemoveFile(r.Context(), id, actorID(r)); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.ListRules(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	rule, err := h.service.CreateRule(r.Context(), in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rule)
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rule, err := h.service.GetRule(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rule)
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	in, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	rule, err := h.service.UpdateRule(r.Context(), id, in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rule)
}

func (h *Handler) disableRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DisableRule(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"disabled": true})
}

func (h *Handler) ruleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	logs, err := h.service.RuleLogs(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type retroRequest struct {
	Scope  string `json:"scope"`
	Offset int    `json:"offset"`
}

// retroRun processes the run inside the request's time budget and returns a
// resume cursor. Callers re-post with nextOffset until done is true.
func (h *Handler) retroRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req retroRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Scope == "" {
		req.Scope = string(ScopePending)
	}
	if req.Offset < 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "offset must not be negative")
		return
	}
	run, err := h.retro.Run(r.Context(), id, RetroScope(req.Scope), req.Offset)
	if err != nil {
		h.logger.Error("retro run", slog.Int64("rule_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, run)
}

func (h *Handler) decodeRule(w http.ResponseWriter, r *http.Request) (RuleInput, bool) {
	var in RuleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return in, false
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return in, false
	}
	in.ActorID = actorID(r)
	return in, true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+param)
		return 0, false
	}
	return id, true
}

func actorID(r *http.Request) int64 {
	if raw := r.Header.Get("X-Actor-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return 0
}
