package receipts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/barline-hq/barline/internal/platform/httpx"
)

// ServiceRepository is the full persistence surface behind the service.
type ServiceRepository interface {
	RetroRepository

	GetTransaction(ctx context.Context, id int64) (*Transaction, error)
	CreateBatch(ctx context.Context, batch Batch) (int64, error)
	InsertTransactions(ctx context.Context, batchID int64, rows []ParsedRow) ([]int64, error)

	ListRules(ctx context.Context) ([]Rule, error)
	CreateRule(ctx context.Context, rule Rule) (*Rule, error)
	UpdateRule(ctx context.Context, rule Rule) error
	DisableRule(ctx context.Context, id int64) error

	ListLogsByTransaction(ctx context.Context, transactionID int64) ([]TransactionLog, error)
	ListLogsByRule(ctx context.Context, ruleID int64) ([]TransactionLog, error)

	InsertFile(ctx context.Context, file File) (int64, error)
	GetFile(ctx context.Context, id int64) (*File, error)
	DeleteFile(ctx context.Context, id int64) error
	CountFiles(ctx context.Context, transactionID int64) (int, error)
}

// Storage is the opaque blob store holding receipt evidence.
type Storage interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Enqueuer queues asynchronous classification work after an import.
type Enqueuer interface {
	EnqueueGroupClassification(ctx context.Context, transactionIDs []int64) error
}

// classifyChunkSize bounds how many new transactions one queued AI job covers.
const classifyChunkSize = 25

// Service orchestrates imports, manual edits, rule management and receipt
// file lifecycle.
type Service struct {
	repo    ServiceRepository
	engine  *Engine
	storage Storage
	queue   Enqueuer
	logger  *slog.Logger
	metrics Recorder
	now     func() time.Time
}

// NewService builds a Service instance. Storage and queue may be nil when the
// corresponding collaborators are not configured.
func NewService(repo ServiceRepository, engine *Engine, storage Storage, queue Enqueuer, logger *slog.Logger) *Service {
	return &Service{repo: repo, engine: engine, storage: storage, queue: queue, logger: logger, now: time.Now}
}

// WithMetrics attaches the import counters.
func (s *Service) WithMetrics(rec Recorder) {
	s.metrics = rec
}

// ImportInput is one uploaded statement.
type ImportInput struct {
	Filename   string
	Data       []byte
	UploadedBy int64
}

// ImportSummary reports what one statement upload did.
type ImportSummary struct {
	Batch          Batch       `json:"batch"`
	Parsed         int         `json:"parsed"`
	Dropped        int         `json:"dropped"`
	Inserted       int         `json:"inserted"`
	Skipped        int         `json:"skipped"`
	AutoApplied    int         `json:"autoApplied"`
	AutoClassified int         `json:"autoClassified"`
	Automation     ApplyResult `json:"automation"`
}

// ImportStatement parses, dedup-imports and auto-classifies one uploaded CSV.
// Duplicate rows are skipped by the dedupe-hash upsert, so re-importing the
// same statement is a no-op.
func (s *Service) ImportStatement(ctx context.Context, in ImportInput) (ImportSummary, error) {
	var summary ImportSummary

	if len(in.Data) == 0 {
		return summary, fmt.Errorf("receipts: %w: empty statement upload", httpx.ErrValidation)
	}

	parsed, err := ParseStatement(bytes.NewReader(in.Data))
	if err != nil {
		return summary, fmt.Errorf("receipts: %w: %v", httpx.ErrValidation, err)
	}
	for _, note := range parsed.RowNotes {
		s.logger.Warn("statement row dropped", slog.String("file", in.Filename), slog.String("reason", note))
	}
	summary.Parsed = len(parsed.Rows)
	summary.Dropped = parsed.Skipped

	sourceHash := fmt.Sprintf("%x", sha256.Sum256(in.Data))
	batch := Batch{
		Reference:  uuid.NewString(),
		Filename:   in.Filename,
		SourceHash: sourceHash,
		RowCount:   len(parsed.Rows),
		UploadedBy: in.UploadedBy,
	}
	batchID, err := s.repo.CreateBatch(ctx, batch)
	if err != nil {
		// Fail fast: nothing has touched the transaction table yet.
		return summary, fmt.Errorf("receipts: create batch: %w", err)
	}
	batch.ID = batchID
	summary.Batch = batch

	inserted, err := s.repo.InsertTransactions(ctx, batchID, parsed.Rows)
	if err != nil {
		// The batch record stays behind as an orphan with zero rows; report
		// the failure rather than swallowing it.
		return summary, fmt.Errorf("receipts: insert rows for batch %d: %w", batchID, err)
	}
	summary.Inserted = len(inserted)
	summary.Skipped = len(parsed.Rows) - len(inserted)
	if s.metrics != nil {
		s.metrics.ImportOutcome("inserted", summary.Inserted)
		s.metrics.ImportOutcome("skipped", summary.Skipped)
		s.metrics.ImportOutcome("dropped", summary.Dropped)
	}

	for _, id := range inserted {
		prev := StatusPending
		entry := TransactionLog{
			TransactionID: id,
			NewStatus:     &prev,
			Action:        ActionImport,
			PerformedBy:   actorPtr(in.UploadedBy),
		}
		if err := s.repo.InsertLog(ctx, entry); err != nil {
			return summary, fmt.Errorf("%w: %v", ErrAuditWrite, err)
		}
	}

	automation, err := s.engine.Apply(ctx, inserted, ApplyOptions{
		ActorID: in.UploadedBy,
		Method:  "automation",
	})
	if err != nil {
		return summary, err
	}
	summary.Automation = automation
	summary.AutoApplied = automation.StatusUpdated
	summary.AutoClassified = automation.ClassificationUpdated

	s.queueClassification(ctx, inserted)
	return summary, nil
}

// queueClassification enqueues AI classification jobs per chunk of the newly
// imported rows. Queue failures degrade to no suggestion rather than failing
// the import.
func (s *Service) queueClassification(ctx context.Context, ids []int64) {
	if s.queue == nil || len(ids) == 0 {
		return
	}
	for start := 0; start < len(ids); start += classifyChunkSize {
		end := start + classifyChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.queue.EnqueueGroupClassification(ctx, ids[start:end]); err != nil {
			s.logger.Warn("enqueue classification chunk", slog.Any("error", err))
		}
	}
}

// MarkInput captures a manual review decision.
type MarkInput struct {
	TransactionID int64
	Status        TransactionStatus
	Note          string
	ActorID       int64
}

// MarkTransaction applies a manual status decision and records the trail.
func (s *Service) MarkTransaction(ctx context.Context, in MarkInput) (*Transaction, error) {
	if !ValidStatus(in.Status) {
		return nil, fmt.Errorf("receipts: %w: unknown status %q", httpx.ErrValidation, in.Status)
	}
	txn, err := s.repo.GetTransaction(ctx, in.TransactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status == in.Status {
		return txn, nil
	}

	now := s.now()
	method := "manual"
	status := in.Status
	change := TransactionChange{
		TransactionID: txn.ID,
		Status:        &status,
		MarkedBy:      actorPtr(in.ActorID),
		MarkedAt:      &now,
		MarkedMethod:  &method,
	}
	if err := s.repo.UpdateTransaction(ctx, change); err != nil {
		return nil, err
	}

	prev := txn.Status
	entry := TransactionLog{
		TransactionID:  txn.ID,
		PreviousStatus: &prev,
		NewStatus:      &status,
		Action:         ActionManualMark,
		PerformedBy:    actorPtr(in.ActorID),
	}
	if in.Note != "" {
		note := in.Note
		entry.Note = &note
	}
	if err := s.repo.InsertLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	return s.repo.GetTransaction(ctx, txn.ID)
}

// ClassificationInput is a manual vendor/expense edit.
type ClassificationInput struct {
	TransactionID   int64
	VendorName      *string
	ExpenseCategory *string
	ActorID         int64
}

// UpdateClassification applies a manual vendor/expense edit, enforcing the
// outgoing-only expense invariant, and returns a rule suggestion derived
// from the edit for one-click rule creation.
func (s *Service) UpdateClassification(ctx context.Context, in ClassificationInput) (*Transaction, *RuleSuggestion, error) {
	if in.VendorName == nil && in.ExpenseCategory == nil {
		return nil, nil, fmt.Errorf("receipts: %w: nothing to update", httpx.ErrValidation)
	}
	txn, err := s.repo.GetTransaction(ctx, in.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	if in.ExpenseCategory != nil && txn.Direction() != DirectionOut {
		return nil, nil, fmt.Errorf("receipts: %w: expense category requires an outgoing amount", httpx.ErrValidation)
	}

	manual := SourceManual
	change := TransactionChange{TransactionID: txn.ID}
	var noteParts []string
	if in.VendorName != nil {
		change.VendorName = in.VendorName
		change.VendorSource = &manual
		noteParts = append(noteParts, fmt.Sprintf("vendor=%s", *in.VendorName))
	}
	if in.ExpenseCategory != nil {
		change.ExpenseCategory = in.ExpenseCategory
		change.ExpenseCategorySource = &manual
		noteParts = append(noteParts, fmt.Sprintf("expense=%s", *in.ExpenseCategory))
	}
	if err := s.repo.UpdateTransaction(ctx, change); err != nil {
		return nil, nil, err
	}

	note := "manual set " + strings.Join(noteParts, ", ")
	entry := TransactionLog{
		TransactionID: txn.ID,
		Action:        ActionClassification,
		PerformedBy:   actorPtr(in.ActorID),
		Note:          &note,
	}
	if err := s.repo.InsertLog(ctx, entry); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}

	updated, err := s.repo.GetTransaction(ctx, txn.ID)
	if err != nil {
		return nil, nil, err
	}
	return updated, suggestRule(txn, in), nil
}

// suggestRule derives a candidate rule from a manual edit. The keyword is the
// transaction's details verbatim; authors usually trim it before saving.
func suggestRule(txn *Transaction, in ClassificationInput) *RuleSuggestion {
	suggestion := &RuleSuggestion{
		MatchDescription: txn.Details,
		MatchDirection:   txn.Direction(),
		AutoStatus:       StatusAutoCompleted,
	}
	suggestion.SetVendorName = in.VendorName
	if in.ExpenseCategory != nil && txn.Direction() == DirectionOut {
		suggestion.SetExpenseCategory = in.ExpenseCategory
	}
	return suggestion
}

// RuleInput carries the form fields for rule create/update.
type RuleInput struct {
	Name                 string   `json:"name" validate:"required"`
	Description          string   `json:"description"`
	MatchDescription     string   `json:"match_description"`
	MatchTransactionType string   `json:"match_transaction_type"`
	MatchDirection       string   `json:"match_direction" validate:"omitempty,oneof=in out both"`
	MatchMinAmount       *float64 `json:"match_min_amount" validate:"omitempty,gte=0"`
	MatchMaxAmount       *float64 `json:"match_max_amount" validate:"omitempty,gte=0"`
	AutoStatus           string   `json:"auto_status"`
	SetVendorName        *string  `json:"set_vendor_name"`
	SetExpenseCategory   *string  `json:"set_expense_category"`
	ActorID              int64    `json:"-"`
}

func (s *Service) ruleFromInput(in RuleInput) (Rule, error) {
	direction := Direction(in.MatchDirection)
	if direction == "" {
		direction = DirectionBoth
	}
	switch direction {
	case DirectionIn, DirectionOut, DirectionBoth:
	default:
		return Rule{}, fmt.Errorf("receipts: %w: unknown direction %q", httpx.ErrValidation, in.MatchDirection)
	}

	autoStatus := TransactionStatus(in.AutoStatus)
	if autoStatus == "" {
		autoStatus = StatusNoReceiptRequired
	}
	if !ValidStatus(autoStatus) {
		return Rule{}, fmt.Errorf("receipts: %w: unknown auto status %q", httpx.ErrValidation, in.AutoStatus)
	}

	if in.SetExpenseCategory != nil && direction != DirectionOut {
		return Rule{}, fmt.Errorf("receipts: %w: expense category rules must match direction out", httpx.ErrValidation)
	}
	if strings.TrimSpace(in.Name) == "" {
		return Rule{}, fmt.Errorf("receipts: %w: rule name is required", httpx.ErrValidation)
	}
	if strings.TrimSpace(in.MatchDescription) == "" && strings.TrimSpace(in.MatchTransactionType) == "" {
		return Rule{}, fmt.Errorf("receipts: %w: rule needs a description or transaction type predicate", httpx.ErrValidation)
	}
	if in.MatchMinAmount != nil && in.MatchMaxAmount != nil && *in.MatchMinAmount > *in.MatchMaxAmount {
		return Rule{}, fmt.Errorf("receipts: %w: min amount exceeds max amount", httpx.ErrValidation)
	}

	return Rule{
		Name:                 strings.TrimSpace(in.Name),
		Description:          strings.TrimSpace(in.Description),
		MatchDescription:     strings.TrimSpace(in.MatchDescription),
		MatchTransactionType: strings.TrimSpace(in.MatchTransactionType),
		MatchDirection:       direction,
		MatchMinAmount:       in.MatchMinAmount,
		MatchMaxAmount:       in.MatchMaxAmount,
		AutoStatus:           autoStatus,
		SetVendorName:        in.SetVendorName,
		SetExpenseCategory:   in.SetExpenseCategory,
		CreatedBy:            in.ActorID,
	}, nil
}

// CreateRule validates and stores a new classification rule.
func (s *Service) CreateRule(ctx context.Context, in RuleInput) (*Rule, error) {
	rule, err := s.ruleFromInput(in)
	if err != nil {
		return nil, err
	}
	return s.repo.CreateRule(ctx, rule)
}

// UpdateRule validates and rewrites an existing rule.
func (s *Service) UpdateRule(ctx context.Context, id int64, in RuleInput) (*Rule, error) {
	rule, err := s.ruleFromInput(in)
	if err != nil {
		return nil, err
	}
	rule.ID = id
	if err := s.repo.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	return s.repo.GetRule(ctx, id)
}

// DisableRule soft-deletes a rule.
func (s *Service) DisableRule(ctx context.Context, id int64) error {
	return s.repo.DisableRule(ctx, id)
}

// ListRules returns every rule, oldest first.
func (s *Service) ListRules(ctx context.Context) ([]Rule, error) {
	return s.repo.ListRules(ctx)
}

// GetRule loads one rule.
func (s *Service) GetRule(ctx context.Context, id int64) (*Rule, error) {
	return s.repo.GetRule(ctx, id)
}

// GetTransaction loads one transaction.
func (s *Service) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// TransactionLogs returns a transaction's audit trail.
func (s *Service) TransactionLogs(ctx context.Context, transactionID int64) ([]TransactionLog, error) {
	return s.repo.ListLogsByTransaction(ctx, transactionID)
}

// RuleLogs returns every audit entry attributed to a rule.
func (s *Service) RuleLogs(ctx context.Context, ruleID int64) ([]TransactionLog, error) {
	return s.repo.ListLogsByRule(ctx, ruleID)
}

// AttachInput is one uploaded receipt file.
type AttachInput struct {
	TransactionID int64
	Filename      string
	ContentType   string
	Data          []byte
	ActorID       int64
}

// AttachFile stores receipt evidence. If the metadata insert fails after the
// blob upload succeeded, the orphaned object is deleted best-effort; if that
// cleanup also fails the error says so instead of claiming success.
func (s *Service) AttachFile(ctx context.Context, in AttachInput) (*File, error) {
	if s.storage == nil {
		return nil, fmt.Errorf("receipts: file storage not configured")
	}
	if _, err := s.repo.GetTransaction(ctx, in.TransactionID); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("receipts/%d/%s-%s", in.TransactionID, uuid.NewString(), in.Filename)
	if err := s.storage.Put(ctx, key, in.ContentType, in.Data); err != nil {
		return nil, fmt.Errorf("receipts: store file: %w", err)
	}

	file := File{
		TransactionID: in.TransactionID,
		StorageKey:    key,
		Filename:      in.Filename,
		ContentType:   in.ContentType,
		SizeBytes:     int64(len(in.Data)),
		UploadedBy:    in.ActorID,
	}
	id, err := s.repo.InsertFile(ctx, file)
	if err != nil {
		if cleanupErr := s.storage.Delete(ctx, key); cleanupErr != nil {
			return nil, fmt.Errorf("receipts: record file: %w (orphaned object %s requires manual reconciliation: %v)", err, key, cleanupErr)
		}
		return nil, fmt.Errorf("receipts: record file: %w", err)
	}
	file.ID = id
	return &file, nil
}

// RemoveFile deletes receipt evidence. When the last file for a transaction
// goes, the transaction reverts to pending.
func (s *Service) RemoveFile(ctx context.Context, fileID, actorID int64) error {
	file, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteFile(ctx, fileID); err != nil {
		return err
	}
	if s.storage != nil {
		if err := s.storage.Delete(ctx, file.StorageKey); err != nil {
			s.logger.Warn("delete stored receipt", slog.String("key", file.StorageKey), slog.Any("error", err))
		}
	}

	remaining, err := s.repo.CountFiles(ctx, file.TransactionID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	txn, err := s.repo.GetTransaction(ctx, file.TransactionID)
	if err != nil {
		return err
	}
	if txn.Status == StatusPending {
		return nil
	}

	pending := StatusPending
	now := s.now()
	method := "file_deleted"
	change := TransactionChange{
		TransactionID: txn.ID,
		Status:        &pending,
		MarkedBy:      actorPtr(actorID),
		MarkedAt:      &now,
		MarkedMethod:  &method,
	}
	if err := s.repo.UpdateTransaction(ctx, change); err != nil {
		return err
	}
	prev := txn.Status
	entry := TransactionLog{
		TransactionID:  txn.ID,
		PreviousStatus: &prev,
		NewStatus:      &pending,
		Action:         ActionFileDeleted,
		PerformedBy:    actorPtr(actorID),
	}
	if err := s.repo.InsertLog(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	return nil
}

func actorPtr(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
