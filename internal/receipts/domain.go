package receipts

import (
	"time"
)

// TransactionStatus enumerates receipt transaction statuses.
type TransactionStatus string

const (
	StatusPending           TransactionStatus = "pending"
	StatusCompleted         TransactionStatus = "completed"
	StatusAutoCompleted     TransactionStatus = "auto_completed"
	StatusNoReceiptRequired TransactionStatus = "no_receipt_required"
	StatusCantFind          TransactionStatus = "cant_find"
)

// ValidStatus reports whether s is a known transaction status.
func ValidStatus(s TransactionStatus) bool {
	switch s {
	case StatusPending, StatusCompleted, StatusAutoCompleted, StatusNoReceiptRequired, StatusCantFind:
		return true
	}
	return false
}

// ClosedStatus reports whether s is a terminal review state.
func ClosedStatus(s TransactionStatus) bool {
	return ValidStatus(s) && s != StatusPending
}

// Direction describes money movement relative to the account.
type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionBoth Direction = "both"
)

// Source records the provenance of a classification field.
type Source string

const (
	SourceManual Source = "manual"
	SourceRule   Source = "rule"
)

// Transaction is one imported bank-statement row plus its mutable
// classification state. Import facts never change after insert.
type Transaction struct {
	ID              int64
	BatchID         *int64
	TransactionDate time.Time
	Details         string
	TransactionType string
	AmountIn        *float64
	AmountOut       *float64
	Balance         *float64
	DedupeHash      string

	Status                TransactionStatus
	VendorName            *string
	VendorSource          *Source
	VendorRuleID          *int64
	ExpenseCategory       *string
	ExpenseCategorySource *Source
	ExpenseRuleID         *int64
	RuleAppliedID         *int64

	MarkedBy     *int64
	MarkedAt     *time.Time
	MarkedMethod *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Direction derives the movement direction from the amount columns.
func (t *Transaction) Direction() Direction {
	if t.AmountOut != nil && *t.AmountOut > 0 {
		return DirectionOut
	}
	return DirectionIn
}

// Amount returns the absolute transaction amount.
func (t *Transaction) Amount() float64 {
	if t.AmountOut != nil && *t.AmountOut > 0 {
		return *t.AmountOut
	}
	if t.AmountIn != nil {
		return *t.AmountIn
	}
	return 0
}

// IncomingOnly reports whether the transaction carries money in and nothing out.
// Expense categories never apply to such rows.
func (t *Transaction) IncomingOnly() bool {
	in := t.AmountIn != nil && *t.AmountIn > 0
	out := t.AmountOut != nil && *t.AmountOut > 0
	return in && !out
}

// Rule is a stored predicate plus effect used to auto-classify transactions.
type Rule struct {
	ID          int64
	Name        string
	Description string

	MatchDescription     string
	MatchTransactionType string
	MatchDirection       Direction
	MatchMinAmount       *float64
	MatchMaxAmount       *float64

	AutoStatus         TransactionStatus
	SetVendorName      *string
	SetExpenseCategory *string

	IsActive  bool
	CreatedBy int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Batch records one CSV import event. Immutable once created.
type Batch struct {
	ID         int64
	Reference  string
	Filename   string
	SourceHash string
	RowCount   int
	UploadedBy int64
	CreatedAt  time.Time
}

// Log action types recorded on the transaction audit trail.
const (
	ActionImport         = "import"
	ActionStatusChange   = "status_change"
	ActionClassification = "classification"
	ActionManualMark     = "manual_mark"
	ActionRetroRun       = "retro_run"
	ActionBulkApply      = "bulk_apply"
	ActionFileDeleted    = "file_deleted"
)

// TransactionLog is one append-only audit trail entry. Entries are never
// modified or deleted.
type TransactionLog struct {
	ID             int64
	TransactionID  int64
	PreviousStatus *TransactionStatus
	NewStatus      *TransactionStatus
	Action         string
	RuleID         *int64
	PerformedBy    *int64
	Note           *string
	CreatedAt      time.Time
}

// File is attached receipt evidence for a transaction.
type File struct {
	ID            int64
	TransactionID int64
	StorageKey    string
	Filename      string
	ContentType   string
	SizeBytes     int64
	UploadedBy    int64
	CreatedAt     time.Time
}

// RuleSuggestion is a proposed rule derived from a manual classification
// edit, offered back to the caller for one-click rule creation.
type RuleSuggestion struct {
	MatchDescription   string            `json:"match_description"`
	MatchDirection     Direction         `json:"match_direction"`
	SetVendorName      *string           `json:"set_vendor_name,omitempty"`
	SetExpenseCategory *string           `json:"set_expense_category,omitempty"`
	AutoStatus         TransactionStatus `json:"auto_status"`
}
