package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// EngineRepository is the persistence surface the automation engine needs.
type EngineRepository interface {
	GetTransactions(ctx context.Context, ids []int64) ([]Transaction, error)
	ListActiveRules(ctx context.Context) ([]Rule, error)
	GetRule(ctx context.Context, id int64) (*Rule, error)
	UpdateTransaction(ctx context.Context, change TransactionChange) error
	InsertLog(ctx context.Context, log TransactionLog) error
}

// TransactionChange is one read-modify-write against a transaction's
// classification state. Nil fields are left untouched.
type TransactionChange struct {
	TransactionID int64

	Status                *TransactionStatus
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
}

// ApplyOptions controls one automation pass.
type ApplyOptions struct {
	// TargetRuleID scopes matching to a single rule, as used by the
	// retroactive runner. Zero means evaluate every active rule.
	TargetRuleID int64
	// OverrideManual permits overwriting fields whose source is manual.
	OverrideManual bool
	// IncludeClosed permits touching transactions already in a closed
	// status. Without it closed rows are skipped entirely.
	IncludeClosed bool
	// ActorID attributes resulting audit entries; zero means system.
	ActorID int64
	// Method is recorded as the transaction's marked_method on status change.
	Method string
}

// ApplyResult aggregates what one automation pass actually persisted.
// Updated counters reflect committed writes only; intended counters count
// what matching rules wanted to set, including writes skipped by locks.
type ApplyResult struct {
	Reviewed              int `json:"reviewed"`
	Matched               int `json:"matched"`
	StatusUpdated         int `json:"statusUpdated"`
	ClassificationUpdated int `json:"classificationUpdated"`
	VendorIntended        int `json:"vendorIntended"`
	ExpenseIntended       int `json:"expenseIntended"`
	Errored               int `json:"errored"`

	// Samples holds a few IDs of updated transactions for UI feedback.
	Samples []int64 `json:"samples,omitempty"`
}

const maxSamples = 5

// Add accumulates another result into r.
func (r *ApplyResult) Add(other ApplyResult) {
	r.Reviewed += other.Reviewed
	r.Matched += other.Matched
	r.StatusUpdated += other.StatusUpdated
	r.ClassificationUpdated += other.ClassificationUpdated
	r.VendorIntended += other.VendorIntended
	r.ExpenseIntended += other.ExpenseIntended
	r.Errored += other.Errored
	for _, id := range other.Samples {
		if len(r.Samples) >= maxSamples {
			break
		}
		r.Samples = append(r.Samples, id)
	}
}

// ErrAuditWrite marks a failed audit-trail insert. The engine treats it as a
// safety abort: without the trail a re-run could double-apply silently.
var ErrAuditWrite = errors.New("receipts: audit log write failed")

// Recorder receives domain counter increments. *observability.Metrics
// satisfies it; a nil Recorder disables instrumentation.
type Recorder interface {
	ImportOutcome(outcome string, rows int)
	AutomationUpdate(field string, n int)
	RetroChunk()
}

// Engine applies classification rules to transactions.
type Engine struct {
	repo    EngineRepository
	logger  *slog.Logger
	metrics Recorder
	now     func() time.Time
}

// NewEngine constructs an automation engine.
func NewEngine(repo EngineRepository, logger *slog.Logger) *Engine {
	return &Engine{repo: repo, logger: logger, now: time.Now}
}

// WithNow overrides the engine clock for testing.
func (e *Engine) WithNow(fn func() time.Time) {
	if fn != nil {
		e.now = fn
	}
}

// WithMetrics attaches the automation counters.
func (e *Engine) WithMetrics(rec Recorder) {
	e.metrics = rec
}

// Apply runs matching rules over the given transactions sequentially.
// Individual update failures are counted and skipped; a failed audit write
// aborts the whole pass.
func (e *Engine) Apply(ctx context.Context, ids []int64, opts ApplyOptions) (ApplyResult, error) {
	var result ApplyResult
	if len(ids) == 0 {
		return result, nil
	}

	rules, err := e.resolveRules(ctx, opts)
	if err != nil {
		return result, err
	}
	if len(rules) == 0 {
		return result, nil
	}

	transactions, err := e.repo.GetTransactions(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("receipts: load transactions: %w", err)
	}

	var vendorSet, expenseSet, statusSet int
	defer func() {
		if e.metrics == nil {
			return
		}
		e.metrics.AutomationUpdate("vendor", vendorSet)
		e.metrics.AutomationUpdate("expense", expenseSet)
		e.metrics.AutomationUpdate("status", statusSet)
	}()

	for i := range transactions {
		txn := &transactions[i]
		if txn.Status != StatusPending && !opts.IncludeClosed {
			continue
		}
		result.Reviewed++

		rule := MatchRule(rules, CandidateFor(txn))
		if rule == nil {
			continue
		}
		result.Matched++

		plan := e.plan(txn, rule, opts)
		result.VendorIntended += plan.vendorIntended
		result.ExpenseIntended += plan.expenseIntended
		if plan.empty() {
			continue
		}

		if err := e.repo.UpdateTransaction(ctx, plan.change); err != nil {
			result.Errored++
			e.logger.Error("apply rule",
				slog.Int64("transaction_id", txn.ID),
				slog.Int64("rule_id", rule.ID),
				slog.Any("error", err))
			continue
		}
		if plan.statusChanged {
			result.StatusUpdated++
			statusSet++
		}
		if plan.classificationChanged {
			result.ClassificationUpdated++
		}
		if plan.change.VendorName != nil {
			vendorSet++
		}
		if plan.change.ExpenseCategory != nil {
			expenseSet++
		}
		if len(result.Samples) < maxSamples {
			result.Samples = append(result.Samples, txn.ID)
		}

		if err := e.writeLogs(ctx, txn, rule, plan, opts); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *Engine) resolveRules(ctx context.Context, opts ApplyOptions) ([]Rule, error) {
	if opts.TargetRuleID != 0 {
		rule, err := e.repo.GetRule(ctx, opts.TargetRuleID)
		if err != nil {
			return nil, fmt.Errorf("receipts: load rule %d: %w", opts.TargetRuleID, err)
		}
		if rule == nil || !rule.IsActive {
			return nil, nil
		}
		return []Rule{*rule}, nil
	}
	rules, err := e.repo.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("receipts: load rules: %w", err)
	}
	return rules, nil
}

type applyPlan struct {
	change                TransactionChange
	statusChanged         bool
	classificationChanged bool
	previousStatus        TransactionStatus
	newStatus             TransactionStatus
	vendorIntended        int
	expenseIntended       int
	note                  string
}

func (p *applyPlan) empty() bool {
	return !p.statusChanged && !p.classificationChanged
}

// plan computes the single update a matched rule produces for a transaction,
// honouring manual locks and the outgoing-only expense invariant.
func (e *Engine) plan(txn *Transaction, rule *Rule, opts ApplyOptions) applyPlan {
	plan := applyPlan{
		change:         TransactionChange{TransactionID: txn.ID},
		previousStatus: txn.Status,
	}
	ruleSource := SourceRule
	var noteParts []string

	if rule.SetVendorName != nil {
		target := *rule.SetVendorName
		if txn.VendorName == nil || *txn.VendorName != target {
			plan.vendorIntended++
			locked := txn.VendorSource != nil && *txn.VendorSource == SourceManual && !opts.OverrideManual
			if !locked {
				plan.change.VendorName = &target
				plan.change.VendorSource = &ruleSource
				plan.change.VendorRuleID = &rule.ID
				plan.classificationChanged = true
				noteParts = append(noteParts, fmt.Sprintf("vendor=%s", target))
			}
		}
	}

	if rule.SetExpenseCategory != nil && !txn.IncomingOnly() && txn.Direction() == DirectionOut {
		target := *rule.SetExpenseCategory
		if txn.ExpenseCategory == nil || *txn.ExpenseCategory != target {
			plan.expenseIntended++
			locked := txn.ExpenseCategorySource != nil && *txn.ExpenseCategorySource == SourceManual && !opts.OverrideManual
			if !locked {
				plan.change.ExpenseCategory = &target
				plan.change.ExpenseCategorySource = &ruleSource
				plan.change.ExpenseRuleID = &rule.ID
				plan.classificationChanged = true
				noteParts = append(noteParts, fmt.Sprintf("expense=%s", target))
			}
		}
	}

	if rule.AutoStatus != "" && rule.AutoStatus != txn.Status {
		status := rule.AutoStatus
		plan.change.Status = &status
		plan.statusChanged = true
		plan.newStatus = status

		now := e.now()
		method := opts.Method
		if method == "" {
			method = "automation"
		}
		plan.change.MarkedAt = &now
		plan.change.MarkedMethod = &method
		if opts.ActorID != 0 {
			actor := opts.ActorID
			plan.change.MarkedBy = &actor
		}
	}

	if plan.statusChanged || plan.classificationChanged {
		plan.change.RuleAppliedID = &rule.ID
	}
	if len(noteParts) > 0 {
		plan.note = "rule set " + joinNotes(noteParts)
	}
	return plan
}

func joinNotes(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

// writeLogs appends the audit entries for one applied change: one row for a
// status transition, one descriptive row for a classification change.
func (e *Engine) writeLogs(ctx context.Context, txn *Transaction, rule *Rule, plan applyPlan, opts ApplyOptions) error {
	var actor *int64
	if opts.ActorID != 0 {
		actor = &opts.ActorID
	}

	if plan.statusChanged {
		prev := plan.previousStatus
		next := plan.newStatus
		entry := TransactionLog{
			TransactionID:  txn.ID,
			PreviousStatus: &prev,
			NewStatus:      &next,
			Action:         ActionStatusChange,
			RuleID:         &rule.ID,
			PerformedBy:    actor,
		}
		if err := e.repo.InsertLog(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ErrAuditWrite, err)
		}
	}
	if plan.classificationChanged {
		note := plan.note
		entry := TransactionLog{
			TransactionID: txn.ID,
			Action:        ActionClassification,
			RuleID:        &rule.ID,
			PerformedBy:   actor,
			Note:          &note,
		}
		if err := e.repo.InsertLog(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ErrAuditWrite, err)
		}
	}
	return nil
}
