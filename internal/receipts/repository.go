package receipts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barline-hq/barline/internal/platform/db"
	"github.com/barline-hq/barline/internal/platform/httpx"
)

// ErrNotFound indicates resource not found.
var ErrNotFound = fmt.Errorf("receipts: %w", httpx.ErrNotFound)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const transactionColumns = `id, batch_id, transaction_date, details, transaction_type, amount_in, amount_out, balance, dedupe_hash,
status, vendor_name, vendor_source, vendor_rule_id, expense_category, expense_category_source, expense_rule_id, rule_applied_id,
marked_by, marked_at, marked_method, created_at, updated_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	var status string
	var vendorSource, expenseSource *string
	err := row.Scan(
		&t.ID, &t.BatchID, &t.TransactionDate, &t.Details, &t.TransactionType,
		&t.AmountIn, &t.AmountOut, &t.Balance, &t.DedupeHash,
		&status, &t.VendorName, &vendorSource, &t.VendorRuleID,
		&t.ExpenseCategory, &expenseSource, &t.ExpenseRuleID, &t.RuleAppliedID,
		&t.MarkedBy, &t.MarkedAt, &t.MarkedMethod, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	t.Status = TransactionStatus(status)
	if vendorSource != nil {
		src := Source(*vendorSource)
		t.VendorSource = &src
	}
	if expenseSource != nil {
		src := Source(*expenseSource)
		t.ExpenseCategorySource = &src
	}
	return t, nil
}

// GetTransaction loads one transaction by ID.
func (r *Repository) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM receipt_transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetTransactions loads transactions by ID in a stable order.
func (r *Repository) GetTransactions(ctx context.Context, ids []int64) ([]Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` FROM receipt_transactions WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTransactionsByDetails returns transactions whose description matches
// exactly, filtered by status, in a stable order.
func (r *Repository) ListTransactionsByDetails(ctx context.Context, details string, statuses []string) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` FROM receipt_transactions
WHERE details = $1 AND status = ANY($2) ORDER BY id`, details, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTransaction applies a single read-modify-write, stamping updated_at.
// Nil change fields are left untouched.
func (r *Repository) UpdateTransaction(ctx context.Context, change TransactionChange) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{change.TransactionID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if change.Status != nil {
		add("status", string(*change.Status))
	}
	if change.VendorName != nil {
		add("vendor_name", *change.VendorName)
	}
	if change.VendorSource != nil {
		add("vendor_source", string(*change.VendorSource))
	}
	if change.VendorRuleID != nil {
		add("vendor_rule_id", *change.VendorRuleID)
	}
	if change.ExpenseCategory != nil {
		add("expense_category", *change.ExpenseCategory)
	}
	if change.ExpenseCategorySource != nil {
		add("expense_category_source", string(*change.ExpenseCategorySource))
	}
	if change.ExpenseRuleID != nil {
		add("expense_rule_id", *change.ExpenseRuleID)
	}
	if change.RuleAppliedID != nil {
		add("rule_applied_id", *change.RuleAppliedID)
	}
	if change.MarkedBy != nil {
		add("marked_by", *change.MarkedBy)
	}
	if change.MarkedAt != nil {
		add("marked_at", *change.MarkedAt)
	}
	if change.MarkedMethod != nil {
		add("marked_method", *change.MarkedMethod)
	}

	query := fmt.Sprintf(`UPDATE receipt_transactions SET %s WHERE id = $1`, strings.Join(sets, ", "))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateBatch records one import event. Fails fast so no transactions are
// touched when the batch insert itself fails.
func (r *Repository) CreateBatch(ctx context.Context, batch Batch) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO receipt_batches (reference, filename, source_hash, row_count, uploaded_by, created_at)
VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id`,
		batch.Reference, batch.Filename, batch.SourceHash, batch.RowCount, batch.UploadedBy).Scan(&id)
	return id, err
}

// InsertTransactions bulk-upserts parsed rows on the dedupe hash with
// ignore-duplicates semantics and returns only the newly inserted IDs.
// The whole insert commits or rolls back as one unit.
func (r *Repository) InsertTransactions(ctx context.Context, batchID int64, rows []ParsedRow) ([]int64, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	inserted := make([]int64, 0, len(rows))
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, row := range rows {
			var id int64
			err := tx.QueryRow(ctx, `INSERT INTO receipt_transactions
(batch_id, transaction_date, details, transaction_type, amount_in, amount_out, balance, dedupe_hash, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
ON CONFLICT (dedupe_hash) DO NOTHING
RETURNING id`,
				batchID, row.Date, row.Details, row.TransactionType,
				row.AmountIn, row.AmountOut, row.Balance, row.DedupeHash, string(StatusPending)).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				continue // duplicate row, already imported
			}
			if err != nil {
				return err
			}
			inserted = append(inserted, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// --- Rules ---

const ruleColumns = `id, name, description, match_description, match_transaction_type, match_direction,
match_min_amount, match_max_amount, auto_status, set_vendor_name, set_expense_category, is_active,
created_by, created_at, updated_at`

func scanRule(row pgx.Row) (Rule, error) {
	var rule Rule
	var direction, autoStatus string
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.MatchDescription, &rule.MatchTransactionType,
		&direction, &rule.MatchMinAmount, &rule.MatchMaxAmount, &autoStatus,
		&rule.SetVendorName, &rule.SetExpenseCategory, &rule.IsActive,
		&rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return Rule{}, err
	}
	rule.MatchDirection = Direction(direction)
	rule.AutoStatus = TransactionStatus(autoStatus)
	return rule, nil
}

// ListActiveRules returns active rules in insertion order. The order is the
// matcher's tie-break, so it must stay explicit and stable.
func (r *Repository) ListActiveRules(ctx context.Context) ([]Rule, error) {
	return r.listRules(ctx, `SELECT `+ruleColumns+` FROM receipt_rules WHERE is_active ORDER BY id`)
}

// ListRules returns all rules, newest last.
func (r *Repository) ListRules(ctx context.Context) ([]Rule, error) {
	return r.listRules(ctx, `SELECT `+ruleColumns+` FROM receipt_rules ORDER BY id`)
}

func (r *Repository) listRules(ctx context.Context, query string) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// GetRule loads one rule by ID.
func (r *Repository) GetRule(ctx context.Context, id int64) (*Rule, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM receipt_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// CreateRule inserts a rule and returns it with its assigned ID.
func (r *Repository) CreateRule(ctx context.Context, rule Rule) (*Rule, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO receipt_rules
(name, description, match_description, match_transaction_type, match_direction, match_min_amount, match_max_amount,
auto_status, set_vendor_name, set_expense_category, is_active, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11, NOW(), NOW()) RETURNING id, created_at, updated_at`,
		rule.Name, rule.Description, rule.MatchDescription, rule.MatchTransactionType, string(rule.MatchDirection),
		rule.MatchMinAmount, rule.MatchMaxAmount, string(rule.AutoStatus), rule.SetVendorName, rule.SetExpenseCategory,
		rule.CreatedBy).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rule.IsActive = true
	return &rule, nil
}

// UpdateRule rewrites a rule's predicate and effect fields.
func (r *Repository) UpdateRule(ctx context.Context, rule Rule) error {
	tag, err := r.pool.Exec(ctx, `UPDATE receipt_rules SET
name = $2, description = $3, match_description = $4, match_transaction_type = $5, match_direction = $6,
match_min_amount = $7, match_max_amount = $8, auto_status = $9, set_vendor_name = $10, set_expense_category = $11,
updated_at = NOW() WHERE id = $1`,
		rule.ID, rule.Name, rule.Description, rule.MatchDescription, rule.MatchTransactionType,
		string(rule.MatchDirection), rule.MatchMinAmount, rule.MatchMaxAmount, string(rule.AutoStatus),
		rule.SetVendorName, rule.SetExpenseCategory)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DisableRule soft-deletes a rule. Rules are never hard-deleted once created
// because audit history depends on them.
func (r *Repository) DisableRule(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE receipt_rules SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Audit trail ---

// InsertLog appends one audit trail entry.
func (r *Repository) InsertLog(ctx context.Context, entry TransactionLog) error {
	var prev, next *string
	if entry.PreviousStatus != nil {
		s := string(*entry.PreviousStatus)
		prev = &s
	}
	if entry.NewStatus != nil {
		s := string(*entry.NewStatus)
		next = &s
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO receipt_transaction_logs
(transaction_id, previous_status, new_status, action, rule_id, performed_by, note, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		entry.TransactionID, prev, next, entry.Action, entry.RuleID, entry.PerformedBy, entry.Note)
	return err
}

// InsertRunSummary appends a rule-scoped audit event with no transaction.
func (r *Repository) InsertRunSummary(ctx context.Context, ruleID int64, note string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO receipt_transaction_logs
(transaction_id, action, rule_id, note, created_at) VALUES (NULL, $1, $2, $3, NOW())`,
		ActionRetroRun, ruleID, note)
	return err
}

const logColumns = `id, COALESCE(transaction_id, 0), previous_status, new_status, action, rule_id, performed_by, note, created_at`

func scanLog(rows pgx.Rows) (TransactionLog, error) {
	var entry TransactionLog
	var prev, next *string
	if err := rows.Scan(&entry.ID, &entry.TransactionID, &prev, &next, &entry.Action,
		&entry.RuleID, &entry.PerformedBy, &entry.Note, &entry.CreatedAt); err != nil {
		return TransactionLog{}, err
	}
	if prev != nil {
		s := TransactionStatus(*prev)
		entry.PreviousStatus = &s
	}
	if next != nil {
		s := TransactionStatus(*next)
		entry.NewStatus = &s
	}
	return entry, nil
}

// ListLogsByTransaction returns a transaction's trail, oldest first.
func (r *Repository) ListLogsByTransaction(ctx context.Context, transactionID int64) ([]TransactionLog, error) {
	return r.listLogs(ctx, `SELECT `+logColumns+` FROM receipt_transaction_logs WHERE transaction_id = $1 ORDER BY id`, transactionID)
}

// ListLogsByRule returns all trail entries attributed to a rule, oldest first.
func (r *Repository) ListLogsByRule(ctx context.Context, ruleID int64) ([]TransactionLog, error) {
	return r.listLogs(ctx, `SELECT `+logColumns+` FROM receipt_transaction_logs WHERE rule_id = $1 ORDER BY id`, ruleID)
}

func (r *Repository) listLogs(ctx context.Context, query string, arg any) ([]TransactionLog, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TransactionLog
	for rows.Next() {
		entry, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// --- Retro cursor pagination ---

// ListRetroTransactionIDs pages historical transactions newest-date first
// with a stable secondary key. No status filter: the runner's chunks close
// rows as they go, and a filtered population would shrink under the
// advancing offset and shift unprocessed rows across the chunk boundary.
func (r *Repository) ListRetroTransactionIDs(ctx context.Context, offset, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM receipt_transactions ORDER BY transaction_date DESC, id DESC OFFSET $1 LIMIT $2`,
		offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountRetroTransactions counts the cursor population.
func (r *Repository) CountRetroTransactions(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM receipt_transactions`).Scan(&count)
	return count, err
}

// --- Receipt files ---

// InsertFile records attached evidence for a transaction.
func (r *Repository) InsertFile(ctx context.Context, file File) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO receipt_files
(transaction_id, storage_key, filename, content_type, size_bytes, uploaded_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW()) RETURNING id`,
		file.TransactionID, file.StorageKey, file.Filename, file.ContentType, file.SizeBytes, file.UploadedBy).Scan(&id)
	return id, err
}

// GetFile loads one receipt file record.
func (r *Repository) GetFile(ctx context.Context, id int64) (*File, error) {
	var f File
	err := r.pool.QueryRow(ctx, `SELECT id, transaction_id, storage_key, filename, content_type, size_bytes, uploaded_by, created_at
FROM receipt_files WHERE id = $1`, id).Scan(&f.ID, &f.TransactionID, &f.StorageKey, &f.Filename, &f.ContentType, &f.SizeBytes, &f.UploadedBy, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// DeleteFile removes a receipt file record.
func (r *Repository) DeleteFile(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM receipt_files WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountFiles counts remaining evidence for a transaction.
func (r *Repository) CountFiles(ctx context.Context, transactionID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM receipt_files WHERE transaction_id = $1`, transactionID).Scan(&count)
	return count, err
}

var _ RetroRepository = (*Repository)(nil)
