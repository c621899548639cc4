package receipts

import (
	"context"
	"errors"
	"sort"

	"github.com/barline-hq/barline/internal/platform/httpx"
)

// memoryRepo is an in-memory ServiceRepository used across the package tests.
type memoryRepo struct {
	transactions map[int64]Transaction
	rules        map[int64]Rule
	batches      map[int64]Batch
	logs         []TransactionLog
	files        map[int64]File
	hashes       map[string]int64

	nextTxnID   int64
	nextRuleID  int64
	nextBatchID int64
	nextFileID  int64

	failUpdates map[int64]error
	failLogs    bool
	runNotes    []string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		transactions: make(map[int64]Transaction),
		rules:        make(map[int64]Rule),
		batches:      make(map[int64]Batch),
		files:        make(map[int64]File),
		hashes:       make(map[string]int64),
		failUpdates:  make(map[int64]error),
	}
}

func (r *memoryRepo) addTransaction(t Transaction) int64 {
	r.nextTxnID++
	t.ID = r.nextTxnID
	if t.Status == "" {
		t.Status = StatusPending
	}
	r.transactions[t.ID] = t
	return t.ID
}

func (r *memoryRepo) addRule(rule Rule) int64 {
	r.nextRuleID++
	rule.ID = r.nextRuleID
	rule.IsActive = true
	r.rules[rule.ID] = rule
	return rule.ID
}

func (r *memoryRepo) sortedTxnIDs() []int64 {
	ids := make([]int64, 0, len(r.transactions))
	for id := range r.transactions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *memoryRepo) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	txn, ok := r.transactions[id]
	if !ok {
		return nil, httpx.ErrNotFound
	}
	return &txn, nil
}

func (r *memoryRepo) GetTransactions(ctx context.Context, ids []int64) ([]Transaction, error) {
	var out []Transaction
	for _, id := range ids {
		if txn, ok := r.transactions[id]; ok {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListTransactionsByDetails(ctx context.Context, details string, statuses []string) ([]Transaction, error) {
	var out []Transaction
	for _, id := range r.sortedTxnIDs() {
		txn := r.transactions[id]
		if txn.Details != details {
			continue
		}
		for _, status := range statuses {
			if string(txn.Status) == status {
				out = append(out, txn)
				break
			}
		}
	}
	return out, nil
}

func (r *memoryRepo) UpdateTransaction(ctx context.Context, change TransactionChange) error {
	if err, ok := r.failUpdates[change.TransactionID]; ok {
		return err
	}
	txn, ok := r.transactions[change.TransactionID]
	if !ok {
		return httpx.ErrNotFound
	}
	if change.Status != nil {
		txn.Status = *change.Status
	}
	if change.VendorName != nil {
		txn.VendorName = change.VendorName
	}
	if change.VendorSource != nil {
		txn.VendorSource = change.VendorSource
	}
	if change.VendorRuleID != nil {
		txn.VendorRuleID = change.VendorRuleID
	}
	if change.ExpenseCategory != nil {
		txn.ExpenseCategory = change.ExpenseCategory
	}
	if change.ExpenseCategorySource != nil {
		txn.ExpenseCategorySource = change.ExpenseCategorySource
	}
	if change.ExpenseRuleID != nil {
		txn.ExpenseRuleID = change.ExpenseRuleID
	}
	if change.RuleAppliedID != nil {
		txn.RuleAppliedID = change.RuleAppliedID
	}
	if change.MarkedBy != nil {
		txn.MarkedBy = change.MarkedBy
	}
	if change.MarkedAt != nil {
		txn.MarkedAt = change.MarkedAt
	}
	if change.MarkedMethod != nil {
		txn.MarkedMethod = change.MarkedMethod
	}
	r.transactions[txn.ID] = txn
	return nil
}

func (r *memoryRepo) InsertLog(ctx context.Context, entry TransactionLog) error {
	if r.failLogs {
		return errors.New("log table unavailable")
	}
	entry.ID = int64(len(r.logs) + 1)
	r.logs = append(r.logs, entry)
	return nil
}

func (r *memoryRepo) logsByAction(action string) []TransactionLog {
	var out []TransactionLog
	for _, entry := range r.logs {
		if entry.Action == action {
			out = append(out, entry)
		}
	}
	return out
}

func (r *memoryRepo) ListActiveRules(ctx context.Context) ([]Rule, error) {
	ids := make([]int64, 0, len(r.rules))
	for id, rule := range r.rules {
		if rule.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.rules[id])
	}
	return out, nil
}

func (r *memoryRepo) GetRule(ctx context.Context, id int64) (*Rule, error) {
	rule, ok := r.rules[id]
	if !ok {
		return nil, httpx.ErrNotFound
	}
	return &rule, nil
}

func (r *memoryRepo) ListRules(ctx context.Context) ([]Rule, error) {
	ids := make([]int64, 0, len(r.rules))
	for id := range r.rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.rules[id])
	}
	return out, nil
}

func (r *memoryRepo) CreateRule(ctx context.Context, rule Rule) (*Rule, error) {
	r.nextRuleID++
	rule.ID = r.nextRuleID
	rule.IsActive = true
	r.rules[rule.ID] = rule
	return &rule, nil
}

func (r *memoryRepo) UpdateRule(ctx context.Context, rule Rule) error {
	existing, ok := r.rules[rule.ID]
	if !ok {
		return httpx.ErrNotFound
	}
	rule.IsActive = existing.IsActive
	rule.CreatedAt = existing.CreatedAt
	r.rules[rule.ID] = rule
	return nil
}

func (r *memoryRepo) DisableRule(ctx context.Context, id int64) error {
	rule, ok := r.rules[id]
	if !ok {
		return httpx.ErrNotFound
	}
	rule.IsActive = false
	r.rules[id] = rule
	return nil
}

func (r *memoryRepo) ListRetroTransactionIDs(ctx context.Context, offset, limit int) ([]int64, error) {
	ids := r.sortedTxnIDs()
	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end], nil
}

func (r *memoryRepo) CountRetroTransactions(ctx context.Context) (int, error) {
	return len(r.transactions), nil
}

func (r *memoryRepo) InsertRunSummary(ctx context.Context, ruleID int64, note string) error {
	if r.failLogs {
		return errors.New("log table unavailable")
	}
	r.runNotes = append(r.runNotes, note)
	return nil
}

func (r *memoryRepo) CreateBatch(ctx context.Context, batch Batch) (int64, error) {
	r.nextBatchID++
	batch.ID = r.nextBatchID
	r.batches[batch.ID] = batch
	return batch.ID, nil
}

func (r *memoryRepo) InsertTransactions(ctx context.Context, batchID int64, rows []ParsedRow) ([]int64, error) {
	var inserted []int64
	for _, row := range rows {
		if _, dup := r.hashes[row.DedupeHash]; dup {
			continue
		}
		id := r.addTransaction(Transaction{
			BatchID:         &batchID,
			TransactionDate: row.Date,
			Details:         row.Details,
			TransactionType: row.TransactionType,
			AmountIn:        row.AmountIn,
			AmountOut:       row.AmountOut,
			Balance:         row.Balance,
			DedupeHash:      row.DedupeHash,
			Status:          StatusPending,
		})
		r.hashes[row.DedupeHash] = id
		inserted = append(inserted, id)
	}
	return inserted, nil
}

func (r *memoryRepo) ListLogsByTransaction(ctx context.Context, transactionID int64) ([]TransactionLog, error) {
	var out []TransactionLog
	for _, entry := range r.logs {
		if entry.TransactionID == transactionID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListLogsByRule(ctx context.Context, ruleID int64) ([]TransactionLog, error) {
	var out []TransactionLog
	for _, entry := range r.logs {
		if entry.RuleID != nil && *entry.RuleID == ruleID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *memoryRepo) InsertFile(ctx context.Context, file File) (int64, error) {
	r.nextFileID++
	file.ID = r.nextFileID
	r.files[file.ID] = file
	return file.ID, nil
}

func (r *memoryRepo) GetFile(ctx context.Context, id int64) (*File, error) {
	file, ok := r.files[id]
	if !ok {
		return nil, httpx.ErrNotFound
	}
	return &file, nil
}

func (r *memoryRepo) DeleteFile(ctx context.Context, id int64) error {
	if _, ok := r.files[id]; !ok {
		return httpx.ErrNotFound
	}
	delete(r.files, id)
	return nil
}

func (r *memoryRepo) CountFiles(ctx context.Context, transactionID int64) (int, error) {
	count := 0
	for _, file := range r.files {
		if file.TransactionID == transactionID {
			count++
		}
	}
	return count, nil
}

var _ ServiceRepository = (*memoryRepo)(nil)

// recordingMetrics captures domain counter increments in memory.
type recordingMetrics struct {
	imports     map[string]int
	automation  map[string]int
	retroChunks int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{imports: make(map[string]int), automation: make(map[string]int)}
}

func (m *recordingMetrics) ImportOutcome(outcome string, rows int) {
	m.imports[outcome] += rows
}

func (m *recordingMetrics) AutomationUpdate(field string, n int) {
	m.automation[field] += n
}

func (m *recordingMetrics) RetroChunk() {
	m.retroChunks++
}

var _ Recorder = (*recordingMetrics)(nil)

func ptrF(v float64) *float64 { return &v }

func ptrS(v string) *string { return &v }
