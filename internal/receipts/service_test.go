package receipts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barline-hq/barline/internal/platform/httpx"
)

type memoryStorage struct {
	blobs      map[string][]byte
	failPut    bool
	failDelete bool
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{blobs: make(map[string][]byte)}
}

func (s *memoryStorage) Put(ctx context.Context, key, contentType string, data []byte) error {
	if s.failPut {
		return errors.New("storage down")
	}
	s.blobs[key] = data
	return nil
}

func (s *memoryStorage) Delete(ctx context.Context, key string) error {
	if s.failDelete {
		return errors.New("storage down")
	}
	delete(s.blobs, key)
	return nil
}

type recordingQueue struct {
	chunks [][]int64
}

func (q *recordingQueue) EnqueueGroupClassification(ctx context.Context, ids []int64) error {
	q.chunks = append(q.chunks, append([]int64(nil), ids...))
	return nil
}

func newTestService(repo *memoryRepo, storage Storage, queue Enqueuer) *Service {
	engine := NewEngine(repo, testLogger())
	return NewService(repo, engine, storage, queue, testLogger())
}

const acmeStatement = `Date,Details,Transaction Type,In,Out,Balance
01/03/2024,DD ACME SUPPLIES,DD,,120.00,880.00
02/03/2024,CARD PAYMENT ACME SUPPLIES,DEB,,35.00,845.00
03/03/2024,BGC TILL TAKINGS,BGC,500.00,,1345.00
`

func TestImportStatementIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	queue := &recordingQueue{}
	svc := newTestService(repo, nil, queue)

	first, err := svc.ImportStatement(context.Background(), ImportInput{
		Filename: "march.csv",
		Data:     []byte(acmeStatement),
	})
	require.NoError(t, err)
	require.Equal(t, 3, first.Parsed)
	require.Equal(t, 3, first.Inserted)
	require.Equal(t, 0, first.Skipped)
	require.Len(t, repo.logsByAction(ActionImport), 3)
	require.Len(t, queue.chunks, 1)

	second, err := svc.ImportStatement(context.Background(), ImportInput{
		Filename: "march-again.csv",
		Data:     []byte(acmeStatement),
	})
	require.NoError(t, err)
	require.Equal(t, 0, second.Inserted)
	require.Equal(t, 3, second.Skipped)
	require.Len(t, repo.transactions, 3)
	// Duplicate-only imports still create a batch record.
	require.Len(t, repo.batches, 2)
	// No new import log entries and no new classification work.
	require.Len(t, repo.logsByAction(ActionImport), 3)
	require.Len(t, queue.chunks, 1)
}

func TestImportStatementRecordsOutcomeCounters(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil, nil)
	metrics := newRecordingMetrics()
	svc.WithMetrics(metrics)

	_, err := svc.ImportStatement(context.Background(), ImportInput{
		Filename: "march.csv",
		Data:     []byte(acmeStatement),
	})
	require.NoError(t, err)
	require.Equal(t, 3, metrics.imports["inserted"])
	require.Equal(t, 0, metrics.imports["skipped"])

	_, err = svc.ImportStatement(context.Background(), ImportInput{
		Filename: "march-again.csv",
		Data:     []byte(acmeStatement),
	})
	require.NoError(t, err)
	require.Equal(t, 3, metrics.imports["inserted"])
	require.Equal(t, 3, metrics.imports["skipped"])
}

func TestImportStatementAppliesRules(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRule(Rule{
		Name:               "acme",
		MatchDescription:   "acme",
		MatchDirection:     DirectionOut,
		AutoStatus:         StatusNoReceiptRequired,
		SetVendorName:      ptrS("Acme Supplies"),
		SetExpenseCategory: ptrS("Consumables"),
	})
	svc := newTestService(repo, nil, nil)

	summary, err := svc.ImportStatement(context.Background(), ImportInput{
		Filename: "march.csv",
		Data:     []byte(acmeStatement),
	})
	require.NoError(t, err)
	require.Equal(t, 2, summary.AutoApplied)
	require.Equal(t, 2, summary.AutoClassified)

	var pending, classified int
	for _, txn := range repo.transactions {
		switch txn.Status {
		case StatusPending:
			pending++
		case StatusNoReceiptRequired:
			classified++
			require.Equal(t, "Acme Supplies", *txn.VendorName)
		}
	}
	require.Equal(t, 1, pending)
	require.Equal(t, 2, classified)
}

func TestImportStatementRejectsEmptyAndMalformed(t *testing.T) {
	svc := newTestService(newMemoryRepo(), nil, nil)

	_, err := svc.ImportStatement(context.Background(), ImportInput{Filename: "x.csv"})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.ImportStatement(context.Background(), ImportInput{
		Filename: "x.csv",
		Data:     []byte("Date,Details\n01/03/2024,ONLY TWO COLUMNS\n"),
	})
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestMarkTransaction(t *testing.T) {
	repo := newMemoryRepo()
	txnID := repo.addTransaction(Transaction{Details: "X", AmountOut: ptrF(10)})
	svc := newTestService(repo, nil, nil)

	txn, err := svc.MarkTransaction(context.Background(), MarkInput{
		TransactionID: txnID,
		Status:        StatusCantFind,
		Note:          "checked the folder",
		ActorID:       7,
	})
	require.NoError(t, err)
	require.Equal(t, StatusCantFind, txn.Status)
	require.Equal(t, int64(7), *txn.MarkedBy)
	require.Equal(t, "manual", *txn.MarkedMethod)

	logs := repo.logsByAction(ActionManualMark)
	require.Len(t, logs, 1)
	require.Equal(t, StatusPending, *logs[0].PreviousStatus)
	require.Equal(t, StatusCantFind, *logs[0].NewStatus)
	require.Equal(t, "checked the folder", *logs[0].Note)

	// Re-marking with the same status is a no-op.
	_, err = svc.MarkTransaction(context.Background(), MarkInput{TransactionID: txnID, Status: StatusCantFind})
	require.NoError(t, err)
	require.Len(t, repo.logsByAction(ActionManualMark), 1)

	_, err = svc.MarkTransaction(context.Background(), MarkInput{TransactionID: txnID, Status: "lost"})
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestUpdateClassificationInvariantAndSuggestion(t *testing.T) {
	repo := newMemoryRepo()
	outID := repo.addTransaction(Transaction{Details: "CARD ACME", TransactionType: "DEB", AmountOut: ptrF(12)})
	inID := repo.addTransaction(Transaction{Details: "BGC TAKINGS", AmountIn: ptrF(200)})
	svc := newTestService(repo, nil, nil)

	txn, suggestion, err := svc.UpdateClassification(context.Background(), ClassificationInput{
		TransactionID:   outID,
		VendorName:      ptrS("Acme Supplies"),
		ExpenseCategory: ptrS("Consumables"),
		ActorID:         3,
	})
	require.NoError(t, err)
	require.Equal(t, SourceManual, *txn.VendorSource)
	require.Equal(t, SourceManual, *txn.ExpenseCategorySource)
	require.NotNil(t, suggestion)
	require.Equal(t, "CARD ACME", suggestion.MatchDescription)
	require.Equal(t, DirectionOut, suggestion.MatchDirection)
	require.Equal(t, "Acme Supplies", *suggestion.SetVendorName)
	require.Equal(t, "Consumables", *suggestion.SetExpenseCategory)

	// Expense on an incoming-only transaction is rejected outright.
	_, _, err = svc.UpdateClassification(context.Background(), ClassificationInput{
		TransactionID:   inID,
		ExpenseCategory: ptrS("Refunds"),
	})
	require.ErrorIs(t, err, httpx.ErrValidation)
	require.Nil(t, repo.transactions[inID].ExpenseCategory)

	// Vendor alone on an incoming transaction is fine.
	_, _, err = svc.UpdateClassification(context.Background(), ClassificationInput{
		TransactionID: inID,
		VendorName:    ptrS("Till"),
	})
	require.NoError(t, err)

	_, _, err = svc.UpdateClassification(context.Background(), ClassificationInput{TransactionID: outID})
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestRuleValidation(t *testing.T) {
	svc := newTestService(newMemoryRepo(), nil, nil)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, RuleInput{Name: "", MatchDescription: "x"})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.CreateRule(ctx, RuleInput{Name: "no predicate"})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.CreateRule(ctx, RuleInput{
		Name:               "expense on both",
		MatchDescription:   "x",
		SetExpenseCategory: ptrS("Stock"),
	})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.CreateRule(ctx, RuleInput{
		Name:             "bad bounds",
		MatchDescription: "x",
		MatchMinAmount:   ptrF(50),
		MatchMaxAmount:   ptrF(10),
	})
	require.ErrorIs(t, err, httpx.ErrValidation)

	rule, err := svc.CreateRule(ctx, RuleInput{
		Name:               "brewery",
		MatchDescription:   "brewery",
		MatchDirection:     "out",
		SetExpenseCategory: ptrS("Stock - Beer"),
	})
	require.NoError(t, err)
	require.True(t, rule.IsActive)
	require.Equal(t, StatusNoReceiptRequired, rule.AutoStatus)
	require.Equal(t, DirectionOut, rule.MatchDirection)
}

func TestDisableRuleStopsMatching(t *testing.T) {
	repo := newMemoryRepo()
	txnID := repo.addTransaction(Transaction{Details: "SKY", AmountOut: ptrF(10)})
	ruleID := repo.addRule(Rule{
		Name:             "sky",
		MatchDescription: "sky",
		MatchDirection:   DirectionOut,
		AutoStatus:       StatusNoReceiptRequired,
	})
	svc := newTestService(repo, nil, nil)

	require.NoError(t, svc.DisableRule(context.Background(), ruleID))

	engine := NewEngine(repo, testLogger())
	result, err := engine.Apply(context.Background(), []int64{txnID}, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, result.Matched)
}

func TestAttachFileCompensatesOnInsertFailure(t *testing.T) {
	repo := newMemoryRepo()
	txnID := repo.addTransaction(Transaction{Details: "X", AmountOut: ptrF(10)})
	storage := newMemoryStorage()
	svc := newTestService(repo, storage, nil)

	file, err := svc.AttachFile(context.Background(), AttachInput{
		TransactionID: txnID,
		Filename:      "receipt.pdf",
		ContentType:   "application/pdf",
		Data:          []byte("%PDF"),
		ActorID:       2,
	})
	require.NoError(t, err)
	require.NotZero(t, file.ID)
	require.Len(t, storage.blobs, 1)

	_, err = svc.AttachFile(context.Background(), AttachInput{TransactionID: 999, Filename: "x"})
	require.ErrorIs(t, err, httpx.ErrNotFound)

	storage.failPut = true
	_, err = svc.AttachFile(context.Background(), AttachInput{TransactionID: txnID, Filename: "y"})
	require.Error(t, err)
	require.Len(t, storage.blobs, 1)
}

func TestRemoveLastFileRevertsToPending(t *testing.T) {
	repo := newMemoryRepo()
	txnID := repo.addTransaction(Transaction{Details: "X", AmountOut: ptrF(10), Status: StatusCompleted})
	storage := newMemoryStorage()
	svc := newTestService(repo, storage, nil)

	fileID, err := repo.InsertFile(context.Background(), File{TransactionID: txnID, StorageKey: "receipts/1/a.pdf"})
	require.NoError(t, err)
	otherID, err := repo.InsertFile(context.Background(), File{TransactionID: txnID, StorageKey: "receipts/1/b.pdf"})
	require.NoError(t, err)

	// With another file still attached the status holds.
	require.NoError(t, svc.RemoveFile(context.Background(), fileID, 2))
	require.Equal(t, StatusCompleted, repo.transactions[txnID].Status)

	require.NoError(t, svc.RemoveFile(context.Background(), otherID, 2))
	require.Equal(t, StatusPending, repo.transactions[txnID].Status)
	require.Equal(t, "file_deleted", *repo.transactions[txnID].MarkedMethod)
	require.Len(t, repo.logsByAction(ActionFileDeleted), 1)
}
