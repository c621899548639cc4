package receipts

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestEngineAppliesRuleToPendingTransaction(t *testing.T) {
	repo := newMemoryRepo()
	txnID := repo.addTransaction(Transaction{
		Details:         "DD YORKSHIRE BREWERY",
		TransactionType: "DD",
		AmountOut:       ptrF(420.00),
	})
	ruleID := repo.addRule(Rule{
		Name:               "brewery",
		MatchDescription:   "brewery",
		MatchDirection:     DirectionOut,
		AutoStatus:         StatusNoReceiptRequired,
		SetVendorName:      ptrS("Yorkshire Brewery"),
		SetExpenseCategory: ptrS("Stock - Beer"),
	})

	engine := NewEngine(repo, testLogger())
	result, err := engine.Apply(context.Background(), []int64{txnID}, ApplyOptions{Method: "automation"})
	require.NoError(t, err)

	require.Equal(t, 1, result.Reviewed)
	require.Equal(t, 1, result.Matched)
	require.Equal(t, 1, result.StatusUpdated)
	require.Equal(t, 1, result.ClassificationUpdated)

	txn := repo.transactions[txnID]
	require.Equal(t, StatusNoReceiptRequired, txn.Status)
	require.Equal(t, "Yorkshire Brewery", *txn.VendorName)
	require.Equal(t, SourceRule, *txn.VendorSource)
	require.Equal(t, "Stock - Beer", *txn.ExpenseCategory)
	require.Equal(t, ruleID, *txn.RuleAppliedID)
	require.Equal(t, "automation", *txn.MarkedMethod)

	require.Len(t, repo.logsByAction(ActionStatusChange), 1)
	require.Len(t, repo.logsByAction(ActionClassification), 1)
}

func TestEngineNeverSetsExpenseOnIncoming(t *testing.T) {
	repo := newMemoryRepo()
	txnID := repo.addTransaction(Transaction{
		Details:  "BGC ACME REFUND",
		AmountIn: ptrF(99.00),
	})
	repo.addRule(Rule{
		Name:               "catch all",
		MatchDescription:   "acme",
		MatchDirection:     DirectionBoth,
		AutoStatus:         StatusNoReceiptRequired,
		SetExpenseCategory: ptrS("Refunds"),
	})

	engine := NewEngine(repo, testLogger())
	result, err := engine.Apply(context.Background(), []int64{txnID}, ApplyOptions{})
	require.NoError(t, err)

	require.Equal(t, 1, result.Matched)
	require.Equal(t, 0, result.ExpenseIntended)
	require.Nil(t, repo.transactions[txnID].ExpenseCategory)
	// The status effect still lands.
	require.Equal(t, StatusNoReceiptRequired, repo.transactions[txnID].Status)
}

func TestEngineHonoursManualLock(t *testing.T) {
	repo := newMemoryRepo()
	manual := SourceManual
	txnID := repo.addTransaction(Transaction{
		Details:      "CARD PAYMENT SKY BET",
		AmountOut:    ptrF(25.50),
		VendorName:   ptrS("Sky Bet (manual)"),
		VendorSource: &manual,
	})
	repo.addRule(Rule{
		Name:             "sky",
		MatchDescription: "sky",
		MatchDirection:   DirectionOut,
		SetVendorName:    ptrS("Sky Bet"),
	})

	engine := NewEngine(repo, testLogger())
	result, err := engine.Apply(context.Background(), []int64{txnID}, ApplyOptions{})
	require.NoError(t, err)

	// The rule wanted the vendor but the manual value survives.
	require.Equal(t, 1, result.VendorIntended)
	require.Equal(t, 0, result.ClassificationUpdated)
	require.Equal(t, "Sky Bet (manual)", *repo.transactions[txnID].VendorName)

	// OverrideManual unlocks the field.
	result, err = engine.Apply(context.Background(), []int64{txnID}, ApplyOptions{OverrideManual: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.ClassificationUpdated)
	require.Equal(t, "Sky Bet", *repo.transactions[txnID].VendorName)
	require.Equal(t, SourceRule, *repo.transactions[txnID].VendorSource)
}

func TestEngineSkipsClosedUnlessIncluded(t *testing.T) {
	repo := newMemoryRepo()
	txnID := repo.addTransaction(Transaction{
		Details:   "CARD PAYMENT SKY BET",
		AmountOut: ptrF(25.50),
		Status:    StatusCompleted,
	})
	repo.addRule(Rule{
		Name:             "sky",
		MatchDescription: "sky",
		MatchDirection:   DirectionOut,
		AutoStatus:       StatusNoReceiptRequired,
	})

	engine := NewEngine(repo, testLogger())
	result, err := engine.Apply(context.Background(), []int64{txnID}, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, result.Reviewed)
	require.Equal(t, 0, result.StatusUpdated)
	require.Equal(t, StatusCompleted, repo.transactions[txnID].Status)

	result, err = engine.Apply(context.Background(), []int64{txnID}, ApplyOptions{IncludeClosed: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.Reviewed)
	require.Equal(t, 1, result.StatusUpdated)
	require.Equal(t, StatusNoReceiptRequired, repo.transactions[txnID].Status)
}

func TestEngineCountsFieldUpdates(t *testing.T) {
	repo := newMemoryRepo()
	first := repo.addTransaction(Transaction{Details: "DD SKY ONE", AmountOut: ptrF(10)})
	second := repo.addTransaction(Transaction{Details: "DD SKY TWO", AmountOut: ptrF(11)})
	repo.addRule(Rule{
		Name:               "sky",
		MatchDescription:   "sky",
		MatchDirection:     DirectionOut,
		AutoStatus:         StatusNoReceiptRequired,
		SetVendorName:      ptrS("Sky"),
		SetExpenseCategory: ptrS("Subscriptions"),
	})

	metrics := newRecordingMetrics()
	engine := NewEngine(repo, testLogger())
	engine.WithMetrics(metrics)

	_, err := engine.Apply(context.Background(), []int64{first, second}, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, metrics.automation["vendor"])
	require.Equal(t, 2, metrics.automation["expense"])
	require.Equal(t, 2, metrics.automation["status"])
}

func TestEngineCountsPerItemFailuresAndContinues(t *testing.T) {
	repo := newMemoryRepo()
	bad := repo.addTransaction(Transaction{Details: "SKY ONE", AmountOut: ptrF(10)})
	good := repo.addTransaction(Transaction{Details: "SKY TWO", AmountOut: ptrF(11)})
	repo.failUpdates[bad] = errors.New("deadlock")
	repo.addRule(Rule{
		Name:             "sky",
		MatchDescription: "sky",
		MatchDirection:   DirectionOut,
		AutoStatus:       StatusNoReceiptRequired,
	})

	engine := NewEngine(repo, testLogger())
	result, err := engine.Apply(context.Background(), []int64{bad, good}, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Errored)
	require.Equal(t, 1, result.StatusUpdated)
	require.Equal(t, StatusNoReceiptRequired, repo.transactions[good].Status)
	require.Equal(t, StatusPending, repo.transactions[bad].Status)
}

func TestEngineAbortsOnAuditFailure(t *testing.T) {
	repo := newMemoryRepo()
	txnID := repo.addTransaction(Transaction{Details: "SKY", AmountOut: ptrF(10)})
	repo.addRule(Rule{
		Name:             "sky",
		MatchDescription: "sky",
		MatchDirection:   DirectionOut,
		AutoStatus:       StatusNoReceiptRequired,
	})
	repo.failLogs = true

	engine := NewEngine(repo, testLogger())
	_, err := engine.Apply(context.Background(), []int64{txnID}, ApplyOptions{})
	require.ErrorIs(t, err, ErrAuditWrite)
}

func TestEngineTargetRuleOnly(t *testing.T) {
	repo := newMemoryRepo()
	txnID := repo.addTransaction(Transaction{Details: "SKY", AmountOut: ptrF(10)})
	first := repo.addRule(Rule{
		Name:             "older sky",
		MatchDescription: "sky",
		MatchDirection:   DirectionOut,
		SetVendorName:    ptrS("Old Vendor"),
	})
	second := repo.addRule(Rule{
		Name:             "newer sky",
		MatchDescription: "sky",
		MatchDirection:   DirectionOut,
		SetVendorName:    ptrS("New Vendor"),
	})
	_ = first

	engine := NewEngine(repo, testLogger())
	result, err := engine.Apply(context.Background(), []int64{txnID}, ApplyOptions{TargetRuleID: second})
	require.NoError(t, err)
	require.Equal(t, 1, result.Matched)
	require.Equal(t, "New Vendor", *repo.transactions[txnID].VendorName)
}

func TestEngineStampsClock(t *testing.T) {
	repo := newMemoryRepo()
	txnID := repo.addTransaction(Transaction{Details: "SKY", AmountOut: ptrF(10)})
	repo.addRule(Rule{
		Name:             "sky",
		MatchDescription: "sky",
		MatchDirection:   DirectionOut,
		AutoStatus:       StatusNoReceiptRequired,
	})

	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(repo, testLogger())
	engine.WithNow(func() time.Time { return fixed })

	_, err := engine.Apply(context.Background(), []int64{txnID}, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, fixed, *repo.transactions[txnID].MarkedAt)
}
