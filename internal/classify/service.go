package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/barline-hq/barline/internal/platform/httpx"
	"github.com/barline-hq/barline/internal/receipts"
)

// GroupSource provides the aggregate view and usage bookkeeping.
type GroupSource interface {
	ListGroups(ctx context.Context, params GroupParams) ([]Group, error)
	RecordUsage(ctx context.Context, details string, usage Usage) error
}

// TransactionStore is the slice of the receipts repository the bulk apply
// path needs.
type TransactionStore interface {
	ListTransactionsByDetails(ctx context.Context, details string, statuses []string) ([]receipts.Transaction, error)
	UpdateTransaction(ctx context.Context, change receipts.TransactionChange) error
	InsertLog(ctx context.Context, entry receipts.TransactionLog) error
}

// Service computes group reviews and applies confirmed classifications.
type Service struct {
	groups GroupSource
	store  TransactionStore
	client Client
	cache  *Cache
	logger *slog.Logger
	flight singleflight.Group
	now    func() time.Time
}

// NewService builds a Service. A nil client disables AI suggestions; a nil
// cache disables caching.
func NewService(groups GroupSource, store TransactionStore, client Client, cache *Cache, logger *slog.Logger) *Service {
	return &Service{groups: groups, store: store, client: client, cache: cache, logger: logger, now: time.Now}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// ReviewInput filters a bulk group review.
type ReviewInput struct {
	Limit            int
	Statuses         []string
	OnlyUnclassified bool
}

const defaultReviewLimit = 25

func (s *Service) reviewParams(in ReviewInput) (GroupParams, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = defaultReviewLimit
	}
	statuses := in.Statuses
	if len(statuses) == 0 {
		statuses = []string{string(receipts.StatusPending)}
	}
	for _, status := range statuses {
		if !receipts.ValidStatus(receipts.TransactionStatus(status)) {
			return GroupParams{}, fmt.Errorf("classify: %w: unknown status %q", httpx.ErrValidation, status)
		}
	}
	return GroupParams{Limit: limit, Statuses: statuses, OnlyUnclassified: in.OnlyUnclassified}, nil
}

// ReviewGroups builds (or serves from cache) the bulk review payload.
// Concurrent builds for the same parameters are collapsed.
func (s *Service) ReviewGroups(ctx context.Context, in ReviewInput) (Review, error) {
	params, err := s.reviewParams(in)
	if err != nil {
		return Review{}, err
	}

	key, err := s.cache.BuildKey(ctx,
		strconv.Itoa(params.Limit),
		strings.Join(params.Statuses, ","),
		strconv.FormatBool(params.OnlyUnclassified))
	if err != nil {
		return Review{}, err
	}

	var review Review
	err = s.cache.FetchJSON(ctx, key, &review, func(ctx context.Context) (interface{}, error) {
		value, err, _ := s.flight.Do(key, func() (interface{}, error) {
			return s.buildReview(ctx, params)
		})
		return value, err
	})
	return review, err
}

func (s *Service) buildReview(ctx context.Context, params GroupParams) (Review, error) {
	groups, err := s.groups.ListGroups(ctx, params)
	if err != nil {
		return Review{}, fmt.Errorf("classify: list groups: %w", err)
	}
	for i := range groups {
		groups[i].Suggestion = s.resolveSuggestion(ctx, &groups[i])
	}
	return Review{
		Groups:      groups,
		GeneratedAt: s.now(),
		Config: ReviewConfig{
			Limit:            params.Limit,
			Statuses:         params.Statuses,
			OnlyUnclassified: params.OnlyUnclassified,
			AIEnabled:        s.client != nil,
		},
	}, nil
}

// resolveSuggestion picks the group's suggestion. A dominant existing
// classification wins without any AI call; the AI is asked once per group,
// and only for groups that still have unclassified members. AI failures
// degrade to no suggestion.
func (s *Service) resolveSuggestion(ctx context.Context, g *Group) *Suggestion {
	if g.DominantVendor != nil {
		return &Suggestion{
			Source:          SourceExisting,
			VendorName:      g.DominantVendor,
			ExpenseCategory: g.DominantExpense,
			Confidence:      1,
		}
	}
	if s.client == nil {
		return nil
	}
	if g.UnclassifiedVendor == 0 && g.UnclassifiedExpense == 0 {
		return nil
	}

	direction := string(receipts.DirectionIn)
	if g.OutgoingCount > 0 {
		direction = string(receipts.DirectionOut)
	}
	result, usage, err := s.client.ClassifyGroup(ctx, Request{
		Details:         g.Details,
		TransactionType: g.SampleType,
		Direction:       direction,
		AverageIn:       g.AverageIn,
		AverageOut:      g.AverageOut,
		Count:           g.Count,
	})
	if err != nil {
		s.logger.Warn("ai classification failed", slog.String("details", g.Details), slog.Any("error", err))
		return nil
	}
	if err := s.groups.RecordUsage(ctx, g.Details, usage); err != nil {
		s.logger.Warn("record ai usage", slog.Any("error", err))
	}

	suggestion := &Suggestion{
		Source:     SourceAI,
		VendorName: &result.VendorName,
		Confidence: result.Confidence,
	}
	if result.ExpenseCategory != "" && g.OutgoingCount > 0 {
		expense := result.ExpenseCategory
		suggestion.ExpenseCategory = &expense
	}
	return suggestion
}

// ApplyInput is one explicit, user-confirmed group classification.
type ApplyInput struct {
	Details         string
	VendorName      *string
	ExpenseCategory *string
	Statuses        []string
	ActorID         int64
}

// ApplyOutcome reports what a confirmed apply actually changed. Skipped
// incoming-only transactions are counted, never silently dropped.
type ApplyOutcome struct {
	Updated         int `json:"updated"`
	SkippedIncoming int `json:"skippedIncomingCount"`
	Errored         int `json:"errored"`
}

// Apply updates every transaction matching the group's description text.
// Vendor updates apply to all matches; expense-category updates skip
// incoming-only transactions by invariant.
func (s *Service) Apply(ctx context.Context, in ApplyInput) (ApplyOutcome, error) {
	var outcome ApplyOutcome
	if strings.TrimSpace(in.Details) == "" {
		return outcome, fmt.Errorf("classify: %w: details text is required", httpx.ErrValidation)
	}
	if in.VendorName == nil && in.ExpenseCategory == nil {
		return outcome, fmt.Errorf("classify: %w: nothing to apply", httpx.ErrValidation)
	}
	statuses := in.Statuses
	if len(statuses) == 0 {
		statuses = []string{string(receipts.StatusPending)}
	}

	transactions, err := s.store.ListTransactionsByDetails(ctx, in.Details, statuses)
	if err != nil {
		return outcome, fmt.Errorf("classify: list transactions: %w", err)
	}

	manual := receipts.SourceManual
	for i := range transactions {
		txn := &transactions[i]
		change := receipts.TransactionChange{TransactionID: txn.ID}
		var noteParts []string

		if in.VendorName != nil {
			change.VendorName = in.VendorName
			change.VendorSource = &manual
			noteParts = append(noteParts, fmt.Sprintf("vendor=%s", *in.VendorName))
		}
		if in.ExpenseCategory != nil {
			if txn.IncomingOnly() || txn.Direction() != receipts.DirectionOut {
				outcome.SkippedIncoming++
			} else {
				change.ExpenseCategory = in.ExpenseCategory
				change.ExpenseCategorySource = &manual
				noteParts = append(noteParts, fmt.Sprintf("expense=%s", *in.ExpenseCategory))
			}
		}
		if len(noteParts) == 0 {
			continue
		}

		if err := s.store.UpdateTransaction(ctx, change); err != nil {
			outcome.Errored++
			s.logger.Error("bulk apply", slog.Int64("transaction_id", txn.ID), slog.Any("error", err))
			continue
		}
		outcome.Updated++

		note := "bulk apply set " + strings.Join(noteParts, ", ")
		var actor *int64
		if in.ActorID != 0 {
			actor = &in.ActorID
		}
		entry := receipts.TransactionLog{
			TransactionID: txn.ID,
			Action:        receipts.ActionBulkApply,
			PerformedBy:   actor,
			Note:          &note,
		}
		if err := s.store.InsertLog(ctx, entry); err != nil {
			return outcome, fmt.Errorf("%w: %v", receipts.ErrAuditWrite, err)
		}
	}

	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("invalidate review cache", slog.Any("error", err))
	}
	return outcome, nil
}
