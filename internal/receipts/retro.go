package receipts

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetroScope selects which transactions a retroactive run touches.
type RetroScope string

const (
	// ScopePending re-evaluates only still-open transactions.
	ScopePending RetroScope = "pending"
	// ScopeAll re-evaluates everything, overriding manual locks.
	ScopeAll RetroScope = "all"
)

// ValidRetroScope reports whether s is a known scope.
func ValidRetroScope(s RetroScope) bool {
	return s == ScopePending || s == ScopeAll
}

// RetroRepository extends the engine surface with cursor pagination over
// historical transactions. The pagination is deliberately unfiltered: the
// population must not shrink while chunks close rows, or the advancing
// offset would shift unprocessed rows across the chunk boundary.
type RetroRepository interface {
	EngineRepository
	ListRetroTransactionIDs(ctx context.Context, offset, limit int) ([]int64, error)
	CountRetroTransactions(ctx context.Context) (int, error)
	InsertRunSummary(ctx context.Context, ruleID int64, note string) error
}

// CacheInvalidator bumps cached review views after a completed run.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// ChunkResult is the outcome of one bounded unit of retroactive work.
type ChunkResult struct {
	Result     ApplyResult `json:"result"`
	NextOffset int         `json:"nextOffset"`
	Total      int         `json:"total"`
	Done       bool        `json:"done"`
}

// RunResult is the accumulated outcome of a driving loop. Done=false means
// the time budget ran out first and NextOffset is the resume cursor.
type RunResult struct {
	Result     ApplyResult `json:"result"`
	NextOffset int         `json:"nextOffset"`
	Total      int         `json:"total"`
	Done       bool        `json:"done"`
}

// RetroRunner applies one rule across historical transactions in fixed-size
// chunks so a single request never runs an unbounded table scan.
type RetroRunner struct {
	repo      RetroRepository
	engine    *Engine
	cache     CacheInvalidator
	logger    *slog.Logger
	metrics   Recorder
	chunkSize int
	budget    time.Duration
	now       func() time.Time
}

// DefaultChunkSize bounds one chunk of retroactive work.
const DefaultChunkSize = 100

// DefaultTimeBudget bounds one driving loop, staying under request limits.
const DefaultTimeBudget = 12 * time.Second

// NewRetroRunner constructs a runner. Zero chunkSize or budget fall back to
// the defaults.
func NewRetroRunner(repo RetroRepository, engine *Engine, cache CacheInvalidator, logger *slog.Logger, chunkSize int, budget time.Duration) *RetroRunner {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if budget <= 0 {
		budget = DefaultTimeBudget
	}
	return &RetroRunner{
		repo:      repo,
		engine:    engine,
		cache:     cache,
		logger:    logger,
		chunkSize: chunkSize,
		budget:    budget,
		now:       time.Now,
	}
}

// WithNow overrides the runner clock for testing.
func (r *RetroRunner) WithNow(fn func() time.Time) {
	if fn != nil {
		r.now = fn
	}
}

// WithMetrics attaches the chunk counter.
func (r *RetroRunner) WithMetrics(rec Recorder) {
	r.metrics = rec
}

// RunChunk processes one chunk starting at offset. Each chunk is a complete,
// independently committed unit of work.
func (r *RetroRunner) RunChunk(ctx context.Context, ruleID int64, scope RetroScope, offset int) (ChunkResult, error) {
	if !ValidRetroScope(scope) {
		return ChunkResult{}, fmt.Errorf("receipts: unknown retro scope %q", scope)
	}

	total, err := r.repo.CountRetroTransactions(ctx)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("receipts: count retro transactions: %w", err)
	}

	ids, err := r.repo.ListRetroTransactionIDs(ctx, offset, r.chunkSize)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("receipts: list retro transactions: %w", err)
	}

	// Pending scope relies on the engine skipping closed rows, so the
	// cursor walks a stable population either way.
	opts := ApplyOptions{
		TargetRuleID: ruleID,
		Method:       "retroactive",
	}
	if scope == ScopeAll {
		opts.OverrideManual = true
		opts.IncludeClosed = true
	}

	result, err := r.engine.Apply(ctx, ids, opts)
	if err != nil {
		return ChunkResult{}, err
	}
	if r.metrics != nil {
		r.metrics.RetroChunk()
	}

	next := offset + len(ids)
	return ChunkResult{
		Result:     result,
		NextOffset: next,
		Total:      total,
		Done:       next >= total,
	}, nil
}

// Run drives chunk calls until completion or until the time budget is
// exceeded, in which case a partial result with the resume cursor is
// returned. On full completion it records a run summary on the audit trail
// and invalidates cached review views.
func (r *RetroRunner) Run(ctx context.Context, ruleID int64, scope RetroScope, offset int) (RunResult, error) {
	start := r.now()
	run := RunResult{NextOffset: offset}

	for {
		chunk, err := r.RunChunk(ctx, ruleID, scope, run.NextOffset)
		if err != nil {
			return run, err
		}
		run.Result.Add(chunk.Result)
		run.NextOffset = chunk.NextOffset
		run.Total = chunk.Total
		run.Done = chunk.Done

		if run.Done {
			break
		}
		if r.now().Sub(start) >= r.budget {
			r.logger.Info("retro run paused on time budget",
				slog.Int64("rule_id", ruleID),
				slog.Int("next_offset", run.NextOffset),
				slog.Int("total", run.Total))
			return run, nil
		}
	}

	if err := r.finalize(ctx, ruleID, run); err != nil {
		return run, err
	}
	return run, nil
}

func (r *RetroRunner) finalize(ctx context.Context, ruleID int64, run RunResult) error {
	note := fmt.Sprintf("retroactive run: reviewed=%d matched=%d status_updated=%d classification_updated=%d",
		run.Result.Reviewed, run.Result.Matched, run.Result.StatusUpdated, run.Result.ClassificationUpdated)
	if err := r.repo.InsertRunSummary(ctx, ruleID, note); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	if r.cache != nil {
		if err := r.cache.Invalidate(ctx); err != nil {
			// Stale cache is recoverable; the versioned key expires on TTL.
			r.logger.Warn("invalidate review cache", slog.Any("error", err))
		}
	}
	return nil
}
