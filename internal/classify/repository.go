package classify

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides the server-side group aggregation and usage bookkeeping.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GroupParams filters the aggregate query.
type GroupParams struct {
	Limit            int
	Statuses         []string
	OnlyUnclassified bool
}

// ListGroups aggregates transactions by identical description text with
// counts of members still needing vendor/expense classification.
func (r *Repository) ListGroups(ctx context.Context, params GroupParams) ([]Group, error) {
	query := `SELECT details,
	COUNT(*),
	COUNT(*) FILTER (WHERE vendor_name IS NULL),
	COUNT(*) FILTER (WHERE expense_category IS NULL AND amount_out > 0),
	MIN(id),
	MIN(transaction_type),
	COALESCE(AVG(amount_in) FILTER (WHERE amount_in > 0), 0),
	COALESCE(AVG(amount_out) FILTER (WHERE amount_out > 0), 0),
	MODE() WITHIN GROUP (ORDER BY vendor_name) FILTER (WHERE vendor_name IS NOT NULL),
	MODE() WITHIN GROUP (ORDER BY expense_category) FILTER (WHERE expense_category IS NOT NULL),
	COUNT(*) FILTER (WHERE amount_out > 0)
FROM receipt_transactions
WHERE status = ANY($1)`
	if params.OnlyUnclassified {
		query += ` AND (vendor_name IS NULL OR (expense_category IS NULL AND amount_out > 0))`
	}
	query += `
GROUP BY details
ORDER BY COUNT(*) DESC, details
LIMIT $2`

	rows, err := r.pool.Query(ctx, query, params.Statuses, params.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.Details, &g.Count, &g.UnclassifiedVendor, &g.UnclassifiedExpense,
			&g.SampleTransactionID, &g.SampleType, &g.AverageIn, &g.AverageOut,
			&g.DominantVendor, &g.DominantExpense, &g.OutgoingCount); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// RecordUsage appends token spend for one AI classification call.
func (r *Repository) RecordUsage(ctx context.Context, details string, usage Usage) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO ai_usage_log (group_details, prompt_tokens, completion_tokens, cost_usd, created_at)
VALUES ($1, $2, $3, $4, NOW())`, details, usage.PromptTokens, usage.CompletionTokens, usage.CostUSD)
	return err
}
