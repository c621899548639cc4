package classify

import "context"

// Request describes one group to classify. A single request covers the whole
// group; the AI is never called per transaction.
type Request struct {
	Details         string
	TransactionType string
	Direction       string
	AverageIn       float64
	AverageOut      float64
	Count           int
}

// Result is what the external classifier returned for a group.
type Result struct {
	VendorName      string
	ExpenseCategory string
	Confidence      float64
}

// Client is the external classification service.
type Client interface {
	ClassifyGroup(ctx context.Context, req Request) (Result, Usage, error)
}
