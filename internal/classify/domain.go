// Package classify groups unclassified transactions by description and
// suggests a single vendor/expense classification per group, optionally
// asking an external AI service when no confident existing classification
// covers the group.
package classify

import "time"

// SuggestionSource records where a group suggestion came from.
type SuggestionSource string

const (
	SourceExisting SuggestionSource = "existing"
	SourceAI       SuggestionSource = "ai"
)

// Group is one set of transactions sharing identical description text.
type Group struct {
	Details             string   `json:"details"`
	Count               int      `json:"count"`
	UnclassifiedVendor  int      `json:"unclassifiedVendor"`
	UnclassifiedExpense int      `json:"unclassifiedExpense"`
	SampleTransactionID int64    `json:"sampleTransactionId"`
	SampleType          string   `json:"sampleType"`
	AverageIn           float64  `json:"averageIn"`
	AverageOut          float64  `json:"averageOut"`
	DominantVendor      *string  `json:"dominantVendor,omitempty"`
	DominantExpense     *string  `json:"dominantExpense,omitempty"`
	OutgoingCount       int      `json:"outgoingCount"`

	Suggestion *Suggestion `json:"suggestion,omitempty"`
}

// Suggestion is one proposed classification for a whole group. It is applied
// only on explicit user confirmation.
type Suggestion struct {
	Source          SuggestionSource `json:"source"`
	VendorName      *string          `json:"vendorName,omitempty"`
	ExpenseCategory *string          `json:"expenseCategory,omitempty"`
	Confidence      float64          `json:"confidence"`
}

// Review is the bulk review payload served to the reviewer.
type Review struct {
	Groups      []Group      `json:"groups"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Config      ReviewConfig `json:"config"`
}

// ReviewConfig echoes the parameters a review was built with.
type ReviewConfig struct {
	Limit            int      `json:"limit"`
	Statuses         []string `json:"statuses"`
	OnlyUnclassified bool     `json:"onlyUnclassified"`
	AIEnabled        bool     `json:"aiEnabled"`
}

// Usage records token spend for one AI classification call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}
