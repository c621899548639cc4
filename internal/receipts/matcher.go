package receipts

import (
	"strings"
)

// Candidate is the view of a transaction the matcher evaluates.
type Candidate struct {
	Details         string
	TransactionType string
	Direction       Direction
	Amount          float64
}

// CandidateFor derives the matcher view from a transaction.
func CandidateFor(t *Transaction) Candidate {
	return Candidate{
		Details:         t.Details,
		TransactionType: t.TransactionType,
		Direction:       t.Direction(),
		Amount:          t.Amount(),
	}
}

// MatchRule returns the first rule in the given order that matches the
// candidate, or nil. Callers must pass rules in insertion order: the oldest
// matching rule wins, not the most specific. Rule authors relying on
// specificity must order their rules accordingly.
func MatchRule(rules []Rule, c Candidate) *Rule {
	for i := range rules {
		if RuleMatches(&rules[i], c) {
			return &rules[i]
		}
	}
	return nil
}

// RuleMatches evaluates a single rule against a candidate.
func RuleMatches(rule *Rule, c Candidate) bool {
	if !rule.IsActive {
		return false
	}
	if rule.MatchDirection != DirectionBoth && rule.MatchDirection != c.Direction {
		return false
	}
	if rule.MatchMinAmount != nil && c.Amount < *rule.MatchMinAmount {
		return false
	}
	if rule.MatchMaxAmount != nil && c.Amount > *rule.MatchMaxAmount {
		return false
	}
	if !matchesDescription(rule.MatchDescription, c.Details) {
		return false
	}
	if rule.MatchTransactionType != "" &&
		!strings.EqualFold(strings.TrimSpace(rule.MatchTransactionType), strings.TrimSpace(c.TransactionType)) {
		return false
	}
	return true
}

// matchesDescription checks the rule's keyword list against the transaction
// details. The predicate is a comma-separated list; any keyword appearing as
// a case-insensitive substring satisfies it. An empty predicate passes.
func matchesDescription(pattern, details string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return true
	}
	haystack := strings.ToLower(details)
	for _, keyword := range strings.Split(pattern, ",") {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		if strings.Contains(haystack, keyword) {
			return true
		}
	}
	return false
}
