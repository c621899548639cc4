package receipts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func activeRule(id int64, mutate func(*Rule)) Rule {
	rule := Rule{
		ID:             id,
		Name:           "rule",
		MatchDirection: DirectionBoth,
		AutoStatus:     StatusNoReceiptRequired,
		IsActive:       true,
	}
	if mutate != nil {
		mutate(&rule)
	}
	return rule
}

func TestMatchRuleFirstMatchWins(t *testing.T) {
	older := activeRule(1, func(r *Rule) {
		r.MatchDescription = "sky bet"
		r.SetVendorName = ptrS("Sky Bet")
	})
	newer := activeRule(2, func(r *Rule) {
		r.MatchDescription = "sky"
		r.SetVendorName = ptrS("Sky TV")
	})

	// Both rules match; the one earlier in the list wins regardless of
	// specificity.
	c := Candidate{Details: "CARD PAYMENT SKY BET LEEDS", Direction: DirectionOut, Amount: 25.50}
	matched := MatchRule([]Rule{older, newer}, c)
	require.NotNil(t, matched)
	require.Equal(t, int64(1), matched.ID)

	matched = MatchRule([]Rule{newer, older}, c)
	require.NotNil(t, matched)
	require.Equal(t, int64(2), matched.ID)
}

func TestRuleMatchesDirection(t *testing.T) {
	rule := activeRule(1, func(r *Rule) { r.MatchDirection = DirectionOut })
	require.True(t, RuleMatches(&rule, Candidate{Details: "X", Direction: DirectionOut, Amount: 5}))
	require.False(t, RuleMatches(&rule, Candidate{Details: "X", Direction: DirectionIn, Amount: 5}))

	both := activeRule(2, nil)
	require.True(t, RuleMatches(&both, Candidate{Details: "X", Direction: DirectionIn, Amount: 5}))
}

func TestRuleMatchesAmountBounds(t *testing.T) {
	rule := activeRule(1, func(r *Rule) {
		r.MatchMinAmount = ptrF(10)
		r.MatchMaxAmount = ptrF(20)
	})
	require.False(t, RuleMatches(&rule, Candidate{Details: "X", Direction: DirectionOut, Amount: 9.99}))
	require.True(t, RuleMatches(&rule, Candidate{Details: "X", Direction: DirectionOut, Amount: 10}))
	require.True(t, RuleMatches(&rule, Candidate{Details: "X", Direction: DirectionOut, Amount: 20}))
	require.False(t, RuleMatches(&rule, Candidate{Details: "X", Direction: DirectionOut, Amount: 20.01}))
}

func TestRuleMatchesKeywords(t *testing.T) {
	rule := activeRule(1, func(r *Rule) { r.MatchDescription = "brewery, BREWDOG , cask" })
	require.True(t, RuleMatches(&rule, Candidate{Details: "DD YORKSHIRE BREWERY LTD", Direction: DirectionOut}))
	require.True(t, RuleMatches(&rule, Candidate{Details: "CARD brewdog LEEDS", Direction: DirectionOut}))
	require.False(t, RuleMatches(&rule, Candidate{Details: "TESCO STORES", Direction: DirectionOut}))
}

func TestRuleMatchesTransactionType(t *testing.T) {
	rule := activeRule(1, func(r *Rule) { r.MatchTransactionType = "dd" })
	require.True(t, RuleMatches(&rule, Candidate{Details: "X", TransactionType: "DD", Direction: DirectionOut}))
	require.False(t, RuleMatches(&rule, Candidate{Details: "X", TransactionType: "DEB", Direction: DirectionOut}))
}

func TestRuleMatchesBothPredicates(t *testing.T) {
	rule := activeRule(1, func(r *Rule) {
		r.MatchDescription = "brewery"
		r.MatchTransactionType = "DD"
	})
	require.True(t, RuleMatches(&rule, Candidate{Details: "BREWERY LTD", TransactionType: "DD", Direction: DirectionOut}))
	require.False(t, RuleMatches(&rule, Candidate{Details: "BREWERY LTD", TransactionType: "DEB", Direction: DirectionOut}))
	require.False(t, RuleMatches(&rule, Candidate{Details: "TESCO", TransactionType: "DD", Direction: DirectionOut}))
}

func TestInactiveRuleNeverMatches(t *testing.T) {
	rule := activeRule(1, func(r *Rule) { r.IsActive = false })
	require.False(t, RuleMatches(&rule, Candidate{Details: "X", Direction: DirectionOut}))
}
