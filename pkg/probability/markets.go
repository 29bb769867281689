package probability

import "fmt"

// Market is one entry of the market catalog: a code plus a pure predicate
// over the final scoreline. Adding a market means adding a predicate here,
// never touching the model.
type Market struct {
	Code string
	// Group names a set of mutually exclusive markets whose probabilities
	// must sum to 1. Empty for overlapping markets (double chance, team
	// totals and similar).
	Group string
	Pred  func(home, away int) bool
}

// Market group names with a sum-to-one invariant.
const (
	GroupMatchResult  = "1x2"
	GroupBTTS         = "btts"
	GroupTotalParity  = "total_parity"
	GroupCorrectScore = "correct_score"
)

// ouLines are the total-goals lines carried in the catalog.
var ouLines = []float64{0.5, 1.5, 2.5, 3.5, 4.5}

// csMax bounds the enumerated correct scores; everything above folds into
// the "other" bucket so the group still sums to 1.
const csMax = 3

// Catalog returns the full market catalog. The slice is rebuilt on each call
// so callers cannot mutate shared predicates.
func Catalog() []Market {
	markets := []Market{
		// Match result.
		{Code: "1x2:home", Group: GroupMatchResult, Pred: func(h, a int) bool { return h > a }},
		{Code: "1x2:draw", Group: GroupMatchResult, Pred: func(h, a int) bool { return h == a }},
		{Code: "1x2:away", Group: GroupMatchResult, Pred: func(h, a int) bool { return h < a }},

		// Double chance (overlapping, no group).
		{Code: "dc:1x", Pred: func(h, a int) bool { return h >= a }},
		{Code: "dc:12", Pred: func(h, a int) bool { return h != a }},
		{Code: "dc:x2", Pred: func(h, a int) bool { return h <= a }},

		// Both teams to score.
		{Code: "btts:yes", Group: GroupBTTS, Pred: func(h, a int) bool { return h >= 1 && a >= 1 }},
		{Code: "btts:no", Group: GroupBTTS, Pred: func(h, a int) bool { return h == 0 || a == 0 }},

		// Total goals parity.
		{Code: "total:odd", Group: GroupTotalParity, Pred: func(h, a int) bool { return (h+a)%2 == 1 }},
		{Code: "total:even", Group: GroupTotalParity, Pred: func(h, a int) bool { return (h+a)%2 == 0 }},

		// Clean sheets (overlapping).
		{Code: "cs_home:yes", Pred: func(h, a int) bool { return a == 0 }},
		{Code: "cs_away:yes", Pred: func(h, a int) bool { return h == 0 }},

		// Winning margins.
		{Code: "margin:home:1", Pred: func(h, a int) bool { return h-a == 1 }},
		{Code: "margin:home:2", Pred: func(h, a int) bool { return h-a == 2 }},
		{Code: "margin:home:3+", Pred: func(h, a int) bool { return h-a >= 3 }},
		{Code: "margin:away:1", Pred: func(h, a int) bool { return a-h == 1 }},
		{Code: "margin:away:2", Pred: func(h, a int) bool { return a-h == 2 }},
		{Code: "margin:away:3+", Pred: func(h, a int) bool { return a-h >= 3 }},
	}

	// Over/under per line. Each line is its own two-way group.
	for _, line := range ouLines {
		line := line
		group := fmt.Sprintf("ou%.1f", line)
		markets = append(markets,
			Market{
				Code:  fmt.Sprintf("%s:over", group),
				Group: group,
				Pred:  func(h, a int) bool { return float64(h+a) > line },
			},
			Market{
				Code:  fmt.Sprintf("%s:under", group),
				Group: group,
				Pred:  func(h, a int) bool { return float64(h+a) < line },
			},
		)
	}

	// Team totals over/under 1.5 (overlapping with the match totals).
	markets = append(markets,
		Market{Code: "team_ou1.5:home:over", Pred: func(h, a int) bool { return h >= 2 }},
		Market{Code: "team_ou1.5:home:under", Pred: func(h, a int) bool { return h <= 1 }},
		Market{Code: "team_ou1.5:away:over", Pred: func(h, a int) bool { return a >= 2 }},
		Market{Code: "team_ou1.5:away:under", Pred: func(h, a int) bool { return a <= 1 }},
	)

	// Correct scores up to csMax-csMax, plus an "other" bucket so the group
	// sums to 1.
	for h := 0; h <= csMax; h++ {
		for a := 0; a <= csMax; a++ {
			h, a := h, a
			markets = append(markets, Market{
				Code:  fmt.Sprintf("cs:%d-%d", h, a),
				Group: GroupCorrectScore,
				Pred:  func(hh, aa int) bool { return hh == h && aa == a },
			})
		}
	}
	markets = append(markets, Market{
		Code:  "cs:other",
		Group: GroupCorrectScore,
		Pred:  func(h, a int) bool { return h > csMax || a > csMax },
	})

	return markets
}

// MutuallyExclusiveGroups returns the market codes per sum-to-one group,
// in catalog order.
func MutuallyExclusiveGroups() map[string][]string {
	groups := make(map[string][]string)
	for _, m := range Catalog() {
		if m.Group == "" {
			continue
		}
		groups[m.Group] = append(groups[m.Group], m.Code)
	}
	return groups
}
