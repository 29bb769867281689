package shadow

import (
	"math"
	"sort"
)

// L1Distance is the sum of absolute probability differences across the union
// of market codes, accumulated in sorted code order so repeated calls are
// bit-identical.
func L1Distance(prod, canary map[string]float64) float64 {
	codes := unionCodes(prod, canary)
	sum := 0.0
	for _, code := range codes {
		sum += math.Abs(prod[code] - canary[code])
	}
	return sum
}

// KLDivergence computes sum(prod_p * log(prod_p / canary_p)) over the market
// codes where the production probability is non-zero.
//
// When the canary assigns zero probability to a market the production model
// considers possible, the divergence is undefined and nil is returned. That
// is a data-quality signal for the canary, never coerced to zero or infinity.
func KLDivergence(prod, canary map[string]float64) *float64 {
	codes := unionCodes(prod, canary)
	sum := 0.0
	for _, code := range codes {
		p := prod[code]
		if p <= 0 {
			continue // zero mass contributes nothing
		}
		q := canary[code]
		if q <= 0 {
			return nil
		}
		sum += p * math.Log(p/q)
	}
	return &sum
}

func unionCodes(a, b map[string]float64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for code := range a {
		seen[code] = struct{}{}
	}
	for code := range b {
		seen[code] = struct{}{}
	}
	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
