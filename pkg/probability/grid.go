package probability

import (
	"fmt"
	"math"
)

// MaxGoals truncates the scoreline grid. Mass beyond this count is clamped
// into the normalization, not re-raised as an error.
const MaxGoals = 10

// gridTolerance is the allowed deviation of the full grid sum from 1.
const gridTolerance = 1e-6

// ScoreGrid is a bivariate scoreline distribution: Cells[h][a] is the
// probability of the fixture finishing h-a.
type ScoreGrid struct {
	Cells  [MaxGoals + 1][MaxGoals + 1]float64
	MuHome float64
	MuAway float64
}

// poissonPMF returns P(X = k) for X ~ Poisson(lambda).
func poissonPMF(k int, lambda float64) float64 {
	if lambda <= 0 {
		if k == 0 {
			return 1
		}
		return 0
	}
	// exp(-lambda + k*ln(lambda) - ln(k!)) avoids factorial overflow.
	logP := -lambda + float64(k)*math.Log(lambda) - logFactorial(k)
	return math.Exp(logP)
}

func logFactorial(k int) float64 {
	s := 0.0
	for i := 2; i <= k; i++ {
		s += math.Log(float64(i))
	}
	return s
}

// dcTau is the Dixon-Coles low-score correlation adjustment. It dampens the
// independence assumption for the 0-0, 1-0, 0-1 and 1-1 cells.
func dcTau(h, a int, muH, muA, rho float64) float64 {
	switch {
	case h == 0 && a == 0:
		return 1 - muH*muA*rho
	case h == 0 && a == 1:
		return 1 + muH*rho
	case h == 1 && a == 0:
		return 1 + muA*rho
	case h == 1 && a == 1:
		return 1 - rho
	default:
		return 1
	}
}

// buildGrid computes the truncated scoreline grid for the given goal rates.
// The grid is normalized in a stable order (increasing goal counts) and must
// sum to 1 within tolerance before any market is sliced from it.
func buildGrid(muHome, muAway, rho float64) (*ScoreGrid, error) {
	g := &ScoreGrid{MuHome: muHome, MuAway: muAway}

	sum := 0.0
	for h := 0; h <= MaxGoals; h++ {
		ph := poissonPMF(h, muHome)
		for a := 0; a <= MaxGoals; a++ {
			p := ph * poissonPMF(a, muAway) * dcTau(h, a, muHome, muAway, rho)
			if p < 0 {
				p = 0 // tau can push tiny cells below zero at extreme rates
			}
			g.Cells[h][a] = p
			sum += p
		}
	}

	if sum <= 0 {
		return nil, fmt.Errorf("degenerate scoreline grid (mu_home=%v mu_away=%v)", muHome, muAway)
	}

	// Clamp truncation error back into the grid.
	for h := 0; h <= MaxGoals; h++ {
		for a := 0; a <= MaxGoals; a++ {
			g.Cells[h][a] /= sum
		}
	}

	if err := g.checkMass(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkMass verifies the full grid sums to 1 within tolerance.
func (g *ScoreGrid) checkMass() error {
	sum := 0.0
	for h := 0; h <= MaxGoals; h++ {
		for a := 0; a <= MaxGoals; a++ {
			sum += g.Cells[h][a]
		}
	}
	if math.Abs(sum-1) > gridTolerance {
		return fmt.Errorf("scoreline grid mass %v outside tolerance %v", sum, gridTolerance)
	}
	return nil
}

// Slice sums the grid over the cells satisfying the predicate, in increasing
// goal order so repeated calls are bit-identical.
func (g *ScoreGrid) Slice(pred func(home, away int) bool) float64 {
	s := 0.0
	for h := 0; h <= MaxGoals; h++ {
		for a := 0; a <= MaxGoals; a++ {
			if pred(h, a) {
				s += g.Cells[h][a]
			}
		}
	}
	return s
}
