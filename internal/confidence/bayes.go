// Package confidence implements the Bayesian confidence update used to score
// learned signal patterns.
//
// Confidence is the posterior mean of a Beta distribution with a uniform
// Beta(1,1) prior:
//
//	alpha = positive + 1
//	beta  = negative + 1
//	confidence = round(100 * alpha / (alpha + beta))
//
// Every function in this package is pure and safe for concurrent use.
package confidence

import "math"

const (
	// PriorAlpha is the pseudo-count of positive observations in the prior.
	PriorAlpha = 1

	// PriorBeta is the pseudo-count of negative observations in the prior.
	PriorBeta = 1
)

// Counts are the observation tallies for one pattern.
type Counts struct {
	Positive int `json:"positive_count"`
	Negative int `json:"negative_count"`
	Seen     int `json:"seen_count"`
}

// Result is the outcome of applying one observation.
type Result struct {
	Counts
	Confidence int `json:"confidence"`
}

// Update applies one positive or negative observation to c.
func Update(c Counts, isPositive bool) Result {
	c = c.clamped()
	if isPositive {
		c.Positive++
	} else {
		c.Negative++
	}
	c.Seen++
	return Result{Counts: c, Confidence: Score(c.Positive, c.Negative)}
}

// Observe records a neutral observation. Only Seen changes.
func Observe(c Counts) Result {
	c = c.clamped()
	c.Seen++
	return Result{Counts: c, Confidence: Score(c.Positive, c.Negative)}
}

// Score returns the rounded posterior mean as an integer percentage in [0,100].
func Score(positive, negative int) int {
	if positive < 0 {
		positive = 0
	}
	if negative < 0 {
		negative = 0
	}
	alpha := float64(positive + PriorAlpha)
	beta := float64(negative + PriorBeta)
	return int(math.Round(alpha / (alpha + beta) * 100))
}

// PosteriorMean returns alpha / (alpha + beta) without rounding.
func PosteriorMean(positive, negative int) float64 {
	if positive < 0 {
		positive = 0
	}
	if negative < 0 {
		negative = 0
	}
	alpha := float64(positive + PriorAlpha)
	beta := float64(negative + PriorBeta)
	return alpha / (alpha + beta)
}

// negative tallies are treated as zero so Update stays total.
func (c Counts) clamped() Counts {
	if c.Positive < 0 {
		c.Positive = 0
	}
	if c.Negative < 0 {
		c.Negative = 0
	}
	if c.Seen < 0 {
		c.Seen = 0
	}
	return c
}
