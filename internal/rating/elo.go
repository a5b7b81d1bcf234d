// Package rating implements the Elo update used to settle rated battles.
package rating

import "math"

const (
	// ProvisionalMatches is the number of completed matches before the K-factor drops.
	ProvisionalMatches = 25
	kProvisional       = 32
	kEstablished       = 16
)

// Outcome scores.
const (
	Win  = 1.0
	Draw = 0.5
	Loss = 0.0
)

// ExpectedScore is the logistic expectation of a player rated ra against rb.
func ExpectedScore(ra, rb int) float64 {
	return 1 / (1 + math.Pow(10, float64(rb-ra)/400))
}

// NewRating applies one update and rounds half away from zero.
func NewRating(old int, score, expected float64, k int) int {
	return int(math.Round(float64(old) + float64(k)*(score-expected)))
}

// KFactor selects the update weight from the number of completed matches.
func KFactor(matchesPlayed int) int {
	if matchesPlayed < ProvisionalMatches {
		return kProvisional
	}
	return kEstablished
}

// Update computes the post-match rating of a player against an opponent's pre-match rating.
func Update(own, opponent int, score float64, matchesPlayed int) int {
	return NewRating(own, score, ExpectedScore(own, opponent), KFactor(matchesPlayed))
}
