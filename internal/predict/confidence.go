package predict

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrCardinality is returned when scores and labels differ in length or
	// are empty.
	ErrCardinality = errors.New("scores and labels must have the same non-zero length")
	// ErrDuplicateLabel is returned when a label appears twice.
	ErrDuplicateLabel = errors.New("duplicate label")
	// ErrNonFiniteScore is returned for NaN or infinite scores.
	ErrNonFiniteScore = errors.New("non-finite decision score")
)

// ScoresToConfidence turns per-class decision scores into a distribution
// over labels using a max-shifted softmax. Every value is in (0,1] and the
// values sum to 1. The result is a heuristic ranking, not a posterior.
func ScoresToConfidence(scores []float64, labels []string) (map[string]float64, error) {
	if len(scores) != len(labels) || len(scores) == 0 {
		return nil, fmt.Errorf("%w: %d scores, %d labels", ErrCardinality, len(scores), len(labels))
	}

	maxScore := math.Inf(-1)
	for i, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("%w: %q=%v", ErrNonFiniteScore, labels[i], s)
		}
		if s > maxScore {
			maxScore = s
		}
	}

	exps := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		exps[i] = math.Exp(s - maxScore)
		sum += exps[i]
	}

	out := make(map[string]float64, len(labels))
	for i, label := range labels {
		if _, dup := out[label]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
		}
		out[label] = exps[i] / sum
	}
	return out, nil
}

// round8 rounds half away from zero to 8 decimal places.
func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
