// Package model holds the two trained classifiers behind small interfaces.
// Handles are built once at startup and never mutated, so they are safe to
// share across request goroutines.
package model

import (
	"context"
	"errors"
)

var (
	// ErrUnknownCategory is returned when a categorical value was not seen in
	// training and the column does not ignore unknowns.
	ErrUnknownCategory = errors.New("unknown category")
	// ErrMissingFeature is returned when the record lacks a feature the model
	// was trained on.
	ErrMissingFeature = errors.New("missing feature")
	// ErrInvalidArtifact is returned when an exported model fails validation.
	ErrInvalidArtifact = errors.New("invalid model artifact")
	// ErrRemote is returned for any failure talking to the scoring service.
	ErrRemote = errors.New("remote scorer")
)

// Features is the read-only view of a record the models consume.
type Features interface {
	Categorical(name string) (string, bool)
	Numeric(name string) (float64, bool)
}

// BinaryClassifier separates normal traffic (0) from attacks (1).
type BinaryClassifier interface {
	Predict(ctx context.Context, rec Features) (int, error)
	// PredictProba returns the probability of the attack class.
	PredictProba(ctx context.Context, rec Features) (float64, error)
}

// MulticlassClassifier names the attack category. DecisionFunction returns
// one uncalibrated score per entry of Classes, in the same order.
type MulticlassClassifier interface {
	Predict(ctx context.Context, rec Features) (string, error)
	DecisionFunction(ctx context.Context, rec Features) ([]float64, error)
	Classes() []string
}

// Info describes a loaded model for the model-info endpoint and cache keys.
type Info struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Backend     string   `json:"backend"`
	Classes     []string `json:"classes"`
	Features    []string `json:"features,omitempty"`
	Fingerprint string   `json:"fingerprint"`

	// Deterministic is set when the same record always scores the same for
	// the life of the process, which is what makes results cacheable.
	Deterministic bool `json:"deterministic"`
}

// Describer is implemented by every classifier in this package.
type Describer interface {
	Info() Info
}

// Describe returns m's Info, or a placeholder for classifiers that do not
// describe themselves.
func Describe(m any) Info {
	if d, ok := m.(Describer); ok {
		return d.Info()
	}
	return Info{Name: "unknown", Backend: "custom"}
}

// BinaryScorer is implemented by classifiers that produce the label and the
// attack probability from one evaluation.
type BinaryScorer interface {
	ScoreBinary(ctx context.Context, rec Features) (label int, proba float64, err error)
}

// MulticlassScorer is implemented by classifiers that produce the label and
// the decision scores from one evaluation.
type MulticlassScorer interface {
	ScoreMulticlass(ctx context.Context, rec Features) (label string, scores []float64, err error)
}

// ScoreBinary returns b's label and attack probability, in a single call
// when b implements BinaryScorer.
func ScoreBinary(ctx context.Context, b BinaryClassifier, rec Features) (int, float64, error) {
	if s, ok := b.(BinaryScorer); ok {
		return s.ScoreBinary(ctx, rec)
	}
	label, err := b.Predict(ctx, rec)
	if err != nil {
		return 0, 0, err
	}
	proba, err := b.PredictProba(ctx, rec)
	if err != nil {
		return 0, 0, err
	}
	return label, proba, nil
}

// ScoreMulticlass returns m's label and decision scores, in a single call
// when m implements MulticlassScorer.
func ScoreMulticlass(ctx context.Context, m MulticlassClassifier, rec Features) (string, []float64, error) {
	if s, ok := m.(MulticlassScorer); ok {
		return s.ScoreMulticlass(ctx, rec)
	}
	label, err := m.Predict(ctx, rec)
	if err != nil {
		return "", nil, err
	}
	scores, err := m.DecisionFunction(ctx, rec)
	if err != nil {
		return "", nil, err
	}
	return label, scores, nil
}
