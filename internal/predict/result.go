package predict

import (
	"errors"
	"fmt"
)

// Prediction labels.
const (
	Normal = "normal"
	Attack = "attack"
)

// ConfidenceNote is attached to every attack result.
const ConfidenceNote = "attack_type_confidence is a softmax over the multiclass model's decision scores; " +
	"it ranks attack types but is not a calibrated probability"

// Result is the outcome of one prediction. The attack fields are empty on
// the normal branch and omitted from JSON.
type Result struct {
	Prediction           string             `json:"prediction"`
	AttackProbability    float64            `json:"attack_probability"`
	AttackType           string             `json:"attack_type,omitempty"`
	AttackTypeConfidence map[string]float64 `json:"attack_type_confidence,omitempty"`
	Note                 string             `json:"note,omitempty"`
}

// IsAttack reports whether the binary stage flagged the record.
func (r Result) IsAttack() bool {
	return r.Prediction == Attack
}

// Stages reported by InferenceError.
const (
	StageBinary     = "binary"
	StageMulticlass = "multiclass"
)

// ErrBadLabel is returned when the binary model emits a label other than 0/1.
var ErrBadLabel = errors.New("binary model returned unexpected label")

// InferenceError wraps a failure inside one of the two models.
type InferenceError struct {
	Stage string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
