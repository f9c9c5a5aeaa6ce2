// Package predict runs the two-stage attack classification: a binary
// attack/normal verdict, then an attack-type verdict with a softmax
// confidence spread when the first stage flags an attack.
package predict

import (
	"context"
	"fmt"

	"github.com/veil-waf/veil-anomaly/internal/model"
)

// Predictor orchestrates the binary and multiclass models. It holds no
// mutable state and is safe for concurrent use.
type Predictor struct {
	binary model.BinaryClassifier
	multi  model.MulticlassClassifier
}

// NewPredictor creates a predictor over two loaded models.
func NewPredictor(binary model.BinaryClassifier, multi model.MulticlassClassifier) *Predictor {
	return &Predictor{binary: binary, multi: multi}
}

// Models returns descriptions of the binary and multiclass models.
func (p *Predictor) Models() (binary, multi model.Info) {
	return model.Describe(p.binary), model.Describe(p.multi)
}

// PredictSingle classifies one record. Model failures come back as
// *InferenceError and never with a partial result.
func (p *Predictor) PredictSingle(ctx context.Context, rec model.Features) (Result, error) {
	label, proba, err := model.ScoreBinary(ctx, p.binary, rec)
	if err != nil {
		return Result{}, &InferenceError{Stage: StageBinary, Err: err}
	}

	switch label {
	case 0:
		return Result{
			Prediction:        Normal,
			AttackProbability: round8(proba),
		}, nil
	case 1:
	default:
		return Result{}, &InferenceError{Stage: StageBinary, Err: fmt.Errorf("%w: %d", ErrBadLabel, label)}
	}

	attackType, scores, err := model.ScoreMulticlass(ctx, p.multi, rec)
	if err != nil {
		return Result{}, &InferenceError{Stage: StageMulticlass, Err: err}
	}
	confidence, err := ScoresToConfidence(scores, p.multi.Classes())
	if err != nil {
		return Result{}, &InferenceError{Stage: StageMulticlass, Err: err}
	}
	for k, v := range confidence {
		confidence[k] = round8(v)
	}

	return Result{
		Prediction:           Attack,
		AttackProbability:    round8(proba),
		AttackType:           attackType,
		AttackTypeConfidence: confidence,
		Note:                 ConfidenceNote,
	}, nil
}
