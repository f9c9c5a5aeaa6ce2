package metrics

import (
	"context"
	"time"

	"github.com/veil-waf/veil-anomaly/internal/model"
	"github.com/veil-waf/veil-anomaly/internal/predict"
)

type binary struct {
	inner model.BinaryClassifier
	m     *Metrics
}

// InstrumentBinary wraps b so every call is timed and failures counted.
func (m *Metrics) InstrumentBinary(b model.BinaryClassifier) model.BinaryClassifier {
	return &binary{inner: b, m: m}
}

func (b *binary) Predict(ctx context.Context, rec model.Features) (int, error) {
	defer b.m.time(predict.StageBinary, "predict")()
	label, err := b.inner.Predict(ctx, rec)
	b.m.fail(predict.StageBinary, err)
	return label, err
}

func (b *binary) PredictProba(ctx context.Context, rec model.Features) (float64, error) {
	defer b.m.time(predict.StageBinary, "predict_proba")()
	p, err := b.inner.PredictProba(ctx, rec)
	b.m.fail(predict.StageBinary, err)
	return p, err
}

// ScoreBinary times the combined evaluation used by the predictor.
func (b *binary) ScoreBinary(ctx context.Context, rec model.Features) (int, float64, error) {
	defer b.m.time(predict.StageBinary, "score")()
	label, p, err := model.ScoreBinary(ctx, b.inner, rec)
	b.m.fail(predict.StageBinary, err)
	return label, p, err
}

func (b *binary) Info() model.Info {
	return model.Describe(b.inner)
}

type multiclass struct {
	inner model.MulticlassClassifier
	m     *Metrics
}

// InstrumentMulticlass wraps c so every call is timed and failures counted.
func (m *Metrics) InstrumentMulticlass(c model.MulticlassClassifier) model.MulticlassClassifier {
	return &multiclass{inner: c, m: m}
}

func (c *multiclass) Predict(ctx context.Context, rec model.Features) (string, error) {
	defer c.m.time(predict.StageMulticlass, "predict")()
	label, err := c.inner.Predict(ctx, rec)
	c.m.fail(predict.StageMulticlass, err)
	return label, err
}

func (c *multiclass) DecisionFunction(ctx context.Context, rec model.Features) ([]float64, error) {
	defer c.m.time(predict.StageMulticlass, "decision_function")()
	scores, err := c.inner.DecisionFunction(ctx, rec)
	c.m.fail(predict.StageMulticlass, err)
	return scores, err
}

func (c *multiclass) ScoreMulticlass(ctx context.Context, rec model.Features) (string, []float64, error) {
	defer c.m.time(predict.StageMulticlass, "score")()
	label, scores, err := model.ScoreMulticlass(ctx, c.inner, rec)
	c.m.fail(predict.StageMulticlass, err)
	return label, scores, err
}

func (c *multiclass) Classes() []string {
	return c.inner.Classes()
}

func (c *multiclass) Info() model.Info {
	return model.Describe(c.inner)
}

func (m *Metrics) time(stage, method string) func() {
	start := time.Now()
	return func() {
		m.stageDuration.WithLabelValues(stage, method).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) fail(stage string, err error) {
	if err != nil {
		m.stageErrors.WithLabelValues(stage).Inc()
	}
}
