package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/veil-waf/veil-anomaly/internal/events"
	"github.com/veil-waf/veil-anomaly/internal/features"
	"github.com/veil-waf/veil-anomaly/internal/metrics"
	"github.com/veil-waf/veil-anomaly/internal/predict"
)

// ResultCache is a lookaside cache of prediction results.
type ResultCache interface {
	Get(ctx context.Context, rec features.Record) (predict.Result, bool, error)
	Set(ctx context.Context, rec features.Record, res predict.Result) error
}

// Explainer produces a natural-language explanation of a result.
type Explainer interface {
	Explain(ctx context.Context, rec features.Record, res predict.Result) (string, error)
}

// Scorer runs predictions for every HTTP surface and records the successful
// ones. Cache and explainer are optional.
type Scorer struct {
	predictor   *predict.Predictor
	recorder    *events.Recorder
	metrics     *metrics.Metrics
	cache       ResultCache
	explainer   Explainer
	fingerprint string
	cacheable   bool
	workers     int
	maxRows     int
	logger      *slog.Logger
}

// NewScorer creates a Scorer. workers bounds batch concurrency and maxRows
// caps batch size.
func NewScorer(
	predictor *predict.Predictor,
	recorder *events.Recorder,
	m *metrics.Metrics,
	workers, maxRows int,
	logger *slog.Logger,
) *Scorer {
	bin, multi := predictor.Models()
	return &Scorer{
		predictor:   predictor,
		recorder:    recorder,
		metrics:     m,
		fingerprint: bin.Fingerprint + "-" + multi.Fingerprint,
		cacheable:   bin.Deterministic && multi.Deterministic,
		workers:     workers,
		maxRows:     maxRows,
		logger:      logger,
	}
}

// WithCache enables the result cache. It is ignored when the models can
// change underneath the process, since cached results would outlive them.
func (s *Scorer) WithCache(c ResultCache) *Scorer {
	if !s.cacheable {
		s.logger.Warn("result cache ignored, models are not deterministic", "fingerprint", s.fingerprint)
		return s
	}
	s.cache = c
	return s
}

// Cacheable reports whether results may be served from a cache.
func (s *Scorer) Cacheable() bool {
	return s.cacheable
}

// WithExplainer enables explanations.
func (s *Scorer) WithExplainer(e Explainer) *Scorer {
	s.explainer = e
	return s
}

// CanExplain reports whether an explainer is configured.
func (s *Scorer) CanExplain() bool {
	return s.explainer != nil
}

// MaxRows is the largest accepted batch.
func (s *Scorer) MaxRows() int {
	return s.maxRows
}

// Fingerprint identifies the loaded model pair.
func (s *Scorer) Fingerprint() string {
	return s.fingerprint
}

// Single predicts one record.
func (s *Scorer) Single(ctx context.Context, rec features.Record, source string) (predict.Result, error) {
	start := time.Now()

	if res, ok := s.cached(ctx, rec); ok {
		s.record(ctx, events.New(source, rec, res, s.fingerprint, time.Since(start)))
		return res, nil
	}

	res, err := s.predictor.PredictSingle(ctx, rec)
	if err != nil {
		s.logger.Warn("inference failed", "source", source, "err", err)
		return predict.Result{}, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, rec, res); err != nil {
			s.logger.Warn("cache store failed", "err", err)
		}
	}
	s.record(ctx, events.New(source, rec, res, s.fingerprint, time.Since(start)))
	return res, nil
}

func (s *Scorer) cached(ctx context.Context, rec features.Record) (predict.Result, bool) {
	if s.cache == nil {
		return predict.Result{}, false
	}
	res, ok, err := s.cache.Get(ctx, rec)
	switch {
	case err != nil:
		s.metrics.ObserveCache(metrics.CacheError)
		s.logger.Warn("cache lookup failed", "err", err)
		return predict.Result{}, false
	case ok:
		s.metrics.ObserveCache(metrics.CacheHit)
	default:
		s.metrics.ObserveCache(metrics.CacheMiss)
	}
	return res, ok
}

// Batch predicts every row. Rows that fail keep their error in the output.
func (s *Scorer) Batch(ctx context.Context, rows []features.Row, source string) predict.BatchResult {
	start := time.Now()
	out := s.predictor.PredictBatch(ctx, rows, s.workers)
	s.metrics.ObserveBatch(len(rows))

	var perRow time.Duration
	if len(rows) > 0 {
		perRow = time.Since(start) / time.Duration(len(rows))
	}
	preds := make([]events.Prediction, 0, out.Summary.Total-out.Summary.Failed)
	for i, it := range out.Items {
		if it.Result != nil {
			preds = append(preds, events.New(source, rows[i].Record, *it.Result, s.fingerprint, perRow))
		} else {
			s.logger.Debug("batch row rejected", "index", it.Index, "err", it.Err())
		}
	}
	s.record(ctx, preds...)
	return out
}

// Explain returns an explanation for attack results, or "" when none is
// available. Failures are logged only.
func (s *Scorer) Explain(ctx context.Context, rec features.Record, res predict.Result) string {
	if s.explainer == nil || !res.IsAttack() {
		return ""
	}
	text, err := s.explainer.Explain(ctx, rec, res)
	if err != nil {
		s.logger.Warn("explanation failed", "err", err)
		return ""
	}
	return text
}

// record outlives the request so a client disconnect does not drop history.
func (s *Scorer) record(ctx context.Context, preds ...events.Prediction) {
	s.recorder.Record(context.WithoutCancel(ctx), preds...)
}
