package predict

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/veil-waf/veil-anomaly/internal/features"
)

// BatchItem is one row of a batch response. Exactly one of Result and Error
// is set; Result's fields are inlined in JSON.
type BatchItem struct {
	Index int `json:"index"`
	*Result
	Error string `json:"error,omitempty"`

	err error
}

// Err returns the underlying failure for a rejected row.
func (b BatchItem) Err() error {
	return b.err
}

// BatchSummary aggregates a batch.
type BatchSummary struct {
	Total   int `json:"total"`
	Normal  int `json:"normal"`
	Attacks int `json:"attacks"`
	Failed  int `json:"failed"`
	// AnomalyRate is the percentage of successful rows flagged as attacks.
	AnomalyRate float64 `json:"anomaly_rate"`
	// AttackTypes counts attack rows per predicted type.
	AttackTypes map[string]int `json:"attack_types,omitempty"`
}

// BatchResult holds per-row outcomes in input order.
type BatchResult struct {
	Items   []BatchItem  `json:"predictions"`
	Summary BatchSummary `json:"summary"`
}

// PredictBatch runs PredictSingle for every valid row on at most workers
// goroutines. A failing row never aborts the others.
func (p *Predictor) PredictBatch(ctx context.Context, rows []features.Row, workers int) BatchResult {
	if workers < 1 {
		workers = 1
	}
	items := make([]BatchItem, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, row := range rows {
		items[i].Index = row.Index
		if row.Err != nil {
			items[i].fail(row.Err)
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				items[i].fail(err)
				return nil
			}
			res, err := p.PredictSingle(gctx, row.Record)
			if err != nil {
				items[i].fail(err)
				return nil
			}
			items[i].Result = &res
			return nil
		})
	}
	_ = g.Wait()

	return BatchResult{Items: items, Summary: summarize(items)}
}

func (b *BatchItem) fail(err error) {
	b.err = err
	b.Error = err.Error()
}

func summarize(items []BatchItem) BatchSummary {
	s := BatchSummary{Total: len(items)}
	for _, it := range items {
		switch {
		case it.Result == nil:
			s.Failed++
		case it.Result.IsAttack():
			s.Attacks++
			if s.AttackTypes == nil {
				s.AttackTypes = make(map[string]int)
			}
			s.AttackTypes[it.Result.AttackType]++
		default:
			s.Normal++
		}
	}
	if ok := s.Total - s.Failed; ok > 0 {
		s.AnomalyRate = round8(float64(s.Attacks) / float64(ok) * 100)
	}
	return s
}
