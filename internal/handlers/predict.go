package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/veil-waf/veil-anomaly/internal/events"
	"github.com/veil-waf/veil-anomaly/internal/features"
	"github.com/veil-waf/veil-anomaly/internal/metrics"
	"github.com/veil-waf/veil-anomaly/internal/predict"
	"github.com/veil-waf/veil-anomaly/internal/ratelimit"
)

const maxBatchBody = 32 << 20

// PredictHandler serves the JSON and CSV prediction API.
type PredictHandler struct {
	scorer  *Scorer
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPredictHandler creates a new PredictHandler.
func NewPredictHandler(scorer *Scorer, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) *PredictHandler {
	return &PredictHandler{scorer: scorer, limiter: limiter, metrics: m, logger: logger}
}

type singleResponse struct {
	predict.Result
	Explanation string `json:"explanation,omitempty"`
}

// Predict handles POST /predict. The body is one record, or {"batch": [...]}.
func (ph *PredictHandler) Predict(w http.ResponseWriter, r *http.Request) {
	if ph.limiter.Check(w, r, ratelimit.Predict) {
		ph.metrics.ObserveRejected("rate_limited")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBody)
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		ph.rejectBody(w, err)
		return
	}

	if batch, ok := raw["batch"]; ok {
		if len(raw) > 1 {
			ph.reject(w, "batch requests take no other fields", http.StatusBadRequest)
			return
		}
		ph.predictJSONBatch(w, r, batch)
		return
	}

	rec, err := features.FromRaw(raw)
	if err != nil {
		ph.reject(w, err.Error(), statusFor(err))
		return
	}

	res, err := ph.scorer.Single(r.Context(), rec, events.SourceAPI)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}

	resp := singleResponse{Result: res}
	if wantExplanation(r) {
		resp.Explanation = ph.scorer.Explain(r.Context(), rec, res)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (ph *PredictHandler) predictJSONBatch(w http.ResponseWriter, r *http.Request, body json.RawMessage) {
	rows, err := decodeBatch(body, ph.scorer.MaxRows())
	if err != nil {
		ph.reject(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, ph.scorer.Batch(r.Context(), rows, events.SourceBatch))
}

// decodeBatch splits a JSON array into rows. A malformed element only fails
// its own row.
func decodeBatch(body json.RawMessage, limit int) ([]features.Row, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, &features.ValidationError{Problems: []string{"batch must be an array of records"}}
	}
	if len(elems) > limit {
		return nil, fmt.Errorf("%w: %d rows, limit %d", features.ErrBatchTooLarge, len(elems), limit)
	}

	rows := make([]features.Row, len(elems))
	for i, elem := range elems {
		rows[i].Index = i
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(elem, &raw); err != nil {
			rows[i].Err = &features.ValidationError{Problems: []string{"record must be a JSON object"}}
			continue
		}
		rows[i].Record, rows[i].Err = features.FromBatchElement(raw)
	}
	return rows, nil
}

// PredictBatch handles POST /predict/batch with a text/csv body or a
// multipart form whose "file" field holds the CSV.
func (ph *PredictHandler) PredictBatch(w http.ResponseWriter, r *http.Request) {
	if ph.limiter.Check(w, r, ratelimit.Batch) {
		ph.metrics.ObserveRejected("rate_limited")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBody)
	src, closeFn, err := csvSource(r)
	if err != nil {
		ph.reject(w, err.Error(), statusFor(err))
		return
	}
	defer closeFn()

	rows, err := features.ReadCSV(src, ph.scorer.MaxRows())
	if err != nil {
		ph.reject(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, ph.scorer.Batch(r.Context(), rows, events.SourceBatch))
}

// csvSource returns the CSV stream of a batch upload.
func csvSource(r *http.Request) (io.Reader, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, func() {}, nil
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, nil, err
		}
		return nil, nil, &features.ValidationError{Problems: []string{`multipart upload needs a "file" field`}}
	}
	return file, func() { file.Close() }, nil
}

func (ph *PredictHandler) rejectBody(w http.ResponseWriter, err error) {
	var tooBig *http.MaxBytesError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &tooBig):
		ph.reject(w, "request body too large", http.StatusRequestEntityTooLarge)
	case errors.As(err, &typeErr):
		ph.reject(w, "request body must be a JSON object", http.StatusBadRequest)
	default:
		ph.reject(w, "Invalid JSON", http.StatusBadRequest)
	}
}

func (ph *PredictHandler) reject(w http.ResponseWriter, msg string, code int) {
	ph.metrics.ObserveRejected(strconv.Itoa(code))
	jsonError(w, msg, code)
}

func wantExplanation(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get("explain"))
	return ok
}
