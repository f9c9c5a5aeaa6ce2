package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/veil-waf/veil-anomaly/internal/db"
	"github.com/veil-waf/veil-anomaly/internal/events"
	"github.com/veil-waf/veil-anomaly/internal/model"
	"github.com/veil-waf/veil-anomaly/internal/predict"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultStatsWindow  = 24 * time.Hour
)

// HistoryStore is the read side of the prediction history.
type HistoryStore interface {
	RecentPredictions(ctx context.Context, limit int, attacksOnly bool) ([]events.Prediction, error)
	PredictionStats(ctx context.Context, window time.Duration) (*db.Stats, error)
}

// HistoryHandler serves model metadata and stored prediction history.
type HistoryHandler struct {
	history   HistoryStore
	predictor *predict.Predictor
	scorer    *Scorer
	logger    *slog.Logger
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(history HistoryStore, predictor *predict.Predictor, scorer *Scorer, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{history: history, predictor: predictor, scorer: scorer, logger: logger}
}

// GetModel handles GET /api/model.
func (hh *HistoryHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	bin, multi := hh.predictor.Models()
	writeJSON(w, http.StatusOK, struct {
		Binary      model.Info `json:"binary"`
		Multiclass  model.Info `json:"multiclass"`
		Fingerprint string     `json:"fingerprint"`
		Explain     bool       `json:"explain_available"`
	}{bin, multi, hh.scorer.Fingerprint(), hh.scorer.CanExplain()})
}

// GetHistory handles GET /api/history?limit=N&attacks_only=true.
func (hh *HistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	attacksOnly, _ := strconv.ParseBool(r.URL.Query().Get("attacks_only"))

	preds, err := hh.history.RecentPredictions(r.Context(), limit, attacksOnly)
	if err != nil {
		hh.historyError(w, "failed to fetch history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": preds})
}

// GetStats handles GET /api/stats?window=24h. window=0 covers all history.
func (hh *HistoryHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			jsonError(w, "window must be a duration such as 1h or 30m", http.StatusBadRequest)
			return
		}
		window = d
	}

	stats, err := hh.history.PredictionStats(r.Context(), window)
	if err != nil {
		hh.historyError(w, "failed to fetch stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (hh *HistoryHandler) historyError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, db.ErrHistoryDisabled) {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	hh.logger.Error(msg, "err", err)
	jsonError(w, msg, http.StatusInternalServerError)
}
