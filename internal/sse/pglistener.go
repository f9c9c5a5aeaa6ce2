package sse

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veil-waf/veil-anomaly/internal/events"
)

// NotifyChannel is the PostgreSQL channel the predictions insert trigger
// notifies with the new row's id.
const NotifyChannel = "prediction_stream"

// Loader fetches a stored prediction by id.
type Loader interface {
	GetPrediction(ctx context.Context, id uuid.UUID) (*events.Prediction, error)
}

// PGListener subscribes to the predictions NOTIFY channel and fans out the
// stored rows to the SSE hub, so every replica sees every prediction.
type PGListener struct {
	pool   *pgxpool.Pool
	loader Loader
	hub    *Hub
	logger *slog.Logger
}

// NewPGListener creates a new PGListener that bridges PostgreSQL notifications to SSE.
func NewPGListener(pool *pgxpool.Pool, loader Loader, hub *Hub, logger *slog.Logger) *PGListener {
	return &PGListener{pool: pool, loader: loader, hub: hub, logger: logger}
}

// Listen blocks until ctx is cancelled or the connection fails.
// It should be run inside RunWithRecovery so it auto-restarts on failure.
func (pl *PGListener) Listen(ctx context.Context) {
	conn, err := pl.pool.Acquire(ctx)
	if err != nil {
		pl.logger.Error("pg-listen: acquire connection failed", "err", err)
		return
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		pl.logger.Error("pg-listen: LISTEN failed", "channel", NotifyChannel, "err", err)
		return
	}
	pl.logger.Info("pg-listen: subscribed", "channel", NotifyChannel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			pl.logger.Error("pg-listen: notification error", "err", err)
			return
		}
		pl.dispatch(ctx, notification.Payload)
	}
}

func (pl *PGListener) dispatch(ctx context.Context, payload string) {
	id, err := uuid.Parse(payload)
	if err != nil {
		pl.logger.Warn("pg-listen: bad payload", "payload", payload, "err", err)
		return
	}
	pred, err := pl.loader.GetPrediction(ctx, id)
	if err != nil {
		pl.logger.Warn("pg-listen: load prediction failed", "id", id, "err", err)
		return
	}
	data, err := events.Marshal(*pred)
	if err != nil {
		pl.logger.Error("pg-listen: encode prediction failed", "err", err)
		return
	}
	pl.hub.PublishPrediction(id.String(), data, pred.IsAttack())
}
