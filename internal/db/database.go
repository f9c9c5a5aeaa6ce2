package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veil-waf/veil-anomaly/internal/events"
	"github.com/veil-waf/veil-anomaly/internal/predict"
)

var (
	// ErrNotFound is returned when a queried prediction does not exist.
	ErrNotFound = errors.New("not found")
	// ErrHistoryDisabled is returned by every query on a nil *DB, i.e. when
	// no DATABASE_URL is configured.
	ErrHistoryDisabled = errors.New("prediction history is disabled")
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps a pgx connection pool and stores prediction history.
// A nil *DB is valid and reports ErrHistoryDisabled.
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect creates a new DB instance, connects to PostgreSQL, and runs migrations.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := &DB{Pool: pool, logger: logger}
	if err := db.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Migrate reads and executes the embedded SQL migration files.
func (db *DB) Migrate(ctx context.Context) error {
	sql, err := migrations.ReadFile("migrations/001_init.sql")
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	db.logger.Info("database migrated")
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	if db == nil {
		return
	}
	db.Pool.Close()
}

// PingContext checks the database connection.
func (db *DB) PingContext(ctx context.Context) error {
	if db == nil {
		return ErrHistoryDisabled
	}
	return db.Pool.Ping(ctx)
}

var predictionColumns = []string{
	"id", "created_at", "source",
	"protocol_type", "service", "flag",
	"src_bytes", "dst_bytes", "logged_in", "conn_count", "srv_count",
	"prediction", "attack_probability", "attack_type", "attack_type_confidence",
	"model_fingerprint", "latency_ms",
}

// InsertPredictions stores preds with a single COPY.
func (db *DB) InsertPredictions(ctx context.Context, preds []events.Prediction) error {
	if db == nil {
		return ErrHistoryDisabled
	}
	if len(preds) == 0 {
		return nil
	}
	n, err := db.Pool.CopyFrom(ctx,
		pgx.Identifier{"predictions"},
		predictionColumns,
		pgx.CopyFromSlice(len(preds), func(i int) ([]any, error) {
			return predictionRow(preds[i]), nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy predictions: %w", err)
	}
	if int(n) != len(preds) {
		return fmt.Errorf("copy predictions: wrote %d of %d rows", n, len(preds))
	}
	return nil
}

func predictionRow(p events.Prediction) []any {
	var attackType *string
	if p.AttackType != "" {
		attackType = &p.AttackType
	}
	var model *string
	if p.Model != "" {
		model = &p.Model
	}
	var confidence map[string]float64
	if len(p.AttackTypeConfidence) > 0 {
		confidence = p.AttackTypeConfidence
	}
	in := p.Input
	return []any{
		p.ID, p.Timestamp, p.Source,
		in.ProtocolType, in.Service, in.Flag,
		in.SrcBytes, in.DstBytes, int16(in.LoggedIn), in.Count, in.SrvCount,
		p.Prediction, p.AttackProbability, attackType, confidence,
		model, p.LatencyMs,
	}
}

const selectPrediction = `SELECT id, created_at, source, protocol_type, service, flag,
	src_bytes, dst_bytes, logged_in, conn_count, srv_count,
	prediction, attack_probability, attack_type, attack_type_confidence,
	model_fingerprint, latency_ms
 FROM predictions`

func scanPrediction(row pgx.Row) (events.Prediction, error) {
	var (
		p          events.Prediction
		loggedIn   int16
		attackType *string
		confidence map[string]float64
		model      *string
		latency    *float64
	)
	err := row.Scan(&p.ID, &p.Timestamp, &p.Source,
		&p.Input.ProtocolType, &p.Input.Service, &p.Input.Flag,
		&p.Input.SrcBytes, &p.Input.DstBytes, &loggedIn, &p.Input.Count, &p.Input.SrvCount,
		&p.Prediction, &p.AttackProbability, &attackType, &confidence,
		&model, &latency)
	if err != nil {
		return p, err
	}
	p.Input.LoggedIn = int(loggedIn)
	if attackType != nil {
		p.AttackType = *attackType
	}
	if len(confidence) > 0 {
		p.AttackTypeConfidence = confidence
		p.Note = predict.ConfidenceNote
	}
	if model != nil {
		p.Model = *model
	}
	if latency != nil {
		p.LatencyMs = *latency
	}
	return p, nil
}

// GetPrediction retrieves one stored prediction.
func (db *DB) GetPrediction(ctx context.Context, id uuid.UUID) (*events.Prediction, error) {
	if db == nil {
		return nil, ErrHistoryDisabled
	}
	p, err := scanPrediction(db.Pool.QueryRow(ctx, selectPrediction+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RecentPredictions returns the newest predictions first. attacksOnly
// restricts the result to attack rows.
func (db *DB) RecentPredictions(ctx context.Context, limit int, attacksOnly bool) ([]events.Prediction, error) {
	if db == nil {
		return nil, ErrHistoryDisabled
	}
	query := selectPrediction
	if attacksOnly {
		query += ` WHERE prediction = 'attack'`
	}
	rows, err := db.Pool.Query(ctx, query+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	preds := make([]events.Prediction, 0, limit)
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, rows.Err()
}

// PredictionStats aggregates predictions made within window. A zero window
// covers all stored history.
func (db *DB) PredictionStats(ctx context.Context, window time.Duration) (*Stats, error) {
	if db == nil {
		return nil, ErrHistoryDisabled
	}
	since := time.Time{}
	if window > 0 {
		since = time.Now().Add(-window)
	}

	s := Stats{WindowSeconds: int64(window.Seconds())}
	err := db.Pool.QueryRow(ctx,
		`SELECT
		    COUNT(*),
		    COUNT(*) FILTER (WHERE prediction = 'attack'),
		    COALESCE(AVG(latency_ms), 0)
		 FROM predictions WHERE created_at > $1`, since,
	).Scan(&s.Total, &s.Attacks, &s.AvgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("totals: %w", err)
	}
	s.Normal = s.Total - s.Attacks
	s.AnomalyRate = anomalyRate(s.Total, s.Attacks)

	rows, err := db.Pool.Query(ctx,
		`SELECT attack_type, COUNT(*) AS cnt, AVG(attack_probability)
		 FROM predictions
		 WHERE prediction = 'attack' AND attack_type IS NOT NULL AND created_at > $1
		 GROUP BY attack_type
		 ORDER BY cnt DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("attack types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t AttackTypeCount
		if err := rows.Scan(&t.AttackType, &t.Count, &t.AvgProbability); err != nil {
			return nil, err
		}
		s.AttackTypes = append(s.AttackTypes, t)
	}
	return &s, rows.Err()
}

// PruneBefore deletes predictions older than cutoff and returns how many
// rows were removed.
func (db *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, ErrHistoryDisabled
	}
	tag, err := db.Pool.Exec(ctx, `DELETE FROM predictions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PruneLoop returns a loop body for server.Periodic that enforces retention.
func (db *DB) PruneLoop(retention time.Duration) func(ctx context.Context) {
	return func(ctx context.Context) {
		n, err := db.PruneBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				db.logger.Error("prune predictions failed", "err", err)
			}
			return
		}
		if n > 0 {
			db.logger.Info("pruned predictions", "rows", n, "retention", retention)
		}
	}
}

func anomalyRate(total, attacks int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(attacks) / float64(total) * 100
}
