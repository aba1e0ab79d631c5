// Package audit keeps a local trail of resolved messages.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dbresolve/internal/models"
	"dbresolve/internal/worker"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500

	writeTimeout = 5 * time.Second
)

// Submitter queues background work.
type Submitter interface {
	Submit(job worker.Job) error
}

type Recorder struct {
	db     *sql.DB
	pool   Submitter
	logger *zap.Logger
}

func NewRecorder(db *sql.DB, pool Submitter, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: db, pool: pool, logger: logger}
}

// Record queues res for writing and returns immediately. Records that do
// not fit into the queue are dropped.
func (r *Recorder) Record(res models.Resolution) {
	err := r.pool.Submit(worker.Job{
		Key: res.UserID,
		Run: func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, writeTimeout)
			defer cancel()
			if err := r.Insert(ctx, res); err != nil {
				r.logger.Error("write resolution", zap.String("resolution_id", res.ID), zap.Error(err))
			}
		},
	})
	switch {
	case errors.Is(err, worker.ErrPoolBusy):
		r.logger.Warn("audit queue full, resolution dropped", zap.String("resolution_id", res.ID))
	case err != nil:
		r.logger.Warn("audit unavailable, resolution dropped", zap.String("resolution_id", res.ID), zap.Error(err))
	}
}

// Insert writes one record synchronously.
func (r *Recorder) Insert(ctx context.Context, res models.Resolution) error {
	if res.ID == "" {
		return errors.New("resolution id is required")
	}
	created := res.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO resolutions (id, intent, user_id, error_code, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		res.ID, res.Intent, res.UserID, res.ErrorCode, res.DurationMs, created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]models.Resolution, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, intent, user_id, error_code, duration_ms, created_at FROM resolutions ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	out := make([]models.Resolution, 0, limit)
	for rows.Next() {
		var res models.Resolution
		if err := rows.Scan(&res.ID, &res.Intent, &res.UserID, &res.ErrorCode, &res.DurationMs, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
