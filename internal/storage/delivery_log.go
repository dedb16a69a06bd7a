package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sungwon/mail-relay/internal/metrics"
)

// Outcome statuses stored in delivery_log.status.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Entry is one delivery_log row.
type Entry struct {
	ID        uuid.UUID
	Channel   string // http or broker
	Source    string // topic, queue or stream the work item arrived on
	MessageID string
	Recipient string
	Template  string
	Status    string
	Reason    string
	Duration  time.Duration
	CreatedAt time.Time
}

// Querier is the subset of pgxpool.Pool used by DeliveryLog.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// DeliveryLog records delivery outcomes. It never stores in-flight state.
type DeliveryLog struct {
	q Querier
}

// NewDeliveryLog creates a DeliveryLog over q, usually a *pgxpool.Pool.
func NewDeliveryLog(q Querier) *DeliveryLog {
	return &DeliveryLog{q: q}
}

const insertDeliveryLog = `
INSERT INTO delivery_log (id, channel, source, message_id, recipient, template, status, reason, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// Record inserts e, assigning ID and CreatedAt when unset.
func (l *DeliveryLog) Record(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	_, err := l.q.Exec(ctx, insertDeliveryLog,
		e.ID, e.Channel, e.Source, e.MessageID, e.Recipient, e.Template,
		e.Status, e.Reason, e.Duration.Milliseconds(), e.CreatedAt,
	)
	metrics.DBQueryDuration.WithLabelValues("insert_delivery_log").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBErrorsTotal.WithLabelValues("insert_delivery_log").Inc()
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

const listRecentDeliveries = `
SELECT id, channel, source, message_id, recipient, template, status, reason, duration_ms, created_at
FROM delivery_log
ORDER BY created_at DESC
LIMIT $1`

// Recent returns up to limit entries, newest first.
func (l *DeliveryLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	start := time.Now()
	rows, err := l.q.Query(ctx, listRecentDeliveries, limit)
	if err != nil {
		metrics.DBErrorsTotal.WithLabelValues("list_delivery_log").Inc()
		return nil, fmt.Errorf("list delivery log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			durationMS int64
		)
		if err := rows.Scan(&e.ID, &e.Channel, &e.Source, &e.MessageID, &e.Recipient, &e.Template,
			&e.Status, &e.Reason, &durationMS, &e.CreatedAt); err != nil {
			metrics.DBErrorsTotal.WithLabelValues("list_delivery_log").Inc()
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	metrics.DBQueryDuration.WithLabelValues("list_delivery_log").Observe(time.Since(start).Seconds())

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery log: %w", err)
	}
	return out, nil
}
