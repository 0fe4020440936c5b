package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liuproxy_broker/internal/ledger"
	"liuproxy_broker/internal/model"
)

const usageColumns = `id, device_id, user_id, proxy_id, proxy_host, proxy_port, proxy_type, proxy_country,
	assigned_at, released_at, avg_latency_ms, success_rate, total_requests, failed_requests,
	health_checks_passed, health_checks_failed, last_health_check, health_status, release_reason`

// Ledger implements ledger.Ledger on the proxy_usage table.
type Ledger struct {
	pool *pgxpool.Pool
}

var _ ledger.Ledger = (*Ledger)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsage(row rowScanner) (*model.UsageRecord, error) {
	var (
		r      model.UsageRecord
		id     uuid.UUID
		status string
		reason *string
	)
	err := row.Scan(
		&id, &r.DeviceID, &r.UserID, &r.ProxyID, &r.ProxyHost, &r.ProxyPort, &r.ProxyType, &r.ProxyCountry,
		&r.AssignedAt, &r.ReleasedAt, &r.AvgLatencyMs, &r.SuccessRate, &r.TotalRequests, &r.FailedRequests,
		&r.HealthChecksPassed, &r.HealthChecksFailed, &r.LastHealthCheck, &status, &reason,
	)
	if err != nil {
		return nil, err
	}
	r.ID = id.String()
	r.HealthStatus = model.HealthStatus(status)
	if reason != nil {
		r.ReleaseReason = model.ReleaseReason(*reason)
	}
	return &r, nil
}

func collectUsage(rows pgx.Rows) ([]*model.UsageRecord, error) {
	defer rows.Close()
	out := make([]*model.UsageRecord, 0)
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *Ledger) RecordAssignment(ctx context.Context, a model.Assignment) (*model.UsageRecord, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE proxy_usage SET released_at = $3, release_reason = $4
		WHERE device_id = $1 AND proxy_id = $2 AND released_at IS NULL`,
		a.DeviceID, a.ProxyID, now, string(model.ReleaseManual))
	if err != nil {
		return nil, fmt.Errorf("failed to close previous active record: %w", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO proxy_usage (id, device_id, user_id, proxy_id, proxy_host, proxy_port, proxy_type, proxy_country, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+usageColumns,
		uuid.New(), a.DeviceID, a.UserID, a.ProxyID, a.ProxyHost, a.ProxyPort, a.ProxyType, a.ProxyCountry, now)
	r, err := scanUsage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert usage record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit assignment: %w", err)
	}
	return r, nil
}

func (l *Ledger) RecordRelease(ctx context.Context, deviceID, proxyID string, reason model.ReleaseReason, stats *model.ReleaseStats) (*model.UsageRecord, error) {
	var row pgx.Row
	now := time.Now().UTC()
	if stats != nil {
		row = l.pool.QueryRow(ctx, `
			UPDATE proxy_usage
			SET released_at = $3, release_reason = $4,
			    avg_latency_ms = $5, success_rate = $6, total_requests = $7, failed_requests = $8
			WHERE device_id = $1 AND proxy_id = $2 AND released_at IS NULL
			RETURNING `+usageColumns,
			deviceID, proxyID, now, string(reason),
			stats.AvgLatencyMs, stats.SuccessRate, stats.TotalRequests, stats.FailedRequests)
	} else {
		row = l.pool.QueryRow(ctx, `
			UPDATE proxy_usage SET released_at = $3, release_reason = $4
			WHERE device_id = $1 AND proxy_id = $2 AND released_at IS NULL
			RETURNING `+usageColumns,
			deviceID, proxyID, now, string(reason))
	}

	r, err := scanUsage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to release usage record: %w", err)
	}
	return r, nil
}

func (l *Ledger) UpdateHealth(ctx context.Context, deviceID, proxyID string, status model.HealthStatus, passed bool) error {
	passedInc, failedInc := 0, 1
	if passed {
		passedInc, failedInc = 1, 0
	}
	tag, err := l.pool.Exec(ctx, `
		UPDATE proxy_usage
		SET health_status = $3, last_health_check = $4,
		    health_checks_passed = health_checks_passed + $5,
		    health_checks_failed = health_checks_failed + $6
		WHERE device_id = $1 AND proxy_id = $2 AND released_at IS NULL`,
		deviceID, proxyID, string(status), time.Now().UTC(), passedInc, failedInc)
	if err != nil {
		return fmt.Errorf("failed to update health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNoActiveRecord
	}
	return nil
}

func (l *Ledger) RecentStatsByProxy(ctx context.Context, window time.Duration) (map[string]model.ProxyStats, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT proxy_id,
		       COALESCE(AVG(NULLIF(avg_latency_ms, 0)), 0)::BIGINT,
		       COALESCE(AVG(CASE
		           WHEN total_requests > 0 THEN (total_requests - failed_requests) * 100.0 / total_requests
		           WHEN health_checks_passed + health_checks_failed > 0
		               THEN health_checks_passed * 100.0 / (health_checks_passed + health_checks_failed)
		           ELSE 100 END), 100)::DOUBLE PRECISION,
		       (ARRAY_AGG(health_status ORDER BY COALESCE(last_health_check, assigned_at) DESC))[1],
		       MAX(COALESCE(last_health_check, assigned_at))
		FROM proxy_usage
		WHERE assigned_at >= $1
		GROUP BY proxy_id`,
		time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failed to query proxy stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.ProxyStats)
	for rows.Next() {
		var (
			proxyID string
			status  string
			s       model.ProxyStats
		)
		if err := rows.Scan(&proxyID, &s.AvgLatencyMs, &s.SuccessRate, &status, &s.LastUsedAt); err != nil {
			return nil, err
		}
		s.HealthStatus = model.HealthStatus(status)
		out[proxyID] = s
	}
	return out, rows.Err()
}

func (l *Ledger) ActiveUnhealthy(ctx context.Context) ([]*model.UsageRecord, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+usageColumns+` FROM proxy_usage
		WHERE released_at IS NULL AND health_status IN ($1, $2)
		ORDER BY last_health_check ASC NULLS FIRST`,
		string(model.HealthDegraded), string(model.HealthUnhealthy))
	if err != nil {
		return nil, fmt.Errorf("failed to query unhealthy records: %w", err)
	}
	return collectUsage(rows)
}

func (l *Ledger) ListActive(ctx context.Context) ([]*model.UsageRecord, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+usageColumns+` FROM proxy_usage
		WHERE released_at IS NULL
		ORDER BY assigned_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active records: %w", err)
	}
	return collectUsage(rows)
}

func (l *Ledger) ActiveByProxy(ctx context.Context, proxyID string) (*model.UsageRecord, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT `+usageColumns+` FROM proxy_usage
		WHERE proxy_id = $1 AND released_at IS NULL
		ORDER BY assigned_at DESC
		LIMIT 1`, proxyID)
	r, err := scanUsage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNoActiveRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active record: %w", err)
	}
	return r, nil
}
