package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liuproxy_broker/internal/ledger"
	"liuproxy_broker/internal/model"
)

const deviceColumns = `id, name, user_id, COALESCE(proxy_id, ''), COALESCE(proxy_host, ''),
	COALESCE(proxy_port, 0), COALESCE(proxy_type, ''), COALESCE(proxy_country, '')`

// Registry implements ledger.DeviceRegistry on the devices table.
type Registry struct {
	pool *pgxpool.Pool
}

var _ ledger.DeviceRegistry = (*Registry)(nil)

func scanDevice(row rowScanner) (*model.Device, error) {
	var d model.Device
	if err := row.Scan(&d.ID, &d.Name, &d.UserID, &d.ProxyID, &d.ProxyHost, &d.ProxyPort, &d.ProxyType, &d.ProxyCountry); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Registry) query(ctx context.Context, sql string, args ...any) ([]*model.Device, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	out := make([]*model.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Registry) Get(ctx context.Context, deviceID string) (*model.Device, error) {
	d, err := scanDevice(r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrDeviceNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	return d, nil
}

func (r *Registry) ListWithProxy(ctx context.Context) ([]*model.Device, error) {
	return r.query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE proxy_id IS NOT NULL AND proxy_id <> '' ORDER BY id`)
}

func (r *Registry) ListByProxy(ctx context.Context, proxyID string) ([]*model.Device, error) {
	return r.query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE proxy_id = $1 ORDER BY id`, proxyID)
}

func (r *Registry) Existing(ctx context.Context, ids []string) (map[string]*model.Device, error) {
	out := make(map[string]*model.Device, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	devices, err := r.query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		out[d.ID] = d
	}
	return out, nil
}

func (r *Registry) UpdateBinding(ctx context.Context, deviceID string, b model.Binding) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE devices
		SET proxy_id = NULLIF($2, ''), proxy_host = NULLIF($3, ''), proxy_port = NULLIF($4, 0),
		    proxy_type = NULLIF($5, ''), proxy_country = NULLIF($6, ''), updated_at = now()
		WHERE id = $1`,
		deviceID, b.ProxyID, b.ProxyHost, b.ProxyPort, b.ProxyType, b.ProxyCountry)
	if err != nil {
		return fmt.Errorf("failed to update device binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrDeviceNotFound, deviceID)
	}
	return nil
}
