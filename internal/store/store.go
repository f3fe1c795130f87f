// Package store is the PostgreSQL persistence of configurations, recipients,
// notification events and the audit log.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"fmt"
	"time"

	"notify-dispatch/internal/common/database"
	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/models"

	"github.com/lib/pq"
)

//go:embed migrations.sql
var migrations string

type Store struct {
	pg     *database.PostgresClient
	logger logger.Logger
	now    func() time.Time
}

func New(pg *database.PostgresClient, log logger.Logger) *Store {
	return &Store{
		pg:     pg,
		logger: logger.Component(log, "store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Migrate applies the idempotent schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pg.DB.ExecContext(ctx, migrations); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const configColumns = `id, title, kind, status, interval_count, interval_unit, configuration_data,
	recipient_ids, recipient_list_ids, sql_recipient_list_ids, last_processed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(row rowScanner) (models.NotificationConfig, error) {
	var (
		cfg           models.NotificationConfig
		data          []byte
		lastProcessed sql.NullTime
	)
	err := row.Scan(
		&cfg.ID, &cfg.Title, &cfg.Kind, &cfg.Status,
		&cfg.Schedule.IntervalCount, &cfg.Schedule.IntervalUnit, &data,
		pq.Array(&cfg.RecipientIDs), pq.Array(&cfg.RecipientListIDs), pq.Array(&cfg.SqlRecipientListIDs),
		&lastProcessed,
	)
	if err != nil {
		return models.NotificationConfig{}, err
	}
	cfg.ConfigurationData = data
	if lastProcessed.Valid {
		t := lastProcessed.Time
		cfg.LastProcessedAt = &t
	}
	return cfg, nil
}

func (s *Store) ListConfigsByKind(ctx context.Context, kind models.ConfigKind) ([]models.NotificationConfig, error) {
	rows, err := s.pg.DB.QueryContext(ctx,
		`SELECT `+configColumns+` FROM notification_configs WHERE kind = $1 ORDER BY id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query configs: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *Store) GetConfig(ctx context.Context, id string) (*models.NotificationConfig, error) {
	cfg, err := scanConfig(s.pg.DB.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM notification_configs WHERE id = $1`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewConfigurationNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get config %s: %w", id, err)
	}
	return &cfg, nil
}

// GetRecipients returns the recipients in the order of ids.
func (s *Store) GetRecipients(ctx context.Context, ids []string) ([]models.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pg.DB.QueryContext(ctx,
		`SELECT id, name, notification_type, to_address FROM recipients WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.Recipient, len(ids))
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.ID, &r.Name, &r.ChannelType, &r.Address); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Recipient, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, errors.NewRecipientNotFoundError(id)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) ListMembers(ctx context.Context, listID string) ([]models.Recipient, error) {
	var exists bool
	if err := s.pg.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM recipient_lists WHERE id = $1)`, listID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check recipient list %s: %w", listID, err)
	}
	if !exists {
		return nil, errors.NewRecipientListNotFoundError(listID)
	}

	rows, err := s.pg.DB.QueryContext(ctx, `
		SELECT r.id, r.name, r.notification_type, r.to_address
		FROM recipient_list_members m
		JOIN recipients r ON r.id = m.recipient_id
		WHERE m.recipient_list_id = $1
		ORDER BY r.id`, listID)
	if err != nil {
		return nil, fmt.Errorf("query list members: %w", err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.ID, &r.Name, &r.ChannelType, &r.Address); err != nil {
			return nil, fmt.Errorf("scan list member: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetSqlRecipientList(ctx context.Context, id string) (*models.SqlRecipientList, error) {
	var l models.SqlRecipientList
	err := s.pg.DB.QueryRowContext(ctx,
		`SELECT id, name, description, query, parameters FROM sql_recipient_lists WHERE id = $1`, id).
		Scan(&l.ID, &l.Name, &l.Description, &l.QueryTemplate, pq.Array(&l.RequiredParameters))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewRecipientListNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get sql recipient list %s: %w", id, err)
	}
	return &l, nil
}
