package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"notify-dispatch/internal/models"
)

// Tx is the write surface available inside one store transaction.
type Tx interface {
	// LockConfig takes the config row lock until the transaction ends and
	// returns the config's last_processed_at as seen under the lock.
	LockConfig(ctx context.Context, configID string) (*time.Time, error)
	// EventExistsSince reports whether an event for the pair was created after since.
	EventExistsSince(ctx context.Context, configID, recipientID string, since time.Time) (bool, error)
	InsertEvent(ctx context.Context, e models.NotificationEvent) error
	MarkConfigProcessed(ctx context.Context, configID string, at time.Time) error
	InsertAuditLog(ctx context.Context, entry models.AuditLogEntry) error
}

type sqlTx struct {
	tx *sql.Tx
}

// WithTransaction runs fn in one database transaction. Any error from fn
// rolls back every write made through tx.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.pg.WithTransaction(ctx, func(tx *sql.Tx) error {
		return fn(&sqlTx{tx: tx})
	})
}

func (t *sqlTx) LockConfig(ctx context.Context, configID string) (*time.Time, error) {
	var last sql.NullTime
	err := t.tx.QueryRowContext(ctx,
		`SELECT last_processed_at FROM notification_configs WHERE id = $1 FOR UPDATE`, configID).Scan(&last)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock config: config %s no longer exists", configID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock config: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	at := last.Time
	return &at, nil
}

func (t *sqlTx) EventExistsSince(ctx context.Context, configID, recipientID string, since time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM notification_events
			WHERE notification_config_id = $1 AND recipient_id = $2 AND created_at > $3
		)`, configID, recipientID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return exists, nil
}

func (t *sqlTx) InsertEvent(ctx context.Context, e models.NotificationEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO notification_events (
			id, notification_config_id, recipient_id, recipient_name, notification_type,
			to_address, title, message, status, attempt_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		e.ID, e.ConfigID, e.RecipientID, e.RecipientName, string(e.ChannelType),
		e.ToAddress, e.Title, e.Message, string(e.Status), e.AttemptCount, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *sqlTx) MarkConfigProcessed(ctx context.Context, configID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE notification_configs SET last_processed_at = $2, updated_at = $2 WHERE id = $1`, configID, at)
	if err != nil {
		return fmt.Errorf("mark config processed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark config processed: config %s no longer exists", configID)
	}
	return nil
}

func (t *sqlTx) InsertAuditLog(ctx context.Context, entry models.AuditLogEntry) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO audit_logs (id, log_type, reference_id, datetime) VALUES ($1, $2, $3, $4)`,
		entry.ID, string(entry.LogType), entry.ReferenceID, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
