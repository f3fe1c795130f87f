package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"notify-dispatch/internal/models"
)

const eventColumns = `id, notification_config_id, recipient_id, recipient_name, notification_type,
	to_address, title, message, status, attempt_count, error_message,
	created_at, updated_at, last_attempted_at, next_attempt_at, sent_at`

// SelectDeliverable returns Queued events and the Errored events below
// maxAttempts whose next attempt is due at now, oldest first. Events still
// backing off never take a slot in the batch.
func (s *Store) SelectDeliverable(ctx context.Context, maxAttempts, limit int, now time.Time) ([]models.NotificationEvent, error) {
	rows, err := s.pg.DB.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM notification_events
		WHERE status = 'QUEUED'
		   OR (status = 'ERRORED' AND attempt_count < $1
		       AND (next_attempt_at IS NULL OR next_attempt_at <= $2))
		ORDER BY COALESCE(next_attempt_at, created_at), id
		LIMIT $3`, maxAttempts, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select deliverable events: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationEvent
	for rows.Next() {
		var (
			e             models.NotificationEvent
			lastAttempted sql.NullTime
			nextAttempt   sql.NullTime
			sentAt        sql.NullTime
		)
		if err := rows.Scan(
			&e.ID, &e.ConfigID, &e.RecipientID, &e.RecipientName, &e.ChannelType,
			&e.ToAddress, &e.Title, &e.Message, &e.Status, &e.AttemptCount, &e.ErrorMessage,
			&e.CreatedAt, &e.UpdatedAt, &lastAttempted, &nextAttempt, &sentAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if lastAttempted.Valid {
			t := lastAttempted.Time
			e.LastAttemptedAt = &t
		}
		if nextAttempt.Valid {
			t := nextAttempt.Time
			e.NextAttemptAt = &t
		}
		if sentAt.Valid {
			t := sentAt.Time
			e.SentAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimAttempt records a delivery attempt if the event still has the
// attempt count the caller read and is not terminal. It reports false when
// another worker got there first.
func (s *Store) ClaimAttempt(ctx context.Context, eventID string, seenAttempts int, at time.Time) (bool, error) {
	res, err := s.pg.DB.ExecContext(ctx, `
		UPDATE notification_events
		SET attempt_count = attempt_count + 1, last_attempted_at = $3, updated_at = $3
		WHERE id = $1 AND attempt_count = $2 AND status IN ('QUEUED', 'ERRORED')`,
		eventID, seenAttempts, at)
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	return n == 1, nil
}

func (s *Store) MarkSent(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.pg.DB.ExecContext(ctx, `
		UPDATE notification_events
		SET status = 'SENT', sent_at = $2, updated_at = $2, error_message = ''
		WHERE id = $1`, eventID, at)
	if err != nil {
		return fmt.Errorf("mark event %s sent: %w", eventID, err)
	}
	return nil
}

// MarkFailedAttempt stores status (Errored or Failed) with the send error and
// the earliest time of the next attempt.
func (s *Store) MarkFailedAttempt(ctx context.Context, eventID string, status models.EventStatus, message string, at, next time.Time) error {
	_, err := s.pg.DB.ExecContext(ctx, `
		UPDATE notification_events
		SET status = $2, error_message = $3, updated_at = $4, next_attempt_at = $5
		WHERE id = $1`, eventID, string(status), message, at, next)
	if err != nil {
		return fmt.Errorf("mark event %s %s: %w", eventID, status, err)
	}
	return nil
}
