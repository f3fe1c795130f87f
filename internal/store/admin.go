package store

import (
	"context"
	"database/sql"
	"fmt"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/models"

	"github.com/google/uuid"
)

func (s *Store) audit(ctx context.Context, tx *sql.Tx, logType models.AuditLogType, ref string) error {
	return (&sqlTx{tx: tx}).InsertAuditLog(ctx, models.AuditLogEntry{
		ID:          uuid.New().String(),
		LogType:     logType,
		ReferenceID: ref,
		Timestamp:   s.now(),
	})
}

func exists(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (bool, error) {
	var ok bool
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// AddRecipientToList adds a membership and returns its id. Adding an
// existing member returns the existing membership id.
func (s *Store) AddRecipientToList(ctx context.Context, listID, recipientID string) (string, error) {
	var memberID string
	err := s.pg.WithTransaction(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM recipient_lists WHERE id = $1)`, listID)
		if err != nil {
			return errors.NewInternalError("check recipient list", err)
		}
		if !ok {
			return errors.NewRecipientListNotFoundError(listID)
		}
		ok, err = exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM recipients WHERE id = $1)`, recipientID)
		if err != nil {
			return errors.NewInternalError("check recipient", err)
		}
		if !ok {
			return errors.NewRecipientNotFoundError(recipientID)
		}

		err = tx.QueryRowContext(ctx, `
			SELECT id FROM recipient_list_members WHERE recipient_list_id = $1 AND recipient_id = $2`,
			listID, recipientID).Scan(&memberID)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return errors.NewInternalError("check membership", err)
		}

		memberID = uuid.New().String()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recipient_list_members (id, recipient_id, recipient_list_id) VALUES ($1, $2, $3)`,
			memberID, recipientID, listID); err != nil {
			return errors.NewInternalError("insert membership", err)
		}
		if err := s.audit(ctx, tx, models.AuditRecipientAddedToList, memberID); err != nil {
			return errors.NewInternalError("audit membership", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("recipient added to list", map[string]interface{}{
		"recipientListId": listID,
		"recipientId":     recipientID,
		"memberId":        memberID,
	})
	return memberID, nil
}

func (s *Store) RemoveRecipientFromList(ctx context.Context, listID, recipientID string) error {
	err := s.pg.WithTransaction(ctx, func(tx *sql.Tx) error {
		var memberID string
		err := tx.QueryRowContext(ctx, `
			DELETE FROM recipient_list_members WHERE recipient_list_id = $1 AND recipient_id = $2
			RETURNING id`, listID, recipientID).Scan(&memberID)
		if err == sql.ErrNoRows {
			return errors.NewResourceNotFoundError("recipientListMember", fmt.Sprintf("%s/%s", listID, recipientID))
		}
		if err != nil {
			return errors.NewInternalError("delete membership", err)
		}
		if err := s.audit(ctx, tx, models.AuditRecipientRemovedFromList, memberID); err != nil {
			return errors.NewInternalError("audit membership", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("recipient removed from list", map[string]interface{}{
		"recipientListId": listID,
		"recipientId":     recipientID,
	})
	return nil
}

// DeleteConfig removes a configuration. Its events are kept for reporting.
func (s *Store) DeleteConfig(ctx context.Context, configID string) error {
	err := s.pg.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM notification_configs WHERE id = $1`, configID)
		if err != nil {
			return errors.NewInternalError("delete config", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.NewInternalError("delete config", err)
		}
		if n == 0 {
			return errors.NewConfigurationNotFoundError(configID)
		}
		if err := s.audit(ctx, tx, models.AuditConfigDeleted, configID); err != nil {
			return errors.NewInternalError("audit config deletion", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("notification config deleted", map[string]interface{}{"configId": configID})
	return nil
}
