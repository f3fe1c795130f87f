// Package recipients resolves the deduplicated recipient set of a notification
// configuration from direct references, static lists and SQL recipient lists.
package recipients

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/models"
	"notify-dispatch/internal/querytemplate"
)

// Directory reads stored recipients and lists.
type Directory interface {
	// GetRecipients returns every id or a RECIPIENT_NOT_FOUND error.
	GetRecipients(ctx context.Context, ids []string) ([]models.Recipient, error)
	// ListMembers returns the members of a static list or RECIPIENT_LIST_NOT_FOUND.
	ListMembers(ctx context.Context, listID string) ([]models.Recipient, error)
	// GetSqlRecipientList returns a dynamic list or RECIPIENT_LIST_NOT_FOUND.
	GetSqlRecipientList(ctx context.Context, id string) (*models.SqlRecipientList, error)
}

// Row is one result row of the analytic data source.
type Row map[string]interface{}

// QueryExecutor runs rendered queries against the analytic data source.
type QueryExecutor interface {
	Execute(ctx context.Context, query string) ([]Row, error)
}

type Resolver struct {
	directory Directory
	executor  QueryExecutor
	logger    logger.Logger
}

func NewResolver(directory Directory, executor QueryExecutor, log logger.Logger) *Resolver {
	return &Resolver{
		directory: directory,
		executor:  executor,
		logger:    logger.Component(log, "recipients"),
	}
}

// Resolve merges direct recipients, static list members and SQL list rows.
// Any failure discards the whole set.
func (r *Resolver) Resolve(ctx context.Context, cfg models.NotificationConfig) ([]models.Recipient, error) {
	set := newRecipientSet()

	if len(cfg.RecipientIDs) > 0 {
		direct, err := r.directory.GetRecipients(ctx, cfg.RecipientIDs)
		if err != nil {
			return nil, errors.NewRecipientResolutionError(cfg.ID, err)
		}
		set.addAll(direct)
	}

	for _, listID := range cfg.RecipientListIDs {
		members, err := r.directory.ListMembers(ctx, listID)
		if err != nil {
			return nil, errors.NewRecipientResolutionError(cfg.ID, err)
		}
		set.addAll(members)
	}

	if len(cfg.SqlRecipientListIDs) > 0 {
		data, err := cfg.Data()
		if err != nil {
			return nil, errors.NewRecipientResolutionError(cfg.ID,
				errors.NewInvalidConfigurationDataError(string(cfg.Kind), err.Error()))
		}
		for _, listID := range cfg.SqlRecipientListIDs {
			list, err := r.directory.GetSqlRecipientList(ctx, listID)
			if err != nil {
				return nil, errors.NewRecipientResolutionError(cfg.ID, err)
			}
			params, err := extractParameters(list, data)
			if err != nil {
				return nil, errors.NewRecipientResolutionError(cfg.ID, err)
			}
			synthesized, err := r.query(ctx, list, params)
			if err != nil {
				if stderrors.Is(err, errors.ErrParameterMismatch) {
					err = errors.NewMissingRecipientParameterError(list.ID, err)
				}
				return nil, errors.NewRecipientResolutionError(cfg.ID, err)
			}
			set.addAll(synthesized)
		}
	}

	r.logger.Debug("recipients resolved", map[string]interface{}{
		"configId":     cfg.ID,
		"count":        len(set.items),
		"duplicates":   set.duplicates,
		"sqlListCount": len(cfg.SqlRecipientListIDs),
	})
	return set.items, nil
}

func (r *Resolver) query(ctx context.Context, list *models.SqlRecipientList, params map[string]string) ([]models.Recipient, error) {
	if err := checkDeclaredParameters(list); err != nil {
		return nil, err
	}
	rendered, err := querytemplate.Render(list.QueryTemplate, list.RequiredParameters, params)
	if err != nil {
		return nil, err
	}

	rows, err := r.executor.Execute(ctx, rendered)
	if err != nil {
		if stderrors.Is(err, errors.ErrQueryExecutionFailed) {
			return nil, err
		}
		return nil, errors.NewQueryExecutionFailedError(list.ID, err)
	}

	out := make([]models.Recipient, 0, len(rows))
	for i, row := range rows {
		rec, err := recipientFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("sql recipient list %s row %d: %w", list.ID, i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// extractParameters picks the declared parameters out of configuration data.
// Absent keys are left out so the renderer reports them as missing.
func extractParameters(list *models.SqlRecipientList, data map[string]interface{}) (map[string]string, error) {
	params := make(map[string]string, len(list.RequiredParameters))
	for _, name := range list.RequiredParameters {
		raw, ok := data[name]
		if !ok || raw == nil {
			continue
		}
		value, ok := scalarString(raw)
		if !ok {
			return nil, errors.NewMissingRecipientParameterError(list.ID,
				fmt.Errorf("parameter %q must be a string, number or boolean, got %T", name, raw))
		}
		params[name] = value
	}
	return params, nil
}

var recipientColumns = []string{"id", "name", "notification_type", "to_address"}

func recipientFromRow(row Row) (models.Recipient, error) {
	values := make(map[string]string, len(recipientColumns))
	for _, col := range recipientColumns {
		raw, ok := row[col]
		if !ok || raw == nil {
			return models.Recipient{}, errors.NewMalformedRecipientRowError(fmt.Sprintf("column %q missing", col))
		}
		s, ok := scalarString(raw)
		if !ok {
			return models.Recipient{}, errors.NewMalformedRecipientRowError(fmt.Sprintf("column %q has type %T", col, raw))
		}
		values[col] = strings.TrimSpace(s)
	}

	ct, ok := models.ParseChannelType(values["notification_type"])
	if !ok {
		return models.Recipient{}, errors.NewMalformedRecipientRowError(fmt.Sprintf("unknown notification_type %q", values["notification_type"]))
	}
	if values["id"] == "" || values["to_address"] == "" {
		return models.Recipient{}, errors.NewMalformedRecipientRowError("id and to_address must not be empty")
	}

	return models.Recipient{
		ID:          values["id"],
		Name:        values["name"],
		ChannelType: ct,
		Address:     values["to_address"],
	}, nil
}

func scalarString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return "", false
	}
}

// checkDeclaredParameters requires the list's declared parameters to be
// exactly the placeholders its template references.
func checkDeclaredParameters(list *models.SqlRecipientList) error {
	referenced, err := querytemplate.Placeholders(list.QueryTemplate)
	if err != nil {
		return err
	}
	used := make(map[string]struct{}, len(referenced))
	for _, name := range referenced {
		used[name] = struct{}{}
	}
	declared := make(map[string]struct{}, len(list.RequiredParameters))
	for _, name := range list.RequiredParameters {
		declared[name] = struct{}{}
		if _, ok := used[name]; !ok {
			return errors.NewTemplateError(fmt.Sprintf("sql list %s declares parameter %q its query never references", list.ID, name))
		}
	}
	for _, name := range referenced {
		if _, ok := declared[name]; !ok {
			return errors.NewTemplateError(fmt.Sprintf("sql list %s references undeclared placeholder %q", list.ID, name))
		}
	}
	return nil
}
