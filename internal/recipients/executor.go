package recipients

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"notify-dispatch/internal/common/database"
	"notify-dispatch/internal/common/errors"

	"github.com/elastic/go-elasticsearch/v8"
)

// DefaultMaxRows bounds the rows read from one recipient query.
const DefaultMaxRows = 10000

// SQLExecutor runs recipient queries in read-only transactions on the
// analytic pool.
type SQLExecutor struct {
	pg      *database.PostgresClient
	timeout time.Duration
	maxRows int
}

func NewSQLExecutor(pg *database.PostgresClient, timeout time.Duration) *SQLExecutor {
	return &SQLExecutor{pg: pg, timeout: timeout, maxRows: DefaultMaxRows}
}

func (e *SQLExecutor) Execute(ctx context.Context, query string) ([]Row, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var out []Row
	err := e.pg.WithReadOnlyTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}

		for rows.Next() {
			if len(out) >= e.maxRows {
				return fmt.Errorf("query returned more than %d rows", e.maxRows)
			}
			values := make([]interface{}, len(cols))
			ptrs := make([]interface{}, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			row := make(Row, len(cols))
			for i, col := range cols {
				row[col] = normalizeValue(values[i])
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("postgres", err)
	}
	return out, nil
}

// normalizeValue maps driver values onto JSON-friendly types.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return t
	}
}

// ElasticsearchExecutor runs recipient queries through the Elasticsearch SQL API.
type ElasticsearchExecutor struct {
	client  *elasticsearch.Client
	timeout time.Duration
	maxRows int
}

func NewElasticsearchExecutor(client *elasticsearch.Client, timeout time.Duration) *ElasticsearchExecutor {
	return &ElasticsearchExecutor{client: client, timeout: timeout, maxRows: DefaultMaxRows}
}

type sqlRequest struct {
	Query     string `json:"query"`
	FetchSize int    `json:"fetch_size"`
}

type sqlResponse struct {
	Columns []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"columns"`
	Rows [][]interface{} `json:"rows"`
}

func (e *ElasticsearchExecutor) Execute(ctx context.Context, query string) ([]Row, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	body, err := json.Marshal(sqlRequest{Query: query, FetchSize: e.maxRows})
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("elasticsearch", err)
	}

	res, err := e.client.SQL.Query(
		bytes.NewReader(body),
		e.client.SQL.Query.WithContext(ctx),
		e.client.SQL.Query.WithFormat("json"),
	)
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("elasticsearch", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, errors.NewQueryExecutionFailedError("elasticsearch", fmt.Errorf("%s: %s", res.Status(), bytes.TrimSpace(msg)))
	}

	var parsed sqlResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, errors.NewQueryExecutionFailedError("elasticsearch", fmt.Errorf("decode sql response: %w", err))
	}

	out := make([]Row, 0, len(parsed.Rows))
	for _, values := range parsed.Rows {
		if len(values) != len(parsed.Columns) {
			return nil, errors.NewQueryExecutionFailedError("elasticsearch", fmt.Errorf("row has %d values for %d columns", len(values), len(parsed.Columns)))
		}
		row := make(Row, len(values))
		for i, col := range parsed.Columns {
			row[col.Name] = values[i]
		}
		out = append(out, row)
	}
	return out, nil
}
