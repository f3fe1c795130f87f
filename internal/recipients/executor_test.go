package recipients

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"notify-dispatch/internal/common/database"
	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// SQL executor
// ==========================

func TestSQLExecutor_Execute(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	seen := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, notification_type, to_address, last_seen FROM store_contacts")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "notification_type", "to_address", "last_seen"}).
			AddRow([]byte("c-1"), "Depot", "EMAIL", "depot@example.com", seen).
			AddRow(int64(2), "Clinic", "TELEGRAM", "-1002", nil))
	mock.ExpectRollback()

	exec := NewSQLExecutor(database.NewPostgresFromDB(db), time.Second)
	rows, err := exec.Execute(context.Background(), "SELECT id, name, notification_type, to_address, last_seen FROM store_contacts")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c-1", rows[0]["id"])
	assert.Equal(t, "2026-03-01T08:00:00Z", rows[0]["last_seen"])
	assert.Equal(t, int64(2), rows[1]["id"])
	assert.Nil(t, rows[1]["last_seen"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecutor_QueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WillReturnError(stderrors.New("permission denied for table"))
	mock.ExpectRollback()

	exec := NewSQLExecutor(database.NewPostgresFromDB(db), 0)
	_, err = exec.Execute(context.Background(), "SELECT * FROM secrets")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrQueryExecutionFailed))
	assert.True(t, errors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecutor_RowLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("1").AddRow("2").AddRow("3"))
	mock.ExpectRollback()

	exec := NewSQLExecutor(database.NewPostgresFromDB(db), 0)
	exec.maxRows = 2
	_, err = exec.Execute(context.Background(), "SELECT id FROM t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than 2 rows")
}

// Synthesized recipients from a rendered list query, end to end through the
// SQL executor.
func TestResolve_SqlListThroughSQLExecutor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 'x@example.com' as id, 'Manager' as name, 'EMAIL' as notification_type, 'x@example.com' as to_address")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "notification_type", "to_address"}).
			AddRow("x@example.com", "Manager", "EMAIL", "x@example.com"))
	mock.ExpectRollback()

	list := models.SqlRecipientList{
		ID:                 "sql-1",
		QueryTemplate:      "SELECT '{{ email_address }}' as id, 'Manager' as name, 'EMAIL' as notification_type, '{{ email_address }}' as to_address",
		RequiredParameters: []string{"email_address"},
	}
	dir := &mockDirectory{sqlLists: map[string]models.SqlRecipientList{list.ID: list}}
	r := NewResolver(dir, NewSQLExecutor(database.NewPostgresFromDB(db), time.Second), logger.NewNoOpLogger())

	got, err := r.Resolve(context.Background(), models.NotificationConfig{
		ID:                  "cfg-1",
		ConfigurationData:   []byte(`{"email_address":"x@example.com"}`),
		SqlRecipientListIDs: []string{list.ID},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x@example.com", got[0].Address)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Elasticsearch executor
// ==========================

func newTestElasticsearch(t *testing.T, handler http.HandlerFunc) *elasticsearch.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return client
}

func TestElasticsearchExecutor_Execute(t *testing.T) {
	var gotPath, gotBody string
	client := newTestElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte(`{"columns":[{"name":"id","type":"keyword"},{"name":"name","type":"text"},{"name":"notification_type","type":"keyword"},{"name":"to_address","type":"keyword"}],
			"rows":[["s-1","Sensor owner","EMAIL","owner@example.com"]]}`))
	})

	exec := NewElasticsearchExecutor(client, time.Second)
	rows, err := exec.Execute(context.Background(), "SELECT id, name, notification_type, to_address FROM sensor_owners")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, Row{"id": "s-1", "name": "Sensor owner", "notification_type": "EMAIL", "to_address": "owner@example.com"}, rows[0])
	assert.Equal(t, "/_sql?format=json", gotPath)
	assert.Contains(t, gotBody, `"query":"SELECT id, name, notification_type, to_address FROM sensor_owners"`)

	rec, err := recipientFromRow(rows[0])
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", rec.Address)
}

func TestElasticsearchExecutor_ErrorResponse(t *testing.T) {
	client := newTestElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"verification_exception","reason":"Unknown index [nope]"}}`))
	})

	exec := NewElasticsearchExecutor(client, time.Second)
	_, err := exec.Execute(context.Background(), "SELECT * FROM nope")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrQueryExecutionFailed))
	assert.Contains(t, err.Error(), "Unknown index")
}
