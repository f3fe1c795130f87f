package database

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"notify-dispatch/internal/common/config"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Postgres transactions
// ==========================

func TestWithTransaction_Commit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE notification_config`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pg := NewPostgresFromDB(db)
	err = pg.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE notification_config SET title = 'x'`)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_RollbackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	pg := NewPostgresFromDB(db)
	err = pg.WithTransaction(context.Background(), func(tx *sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_RollbackOnPanic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	pg := NewPostgresFromDB(db)
	assert.Panics(t, func() {
		_ = pg.WithTransaction(context.Background(), func(tx *sql.Tx) error { panic("bad") })
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_CommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	pg := NewPostgresFromDB(db)
	err = pg.WithTransaction(context.Background(), func(tx *sql.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit transaction")
}

func TestWithReadOnlyTransaction_AlwaysRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1`).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectRollback()

	pg := NewPostgresFromDB(db)
	err = pg.WithReadOnlyTransaction(context.Background(), func(tx *sql.Tx) error {
		var n int
		return tx.QueryRow(`SELECT 1`).Scan(&n)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Redis lock
// ==========================

func newTestRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return &RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}, mr
}

func TestRedisLock_Exclusive(t *testing.T) {
	rc, mr := newTestRedis(t)
	ctx := context.Background()

	token, err := rc.TryLock(ctx, "notify:tick", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	second, err := rc.TryLock(ctx, "notify:tick", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)

	require.NoError(t, rc.Unlock(ctx, "notify:tick", token))
	assert.False(t, mr.Exists("notify:tick"))

	again, err := rc.TryLock(ctx, "notify:tick", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, again)
}

func TestRedisLock_UnlockWithStaleTokenKeepsLock(t *testing.T) {
	rc, mr := newTestRedis(t)
	ctx := context.Background()

	token, err := rc.TryLock(ctx, "notify:tick", time.Minute)
	require.NoError(t, err)

	require.NoError(t, rc.Unlock(ctx, "notify:tick", "someone-else"))
	got, err := mr.Get("notify:tick")
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestRedisLock_Expires(t *testing.T) {
	rc, mr := newTestRedis(t)
	ctx := context.Background()

	_, err := rc.TryLock(ctx, "notify:tick", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	token, err := rc.TryLock(ctx, "notify:tick", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

// ==========================
// Elasticsearch health
// ==========================

func newTestElasticsearch(t *testing.T, code int, body string) *ElasticsearchClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	es, err := NewElasticsearch(config.ElasticsearchConfig{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return es
}

func TestElasticsearchPing(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		body    string
		wantErr string
	}{
		{name: "green", code: http.StatusOK, body: `{"status":"green"}`},
		{name: "yellow", code: http.StatusOK, body: `{"status":"yellow"}`},
		{name: "red", code: http.StatusOK, body: `{"status":"red"}`, wantErr: "health is red"},
		{name: "unauthorized", code: http.StatusUnauthorized, body: `{}`, wantErr: "401"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestElasticsearch(t, tt.code, tt.body).Ping(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
