package recipients

import (
	"context"
	stderrors "errors"
	"testing"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Mock Implementations
// ==========================

type mockDirectory struct {
	recipients map[string]models.Recipient
	lists      map[string][]string
	sqlLists   map[string]models.SqlRecipientList
	err        error
}

func (m *mockDirectory) GetRecipients(ctx context.Context, ids []string) ([]models.Recipient, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]models.Recipient, 0, len(ids))
	for _, id := range ids {
		r, ok := m.recipients[id]
		if !ok {
			return nil, errors.NewRecipientNotFoundError(id)
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *mockDirectory) ListMembers(ctx context.Context, listID string) ([]models.Recipient, error) {
	ids, ok := m.lists[listID]
	if !ok {
		return nil, errors.NewRecipientListNotFoundError(listID)
	}
	return m.GetRecipients(ctx, ids)
}

func (m *mockDirectory) GetSqlRecipientList(ctx context.Context, id string) (*models.SqlRecipientList, error) {
	l, ok := m.sqlLists[id]
	if !ok {
		return nil, errors.NewRecipientListNotFoundError(id)
	}
	return &l, nil
}

type mockExecutor struct {
	ExecuteFunc func(ctx context.Context, query string) ([]Row, error)
	queries     []string
}

func (m *mockExecutor) Execute(ctx context.Context, query string) ([]Row, error) {
	m.queries = append(m.queries, query)
	return m.ExecuteFunc(ctx, query)
}

// ==========================
// Test Helper Functions
// ==========================

func testDirectory() *mockDirectory {
	return &mockDirectory{
		recipients: map[string]models.Recipient{
			"r-alice": {ID: "r-alice", Name: "Alice", ChannelType: models.ChannelEmail, Address: "alice@example.com"},
			"r-bob":   {ID: "r-bob", Name: "Bob", ChannelType: models.ChannelTelegram, Address: "-100200"},
			"r-carol": {ID: "r-carol", Name: "Carol", ChannelType: models.ChannelEmail, Address: "carol@example.com"},
			// Same mailbox as Alice under a different id.
			"r-alice-2": {ID: "r-alice-2", Name: "Alice (work)", ChannelType: models.ChannelEmail, Address: " ALICE@example.com"},
		},
		lists: map[string][]string{
			"list-managers": {"r-alice", "r-bob"},
			"list-aliases":  {"r-alice-2"},
		},
		sqlLists: map[string]models.SqlRecipientList{
			"sql-store": {
				ID:                 "sql-store",
				QueryTemplate:      "SELECT '{{ email_address }}' AS id, 'Dynamic' AS name, 'EMAIL' AS notification_type, '{{ email_address }}' AS to_address",
				RequiredParameters: []string{"email_address"},
			},
		},
	}
}

func echoExecutor() *mockExecutor {
	return &mockExecutor{ExecuteFunc: func(ctx context.Context, query string) ([]Row, error) {
		return []Row{{"id": "x@example.com", "name": "Dynamic", "notification_type": "EMAIL", "to_address": "x@example.com"}}, nil
	}}
}

func ids(rs []models.Recipient) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

// ==========================
// Resolve
// ==========================

func TestResolve_MergesAndDeduplicates(t *testing.T) {
	r := NewResolver(testDirectory(), echoExecutor(), logger.NewNoOpLogger())

	got, err := r.Resolve(context.Background(), models.NotificationConfig{
		ID:               "cfg-1",
		RecipientIDs:     []string{"r-alice", "r-carol"},
		RecipientListIDs: []string{"list-managers", "list-aliases"},
	})
	require.NoError(t, err)
	// r-alice appears directly and via list-managers; r-alice-2 shares her address.
	assert.Equal(t, []string{"r-alice", "r-carol", "r-bob"}, ids(got))
}

func TestResolve_SqlRecipientList(t *testing.T) {
	exec := echoExecutor()
	r := NewResolver(testDirectory(), exec, logger.NewNoOpLogger())

	got, err := r.Resolve(context.Background(), models.NotificationConfig{
		ID:                  "cfg-1",
		ConfigurationData:   []byte(`{"email_address":"x@example.com","unrelated":{"nested":true}}`),
		SqlRecipientListIDs: []string{"sql-store"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x@example.com", got[0].Address)
	assert.Equal(t, models.ChannelEmail, got[0].ChannelType)
	require.Len(t, exec.queries, 1)
	assert.Equal(t, "SELECT 'x@example.com' AS id, 'Dynamic' AS name, 'EMAIL' AS notification_type, 'x@example.com' AS to_address", exec.queries[0])
}

func TestResolve_NoRecipients(t *testing.T) {
	r := NewResolver(testDirectory(), echoExecutor(), logger.NewNoOpLogger())
	got, err := r.Resolve(context.Background(), models.NotificationConfig{ID: "cfg-empty"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolve_Failures(t *testing.T) {
	failingExec := &mockExecutor{ExecuteFunc: func(ctx context.Context, query string) ([]Row, error) {
		return nil, stderrors.New("relation does not exist")
	}}
	malformedExec := &mockExecutor{ExecuteFunc: func(ctx context.Context, query string) ([]Row, error) {
		return []Row{{"id": "1", "name": "n", "to_address": "a@b.c"}}, nil
	}}

	tests := []struct {
		name     string
		cfg      models.NotificationConfig
		exec     *mockExecutor
		wantCode error
	}{
		{
			name:     "missing static list",
			cfg:      models.NotificationConfig{ID: "c", RecipientIDs: []string{"r-alice"}, RecipientListIDs: []string{"nope"}},
			exec:     echoExecutor(),
			wantCode: errors.ErrRecipientListNotFound,
		},
		{
			name:     "missing direct recipient",
			cfg:      models.NotificationConfig{ID: "c", RecipientIDs: []string{"ghost"}},
			exec:     echoExecutor(),
			wantCode: errors.ErrRecipientNotFound,
		},
		{
			name:     "missing sql parameter",
			cfg:      models.NotificationConfig{ID: "c", ConfigurationData: []byte(`{}`), SqlRecipientListIDs: []string{"sql-store"}},
			exec:     echoExecutor(),
			wantCode: errors.ErrMissingRecipientParameter,
		},
		{
			name:     "non scalar sql parameter",
			cfg:      models.NotificationConfig{ID: "c", ConfigurationData: []byte(`{"email_address":["a"]}`), SqlRecipientListIDs: []string{"sql-store"}},
			exec:     echoExecutor(),
			wantCode: errors.ErrMissingRecipientParameter,
		},
		{
			name:     "query execution failure",
			cfg:      models.NotificationConfig{ID: "c", ConfigurationData: []byte(`{"email_address":"x"}`), SqlRecipientListIDs: []string{"sql-store"}},
			exec:     failingExec,
			wantCode: errors.ErrQueryExecutionFailed,
		},
		{
			name:     "malformed row",
			cfg:      models.NotificationConfig{ID: "c", ConfigurationData: []byte(`{"email_address":"x"}`), SqlRecipientListIDs: []string{"sql-store"}},
			exec:     malformedExec,
			wantCode: errors.ErrMalformedRecipientRow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(testDirectory(), tt.exec, logger.NewNoOpLogger())
			got, err := r.Resolve(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.Nil(t, got)
			assert.True(t, stderrors.Is(err, errors.ErrRecipientResolution))
			assert.True(t, stderrors.Is(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestResolve_MissingParameterKeepsMismatchCause(t *testing.T) {
	r := NewResolver(testDirectory(), echoExecutor(), logger.NewNoOpLogger())
	_, err := r.Resolve(context.Background(), models.NotificationConfig{
		ID: "c", ConfigurationData: []byte(`{"store":"x"}`), SqlRecipientListIDs: []string{"sql-store"},
	})
	assert.True(t, stderrors.Is(err, errors.ErrParameterMismatch))
}

// ==========================
// SQL list declarations
// ==========================

func TestResolve_SqlListDeclarationsMustMatchTemplate(t *testing.T) {
	tests := []struct {
		name     string
		list     models.SqlRecipientList
		wantText string
	}{
		{
			name: "declared but unreferenced",
			list: models.SqlRecipientList{
				ID:                 "sql-loose",
				QueryTemplate:      "SELECT id, name, notification_type, to_address FROM people WHERE email = '{{ email_address }}'",
				RequiredParameters: []string{"email_address", "store"},
			},
			wantText: `"store"`,
		},
		{
			name: "referenced but undeclared",
			list: models.SqlRecipientList{
				ID:                 "sql-tight",
				QueryTemplate:      "SELECT id, name, notification_type, to_address FROM people WHERE store = '{{ store }}'",
				RequiredParameters: []string{},
			},
			wantText: `"store"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := testDirectory()
			dir.sqlLists[tt.list.ID] = tt.list
			exec := echoExecutor()
			r := NewResolver(dir, exec, logger.NewNoOpLogger())

			_, err := r.Resolve(context.Background(), models.NotificationConfig{
				ID:                  "cfg-1",
				ConfigurationData:   []byte(`{"email_address":"x@example.com","store":"s-1"}`),
				SqlRecipientListIDs: []string{tt.list.ID},
			})
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrTemplate), "got %v", err)
			assert.False(t, stderrors.Is(err, errors.ErrParameterMismatch))
			assert.Contains(t, err.Error(), tt.wantText)
			assert.Empty(t, exec.queries)
		})
	}
}

// ==========================
// Row mapping
// ==========================

func TestRecipientFromRow(t *testing.T) {
	rec, err := recipientFromRow(Row{"id": int64(42), "name": "Depot", "notification_type": "telegram", "to_address": "-1001"})
	require.NoError(t, err)
	assert.Equal(t, models.Recipient{ID: "42", Name: "Depot", ChannelType: models.ChannelTelegram, Address: "-1001"}, rec)

	_, err = recipientFromRow(Row{"id": "1", "name": "n", "notification_type": "PIGEON", "to_address": "x"})
	assert.True(t, stderrors.Is(err, errors.ErrMalformedRecipientRow))

	_, err = recipientFromRow(Row{"id": "1", "name": "n", "notification_type": "EMAIL", "to_address": " "})
	assert.True(t, stderrors.Is(err, errors.ErrMalformedRecipientRow))

	_, err = recipientFromRow(Row{"id": "1", "name": nil, "notification_type": "EMAIL", "to_address": "a@b.c"})
	assert.True(t, stderrors.Is(err, errors.ErrMalformedRecipientRow))
}
