package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/insights-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_templates`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	for _, tmpl := range model.DefaultTemplates() {
		mock.ExpectExec(`INSERT INTO schema_templates .* ON CONFLICT \(id\) DO NOTHING`).
			WithArgs(tmpl.ID, tmpl.Name, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_RollsBackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE`).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: migrate")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTemplate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	cats, err := json.Marshal(validCategories())
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, name, categories, user_id, is_default, created_at, updated_at FROM schema_templates WHERE id = \$1`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "categories", "user_id", "is_default", "created_at", "updated_at"}).
			AddRow("t1", "Discovery", cats, "alice", false, now, now))

	got, err := s.GetTemplate(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Discovery", got.Name)
	assert.Equal(t, validCategories(), got.Categories)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTemplate_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM schema_templates WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTemplate(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTemplates_ByUser(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	cats, _ := json.Marshal(validCategories())

	mock.ExpectQuery(`FROM schema_templates WHERE is_default OR user_id = \$1 ORDER BY is_default DESC`).
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "categories", "user_id", "is_default", "created_at", "updated_at"}).
			AddRow("d1", "Default", cats, "", true, now, now).
			AddRow("a1", "Mine", cats, "alice", false, now, now))

	got, err := s.ListTemplates(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsDefault)
	assert.Equal(t, "alice", got[1].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteTemplate_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM schema_templates WHERE id = \$1`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	assert.ErrorIs(t, s.DeleteTemplate(context.Background(), "missing"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE batch_runs SET result = \$1, status = \$2`).
		WithArgs(pgxmock.AnyArg(), string(model.RunStatusComplete), pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.CompleteRun(context.Background(), "run-1", sampleBatch()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	result, err := json.Marshal(sampleBatch())
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, template_id, status, result, error, created_at, updated_at FROM batch_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "template_id", "status", "result", "error", "created_at", "updated_at"}).
			AddRow("run-1", "t1", "complete", result, "", now, now))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, "Acme Corp", run.Result.Results[0].CustomerName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM batch_runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM batch_runs WHERE true AND status = \$1 AND template_id = \$2 ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("running", "t1", 10, 5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "template_id", "status", "result", "error", "created_at", "updated_at"}))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusRunning, TemplateID: "t1", Limit: 10, Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE batch_runs SET error = \$1`).
		WithArgs("boom", string(model.RunStatusFailed), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.ErrorIs(t, s.FailRun(context.Background(), "missing", "boom"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
