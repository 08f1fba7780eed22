package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "transfer_history.json")
	s := NewFileStore(path)

	blob, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, s.Save(ctx, []byte(`[{"id":"1"}]`)))
	require.NoError(t, s.Save(ctx, []byte(`[{"id":"2"}]`)))

	blob, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"2"}]`, string(blob))
	assert.NoError(t, s.Close())
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)

	blob, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, s.Save(ctx, []byte("first")))
	require.NoError(t, s.Save(ctx, []byte("second")))
	require.NoError(t, s.Close())

	// Reopening runs migrations again and keeps the row.
	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	blob, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(blob))

	var rows int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfer_history`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, filepath.Join(dir, "history.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, "sqlite:"+filepath.Join(dir, "a.sqlite3"))
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, filepath.Join(dir, "b.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fixed := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	s := newSQLStore(db, postgresDialect)
	s.now = func() time.Time { return fixed }
	return s, mock, fixed
}

func TestPostgresStoreLoad(t *testing.T) {
	s, mock, _ := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT content FROM transfer_history WHERE id = $1`)).
		WithArgs(historyRowID).
		WillReturnRows(sqlmock.NewRows([]string{"content"}).AddRow(`[{"id":"x"}]`))

	blob, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"x"}]`, string(blob))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoadEmpty(t *testing.T) {
	s, mock, _ := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT content FROM transfer_history`)).
		WillReturnError(sql.ErrNoRows)

	blob, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestPostgresStoreSave(t *testing.T) {
	s, mock, fixed := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transfer_history (id, content, updated_at) VALUES ($1, $2, $3)`)).
		WithArgs(historyRowID, "[]", fixed).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Save(context.Background(), []byte("[]")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSaveError(t *testing.T) {
	s, mock, _ := newMockStore(t)
	mock.ExpectExec(`INSERT INTO transfer_history`).WillReturnError(sql.ErrConnDone)

	err := s.Save(context.Background(), []byte("[]"))
	assert.ErrorIs(t, err, sql.ErrConnDone)
}
