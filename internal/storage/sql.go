package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect and FS in package globals.
var gooseMu sync.Mutex

const historyRowID = 1

type dialect struct {
	goose  string
	load   string
	upsert string
}

var (
	postgresDialect = dialect{
		goose: "postgres",
		load:  `SELECT content FROM transfer_history WHERE id = $1`,
		upsert: `INSERT INTO transfer_history (id, content, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`,
	}
	sqliteDialect = dialect{
		goose: "sqlite3",
		load:  `SELECT content FROM transfer_history WHERE id = ?`,
		upsert: `INSERT INTO transfer_history (id, content, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
	}
)

// SQLStore keeps the history blob in a single row of transfer_history.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return openSQL(ctx, db, postgresDialect)
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return openSQL(ctx, db, sqliteDialect)
}

func openSQL(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate(ctx, db, d.goose); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return newSQLStore(db, d), nil
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, now: time.Now}
}

func migrate(ctx context.Context, db *sql.DB, gooseDialect string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (s *SQLStore) Load(ctx context.Context) ([]byte, error) {
	var content string
	err := s.db.QueryRowContext(ctx, s.dialect.load, historyRowID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return []byte(content), nil
}

func (s *SQLStore) Save(ctx context.Context, blob []byte) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, historyRowID, string(blob), s.now().UTC()); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
