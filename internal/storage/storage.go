// Package storage persists the serialized transfer history. The blob is
// opaque here; the orchestrator owns its format.
package storage

import (
	"context"
	"strings"
)

// Store loads and saves the history blob. Load returns (nil, nil) when
// nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
	Close() error
}

// Open picks a backend from dsn:
//
//	postgres://... or "host=... dbname=..."  Postgres
//	sqlite:<path>, *.db, *.sqlite            SQLite
//	anything else                            JSON file at that path
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.HasPrefix(dsn, "host="):
		return NewPostgresStore(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite:"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"):
		return NewSQLiteStore(ctx, dsn)
	default:
		return NewFileStore(dsn), nil
	}
}
