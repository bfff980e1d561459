// Package storage defines the persistence contract of the client and picks an
// implementation by driver name.
//
// Two implementations are interchangeable: sqlitestore keeps a relational layout,
// kvstore keeps a flat key/value layout on pebble. Neither is authoritative while
// the client runs; the store mirrors into them write-behind.
package storage

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/roomlink/pkg/model"
	"github.com/go-go-golems/roomlink/pkg/storage/kvstore"
	"github.com/go-go-golems/roomlink/pkg/storage/sqlitestore"
	"github.com/go-go-golems/roomlink/pkg/store"
)

type Adapter interface {
	store.Persister

	// Connect opens the underlying storage. It reports true when the storage was
	// just created and holds no snapshot.
	Connect(ctx context.Context) (bool, error)
	// GetAllTree loads the whole persisted snapshot, or nil when there is none.
	GetAllTree(ctx context.Context) (*model.Snapshot, error)
	Close() error
}

var (
	_ Adapter = (*sqlitestore.Store)(nil)
	_ Adapter = (*kvstore.Store)(nil)
)

const (
	DriverSQLite = "sqlite"
	DriverKV     = "kv"
)

type Settings struct {
	Driver string
	// Path is a file for sqlite and a directory for kv. An empty kv path keeps the
	// data in memory.
	Path string
}

// Open builds the adapter for s.Driver. Connect still has to be called.
func Open(s Settings) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case DriverSQLite, "sqlite3":
		dsn, err := sqlitestore.DSNForFile(s.Path)
		if err != nil {
			return nil, err
		}
		return sqlitestore.New(dsn), nil
	case DriverKV, "pebble", "":
		return kvstore.New(s.Path), nil
	default:
		return nil, errors.Errorf("unknown storage driver %q", s.Driver)
	}
}
