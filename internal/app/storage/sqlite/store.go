// Package sqlite selects the SQLite dialect for sqlstore.Store.
package sqlite

import (
	"database/sql"

	"github.com/buildforge/controlplane/internal/app/storage"
	"github.com/buildforge/controlplane/internal/app/storage/sqlstore"
)

// New wraps db as a storage.Store backed by SQLite.
func New(db *sql.DB) storage.Store {
	return sqlstore.New(db, sqlstore.SQLite{})
}
