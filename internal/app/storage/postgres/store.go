// Package postgres selects the PostgreSQL dialect for sqlstore.Store.
package postgres

import (
	"database/sql"

	"github.com/buildforge/controlplane/internal/app/storage"
	"github.com/buildforge/controlplane/internal/app/storage/sqlstore"
)

// New wraps db as a storage.Store backed by PostgreSQL.
func New(db *sql.DB) storage.Store {
	return sqlstore.New(db, sqlstore.Postgres{})
}
