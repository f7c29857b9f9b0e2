// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store is the durable operations store: earmarks, rebalance
// operations with their embedded per-chain transactions, and the global
// pause flags.
package store

import (
	"context"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/everclearorg/mark/core"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the Postgres connection.
type Store struct {
	db  *sqlx.DB
	log log.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	return &Store{
		db:  db,
		log: log.New("component", "store"),
	}, nil
}

// Migrate applies any outstanding schema migrations.
func (s *Store) Migrate() error {
	source := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFS,
		Root:       "migrations",
	}
	applied, err := migrate.Exec(s.db.DB, "postgres", source, migrate.Up)
	if err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	if applied > 0 {
		s.log.Info("migrations applied", "count", applied)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// TransactionMap stores an operation's per-chain transactions as JSONB. The
// column may contain snake_case keys written by older tooling; keys are
// normalised through the boundary mapper on scan.
type TransactionMap map[string]core.TransactionEntry

// Value marshals the map for storage.
func (m TransactionMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan unmarshals the JSONB column, normalising key casing on the entries.
func (m *TransactionMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = TransactionMap{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("transactions column: unsupported type %T", src)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(err, "transactions column")
	}
	normalised, err := json.Marshal(SnakeToCamelKeys(doc))
	if err != nil {
		return errors.Wrap(err, "transactions column")
	}
	out := make(TransactionMap)
	if err := json.Unmarshal(normalised, &out); err != nil {
		return errors.Wrap(err, "transactions column")
	}
	*m = out
	return nil
}
