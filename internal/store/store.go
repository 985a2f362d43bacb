// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package store opens backing-store sessions for the connection pool.
//
// PostgreSQL sessions are single *pgx.Conn values. SQLite sessions are
// dedicated *sql.Conn values taken from one shared *sql.DB, which is closed
// when the dialer is. An in-memory SQLite database is opened as a named
// shared-cache database so every session sees the same tables.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	_ "modernc.org/sqlite"

	"querygate/server/internal/connpool"
	"querygate/server/internal/dsn"
)

// Open returns a dialer for the database named by rawDSN.
func Open(rawDSN string) (connpool.Dialer, error) {
	info, err := dsn.ParseInfo(rawDSN)
	if err != nil {
		return nil, err
	}

	switch info.Type {
	case dsn.DBTypePostgreSQL:
		return openPostgres(rawDSN, info)
	case dsn.DBTypeSQLite:
		return NewSQLite(info)
	default:
		return nil, fmt.Errorf("unsupported database type %q", info.Type)
	}
}

// openPostgres hands the DSN to pgx as given. Only when pgx rejects it,
// typically over a password with unescaped reserved characters, is the
// re-escaped form from the resolver used instead.
func openPostgres(rawDSN string, info *dsn.DSNInfo) (*Postgres, error) {
	cfg, err := pgx.ParseConfig(strings.TrimSpace(rawDSN))
	if err == nil {
		return &Postgres{cfg: cfg}, nil
	}
	normalized, nerr := dsn.NewPostgreSQLResolver().Normalize(info)
	if nerr != nil {
		return nil, nerr
	}
	return NewPostgres(normalized)
}

// Postgres dials pgx connections.
type Postgres struct {
	cfg *pgx.ConnConfig
}

// NewPostgres parses connString once; every Dial uses a copy of the result.
func NewPostgres(connString string) (*Postgres, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	return &Postgres{cfg: cfg}, nil
}

// Dial opens a new connection. *pgx.Conn already satisfies connpool.Session.
func (p *Postgres) Dial(ctx context.Context) (connpool.Session, error) {
	conn, err := pgx.ConnectConfig(ctx, p.cfg.Copy())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SQLite dials dedicated connections from one database handle.
type SQLite struct {
	db *sql.DB
	// anchor keeps a shared in-memory database alive while no session is
	// open. Nil for file databases.
	anchor *sql.Conn
}

var memorySeq atomic.Int64

// NewSQLite opens the database file named by info with a busy timeout so
// concurrent writers wait instead of failing immediately.
func NewSQLite(info *dsn.DSNInfo) (*SQLite, error) {
	if info.InMemory() {
		return newSharedMemory(info)
	}
	db, err := openSQL(info.FileDSN("busy_timeout(5000)", "journal_mode(WAL)"))
	if err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// newSharedMemory gives the dialer its own named memory database with a
// shared cache, so sessions dialed from it share one set of tables.
func newSharedMemory(info *dsn.DSNInfo) (*SQLite, error) {
	shared := &dsn.DSNInfo{
		Type:     dsn.DBTypeSQLite,
		Database: fmt.Sprintf("querygate-mem-%d", memorySeq.Add(1)),
		Params:   map[string]string{"mode": "memory", "cache": "shared"},
	}
	for k, v := range info.Params {
		if k != "mode" && k != "cache" {
			shared.Params[k] = v
		}
	}
	db, err := openSQL(shared.FileDSN("busy_timeout(5000)"))
	if err != nil {
		return nil, err
	}
	anchor, err := db.Conn(context.Background())
	if err == nil {
		err = anchor.PingContext(context.Background())
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite memory database: %w", err)
	}
	return &SQLite{db: db, anchor: anchor}, nil
}

func openSQL(driverDSN string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", driverDSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(0)
	return db, nil
}

// Dial takes a dedicated connection and checks it is usable.
func (s *SQLite) Dial(ctx context.Context) (connpool.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &SQLiteSession{conn: conn}, nil
}

// Close closes the shared database handle. An in-memory database is gone
// once this returns.
func (s *SQLite) Close() error {
	if s.anchor != nil {
		s.anchor.Close()
	}
	return s.db.Close()
}

// SQLiteSession is one dedicated SQLite connection.
type SQLiteSession struct {
	conn   *sql.Conn
	closed atomic.Bool
}

// Conn returns the underlying connection.
func (s *SQLiteSession) Conn() *sql.Conn { return s.conn }

// Close returns the connection to the database handle, which drops it.
func (s *SQLiteSession) Close(context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

// IsClosed reports whether Close has been called.
func (s *SQLiteSession) IsClosed() bool { return s.closed.Load() }
