// Package pgstore keeps access records in PostgreSQL, one JSONB document
// per token.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnehpets/rolerpc/access"
)

const logPrefix = "pgstore"

// Schema creates the records table.
const Schema = `CREATE TABLE IF NOT EXISTS access_records (
	token    text PRIMARY KEY,
	record   jsonb NOT NULL,
	created  timestamptz NOT NULL DEFAULT now(),
	modified timestamptz NOT NULL DEFAULT now()
)`

const (
	getSQL    = `SELECT record FROM access_records WHERE token = $1`
	createSQL = `INSERT INTO access_records (token, record) VALUES ($1, $2::jsonb) ON CONFLICT (token) DO NOTHING`
	updateSQL = `UPDATE access_records SET record = $2::jsonb, modified = now() WHERE token = $1`
	extendSQL = `UPDATE access_records SET record = record || $2::jsonb, modified = now() WHERE token = $1`
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements access.Store.
type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

// NewPool connects to databaseURL and verifies the connection.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}
	config.MaxConns = 20
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// EnsureSchema creates the records table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("%s - failed to create schema: %w", logPrefix, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, token string) (access.Fields, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, getSQL, token).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - get: %w", logPrefix, err)
	}
	var f access.Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%s - decode record: %w", logPrefix, err)
	}
	return f, nil
}

func (s *Store) Create(ctx context.Context, token string, f access.Fields) error {
	n, err := s.exec(ctx, createSQL, token, f)
	if err != nil {
		return err
	}
	if n == 0 {
		return access.ErrRecordExists
	}
	return nil
}

func (s *Store) Update(ctx context.Context, token string, f access.Fields) error {
	n, err := s.exec(ctx, updateSQL, token, f)
	if err != nil {
		return err
	}
	if n == 0 {
		return access.ErrRecordDoesNotExist
	}
	return nil
}

// Extend merges partial into the stored document with the jsonb
// concatenation operator.
func (s *Store) Extend(ctx context.Context, token string, partial access.Fields) error {
	n, err := s.exec(ctx, extendSQL, token, partial)
	if err != nil {
		return err
	}
	if n == 0 {
		return access.ErrRecordDoesNotExist
	}
	return nil
}

func (s *Store) exec(ctx context.Context, sql, token string, f access.Fields) (int64, error) {
	doc, err := json.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("%s - encode record: %w", logPrefix, err)
	}
	tag, err := s.db.Exec(ctx, sql, token, string(doc))
	if err != nil {
		return 0, fmt.Errorf("%s - exec: %w", logPrefix, err)
	}
	return tag.RowsAffected(), nil
}
