// Package postgres archives finished lookup jobs in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dougmens/handelsregister-abruf/internal/lookup"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable is used when no table name is configured.
const DefaultTable = "lookup_archive"

// ArchiveStoreConfig controls the Postgres connection pool used for archive rows.
type ArchiveStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ArchiveStore writes one row per terminal job. Rows are never read back by the service.
type ArchiveStore struct {
	pool  execCloser
	table string
}

// NewArchiveStore creates a Postgres-backed ArchiveStore using the provided config.
func NewArchiveStore(ctx context.Context, cfg ArchiveStoreConfig) (*ArchiveStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ArchiveStore{pool: pool, table: table}, nil
}

// NewArchiveStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewArchiveStoreWithPool(pool execCloser, table string) (*ArchiveStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ArchiveStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *ArchiveStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreJob upserts the terminal state of a job.
func (s *ArchiveStore) StoreJob(ctx context.Context, job lookup.Job) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("archive store is not configured")
	}
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is not terminal (%s)", job.ID, job.Status)
	}
	protocolJSON, err := json.Marshal(job.Protocol)
	if err != nil {
		return fmt.Errorf("marshal protocol: %w", err)
	}
	var documentHash *string
	if job.Result != nil && job.Result.DocumentHash != "" {
		documentHash = &job.Result.DocumentHash
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	principal_id,
	company_id,
	company_name,
	status,
	error_code,
	provider,
	cache_hit,
	duration_ms,
	document_hash,
	created_at,
	fetched_at,
	protocol
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (job_id) DO NOTHING`, s.table)

	args := []any{
		job.ID,
		job.PrincipalID,
		job.CompanyID,
		job.CompanyName,
		string(job.Status),
		string(job.ErrorKind),
		string(job.Metadata.ExecutionMode),
		job.Metadata.CacheHit,
		job.Metadata.DurationMs,
		documentHash,
		job.CreatedAt,
		job.Metadata.FetchedAt,
		protocolJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert archive row: %w", err)
	}
	return nil
}
