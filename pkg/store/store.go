// Package store owns the relational schema and the per-run transactional
// loader. It speaks both Postgres (the production writer) and SQLite
// (lite mode, when no DATABASE_URL is configured), sharing the same SQL
// shape: $n placeholders, ON CONFLICT upserts, soft foreign keys enforced
// by the application rather than the schema.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL variants that differ between the two engines.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// statementTimeout bounds any single database statement.
const statementTimeout = 60 * time.Second

// Store wraps the writer connection pool. The pool is sized for one
// writer plus reserved connections for the health endpoint.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects to the database named by url. An empty url selects lite
// mode: an on-disk SQLite file under dataDir, created on demand.
func Open(ctx context.Context, url, dataDir string) (*Store, error) {
	logger := slog.Default().With("component", "store")

	var db *sql.DB
	var dialect Dialect
	var err error
	switch {
	case url == "":
		if dataDir == "" {
			dataDir = "data"
		}
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
		path := filepath.Join(dataDir, "transfergov.db")
		logger.Warn("DATABASE_URL not set, lite mode: using sqlite", "path", path)
		db, err = sql.Open("sqlite", path)
		dialect = SQLite
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err = sql.Open("postgres", url)
		dialect = Postgres
	default:
		return nil, fmt.Errorf("store: unsupported database url scheme")
	}
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// One writer, one advisory-lock session, plus headroom for the health
	// endpoint's freshness query.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db, dialect: dialect, logger: logger}, nil
}

// DB exposes the underlying pool for collaborators that issue their own
// reads (health, runlog).
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports which engine the store talks to.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Begin opens the run's single writer transaction.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return tx, nil
}

// ddl creates the full schema. Natural keys get unique indexes; soft
// references get none. Audit columns are set by the pipeline, never by
// database defaults.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS programas (
		transfer_gov_id TEXT PRIMARY KEY,
		nome TEXT,
		orgao_superior TEXT,
		orgao_vinculado TEXT,
		modalidade TEXT,
		acao_orcamentaria TEXT,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		extraction_date TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS propostas (
		transfer_gov_id TEXT PRIMARY KEY,
		titulo TEXT,
		valor_global DOUBLE PRECISION,
		valor_repasse DOUBLE PRECISION,
		valor_contrapartida DOUBLE PRECISION,
		data_publicacao TIMESTAMP,
		data_inicio_vigencia TIMESTAMP,
		data_fim_vigencia TIMESTAMP,
		situacao TEXT,
		estado TEXT,
		municipio TEXT,
		proponente TEXT,
		proponente_cnpj TEXT,
		programa_id TEXT,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		extraction_date TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS apoiadores (
		transfer_gov_id TEXT PRIMARY KEY,
		nome TEXT,
		tipo TEXT,
		orgao TEXT,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		extraction_date TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS emendas (
		transfer_gov_id TEXT PRIMARY KEY,
		numero TEXT UNIQUE,
		autor TEXT,
		valor DOUBLE PRECISION,
		tipo TEXT,
		ano INTEGER,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		extraction_date TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS proposta_apoiadores (
		proposta_transfer_gov_id TEXT NOT NULL,
		apoiador_transfer_gov_id TEXT NOT NULL,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		extraction_date TIMESTAMP,
		PRIMARY KEY (proposta_transfer_gov_id, apoiador_transfer_gov_id)
	)`,
	`CREATE TABLE IF NOT EXISTS proposta_emendas (
		proposta_transfer_gov_id TEXT NOT NULL,
		emenda_transfer_gov_id TEXT NOT NULL,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		extraction_date TIMESTAMP,
		PRIMARY KEY (proposta_transfer_gov_id, emenda_transfer_gov_id)
	)`,
	`CREATE TABLE IF NOT EXISTS proponentes (
		cnpj TEXT PRIMARY KEY,
		nome TEXT,
		natureza_juridica TEXT,
		is_osc BOOLEAN,
		estado TEXT,
		municipio TEXT,
		cep TEXT,
		endereco TEXT,
		bairro TEXT,
		total_propostas INTEGER DEFAULT 0,
		total_emendas INTEGER DEFAULT 0,
		valor_total_emendas DOUBLE PRECISION DEFAULT 0,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		extraction_date TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS data_lineage (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		source_file TEXT,
		source_url TEXT,
		extraction_timestamp TIMESTAMP,
		transformation_hash TEXT,
		pipeline_version TEXT,
		created_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS extraction_logs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		duration_seconds DOUBLE PRECISION,
		records_extracted INTEGER,
		records_inserted INTEGER,
		records_updated INTEGER,
		records_failed INTEGER,
		error_message TEXT,
		created_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_propostas_situacao ON propostas (situacao)`,
	`CREATE INDEX IF NOT EXISTS idx_propostas_estado ON propostas (estado)`,
	`CREATE INDEX IF NOT EXISTS idx_propostas_data_publicacao ON propostas (data_publicacao)`,
	`CREATE INDEX IF NOT EXISTS idx_propostas_valor_global ON propostas (valor_global)`,
	`CREATE INDEX IF NOT EXISTS idx_proponentes_natureza ON proponentes (natureza_juridica)`,
	`CREATE INDEX IF NOT EXISTS idx_proponentes_is_osc ON proponentes (is_osc)`,
	`CREATE INDEX IF NOT EXISTS idx_proponentes_estado ON proponentes (estado)`,
	`CREATE INDEX IF NOT EXISTS idx_lineage_entity ON data_lineage (entity_type, entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_lineage_source_file ON data_lineage (source_file)`,
	`CREATE INDEX IF NOT EXISTS idx_extraction_logs_started ON extraction_logs (started_at)`,
}

// Init creates the schema idempotently.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range ddl {
		stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
		_, err := s.db.ExecContext(stmtCtx, stmt)
		cancel()
		if err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// nullString maps "" to SQL NULL; loaded text round-trips byte-identical.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
