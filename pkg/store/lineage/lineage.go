// Package lineage appends per-record provenance rows inside the run
// transaction. The transformation hash is the SHA-256 of the record's
// RFC 8785 canonical JSON, so identical inputs produce identical hashes
// across reruns regardless of field order or process.
package lineage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// statementTimeout mirrors the store-wide statement bound.
const statementTimeout = 60 * time.Second

// Record is one append-only provenance row.
type Record struct {
	EntityType string
	EntityID   string
	SourceFile string
	SourceURL  string
	Hash       string
}

// Recorder writes lineage rows for one run. It shares the loader's
// transaction; lineage is atomic with the data it describes.
type Recorder struct {
	tx              *sql.Tx
	pipelineVersion string
	sourceURL       string
	extractedAt     time.Time
	logger          *slog.Logger
}

// NewRecorder binds a recorder to the run transaction. pipelineVersion is
// the configured lineage.pipeline_version, written verbatim into every
// row.
func NewRecorder(tx *sql.Tx, pipelineVersion, sourceURL string, extractedAt time.Time) *Recorder {
	return &Recorder{
		tx:              tx,
		pipelineVersion: pipelineVersion,
		sourceURL:       sourceURL,
		extractedAt:     extractedAt,
		logger:          slog.Default().With("component", "lineage"),
	}
}

// CanonicalHash returns the SHA-256 hex digest of v's RFC 8785 canonical
// JSON. Key order and whitespace never influence the digest.
func CanonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("lineage: marshal record: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("lineage: canonicalize record: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// RecordEntity hashes the record and appends one lineage row for it.
func (r *Recorder) RecordEntity(ctx context.Context, entityType, entityID, sourceFile string, record any) error {
	hash, err := CanonicalHash(record)
	if err != nil {
		return err
	}
	return r.append(ctx, Record{
		EntityType: entityType,
		EntityID:   entityID,
		SourceFile: sourceFile,
		SourceURL:  r.sourceURL,
		Hash:       hash,
	})
}

func (r *Recorder) append(ctx context.Context, rec Record) error {
	stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	_, err := r.tx.ExecContext(stmtCtx, `
		INSERT INTO data_lineage (id, entity_type, entity_id, source_file, source_url, extraction_timestamp, transformation_hash, pipeline_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.NewString(), rec.EntityType, rec.EntityID, rec.SourceFile, nullable(rec.SourceURL),
		r.extractedAt, rec.Hash, r.pipelineVersion, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("lineage: append %s/%s: %w", rec.EntityType, rec.EntityID, err)
	}
	return nil
}

// CountForFile returns how many lineage rows this run wrote for an entity
// type from one source file. The reconciler reads its loaded side here,
// on the same uncommitted transaction.
func (r *Recorder) CountForFile(ctx context.Context, entityType, sourceFile string) (int, error) {
	stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	var n int
	err := r.tx.QueryRowContext(stmtCtx, `
		SELECT COUNT(DISTINCT entity_id) FROM data_lineage
		WHERE entity_type = $1 AND source_file = $2 AND extraction_timestamp = $3`,
		entityType, sourceFile, r.extractedAt,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lineage: count for %s: %w", sourceFile, err)
	}
	return n, nil
}

// WarnOnVersionRegression compares the configured pipeline version to the
// most recent one recorded and logs when the configuration has moved
// backwards. Unparseable versions are ignored; this never fails a run.
func (r *Recorder) WarnOnVersionRegression(ctx context.Context, db *sql.DB) {
	configured, err := semver.NewVersion(r.pipelineVersion)
	if err != nil {
		return
	}
	stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	var last string
	err = db.QueryRowContext(stmtCtx,
		`SELECT pipeline_version FROM data_lineage ORDER BY created_at DESC LIMIT 1`,
	).Scan(&last)
	if err != nil {
		return
	}
	previous, err := semver.NewVersion(last)
	if err != nil {
		return
	}
	if configured.LessThan(previous) {
		r.logger.Warn("configured pipeline version is older than last recorded",
			"configured", configured.String(), "recorded", previous.String())
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
