// Package sqlite is the durable catalog mirror (§4.9): a pure-Go
// modernc.org/sqlite-backed store holding the same manifests the
// in-memory catalog (pkg/catalog) indexes, plus capability and provenance
// records, migrated with pressly/goose.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	protoerrors "github.com/stacklok/protoreg/pkg/errors"
	"github.com/stacklok/protoreg/pkg/manifest"
)

func marshalManifest(m manifest.Manifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalManifest(document string) (manifest.Manifest, error) {
	var m manifest.Manifest
	if err := json.Unmarshal([]byte(document), &m); err != nil {
		return manifest.Manifest{}, err
	}
	return m, nil
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a single *sql.DB configured for modernc.org/sqlite's
// single-writer discipline: one connection, WAL mode, and the busy-timeout/
// synchronous/foreign-key pragmas the teacher's own storage layer applies.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path, applies the
// required PRAGMAs, runs pending goose migrations, and returns a ready
// Store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, protoerrors.NewInternalError("failed to open database", err)
	}

	// modernc.org/sqlite's driver is not safe for concurrent writers;
	// single-writer discipline is enforced at the pool level rather than
	// relying on the driver to serialize internally.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-2000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, protoerrors.NewInternalError(fmt.Sprintf("failed to apply %q", p), err)
		}
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetTableName("schema_history")
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, protoerrors.NewInternalError("failed to set migration dialect", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, protoerrors.NewInternalError("failed to run migrations", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertManifest writes m as the durable mirror of a catalog Add (§4.7),
// along with its capability rows when m is agent-typed.
func (s *Store) UpsertManifest(ctx context.Context, m manifest.Manifest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protoerrors.NewInternalError("failed to begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	document, err := marshalManifest(m)
	if err != nil {
		return protoerrors.NewInternalError("failed to serialize manifest", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO manifests (urn, type, namespace, owner, classification, pii, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(urn) DO UPDATE SET
			type = excluded.type,
			namespace = excluded.namespace,
			owner = excluded.owner,
			classification = excluded.classification,
			pii = excluded.pii,
			document = excluded.document,
			updated_at = excluded.updated_at
	`, m.URN, string(m.Type), m.Namespace, m.Governance.Owner, m.Governance.Classification,
		boolToInt(m.Governance.PII), document, now, now)
	if err != nil {
		return protoerrors.NewInternalError("failed to upsert manifest", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM capabilities WHERE urn = ?`, m.URN); err != nil {
		return protoerrors.NewInternalError("failed to clear capability rows", err)
	}
	if m.Type == manifest.TypeAgent {
		if err := insertCapabilities(ctx, tx, m.URN, "tool", m.Capabilities.Tools); err != nil {
			return err
		}
		if err := insertCapabilities(ctx, tx, m.URN, "resource", m.Capabilities.Resources); err != nil {
			return err
		}
		if err := insertCapabilities(ctx, tx, m.URN, "workflow", m.Capabilities.Workflows); err != nil {
			return err
		}
		if err := insertCapabilities(ctx, tx, m.URN, "api", m.Capabilities.APIs); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return protoerrors.NewInternalError("failed to commit manifest upsert", err)
	}
	return nil
}

func insertCapabilities(ctx context.Context, tx *sql.Tx, urn, kind string, values []string) error {
	for _, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO capabilities (urn, kind, value) VALUES (?, ?, ?)`, urn, kind, v); err != nil {
			return protoerrors.NewInternalError(fmt.Sprintf("failed to insert %s capability", kind), err)
		}
	}
	return nil
}

// GetManifest reads back the manifest document for urn.
func (s *Store) GetManifest(ctx context.Context, urn string) (manifest.Manifest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT document FROM manifests WHERE urn = ?`, urn)

	var document string
	if err := row.Scan(&document); err != nil {
		if err == sql.ErrNoRows {
			return manifest.Manifest{}, protoerrors.NewNotFoundError("manifest not found", err)
		}
		return manifest.Manifest{}, protoerrors.NewInternalError("failed to read manifest", err)
	}

	m, err := unmarshalManifest(document)
	if err != nil {
		return manifest.Manifest{}, protoerrors.NewIntegrityError("corrupted manifest document", err)
	}
	return m, nil
}

// DeleteManifest removes urn and its capability rows (cascaded via the
// foreign key).
func (s *Store) DeleteManifest(ctx context.Context, urn string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM manifests WHERE urn = ?`, urn)
	if err != nil {
		return protoerrors.NewInternalError("failed to delete manifest", err)
	}
	return nil
}

// RecordProvenance persists a verified DSSE envelope's raw bytes and
// extracted summary fields for urn.
func (s *Store) RecordProvenance(ctx context.Context, urn, envelope, predicateType, builder string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provenance (urn, envelope, predicate_type, builder, verified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(urn) DO UPDATE SET
			envelope = excluded.envelope,
			predicate_type = excluded.predicate_type,
			builder = excluded.builder,
			verified_at = excluded.verified_at
	`, urn, envelope, predicateType, builder, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return protoerrors.NewInternalError("failed to record provenance", err)
	}
	return nil
}

// CountManifests reports the number of manifest rows currently stored,
// surfaced by the /health endpoint.
func (s *Store) CountManifests(ctx context.Context) (int64, error) {
	var count int64
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM manifests`)
	if err := row.Scan(&count); err != nil {
		return 0, protoerrors.NewInternalError("failed to count manifests", err)
	}
	return count, nil
}

// GetProvenance reads back the verified DSSE envelope recorded for urn, if
// any. The second return value is false when no provenance row exists.
func (s *Store) GetProvenance(ctx context.Context, urn string) (envelope, predicateType, builder string, found bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT envelope, predicate_type, builder FROM provenance WHERE urn = ?`, urn)
	switch scanErr := row.Scan(&envelope, &predicateType, &builder); scanErr {
	case nil:
		return envelope, predicateType, builder, true, nil
	case sql.ErrNoRows:
		return "", "", "", false, nil
	default:
		return "", "", "", false, protoerrors.NewInternalError("failed to read provenance", scanErr)
	}
}

// SchemaVersion reports goose's currently applied migration version, used
// by the read-only /health exposure called for in §4.9.
func (s *Store) SchemaVersion(_ context.Context) (int64, error) {
	version, err := goose.GetDBVersion(s.db)
	if err != nil {
		return 0, protoerrors.NewInternalError("failed to read schema version", err)
	}
	return version, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
