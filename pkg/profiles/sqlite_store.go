package profiles

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteRegistriesSchema = `
CREATE TABLE IF NOT EXISTS turnkit_profile_registries (
    slug          TEXT PRIMARY KEY,
    version       INTEGER NOT NULL DEFAULT 0,
    payload_json  TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteProfileStore keeps one JSON row per registry. Reads are served from an
// in-memory copy loaded at open time; writes go to memory first and are then
// written through to the database.
type SQLiteProfileStore struct {
	writeMu sync.Mutex
	mem     *InMemoryProfileStore
	db      *sql.DB
	dsn     string
}

// SQLiteProfileDSNForFile returns a DSN with WAL and a busy timeout for path.
func SQLiteProfileDSNForFile(path string) (string, error) {
	if path == "" {
		return "", &ValidationError{Field: "sqlite.path", Reason: "must not be empty"}
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func NewSQLiteProfileStore(ctx context.Context, dsn string) (*SQLiteProfileStore, error) {
	if dsn == "" {
		return nil, &ValidationError{Field: "sqlite.dsn", Reason: "must not be empty"}
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite profile store")
	}
	s := &SQLiteProfileStore{mem: NewInMemoryProfileStore(), db: db, dsn: dsn}
	if _, err := db.ExecContext(ctx, sqliteRegistriesSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate sqlite profile store")
	}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteProfileStore) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT slug, payload_json FROM turnkit_profile_registries ORDER BY slug`)
	if err != nil {
		return errors.Wrap(err, "load profile registries")
	}
	defer func() { _ = rows.Close() }()

	var loaded []*ProfileRegistry
	for rows.Next() {
		var slug, payload string
		if err := rows.Scan(&slug, &payload); err != nil {
			return err
		}
		reg := &ProfileRegistry{}
		if err := json.Unmarshal([]byte(payload), reg); err != nil {
			return errors.Wrapf(err, "decode registry %q", slug)
		}
		if reg.Slug.IsZero() {
			reg.Slug = RegistrySlug(slug)
		}
		if reg.Slug.String() != slug {
			return errors.Errorf("registry row %q holds payload for %q", slug, reg.Slug)
		}
		if err := ValidateRegistry(reg); err != nil {
			return errors.Wrapf(err, "registry %q", slug)
		}
		loaded = append(loaded, reg)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.mem.replaceAll(loaded)
	return nil
}

func (s *SQLiteProfileStore) ListRegistries(ctx context.Context) ([]*ProfileRegistry, error) {
	return s.mem.ListRegistries(ctx)
}

func (s *SQLiteProfileStore) GetRegistry(ctx context.Context, slug RegistrySlug) (*ProfileRegistry, bool, error) {
	return s.mem.GetRegistry(ctx, slug)
}

func (s *SQLiteProfileStore) ListProfiles(ctx context.Context, slug RegistrySlug) ([]*Profile, error) {
	return s.mem.ListProfiles(ctx, slug)
}

func (s *SQLiteProfileStore) GetProfile(ctx context.Context, registrySlug RegistrySlug, profileSlug ProfileSlug) (*Profile, bool, error) {
	return s.mem.GetProfile(ctx, registrySlug, profileSlug)
}

func (s *SQLiteProfileStore) UpsertRegistry(ctx context.Context, registry *ProfileRegistry, opts SaveOptions) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.mem.UpsertRegistry(ctx, registry, opts); err != nil {
		return err
	}
	return s.flush(ctx, registry.Slug)
}

func (s *SQLiteProfileStore) DeleteRegistry(ctx context.Context, slug RegistrySlug, opts SaveOptions) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.mem.DeleteRegistry(ctx, slug, opts); err != nil {
		return err
	}
	return s.flush(ctx, slug)
}

func (s *SQLiteProfileStore) UpsertProfile(ctx context.Context, registrySlug RegistrySlug, profile *Profile, opts SaveOptions) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.mem.UpsertProfile(ctx, registrySlug, profile, opts); err != nil {
		return err
	}
	return s.flush(ctx, registrySlug)
}

func (s *SQLiteProfileStore) DeleteProfile(ctx context.Context, registrySlug RegistrySlug, profileSlug ProfileSlug, opts SaveOptions) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.mem.DeleteProfile(ctx, registrySlug, profileSlug, opts); err != nil {
		return err
	}
	return s.flush(ctx, registrySlug)
}

func (s *SQLiteProfileStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.mem.Close()
	return s.db.Close()
}

// flush writes the in-memory state of one registry to its row, deleting the
// row when the registry is gone.
func (s *SQLiteProfileStore) flush(ctx context.Context, slug RegistrySlug) error {
	reg, ok, err := s.mem.GetRegistry(ctx, slug)
	if err != nil {
		return err
	}
	if !ok {
		_, err := s.db.ExecContext(ctx, `DELETE FROM turnkit_profile_registries WHERE slug = ?`, slug.String())
		return errors.Wrapf(err, "delete registry %q", slug)
	}
	payload, err := json.Marshal(reg)
	if err != nil {
		return errors.Wrapf(err, "encode registry %q", slug)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO turnkit_profile_registries (slug, version, payload_json, updated_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(slug) DO UPDATE SET
    version = excluded.version,
    payload_json = excluded.payload_json,
    updated_at_ms = excluded.updated_at_ms`,
		slug.String(), reg.Metadata.Version, string(payload), time.Now().UnixMilli())
	return errors.Wrapf(err, "write registry %q", slug)
}

var _ ProfileStore = (*SQLiteProfileStore)(nil)
