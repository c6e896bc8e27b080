// Package snapshotstore indexes snapshot directories in a sqlite catalog so
// they can be listed and deleted without walking the filesystem.
package snapshotstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sandboxhq/fcbox/internal/paths"
	_ "modernc.org/sqlite"
)

type Record struct {
	ID                 string
	SourceVMID         string
	Dir                string
	TapName            string
	GuestIP            string
	GuestMAC           string
	OriginalRootfsPath string
	SizeBytes          int64
	CreatedAt          time.Time
	LastRestoredAt     time.Time
}

type Options struct {
	DBPath string
	Now    func() time.Time
}

type Store struct {
	dbPath string
	now    func() time.Time

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	dbPath := strings.TrimSpace(opts.DBPath)
	if dbPath == "" {
		var err error
		dbPath, err = paths.SnapshotCatalogPath()
		if err != nil {
			return nil, fmt.Errorf("resolve snapshot catalog path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot catalog directory for %q: %w", dbPath, err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{dbPath: dbPath, now: now}
	if err := s.initDB(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.dbPath }

// Put inserts or replaces the record for r.ID. A zero CreatedAt is stamped
// with the current time.
func (s *Store) Put(ctx context.Context, r Record) error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("snapshot id cannot be empty")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO snapshots (
			id,
			source_vm_id,
			dir,
			tap_name,
			guest_ip,
			guest_mac,
			original_rootfs_path,
			size_bytes,
			created_at_unix,
			last_restored_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_vm_id = excluded.source_vm_id,
			dir = excluded.dir,
			tap_name = excluded.tap_name,
			guest_ip = excluded.guest_ip,
			guest_mac = excluded.guest_mac,
			original_rootfs_path = excluded.original_rootfs_path,
			size_bytes = excluded.size_bytes,
			created_at_unix = excluded.created_at_unix,
			last_restored_at_unix = excluded.last_restored_at_unix
	`,
		r.ID,
		r.SourceVMID,
		r.Dir,
		r.TapName,
		r.GuestIP,
		r.GuestMAC,
		r.OriginalRootfsPath,
		r.SizeBytes,
		r.CreatedAt.Unix(),
		unixOrZero(r.LastRestoredAt),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil {
		return Record{}, false, err
	}
	defer db.Close()
	return queryRecord(ctx, db, id)
}

func (s *Store) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, selectColumns+`
		FROM snapshots
		ORDER BY created_at_unix DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0)
	for rows.Next() {
		record, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, nil
}

// MarkRestored records that id was just used to start a sandbox.
func (s *Store) MarkRestored(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `UPDATE snapshots SET last_restored_at_unix = ? WHERE id = ?`, s.now().UTC().Unix(), id); err != nil {
		return fmt.Errorf("update snapshot %s: %w", id, err)
	}
	return nil
}

// Delete removes the catalog row and the snapshot directory. The row is kept
// when the directory cannot be removed.
func (s *Store) Delete(ctx context.Context, id string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open(ctx)
	if err != nil {
		return Record{}, false, err
	}
	defer db.Close()

	record, found, err := queryRecord(ctx, db, id)
	if err != nil || !found {
		return Record{}, found, err
	}
	if record.Dir != "" {
		if err := os.RemoveAll(record.Dir); err != nil {
			return Record{}, true, fmt.Errorf("remove snapshot directory %q: %w", record.Dir, err)
		}
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		return Record{}, true, fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return record, true, nil
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	if err := s.initDB(ctx); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open snapshot catalog %q: %w", s.dbPath, err)
	}
	return db, nil
}

func (s *Store) initDB(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return fmt.Errorf("open snapshot catalog %q: %w", s.dbPath, err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			source_vm_id TEXT NOT NULL,
			dir TEXT NOT NULL,
			tap_name TEXT NOT NULL,
			guest_ip TEXT NOT NULL,
			guest_mac TEXT NOT NULL,
			original_rootfs_path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			created_at_unix INTEGER NOT NULL,
			last_restored_at_unix INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_source ON snapshots(source_vm_id);
	`)
	if err != nil {
		return fmt.Errorf("initialise snapshot catalog schema: %w", err)
	}
	return nil
}

const selectColumns = `
		SELECT
			id,
			source_vm_id,
			dir,
			tap_name,
			guest_ip,
			guest_mac,
			original_rootfs_path,
			size_bytes,
			created_at_unix,
			last_restored_at_unix`

func queryRecord(ctx context.Context, db *sql.DB, id string) (Record, bool, error) {
	row := db.QueryRowContext(ctx, selectColumns+`
		FROM snapshots
		WHERE id = ?
	`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return record, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		record           Record
		createdAtUnix    int64
		lastRestoredUnix int64
	)
	if err := s.Scan(
		&record.ID,
		&record.SourceVMID,
		&record.Dir,
		&record.TapName,
		&record.GuestIP,
		&record.GuestMAC,
		&record.OriginalRootfsPath,
		&record.SizeBytes,
		&createdAtUnix,
		&lastRestoredUnix,
	); err != nil {
		return Record{}, err
	}
	record.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	if lastRestoredUnix > 0 {
		record.LastRestoredAt = time.Unix(lastRestoredUnix, 0).UTC()
	}
	return record, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
