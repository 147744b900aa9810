package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	filePrefix = "mnemo-"
	fileSuffix = ".db"
	timeLayout = "20060102T150405.000Z"
)

func snapshotName(at time.Time) string {
	return filePrefix + at.UTC().Format(timeLayout) + fileSuffix
}

func parseSnapshotName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	ts := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	at, err := time.Parse(timeLayout, ts)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// Snapshot writes a consistent copy of the live database to dir using
// VACUUM INTO, which is safe under WAL mode and concurrent writers, then
// verifies it.
func Snapshot(ctx context.Context, db *sql.DB, dir string, now time.Time) (*Info, error) {
	start := time.Now()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	path := filepath.Join(dir, snapshotName(now))
	quoted := strings.ReplaceAll(path, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return nil, fmt.Errorf("failed to back up database: %w", err)
	}

	if err := Verify(ctx, path); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat backup: %w", err)
	}
	return &Info{
		Path:      path,
		CreatedAt: now.UTC(),
		Size:      st.Size(),
		Verified:  true,
		Duration:  time.Since(start),
	}, nil
}

// Verify opens a snapshot read-only and runs SQLite's integrity check.
func Verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Restore replaces targetPath with a verified snapshot. The target database
// must not be open. Stale WAL files of the old database are removed so they
// are not replayed over the restored copy.
func Restore(ctx context.Context, backupPath, targetPath string) error {
	if err := Verify(ctx, backupPath); err != nil {
		return fmt.Errorf("backup verification failed: %w", err)
	}

	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	tmp := targetPath + ".restore"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync target file: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close target file: %w", err)
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(targetPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale %s file: %w", suffix, err)
		}
	}
	if err := os.Rename(tmp, targetPath); err != nil {
		return fmt.Errorf("failed to move restored database into place: %w", err)
	}
	return Verify(ctx, targetPath)
}
