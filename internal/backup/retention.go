package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// List returns the snapshots in dir, newest first. Files that do not follow
// the snapshot naming scheme are ignored. A missing directory is empty.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Info{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	backups := []Info{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		at, ok := parseSnapshotName(entry.Name())
		if !ok {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Path:      filepath.Join(dir, entry.Name()),
			CreatedAt: at,
			Size:      fi.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Latest returns the newest snapshot in dir.
func Latest(dir string) (*Info, error) {
	backups, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoBackups, dir)
	}
	return &backups[0], nil
}

// Prune removes snapshots the policy no longer keeps and returns their
// paths. Within each tier the newest snapshots survive.
func Prune(dir string, policy RetentionPolicy, now time.Time) ([]string, error) {
	backups, err := List(dir)
	if err != nil {
		return nil, err
	}

	var hourly, daily, weekly, monthly, expired []Info
	for _, b := range backups {
		switch age := now.Sub(b.CreatedAt); {
		case age < 24*time.Hour:
			hourly = append(hourly, b)
		case age < 7*24*time.Hour:
			daily = append(daily, b)
		case age < 30*24*time.Hour:
			weekly = append(weekly, b)
		case age < 365*24*time.Hour:
			monthly = append(monthly, b)
		default:
			expired = append(expired, b)
		}
	}

	toDelete := expired
	for _, tier := range []struct {
		items []Info
		keep  int
	}{
		{hourly, policy.Hourly},
		{daily, policy.Daily},
		{weekly, policy.Weekly},
		{monthly, policy.Monthly},
	} {
		if len(tier.items) > tier.keep {
			toDelete = append(toDelete, tier.items[max(tier.keep, 0):]...)
		}
	}

	removed := make([]string, 0, len(toDelete))
	var errs []error
	for _, b := range toDelete {
		if err := os.Remove(b.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, b.Path)
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("failed to delete some backups: %w", errors.Join(errs...))
	}
	return removed, nil
}
