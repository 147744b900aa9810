// Package backup takes point-in-time snapshots of the SQLite memory store,
// prunes them with a tiered retention policy and restores them.
package backup

import (
	"errors"
	"time"
)

// ErrNoBackups is returned by Latest when the directory holds no snapshots.
var ErrNoBackups = errors.New("no backups found")

// Config configures a Service.
type Config struct {
	// Dir is the directory where snapshots are stored.
	Dir string

	// Interval is the duration between scheduled snapshots (default: 1h).
	Interval time.Duration

	// Retention defines how many snapshots to keep per age tier.
	Retention RetentionPolicy
}

// RetentionPolicy defines how many snapshots to keep at each tier.
// Snapshots are bucketed by age:
// - Hourly: younger than 24 hours
// - Daily: 1-7 days
// - Weekly: 7-30 days
// - Monthly: 30-365 days
// Older snapshots are always removed.
type RetentionPolicy struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps a day of hourly snapshots and a year of monthly ones.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Info describes one snapshot file.
type Info struct {
	Path      string        `json:"path"`
	CreatedAt time.Time     `json:"created_at"` // Parsed from the file name
	Size      int64         `json:"size"`
	Verified  bool          `json:"verified"`
	Duration  time.Duration `json:"duration,omitempty"` // Set on snapshots just taken
}
