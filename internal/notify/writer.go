// Package notify carries committed memory changes between mnemo processes
// that share a data directory. One-shot commands write each change as a
// small file under {dataPath}/changes/; a running server watches that
// directory and republishes the changes on its websocket feed.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/scrypster/mnemo/internal/engine"
)

const (
	dirName   = "changes"
	extension = ".change"
)

// Writer writes change files to a shared directory.
type Writer struct {
	dir string
}

// NewWriter creates a writer that emits changes to {dataPath}/changes/.
func NewWriter(dataPath string) *Writer {
	return &Writer{dir: filepath.Join(dataPath, dirName)}
}

// Write stores one change. The file is written under a temporary name and
// renamed into place so watchers never read a partial payload.
// Safe to call concurrently.
func (w *Writer) Write(c engine.Change) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("notify: marshal change: %w", err)
	}

	name := fmt.Sprintf("%d-%s-%s", c.At.UnixNano(), sanitize(string(c.Kind)), sanitize(c.UserID+c.Key))
	tmp, err := os.CreateTemp(w.dir, name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("notify: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("notify: write change: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("notify: close change: %w", err)
	}

	final := strings.TrimSuffix(tmp.Name(), ".tmp") + extension
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("notify: publish change: %w", err)
	}
	return nil
}

// sanitize replaces characters unsafe for filenames.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.', ' ':
			return '_'
		}
		return r
	}, s)
}
