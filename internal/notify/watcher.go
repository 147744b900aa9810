package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/engine"
)

// Watcher watches the changes directory and hands each change to a callback.
// Every file is consumed once: it is removed after reading.
type Watcher struct {
	dir      string
	callback func(engine.Change)
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher creates a watcher for {dataPath}/changes/.
func NewWatcher(dataPath string, callback func(engine.Change), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      filepath.Join(dataPath, dirName),
		callback: callback,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins watching. Changes written while no watcher ran are drained
// first. Call Stop to clean up.
func (cw *Watcher) Start() error {
	if err := os.MkdirAll(cw.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(cw.dir); err != nil {
		_ = w.Close()
		return err
	}
	cw.watcher = w

	// Drain after Add so a file landing in between is seen by one of the two.
	cw.drainExisting()

	go cw.loop()
	cw.logger.Info("notify: watching for changes", zap.String("dir", cw.dir))
	return nil
}

// Stop shuts down the watcher. It is a no-op if Start failed or was never called.
func (cw *Watcher) Stop() {
	if cw.watcher == nil {
		return
	}
	_ = cw.watcher.Close()
	<-cw.done
}

func (cw *Watcher) loop() {
	defer close(cw.done)
	for {
		select {
		case evt, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(evt.Name, extension) {
				cw.processFile(evt.Name)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("notify: watcher error", zap.Error(err))
		}
	}
}

func (cw *Watcher) drainExisting() {
	entries, err := os.ReadDir(cw.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), extension) {
			cw.processFile(filepath.Join(cw.dir, entry.Name()))
		}
	}
}

func (cw *Watcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // already consumed
	}
	if err := os.Remove(path); err != nil {
		return // another consumer won the file
	}

	var c engine.Change
	if err := json.Unmarshal(data, &c); err != nil {
		cw.logger.Warn("notify: invalid change file", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}
	if c.Kind != "" && cw.callback != nil {
		cw.callback(c)
	}
}
