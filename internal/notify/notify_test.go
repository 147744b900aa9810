package notify

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/engine"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	require.NoError(t, w.Write(engine.Change{Kind: engine.ChangeSchemaRevised, UserID: "u1", Revision: 1, At: at}))

	entries, err := os.ReadDir(filepath.Join(dir, "changes"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".change", filepath.Ext(entries[0].Name()))
}

func TestWatcherReceivesChange(t *testing.T) {
	dir := t.TempDir()
	received := make(chan engine.Change, 1)
	watcher := NewWatcher(dir, func(c engine.Change) { received <- c }, nil)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	want := engine.Change{Kind: engine.ChangeEventCreated, UserID: "u1", ThreadID: "t1", Key: "evt_abc", At: at}
	require.NoError(t, NewWriter(dir).Write(want))

	select {
	case got := <-received:
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.Key, got.Key)
		assert.True(t, want.At.Equal(got.At))
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for change")
	}

	require.Eventually(t, func() bool {
		entries, _ := os.ReadDir(filepath.Join(dir, "changes"))
		return len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond, "consumed files are removed")
}

func TestWatcherDrainsExisting(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	require.NoError(t, w.Write(engine.Change{Kind: engine.ChangeSchemaRevised, UserID: "u1", At: at}))
	require.NoError(t, w.Write(engine.Change{Kind: engine.ChangeEventCreated, UserID: "u1", Key: "evt_1", At: at.Add(time.Second)}))

	received := make(chan engine.Change, 10)
	watcher := NewWatcher(dir, func(c engine.Change) { received <- c }, nil)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	kinds := map[engine.ChangeKind]bool{}
	for i := 0; i < 2; i++ {
		select {
		case c := <-received:
			kinds[c.Kind] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for drained change %d", i)
		}
	}
	assert.True(t, kinds[engine.ChangeSchemaRevised])
	assert.True(t, kinds[engine.ChangeEventCreated])
}

func TestWatcherSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	changes := filepath.Join(dir, "changes")
	require.NoError(t, os.MkdirAll(changes, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(changes, "1-bad.change"), []byte("{not json"), 0o600))

	called := false
	watcher := NewWatcher(dir, func(engine.Change) { called = true }, nil)
	require.NoError(t, watcher.Start())
	watcher.Stop()

	assert.False(t, called)
	_, err := os.Stat(filepath.Join(changes, "1-bad.change"))
	assert.True(t, os.IsNotExist(err))
}

func TestWatcherStopWithoutStart(t *testing.T) {
	NewWatcher(t.TempDir(), nil, nil).Stop()
}

func TestSanitize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"u1", "u1"},
		{"schema.revised", "schema_revised"},
		{"a/b\\c:d e", "a_b_c_d_e"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitize(tt.in))
	}
}
