package ctxsnapshot

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
)

type fakeFS struct {
	content map[string][]byte
	mtime   map[string]time.Time
}

func newFakeFS() *fakeFS {
	return &fakeFS{content: make(map[string][]byte), mtime: make(map[string]time.Time)}
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	c, ok := f.content[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return c, nil
}

func (f *fakeFS) ModTime(path string) (time.Time, error) {
	m, ok := f.mtime[path]
	if !ok {
		return time.Time{}, errors.New("not found")
	}
	return m, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeFS, *eventlog.Store) {
	t.Helper()
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	bus := eventbus.New(store, nil)
	fs := newFakeFS()
	return New(fs, bus), fs, store
}

func TestCreateSnapshotRecordsHashAndMtime(t *testing.T) {
	mgr, fs, store := newTestManager(t)
	fs.content["a.go"] = []byte("line1\nline2\nline3\n")
	fs.mtime["a.go"] = time.Now()

	snap, err := mgr.CreateSnapshot("t1", eventlog.ModeMission, eventlog.StageRetrieve, "a.go", LineRange{Start: 1, End: 2})
	require.NoError(t, err)
	require.NotEmpty(t, snap.ContentHash)
	require.Len(t, store.GetByType(eventlog.TypeContextSnapshotCreated), 1)
}

func TestCheckStalenessUnchangedFileNotStale(t *testing.T) {
	mgr, fs, _ := newTestManager(t)
	fs.content["a.go"] = []byte("line1\nline2\n")
	fs.mtime["a.go"] = time.Now()

	_, err := mgr.CreateSnapshot("t1", eventlog.ModeMission, eventlog.StageRetrieve, "a.go", LineRange{Start: 1, End: 2})
	require.NoError(t, err)

	results, err := mgr.CheckStaleness("t1", eventlog.ModeMission, eventlog.StageEdit, []string{"a.go"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Stale)
}

func TestCheckStalenessDetectsContentChange(t *testing.T) {
	mgr, fs, store := newTestManager(t)
	fs.content["a.go"] = []byte("line1\nline2\n")
	fs.mtime["a.go"] = time.Now()

	_, err := mgr.CreateSnapshot("t1", eventlog.ModeMission, eventlog.StageRetrieve, "a.go", LineRange{Start: 1, End: 2})
	require.NoError(t, err)

	fs.content["a.go"] = []byte("changed1\nline2\n")
	fs.mtime["a.go"] = fs.mtime["a.go"].Add(time.Second)

	results, err := mgr.CheckStaleness("t1", eventlog.ModeMission, eventlog.StageEdit, []string{"a.go"})
	require.NoError(t, err)
	require.True(t, results[0].Stale)
	require.Len(t, store.GetByType(eventlog.TypeStaleContextDetected), 1)
}

func TestCheckStalenessDeletedFileIsStale(t *testing.T) {
	mgr, fs, _ := newTestManager(t)
	fs.content["a.go"] = []byte("line1\n")
	fs.mtime["a.go"] = time.Now()

	_, err := mgr.CreateSnapshot("t1", eventlog.ModeMission, eventlog.StageRetrieve, "a.go", LineRange{Start: 1, End: 1})
	require.NoError(t, err)

	delete(fs.content, "a.go")
	delete(fs.mtime, "a.go")

	results, err := mgr.CheckStaleness("t1", eventlog.ModeMission, eventlog.StageEdit, []string{"a.go"})
	require.NoError(t, err)
	require.True(t, results[0].Stale)
	require.True(t, results[0].Deleted)
}

func TestInvalidateDropsSnapshot(t *testing.T) {
	mgr, fs, _ := newTestManager(t)
	fs.content["a.go"] = []byte("line1\n")
	fs.mtime["a.go"] = time.Now()
	_, err := mgr.CreateSnapshot("t1", eventlog.ModeMission, eventlog.StageRetrieve, "a.go", LineRange{Start: 1, End: 1})
	require.NoError(t, err)

	mgr.Invalidate("a.go")
	_, ok := mgr.Get("a.go")
	require.False(t, ok)
}
