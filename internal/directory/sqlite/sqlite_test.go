package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/directory"
)

func openTemp(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(path, Options{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type sink struct {
	mu      sync.Mutex
	changes []directory.Change
}

func (s *sink) add(c directory.Change) {
	s.mu.Lock()
	s.changes = append(s.changes, c)
	s.mu.Unlock()
}

func (s *sink) wait(t *testing.T, n int) []directory.Change {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.changes) >= n
	}, 3*time.Second, 10*time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]directory.Change(nil), s.changes...)
}

func TestDB_DocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, filepath.Join(t.TempDir(), "dir.db"))

	ref, err := db.Create(ctx, directory.Collection("calls"))
	require.NoError(t, err)

	require.ErrorIs(t, db.Update(ctx, directory.Collection("calls").Doc("missing"), "answer", 1), directory.ErrNotFound)
	require.NoError(t, db.Set(ctx, ref, "offer", map[string]string{"type": "offer", "sdp": "v=0"}))
	require.NoError(t, db.Update(ctx, ref, "answer", map[string]string{"type": "answer", "sdp": "v=0"}))

	doc, err := db.Get(ctx, ref)
	require.NoError(t, err)
	assert.Contains(t, doc.Fields, "offer")
	assert.Contains(t, doc.Fields, "answer")

	require.NoError(t, db.BatchDelete(ctx, []directory.DocRef{ref, directory.Collection("calls").Doc("absent")}))
	_, err = db.Get(ctx, ref)
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestDB_AppendKeepsOrder(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, filepath.Join(t.TempDir(), "dir.db"))
	coll := directory.Collection("calls").Doc("a").Collection("offerCandidates")

	for i := 0; i < 4; i++ {
		_, err := db.Append(ctx, coll, map[string]int{"n": i})
		require.NoError(t, err)
	}
	docs, err := db.List(ctx, coll)
	require.NoError(t, err)
	require.Len(t, docs, 4)
	for i, d := range docs {
		var v struct{ N int }
		require.NoError(t, d.Decode(&v))
		assert.Equal(t, i, v.N)
	}
}

func TestDB_WatchSnapshotThenChanges(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, filepath.Join(t.TempDir(), "dir.db"))
	coll := directory.Collection("calls").Doc("a").Collection("answerCandidates")

	_, err := db.Append(ctx, coll, map[string]int{"n": 0})
	require.NoError(t, err)

	var s sink
	sub, err := db.WatchCollection(ctx, coll, s.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = db.Append(ctx, coll, map[string]int{"n": 1})
	require.NoError(t, err)

	got := s.wait(t, 2)
	require.Len(t, got, 2, "snapshot entry must not be repeated by the poller")
	for i, c := range got {
		var v struct{ N int }
		require.NoError(t, c.Doc.Decode(&v))
		assert.Equal(t, i, v.N)
		assert.Equal(t, directory.Added, c.Kind)
	}
}

func TestDB_SharedFileAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	a := openTemp(t, path)
	b := openTemp(t, path)

	ref, err := a.Create(ctx, directory.Collection("calls"))
	require.NoError(t, err)

	var s sink
	sub, err := b.WatchDocument(ctx, ref, s.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, a.Set(ctx, ref, "answer", map[string]string{"type": "answer"}))
	require.NoError(t, a.BatchDelete(ctx, []directory.DocRef{ref}))

	got := s.wait(t, 3)
	assert.Equal(t, directory.Added, got[0].Kind)
	assert.Equal(t, directory.Modified, got[1].Kind)
	assert.Contains(t, got[1].Doc.Fields, "answer")
	assert.Equal(t, directory.Removed, got[2].Kind)
}

func TestDB_UnsubscribeDropsWatcher(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, filepath.Join(t.TempDir(), "dir.db"))

	sub, err := db.WatchCollection(ctx, directory.Collection("calls"), func(directory.Change) {})
	require.NoError(t, err)
	sub.Unsubscribe()

	db.mu.Lock()
	defer db.mu.Unlock()
	assert.Empty(t, db.collWatchers)
}
