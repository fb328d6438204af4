package fieldsync

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory Remote with last-writer-wins semantics and
// failure injection
type fakeRemote struct {
	mu    sync.Mutex
	data  map[string]map[string]Record
	calls []string

	// fail, when set, decides whether an operation fails
	fail func(op, collection, id string) error
	// before, when set, runs before every operation without holding the lock
	before func(op, collection string)
	// ignoreSince makes SelectSince return every record
	ignoreSince bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: make(map[string]map[string]Record)}
}

func (f *fakeRemote) setFail(fn func(op, collection, id string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

func (f *fakeRemote) enter(op, collection, id string) error {
	f.mu.Lock()
	before := f.before
	f.mu.Unlock()
	if before != nil {
		before(op, collection)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+collection+":"+id)
	if f.fail != nil {
		return f.fail(op, collection, id)
	}
	return nil
}

// seed stores rec as-is, bypassing conflict resolution
func (f *fakeRemote) seed(collection string, rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[collection] == nil {
		f.data[collection] = make(map[string]Record)
	}
	f.data[collection][rec.ID] = rec.Clone()
}

func (f *fakeRemote) putLWW(collection string, rec Record) Record {
	if f.data[collection] == nil {
		f.data[collection] = make(map[string]Record)
	}
	if cur, ok := f.data[collection][rec.ID]; ok && cur.UpdatedAt.After(rec.UpdatedAt) {
		return cur.Clone()
	}
	rec = rec.Clone()
	rec.Synced = false
	f.data[collection][rec.ID] = rec
	return rec.Clone()
}

func (f *fakeRemote) Insert(ctx context.Context, collection string, rec Record) (Record, error) {
	if err := f.enter("insert", collection, rec.ID); err != nil {
		return Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putLWW(collection, rec), nil
}

func (f *fakeRemote) Update(ctx context.Context, collection, id string, rec Record) (Record, error) {
	if err := f.enter("update", collection, id); err != nil {
		return Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[collection][id]; !ok {
		return Record{}, &RemoteError{StatusCode: http.StatusNotFound, Code: "not_found"}
	}
	return f.putLWW(collection, rec), nil
}

func (f *fakeRemote) Delete(ctx context.Context, collection, id string) error {
	if err := f.enter("delete", collection, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data[collection], id)
	return nil
}

func (f *fakeRemote) SelectSince(ctx context.Context, collection string, since time.Time) ([]Record, error) {
	if err := f.enter("select", collection, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, rec := range f.data[collection] {
		if f.ignoreSince || !rec.UpdatedAt.Before(since) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (f *fakeRemote) get(collection, id string) (Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[collection][id]
	return rec, ok
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// countCalls counts logged calls whose "op:collection" prefix matches
func (f *fakeRemote) countCalls(prefix string) int {
	n := 0
	for _, c := range f.callLog() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// testClock hands out strictly increasing timestamps
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(collections ...string) *Config {
	cfg := DefaultConfig(collections...)
	cfg.WriteSyncDelay = 0
	cfg.RequestTimeout = 5 * time.Second
	cfg.Logger = discardLogger()
	cfg.Now = newTestClock().Now
	return cfg
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestEngine(t *testing.T, remote Remote, monitor *NetworkMonitor, cfg *Config) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig("projects")
	}
	e, err := New(openTestDB(t), remote, monitor, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// dumpTables renders every row of every table, for byte-level comparisons
func dumpTables(t *testing.T, db *sql.DB) []string {
	t.Helper()
	ctx := context.Background()
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	require.NoError(t, err)
	var tables []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		tables = append(tables, n)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())

	var out []string
	for _, table := range tables {
		r, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM "%s" ORDER BY 1`, table))
		require.NoError(t, err)
		cols, err := r.Columns()
		require.NoError(t, err)
		for r.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			require.NoError(t, r.Scan(ptrs...))
			parts := make([]string, len(vals))
			for i, v := range vals {
				if b, ok := v.([]byte); ok {
					v = string(b)
				}
				parts[i] = fmt.Sprint(v)
			}
			out = append(out, table+"|"+strings.Join(parts, "|"))
		}
		require.NoError(t, r.Err())
		require.NoError(t, r.Close())
	}
	return out
}

func project(id string, at time.Time, name string) Record {
	return Record{ID: id, UpdatedAt: at, Fields: map[string]any{"name": name}}
}
