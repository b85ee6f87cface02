package pgrepo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetchResolver builds a resolver backed by an in-memory fetch function
// so batching behavior is observable without a database.
func fakeFetchResolver(spec ResolverSpec, data map[string][]*testUser, calls *atomic.Int64, batchSizes *[]int, mu *sync.Mutex) *resolver[testUser] {
	res := &resolver[testUser]{spec: spec, window: spec.Window}
	if res.window <= 0 {
		res.window = defaultResolverWindow
	}
	res.fetch = func(ctx context.Context, keys []interface{}) (map[string][]*testUser, error) {
		calls.Add(1)
		if batchSizes != nil {
			mu.Lock()
			*batchSizes = append(*batchSizes, len(keys))
			mu.Unlock()
		}
		out := make(map[string][]*testUser)
		for _, k := range keys {
			ks := keyString(k)
			out[ks] = data[ks]
		}
		return out, nil
	}
	return res
}

func TestResolverBatchesConcurrentLoads(t *testing.T) {
	alice := &testUser{Name: "alice"}
	bob := &testUser{Name: "bob"}
	data := map[string][]*testUser{
		"a@x.io": {alice},
		"b@x.io": {bob},
	}

	var calls atomic.Int64
	res := fakeFetchResolver(ResolverSpec{Field: "email", Window: 20 * time.Millisecond}, data, &calls, nil, nil)

	var wg sync.WaitGroup
	results := make([][]*testUser, 3)
	keys := []string{"a@x.io", "b@x.io", "a@x.io"}
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			rows, err := res.load(context.Background(), key)
			require.NoError(t, err)
			results[i] = rows
		}(i, key)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "all loads within the window should share one query")
	require.Len(t, results[0], 1)
	assert.Equal(t, "alice", results[0][0].Name)
	require.Len(t, results[1], 1)
	assert.Equal(t, "bob", results[1][0].Name)
	assert.Equal(t, results[0], results[2], "duplicate keys share the same result")
}

func TestResolverMissingKeyIsAbsence(t *testing.T) {
	var calls atomic.Int64
	res := fakeFetchResolver(ResolverSpec{Field: "email"}, map[string][]*testUser{}, &calls, nil, nil)

	rows, err := res.load(context.Background(), "nobody@x.io")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestResolverMaxBatchFlushesEarly(t *testing.T) {
	data := map[string][]*testUser{
		"1": {{Name: "one"}},
		"2": {{Name: "two"}},
		"3": {{Name: "three"}},
	}

	var calls atomic.Int64
	var mu sync.Mutex
	var batchSizes []int
	// A long window so only MaxBatch can flush the first batch.
	res := fakeFetchResolver(ResolverSpec{Field: "email", Window: time.Second, MaxBatch: 2}, data, &calls, &batchSizes, &mu)

	var wg sync.WaitGroup
	for _, key := range []string{"1", "2"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			rows, err := res.load(context.Background(), key)
			require.NoError(t, err)
			require.Len(t, rows, 1)
		}(key)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	mu.Lock()
	require.Len(t, batchSizes, 1)
	assert.Equal(t, 2, batchSizes[0], "batch should flush as soon as MaxBatch keys collect")
	mu.Unlock()
}

func TestResolverSeparateWindows(t *testing.T) {
	data := map[string][]*testUser{"k": {{Name: "one"}}}

	var calls atomic.Int64
	res := fakeFetchResolver(ResolverSpec{Field: "email", Window: time.Millisecond}, data, &calls, nil, nil)

	_, err := res.load(context.Background(), "k")
	require.NoError(t, err)
	_, err = res.load(context.Background(), "k")
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load(), "loads in separate windows run separate queries")
}

func TestResolverContextCancellation(t *testing.T) {
	var calls atomic.Int64
	res := fakeFetchResolver(ResolverSpec{Field: "email", Window: time.Second}, nil, &calls, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := res.load(ctx, "k")
	require.Error(t, err)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "abc", keyString("abc"))
	assert.Equal(t, "42", keyString(42))
	assert.Equal(t, "a\x1fb", keyString([]interface{}{"a", "b"}))
}

func TestBatchPredicatesSingleField(t *testing.T) {
	r, err := New[testUser](nil, RepoConfig{})
	require.NoError(t, err)

	preds, fields, err := r.batchPredicates(ResolverSpec{Field: "email"}, []interface{}{"a", "b"})
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "email", fields[0].Column)

	frag, err := compilePredicates(r.Model(), preds)
	require.NoError(t, err)
	assert.Equal(t, `"email" IN (lower(?), lower(?))`, frag.SQL)
}

func TestBatchPredicatesComposite(t *testing.T) {
	r, err := New[testUser](nil, RepoConfig{})
	require.NoError(t, err)

	spec := ResolverSpec{Fields: []string{"name", "age"}}
	keys := []interface{}{
		[]interface{}{"alice", 30},
		[]interface{}{"bob", 40},
	}
	preds, fields, err := r.batchPredicates(spec, keys)
	require.NoError(t, err)
	require.Len(t, fields, 2)

	frag, err := compilePredicates(r.Model(), preds)
	require.NoError(t, err)
	assert.Equal(t, `(("name" = ? AND "age" = ?) OR ("name" = ? AND "age" = ?))`, frag.SQL)
	assert.Len(t, frag.Args, 4)

	_, _, err = r.batchPredicates(spec, []interface{}{"not-a-slice"})
	require.Error(t, err)
	assert.True(t, IsConfig(err))
}
