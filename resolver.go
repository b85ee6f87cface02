package pgrepo

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// =====================================
// Batching Resolvers
// =====================================

const defaultResolverWindow = 2 * time.Millisecond

// Load resolves one row through the named batching resolver. Requests that
// arrive within the resolver's window are coalesced into a single IN query.
// An unmatched key is a typed absence: (nil, false, nil).
func (r *Repository[T]) Load(ctx context.Context, name string, key interface{}) (*T, bool, error) {
	res, err := r.resolver(name)
	if err != nil {
		return nil, false, err
	}
	if res.spec.Many {
		return nil, false, errorf(ErrorTypeConfig, "resolver %q is grouped, use LoadGroup", name)
	}
	rows, err := res.load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// LoadGroup resolves every row sharing the key column through a grouped
// resolver. A key with no rows yields an empty slice, not an error.
func (r *Repository[T]) LoadGroup(ctx context.Context, name string, key interface{}) ([]*T, error) {
	res, err := r.resolver(name)
	if err != nil {
		return nil, err
	}
	if !res.spec.Many {
		return nil, errorf(ErrorTypeConfig, "resolver %q is not grouped, use Load", name)
	}
	return res.load(ctx, key)
}

// resolver returns the live resolver for name, creating it on first use.
func (r *Repository[T]) resolver(name string) (*resolver[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.resolvers[name]; ok {
		return res, nil
	}
	spec, err := r.config.resolverSpec(name)
	if err != nil {
		return nil, err
	}
	res := newResolver(r, spec)
	r.resolvers[name] = res
	return res, nil
}

// resolver coalesces point lookups arriving within a time window into one
// batched query over the distinct keys.
type resolver[T any] struct {
	spec   ResolverSpec
	window time.Duration

	// fetch runs one batch. Swappable in tests so batching behavior can be
	// exercised without a database.
	fetch func(ctx context.Context, keys []interface{}) (map[string][]*T, error)

	mu      sync.Mutex
	pending *resolverBatch[T]
}

// resolverBatch is one in-flight batching window.
type resolverBatch[T any] struct {
	keys   []interface{}
	seen   map[string]bool
	done   chan struct{}
	result map[string][]*T
	err    error
}

func newResolver[T any](r *Repository[T], spec ResolverSpec) *resolver[T] {
	window := spec.Window
	if window <= 0 {
		window = defaultResolverWindow
	}
	res := &resolver[T]{spec: spec, window: window}
	res.fetch = func(ctx context.Context, keys []interface{}) (map[string][]*T, error) {
		return r.fetchBatch(ctx, spec, keys)
	}
	return res
}

// load enrolls a key in the current window and blocks until the batch query
// completes or the caller's context ends.
func (res *resolver[T]) load(ctx context.Context, key interface{}) ([]*T, error) {
	k := keyString(key)

	res.mu.Lock()
	batch := res.pending
	if batch == nil {
		batch = &resolverBatch[T]{
			seen: make(map[string]bool),
			done: make(chan struct{}),
		}
		res.pending = batch
		time.AfterFunc(res.window, func() { res.flush(batch) })
	}
	if !batch.seen[k] {
		batch.seen[k] = true
		batch.keys = append(batch.keys, key)
	}
	if res.spec.MaxBatch > 0 && len(batch.keys) >= res.spec.MaxBatch {
		res.flushLocked(batch)
	}
	res.mu.Unlock()

	select {
	case <-batch.done:
	case <-ctx.Done():
		return nil, convertError(ctx.Err())
	}
	if batch.err != nil {
		return nil, batch.err
	}
	return batch.result[k], nil
}

func (res *resolver[T]) flush(batch *resolverBatch[T]) {
	res.mu.Lock()
	res.flushLocked(batch)
	res.mu.Unlock()
}

// flushLocked detaches the batch and runs its query outside the lock. A
// window that already flushed (early, on MaxBatch) is left alone.
func (res *resolver[T]) flushLocked(batch *resolverBatch[T]) {
	if res.pending != batch {
		return
	}
	res.pending = nil
	go func() {
		// Callers wait with their own contexts; the batch query itself runs
		// under a background deadline so one cancelled caller cannot fail
		// the whole window.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		batch.result, batch.err = res.fetch(ctx, batch.keys)
		close(batch.done)
	}()
}

// fetchBatch services one resolver window with a single query over the
// distinct keys, then groups rows by their key column(s).
func (r *Repository[T]) fetchBatch(ctx context.Context, spec ResolverSpec, keys []interface{}) (map[string][]*T, error) {
	preds, fields, err := r.batchPredicates(spec, keys)
	if err != nil {
		return nil, err
	}
	rows, err := r.Find(ctx, preds)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]*T, len(keys))
	for _, row := range rows {
		k := rowKey(row, fields)
		out[k] = append(out[k], row)
	}
	return out, nil
}

// batchPredicates builds the batch WHERE clause: an IN over the key column
// for single-field resolvers, an OR of per-key conjunctions for composite
// ones.
func (r *Repository[T]) batchPredicates(spec ResolverSpec, keys []interface{}) ([]Predicate, []*Field, error) {
	if spec.Field != "" {
		f, ok := r.model.Field(spec.Field)
		if !ok {
			return nil, nil, errorf(ErrorTypeConfig, "resolver key field %q is not mapped", spec.Field)
		}
		return []Predicate{Cond{Field: f.Name, Op: OpIn, Values: keys}}, []*Field{f}, nil
	}

	fields := make([]*Field, len(spec.Fields))
	for i, name := range spec.Fields {
		f, ok := r.model.Field(name)
		if !ok {
			return nil, nil, errorf(ErrorTypeConfig, "resolver key field %q is not mapped", name)
		}
		fields[i] = f
	}

	frags := make([]Fragment, 0, len(keys))
	for _, key := range keys {
		parts, ok := key.([]interface{})
		if !ok || len(parts) != len(fields) {
			return nil, nil, errorf(ErrorTypeConfig, "composite resolver key must be a %d-element slice", len(fields))
		}
		var conj Fragment
		for i, f := range fields {
			if i > 0 {
				conj.SQL += " AND "
			}
			conj.SQL += quoteIdent(f.Column) + " = " + placeholder(f.Cast, f.Wrap)
			conj.Args = append(conj.Args, parts[i])
		}
		frags = append(frags, conj)
	}

	var or Fragment
	for i, f := range frags {
		if i > 0 {
			or.SQL += " OR "
		}
		or.SQL += "(" + f.SQL + ")"
		or.Args = append(or.Args, f.Args...)
	}
	return []Predicate{Raw{SQL: "(" + or.SQL + ")", Args: or.Args}}, fields, nil
}

// rowKey computes the canonical key string for a fetched row, mirroring
// keyString over the key column values.
func rowKey[T any](row *T, fields []*Field) string {
	rv := []interface{}{}
	for _, f := range fields {
		rv = append(rv, f.value(reflect.ValueOf(row)))
	}
	if len(rv) == 1 {
		return keyString(rv[0])
	}
	return keyString(rv)
}

// keyString canonicalizes a resolver key for dedup and result grouping.
// Composite keys concatenate their parts with a separator unlikely to occur
// in data.
func keyString(key interface{}) string {
	if parts, ok := key.([]interface{}); ok {
		s := ""
		for i, p := range parts {
			if i > 0 {
				s += "\x1f"
			}
			s += keyString(p)
		}
		return s
	}
	if s, ok := key.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", key)
}
