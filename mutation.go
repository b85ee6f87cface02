package pgrepo

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

// =====================================
// Update Operations
// =====================================

// UpdateOp is the closed set of per-column mutation intents. Every column
// value maps to exactly one variant; plain values must be wrapped in Value so
// the mapping stays unambiguous and total.
type UpdateOp interface {
	updateOp()
}

// Value replaces the column with a plain value.
type Value struct {
	V interface{}
}

// SetNow sets the column to the database's current time.
type SetNow struct{}

// Increment adds Delta to an integer column.
type Increment struct {
	Delta int64
}

// JSONSet sets the JSON document at Path to Value, creating missing parents.
type JSONSet struct {
	Path  []string
	Value interface{}
}

// JSONDelete removes the JSON document node at Path.
type JSONDelete struct {
	Path []string
}

func (Value) updateOp()      {}
func (SetNow) updateOp()     {}
func (Increment) updateOp()  {}
func (JSONSet) updateOp()    {}
func (JSONDelete) updateOp() {}

// =====================================
// Insert
// =====================================

// PutOne inserts a single row and returns it as stored. A nil payload is a
// configuration error. Supplying conflict keys inline degrades the insert to
// an upsert on those keys.
func (r *Repository[T]) PutOne(ctx context.Context, row *T, conflictKeys ...string) (*T, error) {
	if row == nil {
		return nil, errorf(ErrorTypeConfig, "nil insert payload")
	}
	if err := r.preparePayload(row); err != nil {
		return nil, err
	}

	q := r.db.NewInsert().Model(row).Returning("*")
	if len(conflictKeys) > 0 {
		var err error
		q, err = r.onConflictUpdate(q, conflictKeys)
		if err != nil {
			return nil, err
		}
	}
	if _, err := q.Exec(ctx); err != nil {
		return nil, convertError(err)
	}
	return row, nil
}

// PutMany bulk-inserts rows in one statement. An empty slice succeeds with an
// empty result; a nil slice is a configuration error.
func (r *Repository[T]) PutMany(ctx context.Context, rows []*T, conflictKeys ...string) ([]*T, error) {
	if rows == nil {
		return nil, errorf(ErrorTypeConfig, "nil insert payload")
	}
	if len(rows) == 0 {
		return []*T{}, nil
	}
	for _, row := range rows {
		if row == nil {
			return nil, errorf(ErrorTypeConfig, "nil row in insert payload")
		}
		if err := r.preparePayload(row); err != nil {
			return nil, err
		}
	}

	q := r.db.NewInsert().Model(&rows).Returning("*")
	if len(conflictKeys) > 0 {
		var err error
		q, err = r.onConflictUpdate(q, conflictKeys)
		if err != nil {
			return nil, err
		}
	}
	if _, err := q.Exec(ctx); err != nil {
		return nil, convertError(err)
	}
	return rows, nil
}

// preparePayload validates an insert payload and fills a generated primary
// key if the field is zero and carries a generation strategy.
func (r *Repository[T]) preparePayload(row *T) error {
	if err := r.validate.Struct(row); err != nil {
		return NewErrorWithCause(ErrorTypeDecode, "insert payload failed validation", err)
	}
	pk := r.model.pk
	if pk == nil || !pk.isZero(reflect.ValueOf(row)) {
		return nil
	}

	var id uuid.UUID
	switch pk.PKStrategy {
	case PKUUID:
		id = uuid.New()
	case PKUUIDv7:
		var err error
		id, err = uuid.NewV7()
		if err != nil {
			return NewErrorWithCause(ErrorTypeConfig, "failed to generate UUIDv7 key", err)
		}
	default:
		return nil
	}

	ft := r.model.Type.FieldByIndex(pk.Index).Type
	switch {
	case ft == uuidType:
		pk.set(reflect.ValueOf(row), reflect.ValueOf(id))
	case ft.Kind() == reflect.String:
		pk.set(reflect.ValueOf(row), reflect.ValueOf(id.String()).Convert(ft))
	default:
		return errorf(ErrorTypeConfig, "pk strategy %s requires a uuid.UUID or string field, got %s",
			pk.PKStrategy, ft)
	}
	return nil
}

// onConflictUpdate turns an insert into an upsert on the given keys.
func (r *Repository[T]) onConflictUpdate(q *bun.InsertQuery, keys []string) (*bun.InsertQuery, error) {
	assignments, err := r.conflictAssignments(keys)
	if err != nil {
		return nil, err
	}
	return q.On("CONFLICT (" + joinIdents(keys) + ") DO UPDATE").Set(assignments), nil
}

// conflictAssignments builds the DO UPDATE SET list: every updatable non-key
// column from EXCLUDED, with the auto-touch column stamped to now().
func (r *Repository[T]) conflictAssignments(keys []string) (string, error) {
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}

	var columns []string
	if len(r.config.Conflict.Columns) > 0 {
		columns = r.config.Conflict.Columns
	} else {
		for _, f := range r.model.Fields {
			if !keySet[f.Column] && !f.IsPK {
				columns = append(columns, f.Column)
			}
		}
	}

	assignments := ""
	for _, col := range columns {
		f, ok := r.model.Field(col)
		if !ok {
			return "", errorf(ErrorTypeConfig, "unknown conflict update column %q", col)
		}
		if keySet[f.Column] {
			continue
		}
		if assignments != "" {
			assignments += ", "
		}
		if f.AutoTouch {
			assignments += quoteIdent(f.Column) + " = now()"
			continue
		}
		assignments += quoteIdent(f.Column) + " = EXCLUDED." + quoteIdent(f.Column)
	}
	if assignments == "" {
		return "", errorf(ErrorTypeConfig, "no columns left to update on conflict")
	}
	return assignments, nil
}

// =====================================
// Upsert
// =====================================

// Upsert inserts or updates a single row on the configured conflict keys.
// When occ carries the expected prior auto-touch timestamp, the conflict
// branch only applies if the stored timestamp matches; a conflicting row with
// a different timestamp surfaces a stale error, never a silent no-op.
func (r *Repository[T]) Upsert(ctx context.Context, row *T, occ *time.Time) (*T, error) {
	keys, err := r.config.conflictKeys("upsert")
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errorf(ErrorTypeConfig, "nil upsert payload")
	}
	touch := r.model.autoTouch
	if occ != nil && touch == nil {
		return nil, errorf(ErrorTypeConfig, "optimistic concurrency requires an autotouch column")
	}
	if err := r.preparePayload(row); err != nil {
		return nil, err
	}

	q := r.db.NewInsert().Model(row).Returning("*")
	q, err = r.onConflictUpdate(q, keys)
	if err != nil {
		return nil, err
	}
	if occ != nil {
		q = q.Where(quoteIdent(r.model.Table)+"."+quoteIdent(touch.Column)+" = ?", *occ)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return nil, convertError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, convertError(err)
	}
	if err := upsertOutcome(affected, occ != nil); err != nil {
		return nil, err
	}
	return row, nil
}

// upsertOutcome maps the affected-row count of a single-row upsert to its
// result. The insert arm fires for absent rows, so an empty result means the
// conflict branch ran and its timestamp guard filtered the row out; that is
// a stale write when a timestamp was supplied and a malformed call otherwise.
func upsertOutcome(affected int64, occ bool) error {
	if affected > 0 {
		return nil
	}
	if occ {
		return errorf(ErrorTypeStale, "upsert matched on conflict keys but not on the expected timestamp")
	}
	return errorf(ErrorTypeConfig, "upsert returned no row")
}

// UpsertMany upserts rows in a single multi-row statement on the configured
// conflict keys. Batch upserts carry no per-row OCC checks.
func (r *Repository[T]) UpsertMany(ctx context.Context, rows []*T) ([]*T, error) {
	keys, err := r.config.conflictKeys("upsert")
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, errorf(ErrorTypeConfig, "nil upsert payload")
	}
	if len(rows) == 0 {
		return []*T{}, nil
	}
	for _, row := range rows {
		if row == nil {
			return nil, errorf(ErrorTypeConfig, "nil row in upsert payload")
		}
		if err := r.preparePayload(row); err != nil {
			return nil, err
		}
	}

	q := r.db.NewInsert().Model(&rows).Returning("*")
	q, err = r.onConflictUpdate(q, keys)
	if err != nil {
		return nil, err
	}
	if _, err := q.Exec(ctx); err != nil {
		return nil, convertError(err)
	}
	return rows, nil
}

// =====================================
// Conditional Update
// =====================================

// Set applies the column mutations to the row with the given primary key and
// returns the updated row. Zero matching rows yield a not-found error.
func (r *Repository[T]) Set(ctx context.Context, id interface{}, ops map[string]UpdateOp) (*T, error) {
	row, affected, err := r.updateOne(ctx, id, ops, nil)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, errorf(ErrorTypeNotFound, "no row with the given key")
	}
	return row, nil
}

// SetIf is Set with a mandatory guard predicate ANDed into the WHERE clause.
// A guard miss is a typed absence: a nil row with a nil error, never an
// exception. This is how conditional updates without OCC timestamps are
// expressed.
func (r *Repository[T]) SetIf(ctx context.Context, id interface{}, ops map[string]UpdateOp, when ...Predicate) (*T, error) {
	if len(when) == 0 {
		return nil, errorf(ErrorTypeConfig, "SetIf requires a guard predicate")
	}
	row, affected, err := r.updateOne(ctx, id, ops, when)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, nil
	}
	return row, nil
}

// SetWhere applies the column mutations to every row matching the predicates
// and returns the affected-row count.
func (r *Repository[T]) SetWhere(ctx context.Context, preds []Predicate, ops map[string]UpdateOp) (int64, error) {
	if len(ops) == 0 {
		return 0, errorf(ErrorTypeConfig, "no update operations given")
	}
	frags, err := r.whereFragments(preds, queryScope{})
	if err != nil {
		return 0, err
	}

	q := r.db.NewUpdate().Model((*T)(nil))
	q, err = r.applyUpdateOps(q, ops)
	if err != nil {
		return 0, err
	}
	for _, f := range frags {
		q = q.Where(f.SQL, f.Args...)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, convertError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, convertError(err)
	}
	return affected, nil
}

func (r *Repository[T]) updateOne(ctx context.Context, id interface{}, ops map[string]UpdateOp, when []Predicate) (*T, int64, error) {
	if len(ops) == 0 {
		return nil, 0, errorf(ErrorTypeConfig, "no update operations given")
	}
	pk, err := r.pkField()
	if err != nil {
		return nil, 0, err
	}

	row := new(T)
	q := r.db.NewUpdate().Model(row).Returning("*")
	q, err = r.applyUpdateOps(q, ops)
	if err != nil {
		return nil, 0, err
	}
	q = q.Where(quoteIdent(pk.Column)+" = "+placeholder(r.pkCast(pk), ""), id)

	frags, err := r.whereFragments(when, queryScope{})
	if err != nil {
		return nil, 0, err
	}
	for _, f := range frags {
		q = q.Where(f.SQL, f.Args...)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return nil, 0, convertError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, 0, convertError(err)
	}
	return row, affected, nil
}

// applyUpdateOps lowers each column's UpdateOp to a SET clause, stamping the
// auto-touch column unless the caller set it explicitly.
func (r *Repository[T]) applyUpdateOps(q *bun.UpdateQuery, ops map[string]UpdateOp) (*bun.UpdateQuery, error) {
	touched := false
	for name, op := range ops {
		f, ok := r.model.Field(name)
		if !ok {
			return nil, errorf(ErrorTypeConfig, "unknown update column %q", name)
		}
		if f.AutoTouch {
			touched = true
		}
		col := quoteIdent(f.Column)

		switch op := op.(type) {
		case Value:
			q = q.Set(col+" = ?", op.V)
		case SetNow:
			q = q.Set(col + " = now()")
		case Increment:
			q = q.Set(col+" = "+col+" + ?", op.Delta)
		case JSONSet:
			arg, err := jsonArg(op.Value)
			if err != nil {
				return nil, err
			}
			q = q.Set(col+" = jsonb_set(coalesce("+col+", '{}'::jsonb), ?, ?::jsonb, true)",
				pgdialect.Array(op.Path), arg)
		case JSONDelete:
			q = q.Set(col+" = "+col+" #- ?", pgdialect.Array(op.Path))
		default:
			panic(fmt.Sprintf("pgrepo: unhandled update op variant %T", op))
		}
	}
	if touch := r.model.autoTouch; touch != nil && !touched {
		q = q.Set(quoteIdent(touch.Column) + " = now()")
	}
	return q, nil
}

// =====================================
// Soft Delete
// =====================================

// Drop soft-deletes the row with the given primary key and returns the
// mutated row.
func (r *Repository[T]) Drop(ctx context.Context, id interface{}) (*T, error) {
	return r.toggleDeleteOne(ctx, id, true)
}

// Lift restores a soft-deleted row and returns it.
func (r *Repository[T]) Lift(ctx context.Context, id interface{}) (*T, error) {
	return r.toggleDeleteOne(ctx, id, false)
}

// DropMany soft-deletes the given keys and returns the affected count.
func (r *Repository[T]) DropMany(ctx context.Context, ids []interface{}) (int64, error) {
	return r.toggleDeleteSet(ctx, ids, true)
}

// LiftMany restores the given keys and returns the affected count.
func (r *Repository[T]) LiftMany(ctx context.Context, ids []interface{}) (int64, error) {
	return r.toggleDeleteSet(ctx, ids, false)
}

// DropWhere soft-deletes every live row matching the predicates.
func (r *Repository[T]) DropWhere(ctx context.Context, preds []Predicate) (int64, error) {
	return r.toggleDeleteWhere(ctx, preds, true)
}

// LiftWhere restores every soft-deleted row matching the predicates.
func (r *Repository[T]) LiftWhere(ctx context.Context, preds []Predicate) (int64, error) {
	return r.toggleDeleteWhere(ctx, preds, false)
}

func (r *Repository[T]) softDeleteField() (*Field, error) {
	if r.model.softDelete == nil {
		return nil, errorf(ErrorTypeConfig, "%s has no soft-delete column", r.model.Type.Name())
	}
	return r.model.softDelete, nil
}

func (r *Repository[T]) toggleQuery(row *T, drop bool) (*bun.UpdateQuery, error) {
	sd, err := r.softDeleteField()
	if err != nil {
		return nil, err
	}
	col := quoteIdent(sd.Column)

	var q *bun.UpdateQuery
	if row != nil {
		q = r.db.NewUpdate().Model(row).Returning("*")
	} else {
		q = r.db.NewUpdate().Model((*T)(nil))
	}
	if drop {
		q = q.Set(col + " = now()").Where(col + " IS NULL")
	} else {
		q = q.Set(col + " = NULL").Where(col + " IS NOT NULL")
	}
	return q, nil
}

func (r *Repository[T]) toggleDeleteOne(ctx context.Context, id interface{}, drop bool) (*T, error) {
	pk, err := r.pkField()
	if err != nil {
		return nil, err
	}
	row := new(T)
	q, err := r.toggleQuery(row, drop)
	if err != nil {
		return nil, err
	}
	q = q.Where(quoteIdent(pk.Column)+" = "+placeholder(r.pkCast(pk), ""), id)

	res, err := q.Exec(ctx)
	if err != nil {
		return nil, convertError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, convertError(err)
	}
	if affected == 0 {
		if drop {
			return nil, errorf(ErrorTypeNotFound, "row not found or already deleted")
		}
		return nil, errorf(ErrorTypeNotFound, "row not found or not deleted")
	}
	return row, nil
}

func (r *Repository[T]) toggleDeleteSet(ctx context.Context, ids []interface{}, drop bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	pk, err := r.pkField()
	if err != nil {
		return 0, err
	}
	frag, err := compilePredicate(r.model, Cond{Field: pk.Name, Op: OpIn, Values: ids, Cast: r.pkCast(pk)})
	if err != nil {
		return 0, err
	}
	q, err := r.toggleQuery(nil, drop)
	if err != nil {
		return 0, err
	}
	res, err := q.Where(frag.SQL, frag.Args...).Exec(ctx)
	if err != nil {
		return 0, convertError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, convertError(err)
	}
	return affected, nil
}

func (r *Repository[T]) toggleDeleteWhere(ctx context.Context, preds []Predicate, drop bool) (int64, error) {
	frag, err := compilePredicates(r.model, preds)
	if err != nil {
		return 0, err
	}
	q, err := r.toggleQuery(nil, drop)
	if err != nil {
		return 0, err
	}
	res, err := q.Where(frag.SQL, frag.Args...).Exec(ctx)
	if err != nil {
		return 0, convertError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, convertError(err)
	}
	return affected, nil
}

// =====================================
// Retention Purge
// =====================================

// Purge invokes the configured retention stored function with a day-count
// argument and returns the number of rows it purged.
func (r *Repository[T]) Purge(ctx context.Context, days int) (int64, error) {
	if r.config.PurgeFunc == "" {
		return 0, errorf(ErrorTypeConfig, "no purge function configured")
	}
	var purged int64
	if err := r.db.NewRaw("SELECT "+r.config.PurgeFunc+"(?)", days).Scan(ctx, &purged); err != nil {
		return 0, convertError(err)
	}
	return purged, nil
}

func joinIdents(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += quoteIdent(n)
	}
	return out
}
