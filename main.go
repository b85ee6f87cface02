// Package pgrepo provides a generic PostgreSQL repository engine: given an
// entity type and a declarative configuration it produces a full set of
// typed persistence operations (point/bulk lookup, predicate-filtered
// queries, keyset/offset pagination, aggregation, conditional mutation,
// upsert/merge with action tracking, batched resolvers, streaming, and
// stored-function dispatch) without hand-written SQL per entity.
package pgrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/uptrace/bun"
)

// =====================================
// Repository
// =====================================

// Repository provides the persistence operations for entity type T.
// Construct one per entity with New; the entity schema and configuration are
// immutable for the repository's lifetime.
type Repository[T any] struct {
	conn   *bun.DB
	db     bun.IDB
	model  *Model
	config RepoConfig

	validate *validator.Validate

	mu        sync.Mutex
	resolvers map[string]*resolver[T]
}

// New builds a repository for entity type T over the given database handle.
// The entity schema is parsed once from T's struct tags.
func New[T any](db *bun.DB, config RepoConfig) (*Repository[T], error) {
	model, err := ParseModel[T]()
	if err != nil {
		return nil, err
	}
	return &Repository[T]{
		conn:      db,
		db:        db,
		model:     model,
		config:    config,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		resolvers: make(map[string]*resolver[T]),
	}, nil
}

// WithTx returns a view of the repository that executes against the given
// transaction. The engine never opens a transaction on its own; see RunInTx.
func (r *Repository[T]) WithTx(tx bun.Tx) *Repository[T] {
	return &Repository[T]{
		conn:      r.conn,
		db:        tx,
		model:     r.model,
		config:    r.config,
		validate:  r.validate,
		resolvers: make(map[string]*resolver[T]),
	}
}

// Model exposes the parsed entity metadata.
func (r *Repository[T]) Model() *Model { return r.model }

// pkField resolves the primary-key field, honoring the RepoConfig override.
func (r *Repository[T]) pkField() (*Field, error) {
	if r.config.PK.Column != "" {
		if f, ok := r.model.Field(r.config.PK.Column); ok {
			return f, nil
		}
		return nil, errorf(ErrorTypeConfig, "configured pk column %q not found on %s", r.config.PK.Column, r.model.Type.Name())
	}
	if r.model.pk == nil {
		return nil, errorf(ErrorTypeConfig, "%s has no primary-key field", r.model.Type.Name())
	}
	return r.model.pk, nil
}

func (r *Repository[T]) pkCast(f *Field) string {
	if r.config.PK.Cast != "" {
		return r.config.PK.Cast
	}
	return f.Cast
}

// =====================================
// Read-Path Scoping
// =====================================

// scopeFragments builds the soft-delete and freshness scope conditions that
// every read-path operation ANDs with the caller's predicate.
func (r *Repository[T]) scopeFragments(scope queryScope) []Fragment {
	var frags []Fragment
	if sd := r.model.softDelete; sd != nil {
		switch {
		case scope.onlyDeleted:
			frags = append(frags, Fragment{SQL: quoteIdent(sd.Column) + " IS NOT NULL"})
		case !scope.withDeleted:
			frags = append(frags, Fragment{SQL: quoteIdent(sd.Column) + " IS NULL"})
		}
	}
	if exp := r.model.expires; exp != nil && !scope.withExpired {
		col := quoteIdent(exp.Column)
		frags = append(frags, Fragment{SQL: "(" + col + " IS NULL OR " + col + " > now())"})
	}
	return frags
}

// whereFragment compiles the caller's predicates plus scope into the
// fragments to apply to a query.
func (r *Repository[T]) whereFragments(preds []Predicate, scope queryScope) ([]Fragment, error) {
	frag, err := compilePredicates(r.model, preds)
	if err != nil {
		return nil, err
	}
	return append([]Fragment{frag}, r.scopeFragments(scope)...), nil
}

func applyFragments(q *bun.SelectQuery, frags []Fragment) *bun.SelectQuery {
	for _, f := range frags {
		q = q.Where(f.SQL, f.Args...)
	}
	return q
}

// =====================================
// Read Path
// =====================================

// Find returns every row matching the predicate sequence, ordered by
// primary key.
func (r *Repository[T]) Find(ctx context.Context, preds []Predicate, opts ...QueryOption) ([]*T, error) {
	scope := applyOptions(opts)
	frags, err := r.whereFragments(preds, scope)
	if err != nil {
		return nil, err
	}

	var rows []*T
	q := applyFragments(r.db.NewSelect().Model(&rows), frags)
	q, err = r.orderByPK(q, scope.desc)
	if err != nil {
		return nil, err
	}
	if err := q.Scan(ctx); err != nil {
		return nil, convertError(err)
	}
	return rows, nil
}

// One returns the single row matching the predicates, optionally locked.
// Zero matching rows yield a not-found error; a row that fails to decode
// against the entity schema yields a decode error.
func (r *Repository[T]) One(ctx context.Context, preds []Predicate, lock LockType, opts ...QueryOption) (*T, error) {
	scope := applyOptions(opts)
	frags, err := r.whereFragments(preds, scope)
	if err != nil {
		return nil, err
	}

	row := new(T)
	q := applyFragments(r.db.NewSelect().Model(row), frags).Limit(1)
	q, err = applyLock(q, lock)
	if err != nil {
		return nil, err
	}
	if err := q.Scan(ctx); err != nil {
		return nil, convertError(err)
	}
	if err := r.validateRow(row); err != nil {
		return nil, err
	}
	return row, nil
}

// Get is a point lookup by primary key.
func (r *Repository[T]) Get(ctx context.Context, id interface{}, opts ...QueryOption) (*T, error) {
	pk, err := r.pkField()
	if err != nil {
		return nil, err
	}
	return r.One(ctx, []Predicate{Cond{Field: pk.Name, Op: OpEq, Value: id, Cast: r.pkCast(pk)}}, LockNone, opts...)
}

// Count returns the number of rows matching the predicates.
func (r *Repository[T]) Count(ctx context.Context, preds []Predicate, opts ...QueryOption) (int64, error) {
	frags, err := r.whereFragments(preds, applyOptions(opts))
	if err != nil {
		return 0, err
	}
	n, err := applyFragments(r.db.NewSelect().Model((*T)(nil)), frags).Count(ctx)
	if err != nil {
		return 0, convertError(err)
	}
	return int64(n), nil
}

// Exists reports whether any row matches the predicates.
func (r *Repository[T]) Exists(ctx context.Context, preds []Predicate, opts ...QueryOption) (bool, error) {
	count, err := r.Count(ctx, preds, opts...)
	return count > 0, err
}

// Agg computes the aggregates named by spec over the matching rows and
// returns a record keyed by the spec's aliases.
func (r *Repository[T]) Agg(ctx context.Context, preds []Predicate, spec AggSpec, opts ...QueryOption) (map[string]interface{}, error) {
	if len(spec) == 0 {
		return nil, errorf(ErrorTypeConfig, "empty aggregation spec")
	}
	frags, err := r.whereFragments(preds, applyOptions(opts))
	if err != nil {
		return nil, err
	}

	exprs := make([]string, 0, len(spec))
	for alias, field := range spec {
		expr, err := r.aggExpr(field)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, expr+" AS "+quoteIdent(alias))
	}

	var where []string
	var args []interface{}
	for _, f := range frags {
		where = append(where, f.SQL)
		args = append(args, f.Args...)
	}

	sqlText := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(exprs, ", "), quoteIdent(r.model.Table), strings.Join(where, " AND "))

	record := make(map[string]interface{})
	if err := r.db.NewRaw(sqlText, args...).Scan(ctx, &record); err != nil {
		return nil, convertError(err)
	}
	return record, nil
}

func (r *Repository[T]) aggExpr(field AggField) (string, error) {
	if field.Kind == AggCount && field.Column == "" {
		return "count(*)", nil
	}
	f, ok := r.model.Field(field.Column)
	if !ok {
		return "", errorf(ErrorTypeConfig, "unknown aggregation column %q", field.Column)
	}
	col := quoteIdent(f.Column)
	switch field.Kind {
	case AggSum:
		return "sum(" + col + ")", nil
	case AggAvg:
		return "avg(" + col + ")", nil
	case AggMin:
		return "min(" + col + ")", nil
	case AggMax:
		return "max(" + col + ")", nil
	case AggCount:
		return "count(" + col + ")", nil
	}
	return "", errorf(ErrorTypeConfig, "unknown aggregate kind %q", field.Kind)
}

func (r *Repository[T]) orderByPK(q *bun.SelectQuery, desc bool) (*bun.SelectQuery, error) {
	pk, err := r.pkField()
	if err != nil {
		return nil, err
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	return q.OrderExpr(quoteIdent(pk.Column) + " " + dir), nil
}

func applyLock(q *bun.SelectQuery, lock LockType) (*bun.SelectQuery, error) {
	switch lock {
	case LockNone, "":
		return q, nil
	case LockForUpdate:
		return q.For("UPDATE"), nil
	case LockForShare:
		return q.For("SHARE"), nil
	case LockForUpdateNoWait:
		return q.For("UPDATE NOWAIT"), nil
	case LockForUpdateSkipLocked:
		return q.For("UPDATE SKIP LOCKED"), nil
	}
	return nil, errorf(ErrorTypeConfig, "unknown lock type %q", lock)
}

// validateRow runs schema validation over a decoded row.
func (r *Repository[T]) validateRow(row *T) error {
	if err := r.validate.Struct(row); err != nil {
		return NewErrorWithCause(ErrorTypeDecode, "row failed schema validation", err)
	}
	return nil
}

// pkValue extracts the primary-key value from a row.
func (r *Repository[T]) pkValue(row *T) (interface{}, error) {
	pk, err := r.pkField()
	if err != nil {
		return nil, err
	}
	return pk.value(reflect.ValueOf(row)), nil
}

// =====================================
// Error Conversion
// =====================================

// convertError maps driver errors to the repository taxonomy. Typed errors
// pass through unchanged; everything else is a database error.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	var typed Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, sql.ErrNoRows) {
		return NewErrorWithCause(ErrorTypeNotFound, "row not found", err)
	}
	return NewErrorWithCause(ErrorTypeDatabase, "database operation failed", err)
}
