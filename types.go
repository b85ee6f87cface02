package pgrepo

// =====================================
// Core Types and Constants
// =====================================

// Op enumerates predicate operators. Each operator lowers to a fixed SQL
// shape in the compiler; there is no passthrough for arbitrary operator
// strings (use Raw for hand-written conditions).
type Op string

const (
	OpEq          Op = "eq"
	OpIn          Op = "in"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpNull        Op = "null"
	OpNotNull     Op = "notNull"
	OpContains    Op = "contains"    // jsonb @>
	OpContainedBy Op = "containedBy" // jsonb <@
	OpHasKey      Op = "hasKey"      // jsonb_exists
	OpHasKeys     Op = "hasKeys"     // jsonb_exists_all
	OpTsGte       Op = "tsGte"       // timestamp embedded in a UUIDv7 column
	OpTsLte       Op = "tsLte"
)

// LockType selects the row-locking behavior of One. The caller chooses
// blocking behavior explicitly; the engine never takes locks implicitly.
type LockType string

const (
	LockNone                LockType = "NONE"
	LockForUpdate           LockType = "FOR_UPDATE"
	LockForShare            LockType = "FOR_SHARE"
	LockForUpdateNoWait     LockType = "FOR_UPDATE_NOWAIT"
	LockForUpdateSkipLocked LockType = "FOR_UPDATE_SKIP_LOCKED"
)

// AggKind enumerates aggregate functions accepted by Agg.
type AggKind string

const (
	AggSum   AggKind = "sum"
	AggAvg   AggKind = "avg"
	AggMin   AggKind = "min"
	AggMax   AggKind = "max"
	AggCount AggKind = "count"
)

// AggField names one aggregate in an AggSpec. Column is ignored for AggCount.
type AggField struct {
	Kind   AggKind
	Column string
}

// AggSpec maps result aliases to aggregates. Agg returns a record keyed by
// the same aliases.
type AggSpec map[string]AggField

// MergeAction tags each row returned by Merge with the branch that fired.
type MergeAction string

const (
	MergeInsert MergeAction = "INSERT"
	MergeUpdate MergeAction = "UPDATE"
)

// MergeResult pairs a merged row with the action that produced it.
type MergeResult[T any] struct {
	Action MergeAction
	Row    *T
}

// Fragment is a parameterized piece of a SQL statement produced by the
// predicate compiler, safe to compose into larger statements. Placeholders
// use bun's `?` convention.
type Fragment struct {
	SQL  string
	Args []interface{}
}

// =====================================
// Pagination
// =====================================

// PageRequest describes a keyset page. Cursor is the opaque value returned by
// the previous Page call; empty means "from the start".
type PageRequest struct {
	Limit  int
	Cursor string
	Desc   bool
}

// Page is an ordered slice of rows plus a total count computed in the same
// round trip and a flag telling whether more rows follow.
type Page[T any] struct {
	Items      []*T
	Total      int64
	HasMore    bool
	NextCursor string
}

// OffsetRequest describes an offset page.
type OffsetRequest struct {
	Limit  int
	Offset int
	Desc   bool
}

// OffsetPage is the offset-pagination analog of Page.
type OffsetPage[T any] struct {
	Items   []*T
	Total   int64
	HasMore bool
}

// =====================================
// Query Options
// =====================================

// queryScope carries the per-call read-path modifiers. Soft-deleted and
// expired rows are excluded unless explicitly lifted here.
type queryScope struct {
	desc        bool
	withDeleted bool
	onlyDeleted bool
	withExpired bool
}

// QueryOption adjusts scoping and ordering of a read-path operation.
type QueryOption func(*queryScope)

// Desc orders results by primary key descending. Default is ascending.
func Desc() QueryOption {
	return func(s *queryScope) { s.desc = true }
}

// WithDeleted includes soft-deleted rows in the result set.
func WithDeleted() QueryOption {
	return func(s *queryScope) { s.withDeleted = true }
}

// OnlyDeleted restricts the result set to soft-deleted rows.
func OnlyDeleted() QueryOption {
	return func(s *queryScope) { s.onlyDeleted = true }
}

// WithExpired includes rows past their freshness window.
func WithExpired() QueryOption {
	return func(s *queryScope) { s.withExpired = true }
}

func applyOptions(opts []QueryOption) queryScope {
	var s queryScope
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
