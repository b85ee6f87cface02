package pgrepo

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun/dialect/pgdialect"
)

// =====================================
// Predicate Algebra
// =====================================

// Predicate is the closed set of filter conditions a query accepts. A slice
// of predicates is combined with AND; an empty slice compiles to TRUE so
// "no filter" is a safe default.
//
// The set is sealed: Eq, Cond and Raw are the only variants and the compiler
// switches over them exhaustively.
type Predicate interface {
	predicate()
}

// Eq is the {field, value} shorthand tuple.
type Eq struct {
	Field string
	Value interface{}
}

// Cond is the structured predicate form. Value carries the right-hand side
// for scalar operators, Values for OpIn and OpHasKeys. Cast and Wrap override
// the field-metadata defaults when set.
type Cond struct {
	Field  string
	Op     Op
	Value  interface{}
	Values []interface{}
	Cast   string
	Wrap   string
}

// Raw is the escape hatch for hand-written conditions. It bypasses the
// casting/wrapping logic entirely. Placeholders use `?`.
type Raw struct {
	SQL  string
	Args []interface{}
}

func (Eq) predicate()   {}
func (Cond) predicate() {}
func (Raw) predicate()  {}

// =====================================
// Predicate Compiler
// =====================================

const (
	fragTautology = "TRUE"
	fragAbsurdity = "FALSE"
)

// compilePredicates lowers a predicate sequence to a single AND-joined
// fragment. Zero predicates yield TRUE.
func compilePredicates(m *Model, preds []Predicate) (Fragment, error) {
	if len(preds) == 0 {
		return Fragment{SQL: fragTautology}, nil
	}
	if len(preds) == 1 {
		return compilePredicate(m, preds[0])
	}

	var parts []string
	var args []interface{}
	for _, p := range preds {
		frag, err := compilePredicate(m, p)
		if err != nil {
			return Fragment{}, err
		}
		parts = append(parts, "("+frag.SQL+")")
		args = append(args, frag.Args...)
	}
	return Fragment{SQL: strings.Join(parts, " AND "), Args: args}, nil
}

// compilePredicate lowers one predicate to a parameterized fragment.
func compilePredicate(m *Model, p Predicate) (Fragment, error) {
	switch p := p.(type) {
	case Eq:
		return compileCond(m, Cond{Field: p.Field, Op: OpEq, Value: p.Value})
	case Cond:
		return compileCond(m, p)
	case Raw:
		return Fragment{SQL: p.SQL, Args: p.Args}, nil
	}
	// The variant set is sealed; a new variant without a compiler arm is a
	// programming error in this package.
	panic(fmt.Sprintf("pgrepo: unhandled predicate variant %T", p))
}

func compileCond(m *Model, c Cond) (Fragment, error) {
	f, ok := m.Field(c.Field)
	if !ok {
		return Fragment{}, errorf(ErrorTypeConfig, "unknown field %q on %s", c.Field, m.Type.Name())
	}

	col := quoteIdent(f.Column)
	cast := f.Cast
	if c.Cast != "" {
		cast = c.Cast
	}
	wrap := f.Wrap
	if c.Wrap != "" {
		wrap = c.Wrap
	}

	switch c.Op {
	case OpEq:
		return Fragment{SQL: col + " = " + placeholder(cast, wrap), Args: []interface{}{c.Value}}, nil
	case OpIn:
		// Empty IN is unsatisfiable, not a syntax error and never match-all.
		if len(c.Values) == 0 {
			return Fragment{SQL: fragAbsurdity}, nil
		}
		ph := placeholder(cast, wrap)
		phs := make([]string, len(c.Values))
		for i := range c.Values {
			phs[i] = ph
		}
		return Fragment{SQL: col + " IN (" + strings.Join(phs, ", ") + ")", Args: c.Values}, nil
	case OpGt:
		return Fragment{SQL: col + " > " + placeholder(cast, wrap), Args: []interface{}{c.Value}}, nil
	case OpGte:
		return Fragment{SQL: col + " >= " + placeholder(cast, wrap), Args: []interface{}{c.Value}}, nil
	case OpLt:
		return Fragment{SQL: col + " < " + placeholder(cast, wrap), Args: []interface{}{c.Value}}, nil
	case OpLte:
		return Fragment{SQL: col + " <= " + placeholder(cast, wrap), Args: []interface{}{c.Value}}, nil
	case OpNull:
		return Fragment{SQL: col + " IS NULL"}, nil
	case OpNotNull:
		return Fragment{SQL: col + " IS NOT NULL"}, nil
	case OpContains:
		arg, err := jsonArg(c.Value)
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{SQL: col + " @> ?::jsonb", Args: []interface{}{arg}}, nil
	case OpContainedBy:
		arg, err := jsonArg(c.Value)
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{SQL: col + " <@ ?::jsonb", Args: []interface{}{arg}}, nil
	case OpHasKey:
		// jsonb_exists instead of the `?` operator, which would collide with
		// the placeholder syntax.
		return Fragment{SQL: "jsonb_exists(" + col + ", ?)", Args: []interface{}{c.Value}}, nil
	case OpHasKeys:
		keys := make([]string, len(c.Values))
		for i, v := range c.Values {
			s, ok := v.(string)
			if !ok {
				return Fragment{}, errorf(ErrorTypeConfig, "hasKeys values must be strings, got %T", v)
			}
			keys[i] = s
		}
		return Fragment{SQL: "jsonb_exists_all(" + col + ", ?)", Args: []interface{}{pgdialect.Array(keys)}}, nil
	case OpTsGte:
		bound, err := uuidv7Bound(c.Value, false)
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{SQL: col + " >= " + placeholder(cast, ""), Args: []interface{}{bound}}, nil
	case OpTsLte:
		bound, err := uuidv7Bound(c.Value, true)
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{SQL: col + " <= " + placeholder(cast, ""), Args: []interface{}{bound}}, nil
	}
	return Fragment{}, errorf(ErrorTypeConfig, "unknown predicate operator %q", c.Op)
}

// placeholder renders the right-hand side of a comparison: a `?` with an
// optional cast, optionally passed through a wrapping function.
func placeholder(cast, wrap string) string {
	ph := "?"
	if cast != "" {
		ph += "::" + cast
	}
	if wrap != "" {
		ph = wrap + "(" + ph + ")"
	}
	return ph
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func jsonArg(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", NewErrorWithCause(ErrorTypeConfig, "predicate value is not JSON-encodable", err)
	}
	return string(b), nil
}

// =====================================
// UUIDv7 Timestamp Bounds
// =====================================

// uuidv7Bound builds a boundary UUID for comparing a time-ordered UUIDv7
// column against a timestamp: the 48-bit millisecond prefix carries the
// timestamp, the remaining entropy bits are all-zero for a lower bound and
// all-one for an upper bound. Version and variant bits stay valid so the
// bound sorts correctly among real v7 values.
func uuidv7Bound(v interface{}, upper bool) (uuid.UUID, error) {
	var ts time.Time
	switch v := v.(type) {
	case time.Time:
		ts = v
	case *time.Time:
		if v == nil {
			return uuid.UUID{}, errorf(ErrorTypeConfig, "tsGte/tsLte requires a non-nil time value")
		}
		ts = *v
	default:
		return uuid.UUID{}, errorf(ErrorTypeConfig, "tsGte/tsLte requires a time.Time value, got %T", v)
	}

	var u uuid.UUID
	if upper {
		for i := range u {
			u[i] = 0xff
		}
	}

	ms := uint64(ts.UnixMilli())
	u[0] = byte(ms >> 40)
	u[1] = byte(ms >> 32)
	u[2] = byte(ms >> 24)
	u[3] = byte(ms >> 16)
	u[4] = byte(ms >> 8)
	u[5] = byte(ms)

	u[6] = (u[6] & 0x0f) | 0x70 // version 7
	u[8] = (u[8] & 0x3f) | 0x80 // RFC 4122 variant
	return u, nil
}
