package pgrepo

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =====================================
// MERGE
// =====================================

type mergeRow[T any] struct {
	Row    T      `bun:"embed:r_"`
	Action string `bun:"merge_action"`
}

// Merge writes a batch through a single MERGE statement on the configured
// conflict keys and reports per row whether the insert or the update branch
// fired. Unlike UpsertMany the caller learns which rows were new, which is
// what sync jobs need to produce change feeds.
func (r *Repository[T]) Merge(ctx context.Context, rows []*T) ([]MergeResult[T], error) {
	keys, err := r.config.conflictKeys("merge")
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, errorf(ErrorTypeConfig, "nil merge payload")
	}
	if len(rows) == 0 {
		return []MergeResult[T]{}, nil
	}
	for _, row := range rows {
		if row == nil {
			return nil, errorf(ErrorTypeConfig, "nil row in merge payload")
		}
		if err := r.preparePayload(row); err != nil {
			return nil, err
		}
	}

	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		f, ok := r.model.Field(k)
		if !ok {
			return nil, errorf(ErrorTypeConfig, "unknown conflict key %q", k)
		}
		keySet[f.Column] = true
	}

	// The auto-touch column is stamped server-side in both branches, so the
	// source relation carries every other column.
	var source []*Field
	for _, f := range r.model.Fields {
		if f.AutoTouch {
			continue
		}
		source = append(source, f)
	}

	var sb strings.Builder
	var args []interface{}

	sb.WriteString("MERGE INTO ")
	sb.WriteString(quoteIdent(r.model.Table))
	sb.WriteString(" AS t USING (VALUES ")
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, f := range source {
			if j > 0 {
				sb.WriteString(", ")
			}
			arg, cast, err := r.mergeArg(f, row)
			if err != nil {
				return nil, err
			}
			sb.WriteString(placeholder(cast, ""))
			args = append(args, arg)
		}
		sb.WriteString(")")
	}
	sb.WriteString(") AS s (")
	for i, f := range source {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(f.Column))
	}
	sb.WriteString(") ON ")
	for i, k := range keys {
		f, _ := r.model.Field(k)
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString("t." + quoteIdent(f.Column) + " = s." + quoteIdent(f.Column))
	}

	sb.WriteString(" WHEN MATCHED THEN UPDATE SET ")
	first := true
	for _, f := range source {
		if keySet[f.Column] || f.IsPK {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(quoteIdent(f.Column) + " = s." + quoteIdent(f.Column))
	}
	if touch := r.model.autoTouch; touch != nil {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(quoteIdent(touch.Column) + " = now()")
	}
	if first {
		return nil, errorf(ErrorTypeConfig, "no columns left for the merge update branch")
	}

	sb.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	for i, f := range source {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(f.Column))
	}
	if touch := r.model.autoTouch; touch != nil {
		sb.WriteString(", " + quoteIdent(touch.Column))
	}
	sb.WriteString(") VALUES (")
	for i, f := range source {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("s." + quoteIdent(f.Column))
	}
	if r.model.autoTouch != nil {
		sb.WriteString(", now()")
	}
	sb.WriteString(")")

	sb.WriteString(" RETURNING merge_action() AS merge_action")
	for _, f := range r.model.Fields {
		sb.WriteString(", t." + quoteIdent(f.Column) + " AS " + quoteIdent("r_"+f.Column))
	}

	var scanned []mergeRow[T]
	if err := r.db.NewRaw(sb.String(), args...).Scan(ctx, &scanned); err != nil {
		return nil, convertError(err)
	}

	results := make([]MergeResult[T], len(scanned))
	for i := range scanned {
		row := scanned[i].Row
		results[i] = MergeResult[T]{Action: MergeAction(scanned[i].Action), Row: &row}
	}
	return results, nil
}

// mergeArg produces the bind value and the VALUES-row cast for one source
// column. Every column is cast so the source relation's types match the
// target's instead of collapsing to text.
func (r *Repository[T]) mergeArg(f *Field, row *T) (interface{}, string, error) {
	v := f.value(reflect.ValueOf(row))
	cast := f.Cast
	if cast == "" {
		cast = sqlTypeOf(reflect.TypeOf(v))
	}
	if cast == "jsonb" {
		arg, err := jsonArg(v)
		if err != nil {
			return nil, "", err
		}
		return arg, cast, nil
	}
	return v, cast, nil
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	uuidType    = reflect.TypeOf(uuid.UUID{})
	rawJSONType = reflect.TypeOf(json.RawMessage{})
)

// sqlTypeOf maps a Go field type to the Postgres type used to cast its
// VALUES placeholder. cast: tags override this mapping.
func sqlTypeOf(t reflect.Type) string {
	if t == nil {
		return "text"
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t {
	case timeType:
		return "timestamptz"
	case uuidType:
		return "uuid"
	case rawJSONType:
		return "jsonb"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "bigint"
	case reflect.Float32, reflect.Float64:
		return "double precision"
	case reflect.String:
		return "text"
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return "bytea"
		}
		return "jsonb"
	case reflect.Map, reflect.Struct:
		return "jsonb"
	default:
		return "text"
	}
}
