package pgrepo

import (
	"context"
	"strings"
)

// =====================================
// Stored Functions
// =====================================

// Fn invokes a configured scalar stored function and returns its numeric
// result. The argument count must match the configured spec exactly.
func (r *Repository[T]) Fn(ctx context.Context, name string, args ...interface{}) (float64, error) {
	call, bound, err := r.fnCall(name, args)
	if err != nil {
		return 0, err
	}
	var out float64
	if err := r.db.NewRaw("SELECT "+call, bound...).Scan(ctx, &out); err != nil {
		return 0, convertError(err)
	}
	return out, nil
}

// FnSet invokes a configured set-returning stored function and decodes its
// rows as entities.
func (r *Repository[T]) FnSet(ctx context.Context, name string, args ...interface{}) ([]*T, error) {
	call, bound, err := r.fnCall(name, args)
	if err != nil {
		return nil, err
	}
	var rows []*T
	if err := r.db.NewRaw("SELECT * FROM "+call, bound...).Scan(ctx, &rows); err != nil {
		return nil, convertError(err)
	}
	for _, row := range rows {
		if err := r.validateRow(row); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// fnCall renders "name(?::cast, ...)" for a configured function, enforcing
// the argument arity.
func (r *Repository[T]) fnCall(name string, args []interface{}) (string, []interface{}, error) {
	spec, err := r.config.fnSpec(name)
	if err != nil {
		return "", nil, err
	}
	if len(args) != len(spec.Args) {
		return "", nil, errorf(ErrorTypeConfig, "function %q takes %d arguments, got %d",
			name, len(spec.Args), len(args))
	}

	holders := make([]string, len(args))
	for i, arg := range spec.Args {
		holders[i] = placeholder(arg.Cast, "")
	}
	return name + "(" + strings.Join(holders, ", ") + ")", args, nil
}
