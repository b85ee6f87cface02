package pgrepo

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"
)

// =====================================
// Streaming
// =====================================

// Stream is a forward-only row iterator for result sets too large to
// materialize. Rows decode lazily; a row that fails decoding or validation
// surfaces on that row only and iteration continues.
type Stream[T any] struct {
	conn *bun.DB
	rows *sql.Rows

	validate func(*T) error

	cur    *T
	curErr error
	err    error
	closed bool
}

// Stream runs the predicate query and returns an iterator over the matching
// rows, ordered by primary key. The caller owns the iterator and must Close
// it.
func (r *Repository[T]) Stream(ctx context.Context, preds []Predicate, opts ...QueryOption) (*Stream[T], error) {
	scope := applyOptions(opts)
	frags, err := r.whereFragments(preds, scope)
	if err != nil {
		return nil, err
	}

	q := r.db.NewSelect().Model((*T)(nil))
	q = applyFragments(q, frags)
	q, err = r.orderByPK(q, scope.desc)
	if err != nil {
		return nil, err
	}

	rows, err := q.Rows(ctx)
	if err != nil {
		return nil, convertError(err)
	}
	return &Stream[T]{
		conn:     r.conn,
		rows:     rows,
		validate: r.validateRow,
	}, nil
}

// Next advances to the next row. It returns false when the result set is
// exhausted or the connection failed; Err distinguishes the two.
func (s *Stream[T]) Next(ctx context.Context) bool {
	if s.closed || s.err != nil {
		return false
	}
	if !s.rows.Next() {
		s.err = convertError(s.rows.Err())
		return false
	}

	row := new(T)
	if err := s.conn.ScanRow(ctx, s.rows, row); err != nil {
		s.cur, s.curErr = nil, NewErrorWithCause(ErrorTypeDecode, "failed to decode streamed row", err)
		return true
	}
	if err := s.validate(row); err != nil {
		s.cur, s.curErr = nil, err
		return true
	}
	s.cur, s.curErr = row, nil
	return true
}

// Row returns the current row, or the per-row decode error if this row could
// not be decoded.
func (s *Stream[T]) Row() (*T, error) {
	return s.cur, s.curErr
}

// Err returns the terminal iteration error, if any. Per-row decode failures
// are reported by Row, not here.
func (s *Stream[T]) Err() error {
	return s.err
}

// Close releases the underlying cursor. Safe to call more than once.
func (s *Stream[T]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rows.Close()
}
