package pgrepo

import (
	"context"
	"fmt"
	"strings"
)

// =====================================
// Pagination
// =====================================

// pageRow decorates each entity row with the total count of the filtered set,
// so the page and its total come back in one round trip. RowPresent marks the
// carrier row a past-the-end page still returns for its total.
type pageRow[T any] struct {
	Row        T     `bun:"embed:r_"`
	Total      int64 `bun:"total_count"`
	RowPresent bool  `bun:"row_present"`
}

// Page returns a keyset page: the cursor is decoded and validated before any
// query executes, and a single statement computes the filtered set, its total
// count, and limit+1 rows past the cursor to derive the has-more flag.
func (r *Repository[T]) Page(ctx context.Context, preds []Predicate, req PageRequest, opts ...QueryOption) (*Page[T], error) {
	if req.Limit <= 0 {
		return nil, errorf(ErrorTypeConfig, "page limit must be positive, got %d", req.Limit)
	}

	var cursorKey interface{}
	if req.Cursor != "" {
		key, err := DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		cursorKey = key
	}

	pk, err := r.pkField()
	if err != nil {
		return nil, err
	}

	scope := applyOptions(append(opts, func(s *queryScope) { s.desc = req.Desc }))
	frags, err := r.whereFragments(preds, scope)
	if err != nil {
		return nil, err
	}

	var tail strings.Builder
	var tailArgs []interface{}
	if cursorKey != nil {
		cmp := ">"
		if req.Desc {
			cmp = "<"
		}
		fmt.Fprintf(&tail, " WHERE %s %s %s", quoteIdent(pk.Column), cmp, placeholder(r.pkCast(pk), ""))
		tailArgs = append(tailArgs, cursorKey)
	}
	tail.WriteString(pageOrder(pk, req.Desc))
	tail.WriteString(" LIMIT ?")
	tailArgs = append(tailArgs, req.Limit+1)

	sqlText, args := r.pageStatement(frags, tail.String(), tailArgs, pk, req.Desc)
	rows, total, err := r.scanPage(ctx, sqlText, args)
	if err != nil {
		return nil, err
	}

	page := &Page[T]{Total: total}
	if len(rows) > req.Limit {
		page.HasMore = true
		rows = rows[:req.Limit]
	}
	page.Items = rows
	if page.HasMore && len(rows) > 0 {
		last, err := r.pkValue(rows[len(rows)-1])
		if err != nil {
			return nil, err
		}
		page.NextCursor = EncodeCursor(last)
	}
	return page, nil
}

// PageOffset returns an offset page with the total computed in the same
// round trip.
func (r *Repository[T]) PageOffset(ctx context.Context, preds []Predicate, req OffsetRequest, opts ...QueryOption) (*OffsetPage[T], error) {
	if req.Limit <= 0 {
		return nil, errorf(ErrorTypeConfig, "page limit must be positive, got %d", req.Limit)
	}
	if req.Offset < 0 {
		return nil, errorf(ErrorTypeConfig, "page offset must not be negative, got %d", req.Offset)
	}

	pk, err := r.pkField()
	if err != nil {
		return nil, err
	}

	scope := applyOptions(append(opts, func(s *queryScope) { s.desc = req.Desc }))
	frags, err := r.whereFragments(preds, scope)
	if err != nil {
		return nil, err
	}

	tail := pageOrder(pk, req.Desc) + " LIMIT ? OFFSET ?"
	sqlText, args := r.pageStatement(frags, tail, []interface{}{req.Limit, req.Offset}, pk, req.Desc)
	rows, total, err := r.scanPage(ctx, sqlText, args)
	if err != nil {
		return nil, err
	}

	return &OffsetPage[T]{
		Items:   rows,
		Total:   total,
		HasMore: int64(req.Offset+len(rows)) < total,
	}, nil
}

// pageStatement builds the full page query: the filtered set as a CTE, the
// requested window over it as a second CTE, then a projection joined against
// a one-row relation so the statement yields at least one row carrying the
// total even when the window is empty.
func (r *Repository[T]) pageStatement(frags []Fragment, tail string, tailArgs []interface{}, pk *Field, desc bool) (string, []interface{}) {
	var where []string
	var args []interface{}
	for _, f := range frags {
		where = append(where, f.SQL)
		args = append(args, f.Args...)
	}
	args = append(args, tailArgs...)

	var sb strings.Builder
	fmt.Fprintf(&sb, "WITH filtered AS (SELECT * FROM %s WHERE %s), page AS (SELECT * FROM filtered%s) SELECT ",
		quoteIdent(r.model.Table), strings.Join(where, " AND "), tail)

	cols := make([]string, 0, len(r.model.Fields)+2)
	for _, f := range r.model.Fields {
		cols = append(cols, fmt.Sprintf("p.%s AS %s", quoteIdent(f.Column), quoteIdent("r_"+f.Column)))
	}
	cols = append(cols, "(SELECT count(*) FROM filtered) AS total_count")
	cols = append(cols, fmt.Sprintf("p.%s IS NOT NULL AS row_present", quoteIdent(pk.Column)))
	sb.WriteString(strings.Join(cols, ", "))

	sb.WriteString(" FROM page p RIGHT JOIN (SELECT 1) AS carrier ON TRUE")
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	fmt.Fprintf(&sb, " ORDER BY p.%s %s NULLS LAST", quoteIdent(pk.Column), dir)
	return sb.String(), args
}

// pageOrder orders the window inside the page CTE.
func pageOrder(pk *Field, desc bool) string {
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s", quoteIdent(pk.Column), dir)
}

// scanPage runs the page statement and unpacks rows and total. The carrier
// join guarantees at least one row, so the total never needs a second query;
// a past-the-end page yields a single row with no entity columns.
func (r *Repository[T]) scanPage(ctx context.Context, sqlText string, args []interface{}) ([]*T, int64, error) {
	var scanned []pageRow[T]
	if err := r.db.NewRaw(sqlText, args...).Scan(ctx, &scanned); err != nil {
		return nil, 0, convertError(err)
	}
	if len(scanned) == 0 {
		return nil, 0, errorf(ErrorTypeDatabase, "page query returned no carrier row")
	}

	rows := make([]*T, 0, len(scanned))
	for i := range scanned {
		if !scanned[i].RowPresent {
			continue
		}
		row := &scanned[i].Row
		if err := r.validateRow(row); err != nil {
			return nil, 0, err
		}
		rows = append(rows, row)
	}
	return rows, scanned[0].Total, nil
}
