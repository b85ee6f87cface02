package pgrepo

import (
	"context"
	"strings"
	"testing"
)

func plainRepo(t *testing.T) *Repository[testUser] {
	t.Helper()
	r, err := New[testUser](nil, RepoConfig{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	return r
}

func TestPageRejectsBadLimit(t *testing.T) {
	r := plainRepo(t)

	_, err := r.Page(context.Background(), nil, PageRequest{Limit: 0})
	if !IsConfig(err) {
		t.Errorf("Expected a config error for a zero limit, got %v", err)
	}
	_, err = r.Page(context.Background(), nil, PageRequest{Limit: -5})
	if !IsConfig(err) {
		t.Errorf("Expected a config error for a negative limit, got %v", err)
	}
}

func TestPageRejectsBadCursorBeforeQuerying(t *testing.T) {
	r := plainRepo(t)

	_, err := r.Page(context.Background(), nil, PageRequest{Limit: 10, Cursor: "!!garbage!!"})
	if !IsBadCursor(err) {
		t.Errorf("Expected a bad-cursor error, got %v", err)
	}
}

func TestPageOffsetRejectsBadRequest(t *testing.T) {
	r := plainRepo(t)

	_, err := r.PageOffset(context.Background(), nil, OffsetRequest{Limit: 0})
	if !IsConfig(err) {
		t.Errorf("Expected a config error for a zero limit, got %v", err)
	}
	_, err = r.PageOffset(context.Background(), nil, OffsetRequest{Limit: 10, Offset: -1})
	if !IsConfig(err) {
		t.Errorf("Expected a config error for a negative offset, got %v", err)
	}
}

func TestPageStatement(t *testing.T) {
	r := plainRepo(t)
	pk := r.Model().PK()

	frags := []Fragment{{SQL: `"age" >= ?`, Args: []interface{}{21}}}
	tail := pageOrder(pk, false) + " LIMIT ?"
	sqlText, args := r.pageStatement(frags, tail, []interface{}{11}, pk, false)

	if !strings.HasPrefix(sqlText, `WITH filtered AS (SELECT * FROM "test_users" WHERE "age" >= ?), `+
		`page AS (SELECT * FROM filtered ORDER BY "id" ASC LIMIT ?) SELECT `) {
		t.Errorf("Expected the filtered and page CTEs, got '%s'", sqlText)
	}
	if !strings.Contains(sqlText, `p."id" AS "r_id"`) {
		t.Errorf("Expected aliased entity columns, got '%s'", sqlText)
	}
	if !strings.Contains(sqlText, `(SELECT count(*) FROM filtered) AS total_count`) {
		t.Errorf("Expected the total subselect, got '%s'", sqlText)
	}
	if !strings.Contains(sqlText, `p."id" IS NOT NULL AS row_present`) {
		t.Errorf("Expected the carrier-row marker, got '%s'", sqlText)
	}
	if !strings.Contains(sqlText, `RIGHT JOIN (SELECT 1) AS carrier ON TRUE`) {
		t.Errorf("Expected the carrier join so an empty window still returns the total, got '%s'", sqlText)
	}
	if !strings.HasSuffix(sqlText, ` ORDER BY p."id" ASC NULLS LAST`) {
		t.Errorf("Expected outer ordering, got '%s'", sqlText)
	}
	if len(args) != 2 || args[0] != 21 || args[1] != 11 {
		t.Errorf("Expected fragment args then window args, got %v", args)
	}
}

func TestPageOrder(t *testing.T) {
	r := plainRepo(t)
	pk := r.Model().PK()

	if got := pageOrder(pk, false); got != ` ORDER BY "id" ASC` {
		t.Errorf("Expected ascending order, got '%s'", got)
	}
	if got := pageOrder(pk, true); got != ` ORDER BY "id" DESC` {
		t.Errorf("Expected descending order, got '%s'", got)
	}
}
