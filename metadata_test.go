package pgrepo

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// testUser is the shared entity used across the package tests. It exercises
// every capability tag.
type testUser struct {
	bun.BaseModel `bun:"table:test_users"`

	ID        uuid.UUID              `bun:"id,pk" pgrepo:"pk:uuidv7,cast:uuid"`
	Email     string                 `bun:"email" pgrepo:"wrap:lower"`
	Name      string                 `bun:"name"`
	Age       int64                  `bun:"age"`
	Tags      map[string]interface{} `bun:"tags"`
	UpdatedAt time.Time              `bun:"updated_at" pgrepo:"autotouch"`
	DeletedAt *time.Time             `bun:"deleted_at" pgrepo:"softdelete"`
	ExpiresAt *time.Time             `bun:"expires_at" pgrepo:"expires"`
}

// testEvent has no capability tags beyond the key, so operations that need
// them fail with configuration errors.
type testEvent struct {
	bun.BaseModel `bun:"table:test_events"`

	ID   int64  `bun:"id,pk" pgrepo:"pk:serial"`
	Kind string `bun:"kind"`
}

type namedTable struct {
	ID int64 `bun:"id,pk"`
}

func (namedTable) TableName() string { return "renamed" }

func TestParseModel(t *testing.T) {
	m, err := ParseModel[testUser]()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if m.Table != "test_users" {
		t.Errorf("Expected table 'test_users', got '%s'", m.Table)
	}
	if len(m.Fields) != 8 {
		t.Errorf("Expected 8 fields, got %d", len(m.Fields))
	}

	pk := m.PK()
	if pk == nil {
		t.Fatal("Expected a primary-key field")
	}
	if pk.Column != "id" {
		t.Errorf("Expected pk column 'id', got '%s'", pk.Column)
	}
	if pk.PKStrategy != PKUUIDv7 {
		t.Errorf("Expected pk strategy uuidv7, got '%s'", pk.PKStrategy)
	}
	if pk.Cast != "uuid" {
		t.Errorf("Expected pk cast 'uuid', got '%s'", pk.Cast)
	}

	if sd := m.SoftDeleteField(); sd == nil || sd.Column != "deleted_at" {
		t.Errorf("Expected soft-delete field 'deleted_at', got %+v", sd)
	}
	if exp := m.ExpiresField(); exp == nil || exp.Column != "expires_at" {
		t.Errorf("Expected expires field 'expires_at', got %+v", exp)
	}
	if touch := m.AutoTouchField(); touch == nil || touch.Column != "updated_at" {
		t.Errorf("Expected autotouch field 'updated_at', got %+v", touch)
	}

	email, ok := m.Field("email")
	if !ok {
		t.Fatal("Expected field 'email' to resolve")
	}
	if email.Wrap != "lower" {
		t.Errorf("Expected wrap 'lower', got '%s'", email.Wrap)
	}
}

func TestParseModelResolvesByFieldName(t *testing.T) {
	m, err := ParseModel[testUser]()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	byName, ok := m.Field("UpdatedAt")
	if !ok {
		t.Fatal("Expected struct-field name lookup to resolve")
	}
	byColumn, ok := m.Field("updated_at")
	if !ok {
		t.Fatal("Expected column name lookup to resolve")
	}
	if byName != byColumn {
		t.Error("Expected both lookups to return the same field")
	}
}

func TestParseModelTableNameMethod(t *testing.T) {
	m, err := ParseModel[namedTable]()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if m.Table != "renamed" {
		t.Errorf("Expected table 'renamed', got '%s'", m.Table)
	}
}

func TestParseModelDerivedNames(t *testing.T) {
	type OrderLineItem struct {
		ID        int64 `bun:",pk"`
		UnitPrice int64
	}
	m, err := ParseModel[OrderLineItem]()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if m.Table != "order_line_item" {
		t.Errorf("Expected table 'order_line_item', got '%s'", m.Table)
	}
	f, ok := m.Field("UnitPrice")
	if !ok {
		t.Fatal("Expected field 'UnitPrice' to resolve")
	}
	if f.Column != "unit_price" {
		t.Errorf("Expected column 'unit_price', got '%s'", f.Column)
	}
}

func TestToSnakeCase(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"TenantID", "tenant_id"},
		{"UserAPI", "user_api"},
		{"APIKey", "api_key"},
		{"ID", "id"},
		{"OrderLineItem", "order_line_item"},
		{"HTTPStatusCode", "http_status_code"},
		{"already_snake", "already_snake"},
	}
	for _, c := range cases {
		if got := toSnakeCase(c.in); got != c.expected {
			t.Errorf("toSnakeCase(%q): expected '%s', got '%s'", c.in, c.expected, got)
		}
	}
}

func TestParseModelFoldsAcronymColumns(t *testing.T) {
	// An untagged field must derive the same column bun itself generates,
	// or every fragment referencing it targets a column that does not exist.
	type Account struct {
		ID       int64 `bun:"id,pk"`
		TenantID string
		UserAPI  string
	}
	m, err := ParseModel[Account]()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	f, ok := m.Field("TenantID")
	if !ok {
		t.Fatal("Expected field 'TenantID' to resolve")
	}
	if f.Column != "tenant_id" {
		t.Errorf("Expected column 'tenant_id', got '%s'", f.Column)
	}
	if f, ok := m.Field("UserAPI"); !ok || f.Column != "user_api" {
		t.Errorf("Expected column 'user_api', got %+v", f)
	}

	frag, err := compilePredicate(m, Eq{Field: "TenantID", Value: "acme"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if frag.SQL != `"tenant_id" = ?` {
		t.Errorf("Expected fragment against bun's column name, got '%s'", frag.SQL)
	}
}

func TestParseModelUnknownTagOption(t *testing.T) {
	type broken struct {
		ID int64 `bun:"id,pk" pgrepo:"sparkle"`
	}
	_, err := ParseModel[broken]()
	if err == nil {
		t.Fatal("Expected an error for an unknown tag option")
	}
	if !IsConfig(err) {
		t.Errorf("Expected a config error, got %v", err)
	}
}

func TestParseModelUnknownPKStrategy(t *testing.T) {
	type broken struct {
		ID int64 `bun:"id" pgrepo:"pk:snowflake"`
	}
	_, err := ParseModel[broken]()
	if err == nil {
		t.Fatal("Expected an error for an unknown pk strategy")
	}
	if !IsConfig(err) {
		t.Errorf("Expected a config error, got %v", err)
	}
}

func TestParseModelSkipsRelationsAndIgnored(t *testing.T) {
	type parent struct {
		ID       int64       `bun:"id,pk"`
		Children []*testUser `bun:"rel:has-many"`
		Scratch  string      `bun:"-"`
	}
	m, err := ParseModel[parent]()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(m.Fields) != 1 {
		t.Errorf("Expected 1 mapped field, got %d", len(m.Fields))
	}
	if _, ok := m.Field("Children"); ok {
		t.Error("Expected relation field to be skipped")
	}
	if _, ok := m.Field("Scratch"); ok {
		t.Error("Expected ignored field to be skipped")
	}
}

func TestParseModelNonStruct(t *testing.T) {
	if _, err := ParseModel[int](); err == nil {
		t.Fatal("Expected an error for a non-struct type")
	}
}
