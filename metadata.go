package pgrepo

import (
	"reflect"
	"strings"

	"github.com/uptrace/bun"
)

// =====================================
// Entity Metadata
// =====================================

// PKStrategy selects how primary-key values are produced on insert.
type PKStrategy string

const (
	// PKCaller means the caller supplies the key (or the column default does).
	PKCaller PKStrategy = ""
	// PKUUID generates a random UUIDv4 for zero-valued keys.
	PKUUID PKStrategy = "uuid"
	// PKUUIDv7 generates a time-ordered UUIDv7 for zero-valued keys. Required
	// for the tsGte/tsLte predicate operators.
	PKUUIDv7 PKStrategy = "uuidv7"
	// PKSerial leaves key generation to the database sequence.
	PKSerial PKStrategy = "serial"
)

// Field holds per-column metadata: the column name, the struct location, and
// the capability tags queried by the compiler and the mutation engine.
type Field struct {
	Name   string // struct field name
	Column string
	Index  []int // reflect field index

	IsPK       bool
	PKStrategy PKStrategy
	SoftDelete bool
	Expires    bool
	AutoTouch  bool

	// Cast is the implicit predicate cast (e.g. "uuid"); Wrap is the implicit
	// value-wrapping function (e.g. "lower"). Explicit values on a predicate
	// override these.
	Cast string
	Wrap string
}

// Model is the immutable schema view a repository holds for its entity type.
type Model struct {
	Type  reflect.Type
	Table string

	Fields []*Field

	byName   map[string]*Field
	byColumn map[string]*Field

	pk         *Field
	softDelete *Field
	expires    *Field
	autoTouch  *Field
}

// Field resolves a field by struct-field name or column name.
func (m *Model) Field(name string) (*Field, bool) {
	if f, ok := m.byName[name]; ok {
		return f, true
	}
	f, ok := m.byColumn[name]
	return f, ok
}

// PK returns the primary-key field, or nil if none is tagged.
func (m *Model) PK() *Field { return m.pk }

// SoftDeleteField returns the soft-delete marker field, or nil.
func (m *Model) SoftDeleteField() *Field { return m.softDelete }

// ExpiresField returns the freshness/expiry marker field, or nil.
func (m *Model) ExpiresField() *Field { return m.expires }

// AutoTouchField returns the auto-touch-on-update field, or nil.
func (m *Model) AutoTouchField() *Field { return m.autoTouch }

// Columns returns the column names in declaration order.
func (m *Model) Columns() []string {
	cols := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		cols[i] = f.Column
	}
	return cols
}

// value extracts the field's value from an entity.
func (f *Field) value(entity reflect.Value) interface{} {
	for entity.Kind() == reflect.Ptr {
		entity = entity.Elem()
	}
	return entity.FieldByIndex(f.Index).Interface()
}

// isZero reports whether the field holds its zero value in entity.
func (f *Field) isZero(entity reflect.Value) bool {
	for entity.Kind() == reflect.Ptr {
		entity = entity.Elem()
	}
	return entity.FieldByIndex(f.Index).IsZero()
}

func (f *Field) set(entity reflect.Value, v reflect.Value) {
	for entity.Kind() == reflect.Ptr {
		entity = entity.Elem()
	}
	entity.FieldByIndex(f.Index).Set(v)
}

var baseModelType = reflect.TypeOf(bun.BaseModel{})

// ParseModel builds the Model for entity type T from its struct tags.
// Column names come from the bun tag; capability tags come from the pgrepo
// tag: pk[:strategy], softdelete, expires, autotouch, cast:<type>,
// wrap:<func>.
func ParseModel[T any]() (*Model, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil || t.Kind() != reflect.Struct {
		return nil, errorf(ErrorTypeConfig, "entity type must be a struct, got %v", t)
	}

	m := &Model{
		Type:     t,
		Table:    toSnakeCase(t.Name()),
		byName:   make(map[string]*Field),
		byColumn: make(map[string]*Field),
	}

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)

		if sf.Type == baseModelType {
			if table := tagOption(sf.Tag.Get("bun"), "table"); table != "" {
				m.Table = table
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}

		bunTag := sf.Tag.Get("bun")
		if bunTag == "-" || strings.Contains(bunTag, "rel:") {
			continue
		}

		f := &Field{
			Name:   sf.Name,
			Column: columnName(sf.Name, bunTag),
			Index:  sf.Index,
		}
		if err := applyRepoTag(f, sf.Tag.Get("pgrepo")); err != nil {
			return nil, err
		}
		// bun's own pk marker counts too, so plain bun models work unchanged.
		if strings.Contains(bunTag, ",pk") || strings.HasPrefix(bunTag, "pk,") {
			f.IsPK = true
		}

		m.Fields = append(m.Fields, f)
		m.byName[f.Name] = f
		m.byColumn[f.Column] = f

		if f.IsPK && m.pk == nil {
			m.pk = f
		}
		if f.SoftDelete {
			m.softDelete = f
		}
		if f.Expires {
			m.expires = f
		}
		if f.AutoTouch {
			m.autoTouch = f
		}
	}

	// TableName() overrides the derived name, matching bun's convention.
	if tn, ok := any(zero).(interface{ TableName() string }); ok {
		m.Table = tn.TableName()
	}

	if len(m.Fields) == 0 {
		return nil, errorf(ErrorTypeConfig, "entity type %s has no mapped fields", t.Name())
	}
	return m, nil
}

func applyRepoTag(f *Field, tag string) error {
	if tag == "" {
		return nil
	}
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "pk":
			f.IsPK = true
		case strings.HasPrefix(part, "pk:"):
			f.IsPK = true
			strategy := PKStrategy(strings.TrimPrefix(part, "pk:"))
			switch strategy {
			case PKUUID, PKUUIDv7, PKSerial:
				f.PKStrategy = strategy
			default:
				return errorf(ErrorTypeConfig, "unknown pk strategy %q on field %s", strategy, f.Name)
			}
		case part == "softdelete":
			f.SoftDelete = true
		case part == "expires":
			f.Expires = true
		case part == "autotouch":
			f.AutoTouch = true
		case strings.HasPrefix(part, "cast:"):
			f.Cast = strings.TrimPrefix(part, "cast:")
		case strings.HasPrefix(part, "wrap:"):
			f.Wrap = strings.TrimPrefix(part, "wrap:")
		case part == "":
		default:
			return errorf(ErrorTypeConfig, "unknown pgrepo tag option %q on field %s", part, f.Name)
		}
	}
	return nil
}

// columnName extracts the column name from a bun tag, falling back to the
// snake_cased field name.
func columnName(fieldName, bunTag string) string {
	if bunTag != "" {
		head := strings.SplitN(bunTag, ",", 2)[0]
		if head != "" && !strings.Contains(head, ":") {
			return head
		}
	}
	return toSnakeCase(fieldName)
}

// tagOption extracts a "key:value" option from a comma-separated tag.
func tagOption(tag, key string) string {
	for _, part := range strings.Split(tag, ",") {
		if strings.HasPrefix(part, key+":") {
			return strings.TrimPrefix(part, key+":")
		}
	}
	return ""
}

// toSnakeCase converts CamelCase to snake_case the way bun derives names:
// an underscore is inserted only where an upper-case letter borders a
// lower-case one, so acronym runs fold (TenantID -> tenant_id, UserAPI ->
// user_api) instead of splitting per letter.
func toSnakeCase(str string) string {
	var result strings.Builder
	for i := 0; i < len(str); i++ {
		c := str[i]
		if c < 'A' || c > 'Z' {
			result.WriteByte(c)
			continue
		}
		if i > 0 && i+1 < len(str) && (isLowerByte(str[i-1]) || isLowerByte(str[i+1])) {
			result.WriteByte('_')
		}
		result.WriteByte(c - 'A' + 'a')
	}
	return result.String()
}

func isLowerByte(c byte) bool { return c >= 'a' && c <= 'z' }
