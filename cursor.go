package pgrepo

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// =====================================
// Cursor Encoding
// =====================================

// cursorPayload carries the primary-key value of the last-seen row.
type cursorPayload struct {
	Key interface{} `json:"k"`
}

// EncodeCursor produces the opaque cursor for a primary-key value. The
// encoding round-trips through DecodeCursor.
func EncodeCursor(pk interface{}) string {
	b, err := json.Marshal(cursorPayload{Key: normalizeCursorKey(pk)})
	if err != nil {
		// Primary keys are strings, numbers, UUIDs or times; none of these
		// can fail to marshal.
		panic(fmt.Sprintf("pgrepo: cursor key not encodable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor validates and decodes an opaque cursor. Malformed input is
// rejected with a bad-cursor error before any query executes.
func DecodeCursor(cursor string) (interface{}, error) {
	if cursor == "" {
		return nil, errorf(ErrorTypeBadCursor, "empty cursor")
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeBadCursor, "cursor is not valid base64", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	var payload cursorPayload
	if err := dec.Decode(&payload); err != nil {
		return nil, NewErrorWithCause(ErrorTypeBadCursor, "cursor payload is malformed", err)
	}
	if payload.Key == nil {
		return nil, errorf(ErrorTypeBadCursor, "cursor is missing its key")
	}
	// Integer keys decode through json.Number so values past 2^53 keep
	// their exact digits instead of collapsing to float64.
	if n, ok := payload.Key.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return n.String(), nil
	}
	return payload.Key, nil
}

// normalizeCursorKey reduces key values to their JSON-stable form so
// encode/decode round-trips compare equal.
func normalizeCursorKey(pk interface{}) interface{} {
	switch v := pk.(type) {
	case fmt.Stringer:
		return v.String()
	default:
		return v
	}
}
