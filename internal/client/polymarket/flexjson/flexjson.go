// Package flexjson decodes the loosely typed fields Polymarket APIs return:
// numbers that arrive as strings, and lists that arrive as JSON-encoded
// strings. Each type has an explicit fallback so callers only ever see
// normalized values.
package flexjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Number accepts 12.5, "12.5", "" and null. Empty and null decode to zero
// with Valid=false.
type Number struct {
	Value decimal.Decimal
	Valid bool
}

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*n = Number{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = Number{}
			return nil
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*n = Number{Value: v, Valid: true}
		return nil
	}
	v, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", string(b), err)
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value.String())
}

func (n Number) Float64() float64 {
	f, _ := n.Value.Float64()
	return f
}

func (n Number) Int() int {
	return int(n.Value.IntPart())
}

// Ptr returns nil for missing values.
func (n Number) Ptr() *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// Text accepts "abc", 123 and null.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(strings.TrimSpace(s))
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("invalid text %s", string(b))
	}
	*t = Text(string(b))
	return nil
}

func (t Text) String() string { return string(t) }

// StringList accepts ["a","b"], [1,2], "[\"a\",\"b\"]", "a, b" and null.
// Anything else decodes to the empty list rather than failing the record.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	*l = parseList(bytes.TrimSpace(b), 0)
	return nil
}

func parseList(b []byte, depth int) StringList {
	if len(b) == 0 || string(b) == "null" || depth > 1 {
		return StringList{}
	}
	switch b[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return StringList{}
		}
		out := make(StringList, 0, len(raw))
		for _, item := range raw {
			var t Text
			if err := t.UnmarshalJSON(item); err != nil {
				return StringList{}
			}
			out = append(out, t.String())
		}
		return out
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return StringList{}
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return StringList{}
		}
		if strings.HasPrefix(s, "[") {
			return parseList([]byte(s), depth+1)
		}
		parts := strings.Split(s, ",")
		out := make(StringList, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return StringList{}
}

// Time accepts RFC3339 timestamps, bare dates and unix seconds.
type Time struct {
	time.Time
	Valid bool
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05Z07:00", "2006-01-02"}

func (t *Time) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*t = Time{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] != '"' {
		secs, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return nil
		}
		*t = Time{Time: time.Unix(secs, 0).UTC(), Valid: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = Time{Time: parsed.UTC(), Valid: true}
			return nil
		}
	}
	return nil
}

func (t Time) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// RecordError describes one element of a page that failed to decode.
type RecordError struct {
	Index int
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

// Page is the result of decoding a list endpoint element by element.
type Page[T any] struct {
	Items     []T
	Malformed []RecordError
	// Raw counts every element the upstream returned, decodable or not.
	Raw int
}

// DecodePage decodes a top-level array, or an object wrapping the array under
// one of keys. A bad element is reported in Malformed instead of failing the
// page.
func DecodePage[T any](body []byte, keys ...string) (Page[T], error) {
	body = bytes.TrimSpace(body)
	var raw []json.RawMessage
	switch {
	case len(body) == 0:
		return Page[T]{}, nil
	case body[0] == '[':
		if err := json.Unmarshal(body, &raw); err != nil {
			return Page[T]{}, err
		}
	case body[0] == '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return Page[T]{}, err
		}
		for _, k := range keys {
			if v, ok := obj[k]; ok {
				if err := json.Unmarshal(v, &raw); err != nil {
					return Page[T]{}, fmt.Errorf("decode %q: %w", k, err)
				}
				break
			}
		}
	default:
		return Page[T]{}, fmt.Errorf("unexpected payload: %.64s", string(body))
	}

	page := Page[T]{Items: make([]T, 0, len(raw)), Raw: len(raw)}
	for i, item := range raw {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			page.Malformed = append(page.Malformed, RecordError{Index: i, Err: err})
			continue
		}
		page.Items = append(page.Items, v)
	}
	return page, nil
}
