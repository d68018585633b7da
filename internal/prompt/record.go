// Package prompt turns user-entered form data into the instruction text sent
// to the generation endpoint.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Field is one key/value pair of a FieldRecord.
type Field struct {
	Key   string
	Value string
}

// FieldRecord is an ordered set of form values. Iteration order is insertion
// order; setting an existing key updates it in place.
type FieldRecord struct {
	fields []Field
	index  map[string]int
}

// NewFieldRecord builds a record from alternating key, value arguments.
func NewFieldRecord(pairs ...string) FieldRecord {
	var r FieldRecord
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Set(pairs[i], pairs[i+1])
	}
	return r
}

// Set stores value under key.
func (r *FieldRecord) Set(key, value string) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[key]; ok {
		r.fields[i].Value = value
		return
	}
	r.index[key] = len(r.fields)
	r.fields = append(r.fields, Field{Key: key, Value: value})
}

// Get returns the value stored under key.
func (r FieldRecord) Get(key string) (string, bool) {
	i, ok := r.index[key]
	if !ok {
		return "", false
	}
	return r.fields[i].Value, true
}

// Fields returns the fields in iteration order.
func (r FieldRecord) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Len returns the number of keys, including ones with empty values.
func (r FieldRecord) Len() int {
	return len(r.fields)
}

// UnmarshalJSON decodes a JSON object keeping the order its keys appear in.
// Non-string scalars are kept as their literal JSON text.
func (r *FieldRecord) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read field record: %w", err)
	}
	if tok == nil {
		*r = FieldRecord{}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("field record must be a JSON object")
	}

	var out FieldRecord
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read field key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("field key must be a string")
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("read field %q: %w", key, err)
		}
		value, err := scalarString(raw)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read field record end: %w", err)
	}

	*r = out
	return nil
}

// MarshalJSON encodes the record as a JSON object in iteration order.
func (r FieldRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func scalarString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", fmt.Errorf("nested values are not supported")
	default:
		// numbers and booleans pass through verbatim
		return string(trimmed), nil
	}
}
