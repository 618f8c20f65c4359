package model

import (
	"bytes"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrNotObject is returned when a line is valid JSON but not an object
var ErrNotObject = eris.New("record is not a JSON object")

// Record is one line-delimited JSON object. It keeps the raw bytes so key
// order and number formatting survive a pass through the pipeline.
// A Record is never mutated; Set returns a new Record.
type Record struct {
	raw    []byte
	keys   []string
	fields map[string]gjson.Result
}

// ParseRecord parses a single JSON object
func ParseRecord(line []byte) (*Record, error) {
	raw := bytes.TrimSpace(line)
	if !gjson.ValidBytes(raw) {
		return nil, eris.New("invalid JSON")
	}

	// Own the bytes: line readers reuse their buffers
	raw = append([]byte(nil), raw...)

	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, ErrNotObject
	}

	rec := &Record{
		raw:    raw,
		fields: make(map[string]gjson.Result),
	}
	parsed.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if _, seen := rec.fields[name]; !seen {
			rec.keys = append(rec.keys, name)
		}
		rec.fields[name] = value
		return true
	})

	return rec, nil
}

// Keys returns the field names in document order
func (r *Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Has reports whether the record carries the field
func (r *Record) Has(key string) bool {
	_, ok := r.fields[key]
	return ok
}

// Get returns the raw field value; the result's Exists() is false when absent
func (r *Record) Get(key string) gjson.Result {
	return r.fields[key]
}

// String returns the field as a trimmed string ("" when absent or null)
func (r *Record) String(key string) string {
	return strings.TrimSpace(r.fields[key].String())
}

// Raw returns the record's JSON encoding
func (r *Record) Raw() []byte {
	return r.raw
}

// Set returns a copy of the record with key set to value. Existing keys keep
// their position; new keys are appended. A nil value is written as null.
func (r *Record) Set(key string, value any) (*Record, error) {
	out, err := sjson.SetBytes(r.raw, escapeKey(key), value)
	if err != nil {
		return nil, eris.Wrapf(err, "set field %q", key)
	}
	return ParseRecord(out)
}

// escapeKey escapes the path separator so field names are taken literally
func escapeKey(key string) string {
	return strings.ReplaceAll(key, ".", `\.`)
}
