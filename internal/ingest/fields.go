package ingest

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// fields is a loosely typed JSON object. Agents disagree on field names,
// so lookups take a list of aliases and return the first one present.
type fields map[string]json.RawMessage

// parseFields decodes raw as an object. Non-object input yields nil.
func parseFields(raw json.RawMessage) fields {
	if len(raw) == 0 {
		return nil
	}
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return f
}

func (f fields) raw(keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := f[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

// text returns the first alias present, rendered as text. Strings are
// unquoted; any other JSON value is returned in its compact encoding.
func (f fields) text(keys ...string) string {
	v, ok := f.raw(keys...)
	if !ok {
		return ""
	}
	return asText(v)
}

// boolean returns the first alias holding a JSON bool.
func (f fields) boolean(keys ...string) (value, ok bool) {
	for _, k := range keys {
		v, present := f[k]
		if !present {
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			return b, true
		}
	}
	return false, false
}

// object returns the first alias holding a JSON object.
func (f fields) object(keys ...string) fields {
	for _, k := range keys {
		if obj := parseFields(f[k]); obj != nil {
			return obj
		}
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func asText(v json.RawMessage) string {
	if isNull(v) {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

// asInput normalizes tool input. Some agents send arguments as a JSON
// document encoded in a string; that document is unwrapped.
func asInput(v json.RawMessage) json.RawMessage {
	if isNull(v) {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if json.Valid([]byte(s)) {
			return json.RawMessage(s)
		}
		return v
	}
	return v
}

// parseTimestamp accepts RFC3339 strings and epoch milliseconds.
func parseTimestamp(v json.RawMessage) (time.Time, bool) {
	if isNull(v) {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
		return time.Time{}, false
	}
	var ms float64
	if err := json.Unmarshal(v, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms)), true
	}
	return time.Time{}, false
}
