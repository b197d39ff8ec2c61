package server

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fastjson"
)

// fieldError describes a malformed request field, its text is sent back to the client
type fieldError string

func (e fieldError) Error() string { return string(e) }

func missing(name string) error {
	return fieldError(fmt.Sprintf("Missing Field %q", name))
}

// idField returns positive 64-bit integer field
func idField(v *fastjson.Value, name string) (int64, error) {
	if !v.Exists(name) {
		return 0, missing(name)
	}
	id, err := v.Get(name).Int64()
	if err != nil {
		return 0, fieldError(fmt.Sprintf("Field %q must be a 64-bit integer value", name))
	}
	if id < 1 {
		return 0, fieldError(fmt.Sprintf("Field %q must be a valid id greater than zero", name))
	}
	return id, nil
}

// intField returns optional non-negative integer field or def when absent
func intField(v *fastjson.Value, name string, def int64) (int64, error) {
	if !v.Exists(name) || v.Get(name).Type() == fastjson.TypeNull {
		return def, nil
	}
	n, err := v.Get(name).Int64()
	if err != nil {
		return 0, fieldError(fmt.Sprintf("Field %q must be a 64-bit integer value", name))
	}
	if n < 0 {
		return 0, fieldError(fmt.Sprintf("Field %q must not be negative", name))
	}
	return n, nil
}

// stringField returns string field, a required field must be present and non-empty
func stringField(v *fastjson.Value, name string, required bool) (string, error) {
	if !v.Exists(name) {
		if required {
			return "", missing(name)
		}
		return "", nil
	}
	sv := v.Get(name)
	if sv.Type() != fastjson.TypeString {
		return "", fieldError(fmt.Sprintf("Field %q must be a string", name))
	}
	s := string(sv.GetStringBytes())
	if required && len(s) == 0 {
		return "", fieldError(fmt.Sprintf("Field %q must have non-zero length", name))
	}
	return s, nil
}

func boolField(v *fastjson.Value, name string) (bool, error) {
	if !v.Exists(name) {
		return false, missing(name)
	}
	b, err := v.Get(name).Bool()
	if err != nil {
		return false, fieldError(fmt.Sprintf("Field %q must be a boolean", name))
	}
	return b, nil
}

// idsField returns non-empty array of positive 64-bit integers
func idsField(v *fastjson.Value, name string) ([]int64, error) {
	if !v.Exists(name) {
		return nil, missing(name)
	}
	values, err := v.Get(name).Array()
	if err != nil {
		return nil, fieldError(fmt.Sprintf("Field %q must be an array", name))
	}

	ids := make([]int64, 0, len(values))
	for _, item := range values {
		id, err := item.Int64()
		if err != nil {
			return nil, fieldError(fmt.Sprintf("Each item in %q array field must be a 64-bit integer value", name))
		}
		if id < 1 {
			return nil, fieldError(fmt.Sprintf("Each integer in %q array must be a valid id greater than zero", name))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func uuidField(v *fastjson.Value, name string) (uuid.UUID, error) {
	s, err := stringField(v, name, true)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fieldError(fmt.Sprintf("Field %q must be a UUID", name))
	}
	return id, nil
}

// timeField returns optional timestamp given either as RFC 3339 string or as unix milliseconds
func timeField(v *fastjson.Value, name string) (*time.Time, error) {
	if !v.Exists(name) {
		return nil, nil
	}
	tv := v.Get(name)
	switch tv.Type() {
	case fastjson.TypeNull:
		return nil, nil
	case fastjson.TypeString:
		t, err := time.Parse(time.RFC3339Nano, string(tv.GetStringBytes()))
		if err != nil {
			return nil, fieldError(fmt.Sprintf("Field %q must be an RFC 3339 timestamp", name))
		}
		t = t.UTC()
		return &t, nil
	case fastjson.TypeNumber:
		ms, err := tv.Int64()
		if err != nil {
			return nil, fieldError(fmt.Sprintf("Field %q must be unix milliseconds", name))
		}
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	default:
		return nil, fieldError(fmt.Sprintf("Field %q must be a timestamp", name))
	}
}
