package access

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"
)

// Field names with a fixed meaning in a stored record. Any other field is an
// extra attribute.
const (
	FieldToken   = "access_token"
	FieldRoles   = "roles"
	FieldExpires = "expires"
)

// Fields is the stored form of an access record. Stores persist it as is;
// the expiry is milliseconds since the Unix epoch, or nil for never.
type Fields map[string]any

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Fields:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	}
	return v
}

// Merge returns a copy of base with the fields of partial laid over it.
func Merge(base, partial Fields) Fields {
	out := base.Clone()
	if out == nil {
		out = Fields{}
	}
	for k, v := range partial {
		out[k] = cloneValue(v)
	}
	return out
}

// Record is the decoded form of an access record.
type Record struct {
	Token string
	Roles []string
	// Expires is the expiry time; the zero value means never.
	Expires time.Time
	// Extra holds every field that is not the token, roles or expiry.
	Extra map[string]any
}

// Never reports whether the record has no expiry.
func (r *Record) Never() bool { return r.Expires.IsZero() }

// Fields returns the stored form of r.
func (r *Record) Fields() Fields {
	f := Fields{}
	for k, v := range r.Extra {
		f[k] = cloneValue(v)
	}
	f[FieldToken] = r.Token
	f[FieldRoles] = slices.Clone(r.Roles)
	if r.Never() {
		f[FieldExpires] = nil
	} else {
		f[FieldExpires] = r.Expires.UnixMilli()
	}
	return f
}

// ErrBadExpiry is returned by FromFields when the expiry field cannot be
// read as a timestamp.
var ErrBadExpiry = errors.New("access: bad expiration value")

// FromFields decodes a stored record. A missing, null or false expiry
// means never.
func FromFields(f Fields) (*Record, error) {
	r := &Record{Extra: map[string]any{}}
	for k, v := range f {
		switch k {
		case FieldToken:
			r.Token, _ = v.(string)
		case FieldRoles:
			r.Roles = normalizeRoles(v)
		case FieldExpires:
		default:
			r.Extra[k] = cloneValue(v)
		}
	}
	ms, never, err := expiryMillis(f[FieldExpires])
	if err != nil {
		return nil, err
	}
	if !never {
		r.Expires = time.UnixMilli(ms)
	}
	return r, nil
}

// expiryMillis coerces a stored expiry to milliseconds. Numeric strings are
// accepted; anything else that is not nil or false is an error.
func expiryMillis(v any) (ms int64, never bool, err error) {
	switch t := v.(type) {
	case nil:
		return 0, true, nil
	case bool:
		if !t {
			return 0, true, nil
		}
	case int:
		return int64(t), false, nil
	case int32:
		return int64(t), false, nil
	case int64:
		return t, false, nil
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t), false, nil
		}
	case float64:
		if !math.IsNaN(t) && !math.IsInf(t, 0) {
			return int64(t), false, nil
		}
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return int64(f), false, nil
		}
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f), false, nil
		}
	case time.Time:
		return t.UnixMilli(), false, nil
	}
	return 0, false, fmt.Errorf("%w: %v (%T)", ErrBadExpiry, v, v)
}

// normalizeRoles accepts a single role or a list of roles.
func normalizeRoles(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []string:
		return slices.Clone(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// normalize stamps token into f and turns a single role into a list.
func normalize(token string, f Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = Fields{}
	}
	out[FieldToken] = token
	if v, ok := out[FieldRoles]; ok && v != nil {
		out[FieldRoles] = normalizeRoles(v)
	}
	return out
}
