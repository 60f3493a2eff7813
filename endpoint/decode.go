package endpoint

import (
	"bytes"
	"encoding"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds a decoded value unless the field says otherwise.
var defaultFieldLimit = 16 * 1024

// sources in precedence order.
var sources = []string{"path", "query", "header", "cookie", "body"}

// Unmarshal populates dst, a non-nil pointer to a struct, from the request.
//
// Fields are bound with tags of the form `source:"name[,flag]"` where source
// is one of path, query, header, cookie or body. The name defaults to the
// lower cased field name and is ignored for body. Flags are base64 and
// base64url for []byte fields, and json for any field. When a field has
// several source tags the first source with a value wins, in the order
// path, query, header, cookie, body.
//
// `maxLength:"n"` bounds a value in bytes; the default is 16KB and an empty
// or zero value removes the bound. Fields with no value are left unchanged.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}
	return unmarshalStruct(r, root)
}

func unmarshalStruct(r *http.Request, sv reflect.Value) error {
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		sf := st.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := sv.Field(i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && !hasSourceTag(sf) {
			if err := unmarshalStruct(r, fv); err != nil {
				return err
			}
			continue
		}

		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return err
		}
		for _, src := range sources {
			tag, ok, err := parseSourceTag(sf, src, limit)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			set, err := setFieldFromSource(fv, tag, fetcher(r, src, tag.Encoding), sf.Name)
			if err != nil {
				return err
			}
			if set {
				break
			}
		}
	}
	return nil
}

func hasSourceTag(sf reflect.StructField) bool {
	for _, src := range sources {
		if _, ok := sf.Tag.Lookup(src); ok {
			return true
		}
	}
	return false
}

// fetcher returns the raw values of name in source src.
func fetcher(r *http.Request, src, flag string) func(name string) ([][]byte, bool, error) {
	switch src {
	case "path":
		return func(name string) ([][]byte, bool, error) {
			s := r.PathValue(name)
			if s == "" {
				return nil, false, nil
			}
			return [][]byte{[]byte(s)}, true, nil
		}
	case "query":
		return func(name string) ([][]byte, bool, error) {
			if r.URL == nil {
				return nil, false, nil
			}
			return toBytes(r.URL.Query()[name])
		}
	case "header":
		return func(name string) ([][]byte, bool, error) {
			return toBytes(r.Header[http.CanonicalHeaderKey(name)])
		}
	case "cookie":
		return func(name string) ([][]byte, bool, error) {
			var vals []string
			for _, c := range r.Cookies() {
				if c.Name == name {
					vals = append(vals, c.Value)
				}
			}
			return toBytes(vals)
		}
	}
	return func(string) ([][]byte, bool, error) {
		if r.Body == nil || r.Body == http.NoBody {
			return nil, false, nil
		}
		if flag == "json" {
			if mt := requestMediaType(r); mt != "application/json" && !strings.HasSuffix(mt, "+json") {
				if mt == "" {
					mt = "(missing)"
				}
				return nil, false, Error(http.StatusUnsupportedMediaType, "", fmt.Errorf("endpoint: decode: body: unsupported media type %s", mt))
			}
		}
		b, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, false, Error(http.StatusRequestEntityTooLarge, "", err)
			}
			return nil, false, Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: body: %w", err))
		}
		return [][]byte{b}, true, nil
	}
}

func toBytes(vals []string) ([][]byte, bool, error) {
	if len(vals) == 0 {
		return nil, false, nil
	}
	out := make([][]byte, len(vals))
	for i, s := range vals {
		out[i] = []byte(s)
	}
	return out, true, nil
}

func requestMediaType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}

type sourceTag struct {
	Source    string
	Name      string
	Encoding  string
	MaxLength int
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	val, has := sf.Tag.Lookup("maxLength")
	if !has {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: %s: invalid maxLength %q", sf.Name, val))
	}
	return n, nil
}

func parseSourceTag(sf reflect.StructField, src string, limit int) (sourceTag, bool, error) {
	val, has := sf.Tag.Lookup(src)
	if !has || val == "-" {
		return sourceTag{}, false, nil
	}
	parts := strings.Split(val, ",")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		name = strings.ToLower(sf.Name)
	}
	tag := sourceTag{Source: src, Name: name, MaxLength: limit}
	for _, p := range parts[1:] {
		switch flag := strings.ToLower(strings.TrimSpace(p)); flag {
		case "":
		case "base64", "base64url", "json":
			if tag.Encoding != "" {
				return sourceTag{}, false, Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: %s: multiple encoding flags", sf.Name))
			}
			tag.Encoding = flag
		default:
			return sourceTag{}, false, Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: %s: unknown %s tag flag %q", sf.Name, src, flag))
		}
	}
	return tag, true, nil
}

func setFieldFromSource(field reflect.Value, tag sourceTag, fetch func(name string) ([][]byte, bool, error), fieldName string) (bool, error) {
	raw, ok, err := fetch(tag.Name)
	if err != nil || !ok {
		return false, err
	}
	for _, val := range raw {
		if tag.MaxLength > 0 && len(val) > tag.MaxLength {
			return false, Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: value exceeds max length %d", tag.Source, tag.Name, fieldName, tag.MaxLength))
		}
	}
	if err := setFieldFromValues(field, raw, tag.Encoding); err != nil {
		return false, Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", tag.Source, tag.Name, fieldName, err))
	}
	return true, nil
}

func setFieldFromValues(v reflect.Value, values [][]byte, flag string) error {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}

	isBytes := v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
	if v.Kind() == reflect.Slice && !isBytes && flag != "json" {
		slice := reflect.MakeSlice(v.Type(), 0, len(values))
		for _, val := range values {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := setFieldFromBytes(elem, val, flag); err != nil {
				return err
			}
			slice = reflect.Append(slice, elem)
		}
		v.Set(slice)
		return nil
	}
	return setFieldFromBytes(v, values[0], flag)
}

func setFieldFromBytes(v reflect.Value, b []byte, flag string) error {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return setFieldFromBytes(v.Elem(), b, flag)
	}

	if flag == "json" {
		return json.NewDecoder(bytes.NewReader(b)).Decode(v.Addr().Interface())
	}

	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
		enc := base64.StdEncoding
		switch flag {
		case "":
			v.SetBytes(bytes.Clone(b))
			return nil
		case "base64url":
			enc = base64.RawURLEncoding
		}
		src := bytes.TrimSpace(b)
		out := make([]byte, enc.DecodedLen(len(src)))
		n, err := enc.Decode(out, src)
		if err != nil {
			return err
		}
		v.SetBytes(out[:n])
		return nil
	}
	if flag != "" {
		return fmt.Errorf("encoding %q not supported for type %s", flag, v.Type())
	}

	if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText(b)
	}

	s := string(b)
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		bb, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(bb)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}
