package dispatch

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mnehpets/rolerpc/rpcerr"
)

var (
	contextType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	callContextPtr = reflect.TypeOf((*Context)(nil))
	errorType      = reflect.TypeOf((*error)(nil)).Elem()
)

// Register defines every exported method of receiver that has one of the
// signatures
//
//	func(ctx context.Context, p P) (R, error)
//	func(ctx context.Context, cc *dispatch.Context, p P) (R, error)
//
// under role. P must be a struct; its fields become the method's named
// parameters in declaration order, using the json tag name when present.
// A blank field tagged rpc:"name" overrides the method name, which otherwise
// is the Go name with a lower case first letter. The result R is returned
// as the single positional result.
//
// Register returns the defined methods so callers can add hooks.
func (s *Service) Register(role string, receiver any) []*Method {
	val := reflect.ValueOf(receiver)
	typ := val.Type()

	var out []*Method
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !method.IsExported() {
			continue
		}
		rm := parseMethod(val, method)
		if rm == nil {
			continue
		}
		m := s.Define(role, rm.name, rm.call).
			Params(rm.params...).
			Expects(rm.expects...).
			MaxParams(len(rm.params)).
			Whitelist(rpcerr.CodeInvalidArguments)
		out = append(out, m)
	}
	return out
}

// reflectMethod holds reflection data for a method found by Register.
type reflectMethod struct {
	receiver  reflect.Value
	fn        reflect.Value
	withCC    bool
	paramType reflect.Type
	fields    []int
	params    []string
	expects   []any
	name      string
}

func parseMethod(receiver reflect.Value, method reflect.Method) *reflectMethod {
	ft := method.Func.Type()

	withCC := false
	switch ft.NumIn() {
	case 3:
	case 4:
		if ft.In(2) != callContextPtr {
			return nil
		}
		withCC = true
	default:
		return nil
	}
	if ft.In(1) != contextType {
		return nil
	}
	if ft.NumOut() != 2 || ft.Out(1) != errorType {
		return nil
	}
	paramType := ft.In(ft.NumIn() - 1)
	if paramType.Kind() != reflect.Struct {
		return nil
	}

	rm := &reflectMethod{
		receiver:  receiver,
		fn:        method.Func,
		withCC:    withCC,
		paramType: paramType,
		params:    []string{},
		name:      lowerFirst(method.Name),
	}
	for i := 0; i < paramType.NumField(); i++ {
		field := paramType.Field(i)
		if field.Name == "_" {
			if tag := field.Tag.Get("rpc"); tag != "" {
				rm.name = tag
			}
			continue
		}
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag := field.Tag.Get("json"); tag != "" {
			name, _, _ = strings.Cut(tag, ",")
			if name == "-" {
				continue
			}
			if name == "" {
				name = field.Name
			}
		}
		rm.params = append(rm.params, name)
		rm.fields = append(rm.fields, i)
		rm.expects = append(rm.expects, kindExpectation(field.Type))
	}
	return rm
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}

// kindExpectation maps a Go field type to the wire types it accepts.
// Nillable fields also accept null.
func kindExpectation(t reflect.Type) []any {
	var name string
	nillable := false
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
		nillable = true
	}
	switch t.Kind() {
	case reflect.String:
		name = TypeString
	case reflect.Bool:
		name = TypeBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		name = TypeNumber
	case reflect.Map, reflect.Struct:
		name = TypeObject
		nillable = nillable || t.Kind() == reflect.Map
	case reflect.Slice, reflect.Array:
		name = TypeArray
		nillable = nillable || t.Kind() == reflect.Slice
	default:
		return []any{TypeAny}
	}
	if nillable {
		return []any{name, nil}
	}
	return []any{name}
}

// call adapts the reflected method to a Handler. Positional arguments are
// mapped onto the parameter struct through a JSON round trip.
func (rm *reflectMethod) call(ctx context.Context, cc *Context, args []any) ([]any, error) {
	param := reflect.New(rm.paramType)
	for i, idx := range rm.fields {
		if i >= len(args) || args[i] == nil {
			continue
		}
		raw, err := json.Marshal(args[i])
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeInvalidArguments, err, "invalid parameter "+rm.params[i])
		}
		if err := json.Unmarshal(raw, param.Elem().Field(idx).Addr().Interface()); err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeInvalidArguments, err, "invalid parameter "+rm.params[i])
		}
	}

	in := []reflect.Value{rm.receiver, reflect.ValueOf(ctx)}
	if rm.withCC {
		in = append(in, reflect.ValueOf(cc))
	}
	in = append(in, param.Elem())

	results := rm.fn.Call(in)
	if errv := results[1]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	return []any{results[0].Interface()}, nil
}
