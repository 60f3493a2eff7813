package dispatch

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/mnehpets/rolerpc/rpcerr"
)

// Type names understood by TypeValidator.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeNull    = "null"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeAny     = "*"
)

// TypeValidator is the default expectation validator. It matches decoded
// wire values against type names; a nil entry matches a nil argument.
// Unknown names never match, so other validators can claim them.
func TypeValidator(arg any, expected []any) (bool, error) {
	for _, exp := range expected {
		if exp == nil {
			if arg == nil {
				return true, nil
			}
			continue
		}
		name, ok := exp.(string)
		if !ok {
			continue
		}
		if matchType(name, arg) {
			return true, nil
		}
	}
	return false, nil
}

func matchType(name string, arg any) bool {
	switch name {
	case TypeAny:
		return true
	case TypeNull:
		return arg == nil
	}
	if arg == nil {
		return false
	}
	if _, ok := arg.(json.Number); ok {
		return name == TypeNumber
	}
	v := reflect.ValueOf(arg)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	switch name {
	case TypeString:
		return v.Kind() == reflect.String
	case TypeBoolean:
		return v.Kind() == reflect.Bool
	case TypeNumber:
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
	case TypeObject:
		return v.Kind() == reflect.Map || v.Kind() == reflect.Struct
	case TypeArray:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return false
		}
		return v.Kind() == reflect.Slice || v.Kind() == reflect.Array
	}
	return false
}

// expectations normalizes the arguments of Method.Expects into one list of
// alternatives per argument.
func expectations(exps []any) [][]any {
	out := make([][]any, len(exps))
	for i, e := range exps {
		switch t := e.(type) {
		case nil:
			out[i] = []any{nil}
		case string:
			out[i] = []any{t}
		case []string:
			alts := make([]any, len(t))
			for j, s := range t {
				alts[j] = s
			}
			out[i] = alts
		case []any:
			out[i] = append([]any(nil), t...)
		default:
			panic(fmt.Sprintf("dispatch: unsupported expectation %T", e))
		}
	}
	return out
}

func mismatch(index int, arg any, expected []any) error {
	value, err := json.Marshal(arg)
	if err != nil {
		value = []byte(fmt.Sprint(arg))
	}
	names := make([]string, len(expected))
	for i, e := range expected {
		if e == nil {
			names[i] = "null"
		} else {
			names[i] = fmt.Sprint(e)
		}
	}
	return rpcerr.Newf(rpcerr.CodeInvalidArguments, "parameter[%d]: value(%s) did not meet expectations: %s", index, value, strings.Join(names, ","))
}

// checkExpectations runs the validator chain for every declared expectation.
// The first validator that accepts an argument settles it. The boolean
// result is true when err is a mismatch rather than a validator failure.
func checkExpectations(exps [][]any, args []any, validators []ExpectationValidator) (mismatched bool, err error) {
	for i, expected := range exps {
		var arg any
		if i < len(args) {
			arg = args[i]
		}
		valid := false
		for _, v := range validators {
			ok, err := v(arg, expected)
			if err != nil {
				return false, err
			}
			if ok {
				valid = true
				break
			}
		}
		if !valid {
			return true, mismatch(i, arg, expected)
		}
	}
	return false, nil
}
