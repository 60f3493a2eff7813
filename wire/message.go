// Package wire implements the flat request/reply message format.
//
// A message is a single map. Arguments and results are stored under
// caller-chosen keys, and the ordered "params" list names the keys that
// make up the positional tuple. In a reply the list always starts with
// "error", which holds null on success.
//
// Request:
//
//	{"id": 7, "method": "math.add", "params": ["a", "b"], "a": 1, "b": 2}
//
// Reply:
//
//	{"id": 7, "error": null, "params": ["error", "1"], "1": 3}
package wire

import (
	"fmt"
	"math"
	"strconv"

	"github.com/mnehpets/rolerpc/rpcerr"
)

// Message is a request or reply.
type Message map[string]any

// Reserved keys.
const (
	KeyID          = "id"
	KeyMethod      = "method"
	KeyError       = "error"
	KeyAccessToken = "access_token"
	KeyTags        = "tags"
	KeyParams      = "params"
)

var reserved = map[string]bool{
	KeyID:          true,
	KeyMethod:      true,
	KeyError:       true,
	KeyAccessToken: true,
	KeyTags:        true,
	KeyParams:      true,
}

// IsReserved reports whether key is used by the message format itself.
func IsReserved(key string) bool {
	return reserved[key]
}

// CheckNames returns an error naming the first reserved key in names.
func CheckNames(names []string) error {
	for _, n := range names {
		if IsReserved(n) {
			return fmt.Errorf("wire: %q is a reserved key", n)
		}
	}
	return nil
}

// DecodeArguments builds the positional argument tuple for msg.
//
// When msg carries a params list it is used as the key order, and its length
// must not exceed max (a negative max means unlimited; zero admits only an
// empty list). Otherwise fallback, the method's declared parameter names, is
// used. With neither, the call fails with no_support.
func DecodeArguments(msg Message, fallback []string, max int) ([]any, error) {
	keys, err := decodeOrder(msg, max)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		if fallback == nil {
			return nil, rpcerr.New(rpcerr.CodeNoSupport, `method does not support named parameters, and you did not include an arguments map named "params".`)
		}
		keys = fallback
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		if k == "" {
			continue
		}
		args[i] = msg[k]
	}
	return args, nil
}

func decodeOrder(msg Message, max int) ([]string, error) {
	raw, ok := msg[KeyParams]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := asList(raw)
	if !ok {
		return nil, rpcerr.New(rpcerr.CodeMalformedCall, `you provided a arguments map named "params" in your request, but it's not an array.`)
	}
	if max >= 0 && len(list) > max {
		return nil, rpcerr.Newf(rpcerr.CodeMalformedCall, "params.length is greater than %d. That's not allowed.", max)
	}
	keys := make([]string, len(list))
	for i, v := range list {
		keys[i] = KeyString(v)
	}
	return keys, nil
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// KeyString converts a params list element into a message key. Integral
// numbers become their decimal form so that [1] addresses key "1".
func KeyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

// EncodeError builds a failure reply for req.
func EncodeError(req Message, errValue any) Message {
	reply := Message{
		KeyError:  errValue,
		KeyParams: []any{KeyError},
	}
	if id, ok := req[KeyID]; ok && id != nil {
		reply[KeyID] = id
	}
	return reply
}

// EncodeArguments builds a reply for req. When errValue is non-nil the reply
// carries only the error. Otherwise results are stored under outgoing names,
// or under the ordinal keys "1", "2", ... when outgoing is nil.
func EncodeArguments(req Message, outgoing []string, errValue any, results []any) Message {
	reply := EncodeError(req, errValue)
	if errValue != nil {
		return reply
	}
	keys := outgoing
	if keys == nil {
		keys = make([]string, len(results))
		for i := range results {
			keys[i] = strconv.Itoa(i + 1)
		}
	}
	order := make([]any, 0, len(keys)+1)
	order = append(order, KeyError)
	for i, k := range keys {
		var v any
		if i < len(results) {
			v = results[i]
		}
		reply[k] = v
		order = append(order, k)
	}
	reply[KeyParams] = order
	return reply
}

// Results extracts the result tuple from a reply by following its params
// list and skipping the error slot. A reply without a params list is
// malformed.
func Results(reply Message) ([]any, error) {
	raw, ok := reply[KeyParams]
	if !ok {
		return nil, rpcerr.New(rpcerr.CodeMalformedReply, "reply has no params list.")
	}
	list, ok := asList(raw)
	if !ok {
		return nil, rpcerr.New(rpcerr.CodeMalformedReply, "reply params is not an array.")
	}
	out := make([]any, 0, len(list))
	for _, k := range list {
		key := KeyString(k)
		if key == KeyError {
			continue
		}
		out = append(out, reply[key])
	}
	return out, nil
}

// Named extracts the results of a reply as a map keyed by result name.
func Named(reply Message) (map[string]any, error) {
	raw, ok := reply[KeyParams]
	if !ok {
		return nil, rpcerr.New(rpcerr.CodeMalformedReply, "reply has no params list.")
	}
	list, ok := asList(raw)
	if !ok {
		return nil, rpcerr.New(rpcerr.CodeMalformedReply, "reply params is not an array.")
	}
	out := make(map[string]any, len(list))
	for _, k := range list {
		key := KeyString(k)
		if key == KeyError {
			continue
		}
		out[key] = reply[key]
	}
	return out, nil
}

// Clone returns a shallow copy of m.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
