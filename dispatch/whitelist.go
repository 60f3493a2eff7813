package dispatch

import (
	"github.com/mnehpets/rolerpc/rpcerr"
)

// whitelist is the set of error codes one level may reveal to callers.
type whitelist map[string]bool

func (w whitelist) add(codes ...string) {
	for _, c := range codes {
		if c == "" {
			panic("dispatch: tried to whitelist an empty error code")
		}
		w[c] = true
	}
}

func (w whitelist) addErrors(errs ...error) {
	for _, err := range errs {
		e, ok := rpcerr.As(err)
		if !ok || e.Code == "" {
			panic("dispatch: tried to whitelist error without a code")
		}
		w[e.Code] = true
	}
}

// clientError projects err into what the caller may see. levels are
// searched in order for a whitelist entry matching err's code.
func clientError(err error, validation bool, dev bool, levels ...whitelist) *rpcerr.Error {
	if err == nil {
		return nil
	}
	e, structured := rpcerr.As(err)

	var out *rpcerr.Error
	if structured && whitelisted(e.Code, levels) {
		out = &rpcerr.Error{Code: e.Code, Message: e.Message}
	} else if validation {
		msg := err.Error()
		if structured {
			msg = e.Message
		}
		out = &rpcerr.Error{Code: rpcerr.CodeInvalidArguments, Message: msg}
	} else {
		out = &rpcerr.Error{Code: rpcerr.CodeError, Message: rpcerr.OpaqueMessage}
	}
	if dev && structured {
		out.Stack = e.Stack
	}
	return out
}

func whitelisted(code string, levels []whitelist) bool {
	if code == "" {
		return false
	}
	for _, w := range levels {
		if w[code] {
			return true
		}
	}
	return false
}
