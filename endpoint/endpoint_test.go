package endpoint

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type headerProcessor struct {
	Key   string
	Value string
}

func (hp headerProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	w.Header().Set(hp.Key, hp.Value)
	return next(w, r)
}

func TestHandler_ProcessorsThenRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	var order []string
	first := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		order = append(order, "first")
		return next(w, r)
	})
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		order = append(order, "endpoint")
		return &StringRenderer{Body: "ok"}, nil
	}, first, headerProcessor{Key: "X-Test", Value: "1"})

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Test") != "1" {
		t.Errorf("processor header missing")
	}
	if strings.Join(order, ",") != "first,endpoint" {
		t.Errorf("order = %v", order)
	}
}

func TestHandler_HandleFunc(t *testing.T) {
	rec := httptest.NewRecorder()
	hf := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &NoContentRenderer{}, nil
	})
	hf(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandler_NilEndpointAndRenderer_Are500(t *testing.T) {
	rec := httptest.NewRecorder()
	(&EndpointHandler[struct{}]{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("nil endpoint status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, nil
	})
	h.Logger = slog.New(slog.DiscardHandler)
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("nil renderer status = %d", rec.Code)
	}
}

func TestHandler_EndpointError_IsRendered(t *testing.T) {
	rec := httptest.NewRecorder()
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusMethodNotAllowed, "use POST", nil)
	})
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "use POST" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandler_EndpointError_EmptyMessage_FallsBackToStatusText(t *testing.T) {
	rec := httptest.NewRecorder()
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusForbidden, "", errors.New("secret detail"))
	})
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.TrimSpace(rec.Body.String()) != http.StatusText(http.StatusForbidden) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandler_PlainError_DoesNotLeak(t *testing.T) {
	var logs bytes.Buffer
	rec := httptest.NewRecorder()
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, errors.New("db password is hunter2")
	})
	h.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Errorf("body leaks cause: %q", rec.Body.String())
	}
	if !strings.Contains(logs.String(), "hunter2") {
		t.Errorf("cause not logged: %q", logs.String())
	}
}

func TestEndpointError_NoDoubleWrap(t *testing.T) {
	inner := Error(http.StatusBadRequest, "bad", errors.New("cause"))
	outer := Error(http.StatusInternalServerError, "other", inner)
	if outer != inner {
		t.Errorf("expected existing EndpointError to be returned")
	}
	var ee *EndpointError
	if !errors.As(outer, &ee) || ee.Status != http.StatusBadRequest {
		t.Errorf("unexpected error %v", outer)
	}
	if errors.Unwrap(inner).Error() != "cause" {
		t.Errorf("cause not preserved")
	}
}

func TestHandler_DeferAndCommit_ExecutionOrder(t *testing.T) {
	rec := httptest.NewRecorder()
	var order []string
	p := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(w http.ResponseWriter) {
			order = append(order, "outer")
			w.Header().Set("X-Deferred", "yes")
		})
		Defer(r.Context(), func(http.ResponseWriter) { order = append(order, "inner") })
		return next(w, r)
	})
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return RendererFunc(func(w http.ResponseWriter, _ *http.Request) error {
			order = append(order, "render")
			w.WriteHeader(http.StatusOK)
			return nil
		}), nil
	}, p)
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if strings.Join(order, ",") != "inner,outer,render" {
		t.Errorf("order = %v", order)
	}
	if rec.Header().Get("X-Deferred") != "yes" {
		t.Errorf("deferred header missing")
	}
}

func TestHandler_DeferRunsOnError(t *testing.T) {
	rec := httptest.NewRecorder()
	ran := false
	p := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(http.ResponseWriter) { ran = true })
		return next(w, r)
	})
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusBadRequest, "", nil)
	}, p)
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !ran {
		t.Errorf("deferred hook did not run")
	}
}

func TestDefer_NoOpWithoutContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	Defer(req.Context(), func(http.ResponseWriter) { t.Errorf("should not run") })
	Commit(req.Context(), httptest.NewRecorder())
}

func TestHandler_DecodeError_IsBadRequest(t *testing.T) {
	type params struct {
		N int `query:"n"`
	}
	rec := httptest.NewRecorder()
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ params) (Renderer, error) {
		return &NoContentRenderer{}, nil
	})
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?n=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}
