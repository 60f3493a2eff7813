package httprpc

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnehpets/rolerpc/access"
	"github.com/mnehpets/rolerpc/dispatch"
	"github.com/mnehpets/rolerpc/endpoint"
	"github.com/mnehpets/rolerpc/middleware"
	"github.com/mnehpets/rolerpc/roles"
	"github.com/mnehpets/rolerpc/wire"
)

type fixture struct {
	srv     *httptest.Server
	manager *access.Manager
	admin   string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	m := access.NewManager(nil)
	admin, err := m.Create(context.Background(), "", time.Time{}, []string{roles.Admin}, nil)
	require.NoError(t, err)

	reg, err := dispatch.NewRegistry(dispatch.WithAuthority(m))
	require.NoError(t, err)
	svc := reg.Service("test", true)
	svc.Define(roles.Public, "echo", func(_ context.Context, _ *dispatch.Context, args []any) ([]any, error) {
		return args, nil
	})
	svc.Define(roles.Admin, "whoami", func(_ context.Context, cc *dispatch.Context, _ []any) ([]any, error) {
		return []any{cc.Roles}, nil
	})
	svc.Define(roles.Server, "internal", func(context.Context, *dispatch.Context, []any) ([]any, error) {
		return []any{"secret"}, nil
	})

	s := New(reg, opts...)
	mux := http.NewServeMux()
	mux.Handle("/rpc", s.Handler())
	mux.Handle("/rpc/{method}", s.Handler())
	mux.Handle("/describe", s.DescribeHandler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, manager: m, admin: admin}
}

func post(t *testing.T, url, contentType string, body []byte, header http.Header) (*http.Response, wire.Message) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	msg, err := wire.CodecFor(resp.Header.Get("Content-Type")).Unmarshal(buf.Bytes())
	require.NoError(t, err)
	return resp, msg
}

func postJSON(t *testing.T, url string, msg wire.Message, header http.Header) (*http.Response, wire.Message) {
	t.Helper()
	body, err := wire.JSON.Marshal(msg)
	require.NoError(t, err)
	return post(t, url, wire.ContentTypeJSON, body, header)
}

func errorCode(t *testing.T, reply wire.Message) string {
	t.Helper()
	e, ok := reply[wire.KeyError].(map[string]any)
	require.True(t, ok, "reply error is %T", reply[wire.KeyError])
	return e["code"].(string)
}

func TestEchoOverJSON(t *testing.T) {
	f := newFixture(t)
	resp, reply := postJSON(t, f.srv.URL+"/rpc", wire.Message{
		"method": "test.echo",
		"id":     "abc",
		"params": []any{"x"},
		"x":      "hello",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, wire.ContentTypeJSON, resp.Header.Get("Content-Type"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Nil(t, reply["error"])
	assert.Equal(t, "abc", reply["id"])
	assert.Equal(t, "hello", reply["1"])
}

func TestEchoOverCBORWithPathMethod(t *testing.T) {
	f := newFixture(t)
	body, err := wire.CBOR.Marshal(wire.Message{"params": []any{"n"}, "n": 7})
	require.NoError(t, err)
	resp, reply := post(t, f.srv.URL+"/rpc/test.echo", wire.ContentTypeCBOR, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, wire.ContentTypeCBOR, resp.Header.Get("Content-Type"))
	assert.EqualValues(t, 7, reply["1"])
}

func TestMalformedRequests(t *testing.T) {
	f := newFixture(t)

	_, reply := post(t, f.srv.URL+"/rpc", wire.ContentTypeJSON, nil, nil)
	assert.Equal(t, "malformed_call", errorCode(t, reply))
	assert.Equal(t, "no data.", reply["error"].(map[string]any)["message"])

	_, reply = post(t, f.srv.URL+"/rpc", wire.ContentTypeJSON, []byte("{not json"), nil)
	assert.Equal(t, "request parse error.", reply["error"].(map[string]any)["message"])

	_, reply = post(t, f.srv.URL+"/rpc", wire.ContentTypeJSON, []byte("[1,2]"), nil)
	assert.Equal(t, "request parse error.", reply["error"].(map[string]any)["message"])

	_, reply = postJSON(t, f.srv.URL+"/rpc", wire.Message{"method": 5, "id": 1}, nil)
	assert.Equal(t, "malformed_call", errorCode(t, reply))
	assert.EqualValues(t, 1, reply["id"])

	_, reply = postJSON(t, f.srv.URL+"/rpc", wire.Message{"method": "test.echo", "access_token": 5}, nil)
	assert.Equal(t, "malformed_call", errorCode(t, reply))

	_, reply = postJSON(t, f.srv.URL+"/rpc", wire.Message{"params": []any{}}, nil)
	assert.Equal(t, "malformed_call", errorCode(t, reply))

	_, reply = postJSON(t, f.srv.URL+"/rpc", wire.Message{"method": "nope.echo"}, nil)
	assert.Equal(t, "unknown_api", errorCode(t, reply))
}

func TestOnlyPost(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/rpc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
}

func TestBodyLimit(t *testing.T) {
	f := newFixture(t, WithBodyLimit(32))
	resp, _ := post(t, f.srv.URL+"/rpc", wire.ContentTypeJSON, []byte(`{"method":"test.echo","pad":"`+strings.Repeat("x", 64)+`"}`), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestTokenSources(t *testing.T) {
	f := newFixture(t)
	call := wire.Message{"method": "test.whoami", "params": []any{}}

	_, reply := postJSON(t, f.srv.URL+"/rpc", call, nil)
	assert.Equal(t, "permission_error", errorCode(t, reply))

	_, reply = postJSON(t, f.srv.URL+"/rpc", call, http.Header{"Authorization": {"Bearer " + f.admin}})
	assert.Nil(t, reply["error"])
	assert.Contains(t, reply["1"], roles.Admin)

	withToken := call.Clone()
	withToken["access_token"] = f.admin
	_, reply = postJSON(t, f.srv.URL+"/rpc", withToken, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Nil(t, reply["error"], "body token takes precedence over the header")

	withToken["access_token"] = "wrong"
	_, reply = postJSON(t, f.srv.URL+"/rpc", withToken, http.Header{"Authorization": {"Bearer " + f.admin}})
	assert.Equal(t, "permission_error", errorCode(t, reply))
}

func TestNonServableHiddenFromRemote(t *testing.T) {
	f := newFixture(t)
	_, reply := postJSON(t, f.srv.URL+"/rpc", wire.Message{"method": "test.internal"}, nil)
	assert.NotEqual(t, nil, reply["error"])
	assert.Nil(t, reply["1"])
}

func TestSessionToken(t *testing.T) {
	m := access.NewManager(nil)
	admin, err := m.Create(context.Background(), "", time.Time{}, []string{roles.Admin}, nil)
	require.NoError(t, err)
	reg, err := dispatch.NewRegistry(dispatch.WithAuthority(m))
	require.NoError(t, err)
	reg.Service("test", true).Define(roles.Admin, "ping", func(context.Context, *dispatch.Context, []any) ([]any, error) {
		return []any{"pong"}, nil
	})

	key := make([]byte, middleware.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	sessions, err := middleware.NewSessionProcessor("k", map[string][]byte{"k": key})
	require.NoError(t, err)

	login := endpoint.Handler(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := middleware.SessionFromContext(r.Context())
		if err := sess.Login("ada", admin); err != nil {
			return nil, err
		}
		return &endpoint.NoContentRenderer{}, nil
	}, sessions)
	w := httptest.NewRecorder()
	login.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)

	h := New(reg).Handler(sessions)
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"method":"test.ping"}`))
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var reply map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Nil(t, reply["error"])
	assert.Equal(t, "pong", reply["1"])
}

func TestDescribe(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/describe")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Contains(t, got, "test")
	assert.Contains(t, got["test"], roles.Public)
	assert.NotContains(t, got["test"], roles.Server)
}
