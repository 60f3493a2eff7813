package endpoint

import (
	"encoding/json"
	"net/http"

	"github.com/mnehpets/rolerpc/wire"
)

// setContentType sets Content-Type unless an outer renderer already did.
// An empty contentType selects plain text.
func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") == "" {
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
	}
}

func statusOr(status, def int) int {
	if status == 0 {
		return def
	}
	return status
}

// StringRenderer writes Body as the response. ContentType defaults to
// "text/plain; charset=utf-8" and Status to 200.
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, sr.ContentType)
	w.WriteHeader(statusOr(sr.Status, http.StatusOK))
	if sr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(sr.Body))
	return err
}

// NoContentRenderer writes a status with no body. Status defaults to 204.
type NoContentRenderer struct {
	Status int
}

func (nr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(statusOr(nr.Status, http.StatusNoContent))
	return nil
}

// RedirectRenderer redirects to URL. Status defaults to 307.
type RedirectRenderer struct {
	URL    string
	Status int
}

func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	http.Redirect(w, r, rr.URL, statusOr(rr.Status, http.StatusTemporaryRedirect))
	return nil
}

// JSONRenderer writes Value as JSON.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	body, err := json.Marshal(jr.Value)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOr(jr.Status, http.StatusOK))
	_, err = w.Write(body)
	return err
}

// MessageRenderer writes an RPC message with Codec, JSON when nil. The
// message is encoded before any header is written, so an encoding failure
// still leaves room for an error response.
type MessageRenderer struct {
	Status  int
	Codec   wire.Codec
	Message wire.Message
}

func (mr *MessageRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	codec := mr.Codec
	if codec == nil {
		codec = wire.JSON
	}
	body, err := codec.Marshal(mr.Message)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", codec.ContentType())
	w.WriteHeader(statusOr(mr.Status, http.StatusOK))
	_, err = w.Write(body)
	return err
}
