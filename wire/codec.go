package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Media types of the supported codecs.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// ErrNotObject is returned when a payload does not decode to a map.
var ErrNotObject = errors.New("wire: message is not an object")

// Codec serializes messages.
type Codec interface {
	ContentType() string
	Marshal(Message) ([]byte, error)
	Unmarshal([]byte) (Message, error)
}

// JSON is the default codec.
var JSON Codec = jsonCodec{}

// CBOR encodes messages as CBOR maps with text keys.
var CBOR Codec = newCBORCodec()

type jsonCodec struct{}

func (jsonCodec) ContentType() string { return ContentTypeJSON }

func (jsonCodec) Marshal(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (jsonCodec) Unmarshal(b []byte) (Message, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Message(m), nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.EncOptions{Sort: cbor.SortCanonical, Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) ContentType() string { return ContentTypeCBOR }

func (c cborCodec) Marshal(m Message) ([]byte, error) {
	return c.enc.Marshal(map[string]any(m))
}

func (c cborCodec) Unmarshal(b []byte) (Message, error) {
	var v any
	if err := c.dec.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Message(m), nil
}

// CodecFor selects a codec by Content-Type. Unknown and empty types select
// JSON.
func CodecFor(contentType string) Codec {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mt == ContentTypeCBOR, strings.HasSuffix(mt, "+cbor"):
		return CBOR
	}
	return JSON
}
