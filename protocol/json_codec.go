package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"unicode/utf8"
)

// JSONCodec implements the Codec interface using newline-delimited JSON.
// A frame is the array [tag, [fields...]]; absent optional values are null
// and item ids are written as decimal object keys.
type JSONCodec struct {
	rw      io.ReadWriteCloser
	decoder *json.Decoder
}

// NewJSONCodec creates a new JSON codec that reads from and writes to the given ReadWriteCloser.
func NewJSONCodec(rw io.ReadWriteCloser) *JSONCodec {
	dec := json.NewDecoder(rw)
	dec.UseNumber()
	return &JSONCodec{
		rw:      rw,
		decoder: dec,
	}
}

// Encode writes msg as one line.
func (c *JSONCodec) Encode(msg Message) error {
	b, err := MarshalJSON(msg)
	if err != nil {
		return err
	}
	_, err = c.rw.Write(append(b, '\n'))
	return err
}

// Decode reads the next JSON frame.
func (c *JSONCodec) Decode() (Message, error) {
	var raw json.RawMessage
	if err := c.decoder.Decode(&raw); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, malformed(0, "invalid json: %v", err)
		}
		return nil, err
	}
	return UnmarshalJSON(raw)
}

// Close closes the underlying ReadWriteCloser.
func (c *JSONCodec) Close() error {
	return c.rw.Close()
}

// MarshalJSON encodes msg as a JSON frame without a trailing newline.
func MarshalJSON(msg Message) ([]byte, error) {
	var body []interface{}
	switch m := msg.(type) {
	case *Hello:
		if m == nil {
			return nil, errors.New("encode: nil hello")
		}
		items := make(map[string]*string, len(m.Items))
		for id, v := range m.Items {
			items[strconv.Itoa(int(id))] = v
		}
		body = []interface{}{m.Version, m.Action, m.Username, items, jsonEnv(m.Env)}
	case *Prompt:
		if m == nil {
			return nil, errors.New("encode: nil prompt")
		}
		body = []interface{}{m.Style, m.Text}
	case *Reply:
		if m == nil {
			return nil, errors.New("encode: nil reply")
		}
		body = []interface{}{m.Response, m.ReturnCode}
	case *Result:
		if m == nil {
			return nil, errors.New("encode: nil result")
		}
		body = []interface{}{m.Status, jsonEnv(m.Env)}
	default:
		return nil, fmt.Errorf("encode: unsupported message type %T", msg)
	}
	// encoding/json writes map keys sorted, so output is deterministic.
	return json.Marshal([]interface{}{msg.Kind(), body})
}

func jsonEnv(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// UnmarshalJSON decodes exactly one JSON frame.
func UnmarshalJSON(b []byte) (Message, error) {
	// encoding/json substitutes U+FFFD for invalid UTF-8 instead of failing.
	if !utf8.Valid(b) {
		return nil, malformed(0, "frame is not valid UTF-8")
	}
	var frame []json.RawMessage
	if err := strictJSON(b, &frame); err != nil || frame == nil {
		return nil, malformed(0, "frame is not an array")
	}
	if len(frame) != 2 {
		return nil, malformed(0, "frame has %d elements, want 2", len(frame))
	}

	r := &jsonReader{}
	kind, err := checkTag(r.int64(frame[0], "tag"))
	if r.err != nil {
		return nil, r.err
	}
	if err != nil {
		return nil, err
	}
	r.kind = kind

	var body []json.RawMessage
	if err := strictJSON(frame[1], &body); err != nil || body == nil {
		return nil, malformed(kind, "body is not an array")
	}
	if err := checkArity(kind, len(body)); err != nil {
		return nil, err
	}

	var msg Message
	switch kind {
	case KindHello:
		msg = &Hello{
			Version:  r.int32(body[0], "version"),
			Action:   Action(r.int32(body[1], "action")),
			Username: r.text(body[2], "username"),
			Items:    r.items(body[3], "items"),
			Env:      r.env(body[4], "env"),
		}
	case KindPrompt:
		msg = &Prompt{
			Style: Style(r.int32(body[0], "style")),
			Text:  r.text(body[1], "text"),
		}
	case KindReply:
		msg = &Reply{
			Response:   r.optional(body[0], "response"),
			ReturnCode: r.int32(body[1], "return code"),
		}
	case KindResult:
		msg = &Result{
			Status: r.int32(body[0], "status"),
			Env:    r.env(body[1], "env"),
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

func strictJSON(b []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}

type jsonReader struct {
	kind Kind
	err  error
}

func (r *jsonReader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = malformed(r.kind, format, args...)
	}
}

func leading(b json.RawMessage) byte {
	b = bytes.TrimLeft(b, " \t\r\n")
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

func (r *jsonReader) int64(b json.RawMessage, field string) int64 {
	if r.err != nil {
		return 0
	}
	var n json.Number
	if c := leading(b); c != '-' && (c < '0' || c > '9') {
		r.fail("%s: expected integer", field)
		return 0
	}
	if err := json.Unmarshal(b, &n); err != nil {
		r.fail("%s: expected integer", field)
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		r.fail("%s: expected integer, got %s", field, n)
		return 0
	}
	return v
}

func (r *jsonReader) int32(b json.RawMessage, field string) int32 {
	v := r.int64(b, field)
	if int64(int32(v)) != v {
		r.fail("%s: integer %d out of range", field, v)
		return 0
	}
	return int32(v)
}

func (r *jsonReader) text(b json.RawMessage, field string) string {
	if r.err != nil {
		return ""
	}
	var s string
	if leading(b) != '"' || json.Unmarshal(b, &s) != nil {
		r.fail("%s: expected text", field)
		return ""
	}
	return s
}

func (r *jsonReader) optional(b json.RawMessage, field string) *string {
	if r.err != nil || string(bytes.TrimSpace(b)) == "null" {
		return nil
	}
	s := r.text(b, field)
	if r.err != nil {
		return nil
	}
	return &s
}

func (r *jsonReader) object(b json.RawMessage, field string) map[string]json.RawMessage {
	if r.err != nil {
		return nil
	}
	var m map[string]json.RawMessage
	if leading(b) != '{' || json.Unmarshal(b, &m) != nil {
		r.fail("%s: expected object", field)
		return nil
	}
	return m
}

func (r *jsonReader) env(b json.RawMessage, field string) map[string]string {
	obj := r.object(b, field)
	if len(obj) == 0 {
		return nil
	}
	m := make(map[string]string, len(obj))
	for k, v := range obj {
		m[k] = r.text(v, field+" value")
	}
	return m
}

func (r *jsonReader) items(b json.RawMessage, field string) map[ItemID]*string {
	obj := r.object(b, field)
	if len(obj) == 0 {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := make(map[ItemID]*string, len(obj))
	for _, k := range keys {
		id, err := strconv.ParseInt(k, 10, 32)
		if err != nil || strconv.FormatInt(id, 10) != k {
			r.fail("%s: item key %q is not an integer", field, k)
			return nil
		}
		if _, dup := m[ItemID(id)]; dup {
			r.fail("%s: duplicate item %d", field, id)
			return nil
		}
		m[ItemID(id)] = r.optional(obj[k], field+" value")
	}
	return m
}
