package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// MessagePackCodec implements the Codec interface using MessagePack.
// A frame is the two element array [tag, [fields...]]; MessagePack values
// are self-delimiting so no extra length prefix is needed.
type MessagePackCodec struct {
	rw  io.ReadWriteCloser
	dec *msgpack.Decoder
}

// NewMessagePackCodec creates a new MessagePack codec.
func NewMessagePackCodec(rw io.ReadWriteCloser) *MessagePackCodec {
	return &MessagePackCodec{
		rw:  rw,
		dec: msgpack.NewDecoder(bufio.NewReader(rw)),
	}
}

// Encode marshals msg and writes it with a single Write call, so frames are
// never split or interleaved on the transport.
func (c *MessagePackCodec) Encode(msg Message) error {
	b, err := Marshal(msg)
	if err != nil {
		return err
	}
	_, err = c.rw.Write(b)
	return err
}

// Decode reads the next frame.
func (c *MessagePackCodec) Decode() (Message, error) {
	return decodeFrame(c.dec)
}

// Close closes the underlying ReadWriteCloser.
func (c *MessagePackCodec) Close() error {
	return c.rw.Close()
}

// Marshal encodes msg as a single MessagePack frame. Map keys are written
// in sorted order, so equal messages always produce equal bytes.
func Marshal(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	w := &frameWriter{enc: msgpack.NewEncoder(&buf)}
	if err := w.frame(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly one MessagePack frame from b. Trailing bytes are
// rejected.
func Unmarshal(b []byte) (Message, error) {
	r := bytes.NewReader(b)
	msg, err := decodeFrame(msgpack.NewDecoder(r))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, malformed(0, "truncated frame")
		}
		return nil, err
	}
	if r.Len() != 0 {
		return nil, malformed(msg.Kind(), "%d trailing bytes", r.Len())
	}
	return msg, nil
}

type frameWriter struct {
	enc *msgpack.Encoder
	err error
}

func (w *frameWriter) frame(msg Message) error {
	switch m := msg.(type) {
	case *Hello:
		if m == nil {
			return errors.New("encode: nil hello")
		}
		w.header(KindHello)
		w.int(int64(m.Version))
		w.int(int64(m.Action))
		w.text(m.Username)
		w.items(m.Items)
		w.env(m.Env)
	case *Prompt:
		if m == nil {
			return errors.New("encode: nil prompt")
		}
		w.header(KindPrompt)
		w.int(int64(m.Style))
		w.text(m.Text)
	case *Reply:
		if m == nil {
			return errors.New("encode: nil reply")
		}
		w.header(KindReply)
		w.optional(m.Response)
		w.int(int64(m.ReturnCode))
	case *Result:
		if m == nil {
			return errors.New("encode: nil result")
		}
		w.header(KindResult)
		w.int(int64(m.Status))
		w.env(m.Env)
	default:
		return fmt.Errorf("encode: unsupported message type %T", msg)
	}
	return w.err
}

func (w *frameWriter) header(kind Kind) {
	w.arrayLen(2)
	w.int(int64(kind))
	w.arrayLen(bodyArity[kind])
}

func (w *frameWriter) arrayLen(n int) {
	if w.err == nil {
		w.err = w.enc.EncodeArrayLen(n)
	}
}

func (w *frameWriter) int(v int64) {
	if w.err == nil {
		w.err = w.enc.EncodeInt(v)
	}
}

func (w *frameWriter) text(s string) {
	if w.err != nil {
		return
	}
	if !utf8.ValidString(s) {
		w.err = errors.New("encode: text is not valid UTF-8")
		return
	}
	w.err = w.enc.EncodeString(s)
}

func (w *frameWriter) optional(s *string) {
	if s == nil {
		if w.err == nil {
			w.err = w.enc.EncodeNil()
		}
		return
	}
	w.text(*s)
}

func (w *frameWriter) env(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if w.err == nil {
		w.err = w.enc.EncodeMapLen(len(keys))
	}
	for _, k := range keys {
		w.text(k)
		w.text(m[k])
	}
}

func (w *frameWriter) items(m map[ItemID]*string) {
	ids := make([]ItemID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if w.err == nil {
		w.err = w.enc.EncodeMapLen(len(ids))
	}
	for _, id := range ids {
		w.int(int64(id))
		w.optional(m[id])
	}
}

// frameReader decodes one frame, checking the type code of every value
// before handing it to the library so that library errors can only mean
// the stream failed. The first error sticks.
type frameReader struct {
	dec  *msgpack.Decoder
	kind Kind
	err  error
}

func decodeFrame(dec *msgpack.Decoder) (Message, error) {
	// A clean EOF is only possible before the first byte of a frame.
	if _, err := dec.PeekCode(); err != nil {
		return nil, err
	}

	r := &frameReader{dec: dec}
	if n := r.arrayLen("frame"); r.err == nil && n != 2 {
		return nil, malformed(0, "frame has %d elements, want 2", n)
	}
	tag := r.int64("tag")
	if r.err != nil {
		return nil, r.err
	}
	kind, err := checkTag(tag)
	if err != nil {
		return nil, err
	}
	r.kind = kind

	n := r.arrayLen("body")
	if r.err != nil {
		return nil, r.err
	}
	if err := checkArity(kind, n); err != nil {
		return nil, err
	}

	var msg Message
	switch kind {
	case KindHello:
		msg = &Hello{
			Version:  r.int32("version"),
			Action:   Action(r.int32("action")),
			Username: r.text("username"),
			Items:    r.items("items"),
			Env:      r.env("env"),
		}
	case KindPrompt:
		msg = &Prompt{
			Style: Style(r.int32("style")),
			Text:  r.text("text"),
		}
	case KindReply:
		msg = &Reply{
			Response:   r.optional("response"),
			ReturnCode: r.int32("return code"),
		}
	case KindResult:
		msg = &Result{
			Status: r.int32("status"),
			Env:    r.env("env"),
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

func (r *frameReader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = malformed(r.kind, format, args...)
	}
}

func (r *frameReader) stream(err error) {
	if r.err != nil || err == nil {
		return
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	r.err = err
}

func (r *frameReader) code() (byte, bool) {
	if r.err != nil {
		return 0, false
	}
	c, err := r.dec.PeekCode()
	if err != nil {
		r.stream(err)
		return 0, false
	}
	return c, true
}

func isInt(c byte) bool {
	if msgpcode.IsFixedNum(c) {
		return true
	}
	switch c {
	case msgpcode.Uint8, msgpcode.Uint16, msgpcode.Uint32, msgpcode.Uint64,
		msgpcode.Int8, msgpcode.Int16, msgpcode.Int32, msgpcode.Int64:
		return true
	}
	return false
}

func (r *frameReader) arrayLen(field string) int {
	c, ok := r.code()
	if !ok {
		return 0
	}
	if !msgpcode.IsFixedArray(c) && c != msgpcode.Array16 && c != msgpcode.Array32 {
		r.fail("%s: expected array, got code 0x%02x", field, c)
		return 0
	}
	n, err := r.dec.DecodeArrayLen()
	r.stream(err)
	return n
}

func (r *frameReader) int64(field string) int64 {
	c, ok := r.code()
	if !ok {
		return 0
	}
	if !isInt(c) {
		r.fail("%s: expected integer, got code 0x%02x", field, c)
		return 0
	}
	if c == msgpcode.Uint64 {
		u, err := r.dec.DecodeUint64()
		r.stream(err)
		if u > math.MaxInt64 {
			r.fail("%s: integer %d out of range", field, u)
			return 0
		}
		return int64(u)
	}
	v, err := r.dec.DecodeInt64()
	r.stream(err)
	return v
}

func (r *frameReader) int32(field string) int32 {
	v := r.int64(field)
	if v < math.MinInt32 || v > math.MaxInt32 {
		r.fail("%s: integer %d out of range", field, v)
		return 0
	}
	return int32(v)
}

func (r *frameReader) text(field string) string {
	c, ok := r.code()
	if !ok {
		return ""
	}
	if !msgpcode.IsString(c) {
		r.fail("%s: expected text, got code 0x%02x", field, c)
		return ""
	}
	s, err := r.dec.DecodeString()
	r.stream(err)
	if r.err == nil && !utf8.ValidString(s) {
		r.fail("%s: text is not valid UTF-8", field)
	}
	return s
}

func (r *frameReader) optional(field string) *string {
	c, ok := r.code()
	if !ok {
		return nil
	}
	if c == msgpcode.Nil {
		r.stream(r.dec.DecodeNil())
		return nil
	}
	s := r.text(field)
	if r.err != nil {
		return nil
	}
	return &s
}

func (r *frameReader) mapLen(field string) int {
	c, ok := r.code()
	if !ok {
		return 0
	}
	if !msgpcode.IsFixedMap(c) && c != msgpcode.Map16 && c != msgpcode.Map32 {
		r.fail("%s: expected map, got code 0x%02x", field, c)
		return 0
	}
	n, err := r.dec.DecodeMapLen()
	r.stream(err)
	return n
}

// maxMapHint bounds the capacity reserved from a map header; the header
// length is untrusted until the entries have actually been read.
const maxMapHint = 64

func (r *frameReader) env(field string) map[string]string {
	n := r.mapLen(field)
	if r.err != nil || n == 0 {
		return nil
	}
	m := make(map[string]string, min(n, maxMapHint))
	for i := 0; i < n && r.err == nil; i++ {
		k := r.text(field + " key")
		v := r.text(field + " value")
		if _, dup := m[k]; dup {
			r.fail("%s: duplicate key %q", field, k)
		}
		m[k] = v
	}
	return m
}

func (r *frameReader) items(field string) map[ItemID]*string {
	n := r.mapLen(field)
	if r.err != nil || n == 0 {
		return nil
	}
	m := make(map[ItemID]*string, min(n, maxMapHint))
	for i := 0; i < n && r.err == nil; i++ {
		id := ItemID(r.int32(field + " key"))
		v := r.optional(field + " value")
		if _, dup := m[id]; dup {
			r.fail("%s: duplicate item %d", field, id)
		}
		m[id] = v
	}
	return m
}
