package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// mockReadWriteCloser is a simple wrapper around bytes.Buffer for testing
type mockReadWriteCloser struct {
	*bytes.Buffer
	closed bool
}

func (m *mockReadWriteCloser) Close() error {
	m.closed = true
	return nil
}

func newMockReadWriteCloser() *mockReadWriteCloser {
	return &mockReadWriteCloser{Buffer: &bytes.Buffer{}}
}

func sampleMessages() []struct {
	name string
	msg  Message
} {
	return []struct {
		name string
		msg  Message
	}{
		{
			name: "hello with tty",
			msg: &Hello{
				Version:  Version,
				Action:   ActionAuthenticate,
				Username: "janedoe",
				Items:    map[ItemID]*string{ItemTTY: Optional("/dev/pts/9000")},
				Env:      map[string]string{"PATH": "/path"},
			},
		},
		{
			name: "hello with absent tty",
			msg: &Hello{
				Version:  Version,
				Action:   ActionAcctMgmt,
				Username: "root",
				Items:    map[ItemID]*string{ItemTTY: nil, ItemRHost: Optional("")},
			},
		},
		{
			name: "echo-off prompt",
			msg:  &Prompt{Style: StyleEchoOff, Text: "Password: "},
		},
		{
			name: "prompt with unicode",
			msg:  &Prompt{Style: StyleInfo, Text: "Passwört → ok"},
		},
		{
			name: "reply with text",
			msg:  &Reply{Response: Optional("testpass"), ReturnCode: 0},
		},
		{
			name: "reply with empty text",
			msg:  &Reply{Response: Optional("")},
		},
		{
			name: "reply with absent text",
			msg:  &Reply{Response: nil, ReturnCode: 0},
		},
		{
			name: "success result",
			msg:  &Result{Status: StatusSuccess, Env: map[string]string{"PATH": "/newpath", "HOME": "/root"}},
		},
		{
			name: "auth failure result",
			msg:  &Result{Status: StatusAuthErr},
		},
		{
			name: "negative status",
			msg:  &Result{Status: -1},
		},
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	for _, tt := range sampleMessages() {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Marshal(tt.msg)
			require.NoError(t, err)

			decoded, err := Unmarshal(b)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestMarshalJSON_RoundTrip(t *testing.T) {
	for _, tt := range sampleMessages() {
		t.Run(tt.name, func(t *testing.T) {
			b, err := MarshalJSON(tt.msg)
			require.NoError(t, err)

			decoded, err := UnmarshalJSON(b)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	env := map[string]string{}
	for _, k := range []string{"Z", "A", "M", "PATH", "HOME", "LANG"} {
		env[k] = k + "-value"
	}
	msg := &Result{Status: 0, Env: env}

	first, err := Marshal(msg)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(&Result{Status: 0, Env: env})
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestMarshal_WireShape(t *testing.T) {
	b, err := Marshal(&Reply{Response: nil, ReturnCode: 0})
	require.NoError(t, err)

	// [3, [nil, 0]]
	assert.Equal(t, []byte{0x92, 0x03, 0x92, 0xc0, 0x00}, b)

	b, err = MarshalJSON(&Reply{Response: Optional("x")})
	require.NoError(t, err)
	assert.Equal(t, `[3,["x",0]]`, string(b))
}

func TestMarshal_RejectsInvalidMessages(t *testing.T) {
	_, err := Marshal(nil)
	assert.Error(t, err)

	var hello *Hello
	_, err = Marshal(hello)
	assert.Error(t, err)

	_, err = Marshal(&Prompt{Style: StyleInfo, Text: "\xff"})
	assert.Error(t, err)
}

func mustMsgpack(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestUnmarshal_Malformed(t *testing.T) {
	valid, err := Marshal(&Prompt{Style: StyleEchoOff, Text: "Password: "})
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty input", nil},
		{"not an array", mustMsgpack(t, "hello")},
		{"three elements", mustMsgpack(t, []interface{}{2, []interface{}{1, "x"}, 3})},
		{"unknown tag", mustMsgpack(t, []interface{}{9, []interface{}{}})},
		{"zero tag", mustMsgpack(t, []interface{}{0, []interface{}{}})},
		{"text tag", mustMsgpack(t, []interface{}{"prompt", []interface{}{1, "x"}})},
		{"body not array", mustMsgpack(t, []interface{}{2, "x"})},
		{"short body", mustMsgpack(t, []interface{}{2, []interface{}{1}})},
		{"long body", mustMsgpack(t, []interface{}{2, []interface{}{1, "x", "y"}})},
		{"nil text", mustMsgpack(t, []interface{}{2, []interface{}{1, nil}})},
		{"nil integer", mustMsgpack(t, []interface{}{2, []interface{}{nil, "x"}})},
		{"text for integer", mustMsgpack(t, []interface{}{2, []interface{}{"1", "x"}})},
		{"float for integer", mustMsgpack(t, []interface{}{2, []interface{}{1.5, "x"}})},
		{"bool for optional", mustMsgpack(t, []interface{}{3, []interface{}{true, 0}})},
		{"integer env value", mustMsgpack(t, []interface{}{4, []interface{}{0, map[string]interface{}{"A": 1}}})},
		{"nil env", mustMsgpack(t, []interface{}{4, []interface{}{0, nil}})},
		{"status out of range", mustMsgpack(t, []interface{}{4, []interface{}{int64(1) << 40, map[string]string{}}})},
		{"text item key", mustMsgpack(t, []interface{}{1, []interface{}{1, 0, "u", map[string]interface{}{"3": nil}, map[string]string{}}})},
		{"trailing bytes", append(append([]byte{}, valid...), 0xc0)},
		{"truncated", valid[:len(valid)-1]},
		{"oversized env header", []byte{0x92, 0x04, 0x92, 0x00, 0xdf, 0xff, 0xff, 0xff, 0xff}},
		{"oversized item header", []byte{0x92, 0x01, 0x95, 0x01, 0x00, 0xa1, 'u', 0xdf, 0xff, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Unmarshal(tt.frame)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMessage)
			assert.Nil(t, msg)
		})
	}
}

func TestUnmarshalJSON_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{invalid`},
		{"object", `{"tag":2}`},
		{"null", `null`},
		{"unknown tag", `[9,[]]`},
		{"fractional tag", `[2.5,[1,"x"]]`},
		{"short body", `[2,[1]]`},
		{"null text", `[2,[1,null]]`},
		{"number as text", `[2,[1,2]]`},
		{"string as integer", `[2,["1","x"]]`},
		{"env with number", `[4,[0,{"A":1}]]`},
		{"env as array", `[4,[0,[]]]`},
		{"item key not integer", `[1,[1,0,"u",{"tty":null},{}]]`},
		{"item key padded", `[1,[1,0,"u",{"03":null},{}]]`},
		{"trailing data", `[3,[null,0]] [3,[null,0]]`},
		{"invalid utf-8 text", "[2,[1,\"\xff\"]]"},
		{"invalid utf-8 env key", "[4,[0,{\"A\xc3\":\"x\"}]]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := UnmarshalJSON([]byte(tt.frame))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMessage)
			assert.Nil(t, msg)
		})
	}
}

func TestCodec_MultipleMessages(t *testing.T) {
	for _, format := range []string{FormatMessagePack, FormatJSON} {
		t.Run(format, func(t *testing.T) {
			buf := newMockReadWriteCloser()
			codec, err := NewCodec(format, buf)
			require.NoError(t, err)

			messages := []Message{
				&Prompt{Style: StyleEchoOff, Text: "Password: "},
				&Reply{Response: Optional("testpass")},
				&Prompt{Style: StyleInfo, Text: "Success!"},
				&Reply{},
				&Result{Status: StatusSuccess, Env: map[string]string{"PATH": "/newpath"}},
			}
			for _, msg := range messages {
				require.NoError(t, codec.Encode(msg))
			}

			for i, expected := range messages {
				decoded, err := codec.Decode()
				require.NoError(t, err, "message %d", i)
				assert.Equal(t, expected, decoded, "message %d", i)
			}

			_, err = codec.Decode()
			assert.Equal(t, io.EOF, err)

			require.NoError(t, codec.Close())
			assert.True(t, buf.closed)
		})
	}
}

func TestCodec_TruncatedStream(t *testing.T) {
	b, err := Marshal(&Result{Status: 0, Env: map[string]string{"PATH": "/x"}})
	require.NoError(t, err)

	buf := &mockReadWriteCloser{Buffer: bytes.NewBuffer(b[:len(b)-2])}
	codec := NewMessagePackCodec(buf)

	_, err = codec.Decode()
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrMalformedMessage)
}

func TestJSONCodec_DecodeError(t *testing.T) {
	buf := &mockReadWriteCloser{Buffer: bytes.NewBufferString("{invalid json\n")}
	codec := NewJSONCodec(buf)

	_, err := codec.Decode()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestJSONCodec_DecodeInvalidUTF8(t *testing.T) {
	buf := &mockReadWriteCloser{Buffer: bytes.NewBufferString("[2,[1,\"Pass\xffword\"]]\n")}
	codec := NewJSONCodec(buf)

	msg, err := codec.Decode()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.Nil(t, msg)
}

func TestNewCodec_UnknownFormat(t *testing.T) {
	_, err := NewCodec("xml", newMockReadWriteCloser())
	assert.Error(t, err)

	codec, err := NewCodec("", newMockReadWriteCloser())
	require.NoError(t, err)
	assert.IsType(t, &MessagePackCodec{}, codec)
}

func TestStyle(t *testing.T) {
	assert.True(t, StyleEchoOff.ExpectsInput())
	assert.True(t, StyleEchoOn.ExpectsInput())
	assert.False(t, StyleInfo.ExpectsInput())
	assert.False(t, StyleError.ExpectsInput())
	assert.False(t, Style(0).Valid())
	assert.False(t, Style(5).Valid())
	assert.Equal(t, "echo-off", StyleEchoOff.String())
}
