package protocol

import (
	"fmt"
	"io"
)

// Codec defines the interface for encoding and decoding protocol messages.
// Implementations handle the serialization format (MessagePack, JSON) and
// message framing over the underlying transport.
type Codec interface {
	// Encode writes one complete frame to the underlying writer
	Encode(msg Message) error

	// Decode reads the next frame. It returns io.EOF only when the stream
	// ends cleanly between frames.
	Decode() (Message, error)

	// Close closes the codec and its underlying resources
	Close() error
}

// Supported codec formats.
const (
	FormatMessagePack = "msgpack"
	FormatJSON        = "json"
)

// NewCodec creates a codec based on the specified format.
// An empty format selects MessagePack.
// The rw parameter is the underlying transport connection.
func NewCodec(format string, rw io.ReadWriteCloser) (Codec, error) {
	switch format {
	case FormatMessagePack, "":
		return NewMessagePackCodec(rw), nil
	case FormatJSON:
		return NewJSONCodec(rw), nil
	default:
		return nil, fmt.Errorf("unsupported codec format: %s", format)
	}
}

// bodyArity is the number of fields each kind carries, in wire order.
var bodyArity = map[Kind]int{
	KindHello:  5,
	KindPrompt: 2,
	KindReply:  2,
	KindResult: 2,
}

func checkTag(tag int64) (Kind, error) {
	kind := Kind(tag)
	if tag < 0 || tag > 255 {
		return 0, malformed(0, "tag %d out of range", tag)
	}
	if _, ok := bodyArity[kind]; !ok {
		return 0, malformed(0, "unknown tag %d", tag)
	}
	return kind, nil
}

func checkArity(kind Kind, n int) error {
	if want := bodyArity[kind]; n != want {
		return malformed(kind, "body has %d fields, want %d", n, want)
	}
	return nil
}
