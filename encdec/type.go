package encdec

import "io"

// ValueCodec is an interface that defines methods for encoding and decoding a value against a stream.
type ValueCodec interface {
	Encode(w io.Writer, value any) error
	Decode(r io.Reader, value any) error
}

// KeyCodec is an interface that defines methods for encoding and decoding a single map key.
type KeyCodec interface {
	Encode(plain string) string
	Decode(encoded string) (string, error)
}
