// Package codec holds the self-describing encodings used for files that sit next to a
// database, such as the session lock file and JSON exports.
package codec

import "io"

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec is both halves of one encoding.
type Codec interface {
	Marshaler
	Unmarshaler
}
