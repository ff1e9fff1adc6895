package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// BinaryUUIDTag is the registered CBOR tag for a 16-byte UUID.
const BinaryUUIDTag = 37

// CBOR encodes times as tagged RFC 3339 strings and UUIDs as tagged byte strings.
type CBOR struct{}

var _ Codec = CBOR{}

func (CBOR) Marshal(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

func (CBOR) NewEncoder(w io.Writer) Encoder {
	return cborEncMode.NewEncoder(w)
}

func (CBOR) Unmarshal(data []byte, dst any) error {
	return cborDecMode.Unmarshal(data, dst)
}

func (CBOR) NewDecoder(r io.Reader) Decoder {
	return cborDecMode.NewDecoder(r)
}

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	tags := cbor.NewTagSet()
	err := tags.Add(
		cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
		reflect.TypeOf(uuid.UUID{}),
		BinaryUUIDTag,
	)
	if err != nil {
		panic(err)
	}

	cborEncMode, err = cbor.EncOptions{
		Time:      cbor.TimeRFC3339Nano,
		TimeTag:   cbor.EncTagRequired,
		ByteArray: cbor.ByteArrayToByteSlice,
	}.EncModeWithTags(tags)
	if err != nil {
		panic(err)
	}

	cborDecMode, err = cbor.DecOptions{
		TimeTagToAny: cbor.TimeTagToTime,
	}.DecModeWithTags(tags)
	if err != nil {
		panic(err)
	}
}
