package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID      uuid.UUID `cbor:"id" json:"id"`
	Name    string    `cbor:"name" json:"name"`
	Started time.Time `cbor:"started" json:"started"`
	Count   int       `cbor:"count" json:"count"`
}

func newSample() sample {
	return sample{
		ID:      uuid.MustParse("0b5e9c2c-3f8e-4d6f-9a3e-2d1c6f0e8a71"),
		Name:    "notes",
		Started: time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC),
		Count:   3,
	}
}

func TestRoundTrip(t *testing.T) {
	for name, c := range map[string]Codec{"cbor": CBOR{}, "json": JSON{}, "json indented": JSON{Indent: "  "}} {
		t.Run(name, func(t *testing.T) {
			data, err := c.Marshal(newSample())
			require.NoError(t, err)

			var got sample
			require.NoError(t, c.Unmarshal(data, &got))
			assert.Equal(t, newSample().ID, got.ID)
			assert.True(t, newSample().Started.Equal(got.Started))
			assert.Equal(t, "notes", got.Name)
			assert.Equal(t, 3, got.Count)
		})
	}
}

func TestStreams(t *testing.T) {
	for name, c := range map[string]Codec{"cbor": CBOR{}, "json": JSON{Indent: "\t"}} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := c.NewEncoder(&buf)
			require.NoError(t, enc.Encode(newSample()))
			require.NoError(t, enc.Encode(sample{Name: "second"}))

			dec := c.NewDecoder(&buf)
			var first, second sample
			require.NoError(t, dec.Decode(&first))
			require.NoError(t, dec.Decode(&second))
			assert.Equal(t, "notes", first.Name)
			assert.Equal(t, "second", second.Name)
		})
	}
}

func TestCBORTagsUUID(t *testing.T) {
	id := uuid.New()
	data, err := CBOR{}.Marshal(id)
	require.NoError(t, err)

	var raw cbor.RawTag
	require.NoError(t, cbor.Unmarshal(data, &raw))
	assert.Equal(t, uint64(BinaryUUIDTag), raw.Number)
}

func TestJSONIndent(t *testing.T) {
	data, err := JSON{Indent: "  "}.Marshal(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1\n}", string(data))

	data, err = JSON{}.Marshal(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}
