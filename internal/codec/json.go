package codec

import (
	"io"

	json "github.com/goccy/go-json"
)

// JSON is goccy/go-json with indented output.
type JSON struct {
	// Indent is used for every nesting level. Empty means compact output.
	Indent string
}

var _ Codec = JSON{}

func (j JSON) Marshal(v any) ([]byte, error) {
	if j.Indent == "" {
		return json.Marshal(v)
	}
	return json.MarshalIndent(v, "", j.Indent)
}

func (j JSON) NewEncoder(w io.Writer) Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", j.Indent)
	return enc
}

func (JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func (JSON) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}
