//go:build !sonic

package codec

import (
	"bytes"
	"io"

	"github.com/goccy/go-json"
)

// Marshal encodes v without HTML escaping, so manifests hash the same under either codec.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func MarshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
