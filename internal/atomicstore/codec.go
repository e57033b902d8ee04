package atomicstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Format names accepted by CodecFor.
const (
	FormatJSON = "json"
	FormatTOML = "toml"
)

// ErrUnknownFormat is returned by CodecFor for an unsupported format name.
var ErrUnknownFormat = errors.New("unknown store format")

// CodecFor returns the codec for a format name. The empty name is JSON.
func CodecFor(format string) (Codec, error) {
	switch format {
	case "", FormatJSON:
		return JSONCodec{}, nil
	case FormatTOML:
		return TOMLCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// Codec converts the whole store map to and from bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// Ext is the file extension, without the dot. Callers derive store
	// file names from it.
	Ext() string
}

// JSONCodec stores data as indented JSON. It is the default codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Ext() string { return FormatJSON }

// TOMLCodec stores data as TOML. Values must be representable in TOML,
// which rules out nil and mixed-type arrays.
type TOMLCodec struct{}

func (TOMLCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (TOMLCodec) Unmarshal(data []byte, v any) error {
	_, err := toml.Decode(string(data), v)
	return err
}

func (TOMLCodec) Ext() string { return FormatTOML }
