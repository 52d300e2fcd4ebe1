// Package persist provides codec-based file persistence for snapshot types.
package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// File extensions for supported codecs.
const (
	jsonExtension = ".json"
	cborExtension = ".cbor"
)

// Default indentation for pretty-printed JSON.
const defaultIndent = "  "

// stateFileMode is the permission of written state files.
const stateFileMode = 0o600

// Codec defines how state is serialized and deserialized.
type Codec interface {
	// Encode writes the state to the writer.
	Encode(w io.Writer, state any) error
	// Decode reads the state from the reader.
	Decode(r io.Reader, state any) error
	// Extension returns the file extension for this codec (e.g., ".json", ".cbor").
	Extension() string
}

// JSONCodec implements Codec using JSON encoding with optional indentation.
type JSONCodec struct {
	// Indent specifies the indentation string. Empty string means compact JSON.
	Indent string
}

// NewJSONCodec creates a JSON codec with pretty-printing (2-space indent).
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{Indent: defaultIndent}
}

// Encode implements Codec.Encode using JSON encoding.
func (c *JSONCodec) Encode(w io.Writer, state any) error {
	encoder := json.NewEncoder(w)
	if c.Indent != "" {
		encoder.SetIndent("", c.Indent)
	}

	err := encoder.Encode(state)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}

	return nil
}

// Decode implements Codec.Decode using JSON decoding.
func (c *JSONCodec) Decode(r io.Reader, state any) error {
	err := json.NewDecoder(r).Decode(state)
	if err != nil {
		return fmt.Errorf("json decode: %w", err)
	}

	return nil
}

// Extension implements Codec.Extension for JSON files.
func (c *JSONCodec) Extension() string {
	return jsonExtension
}

// CBORCodec implements Codec using deterministic CBOR, which keeps binary
// payloads compact where JSON would base64 them.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec creates a CBOR codec using core deterministic encoding.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}

	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}

	return &CBORCodec{enc: enc, dec: dec}, nil
}

// Encode implements Codec.Encode using CBOR encoding.
func (c *CBORCodec) Encode(w io.Writer, state any) error {
	err := c.enc.NewEncoder(w).Encode(state)
	if err != nil {
		return fmt.Errorf("cbor encode: %w", err)
	}

	return nil
}

// Decode implements Codec.Decode using CBOR decoding.
func (c *CBORCodec) Decode(r io.Reader, state any) error {
	err := c.dec.NewDecoder(r).Decode(state)
	if err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}

	return nil
}

// Extension implements Codec.Extension for CBOR files.
func (c *CBORCodec) Extension() string {
	return cborExtension
}

// StatePath returns the file a codec writes basename to inside dir.
func StatePath(dir, basename string, codec Codec) string {
	return filepath.Join(dir, basename+codec.Extension())
}

// SaveState writes state to dir/basename+ext. The file is written to a
// temporary sibling first and renamed into place so readers never observe a
// partial snapshot.
func SaveState(dir, basename string, codec Codec, state any) error {
	path := StatePath(dir, basename, codec)

	file, err := os.CreateTemp(dir, basename+".*.tmp")
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}

	tmpPath := file.Name()

	err = codec.Encode(file, state)
	if err != nil {
		file.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("encode state: %w", err)
	}

	err = file.Chmod(stateFileMode)
	if err == nil {
		err = file.Close()
	} else {
		file.Close()
	}

	if err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("close state file: %w", err)
	}

	err = os.Rename(tmpPath, path)
	if err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// LoadState loads state from dir/basename+ext. The state parameter must be a
// pointer to the target struct. A missing file wraps fs.ErrNotExist.
func LoadState(dir, basename string, codec Codec, state any) error {
	file, err := os.Open(StatePath(dir, basename, codec))
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	err = codec.Decode(file, state)
	if err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	return nil
}
