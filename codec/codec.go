// Package codec converts queue payload text to raw capture bytes and back.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/c360/captureflow/errors"
)

// Supported compression names
const (
	Gzip = "gzip"
	None = "none"
	// Raw marks a payload that is already capture bytes, with no base64 layer.
	Raw = "raw"
)

// MaxDecodedSize caps decompressed payloads.
const MaxDecodedSize = 1 << 30

// Decode reverses Encode: base64 (standard alphabet, whitespace ignored)
// followed by decompression. Malformed input yields a DecodeError.
func Decode(text []byte, compression string) ([]byte, error) {
	if compression == Raw {
		if len(text) == 0 {
			return nil, errors.NewPipeline(errors.KindDecode, "codec.Decode", fmt.Errorf("empty raw payload"))
		}
		return bytes.Clone(text), nil
	}

	packed, err := decodeBase64(text)
	if err != nil {
		return nil, errors.NewPipeline(errors.KindDecode, "codec.Decode", fmt.Errorf("base64: %w", err))
	}

	switch compression {
	case Gzip, "":
		raw, err := gunzip(packed)
		if err != nil {
			return nil, errors.NewPipeline(errors.KindDecode, "codec.Decode", fmt.Errorf("gzip: %w", err))
		}
		return raw, nil
	case None:
		return packed, nil
	default:
		return nil, errors.NewPipeline(errors.KindDecode, "codec.Decode",
			fmt.Errorf("unsupported compression %q", compression))
	}
}

// Encode compresses raw and returns base64 text.
func Encode(raw []byte, compression string) ([]byte, error) {
	if compression == Raw {
		return bytes.Clone(raw), nil
	}

	var packed []byte
	switch compression {
	case Gzip, "":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, errors.Wrap(err, "codec", "Encode", "gzip write")
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "codec", "Encode", "gzip close")
		}
		packed = buf.Bytes()
	case None:
		packed = raw
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unsupported compression %q", compression),
			"codec", "Encode", "select compression")
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(len(packed)))
	base64.StdEncoding.Encode(out, packed)
	return out, nil
}

func decodeBase64(text []byte) ([]byte, error) {
	clean := make([]byte, 0, len(text))
	for _, c := range text {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		clean = append(clean, c)
	}

	out := make([]byte, base64.StdEncoding.DecodedLen(len(clean)))
	n, err := base64.StdEncoding.Decode(out, clean)
	if err == nil {
		return out[:n], nil
	}

	// Unpadded producers are accepted too.
	raw := make([]byte, base64.RawStdEncoding.DecodedLen(len(clean)))
	n, rawErr := base64.RawStdEncoding.Decode(raw, clean)
	if rawErr != nil {
		return nil, err
	}
	return raw[:n], nil
}

func gunzip(packed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, MaxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxDecodedSize {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", MaxDecodedSize)
	}
	return raw, nil
}
