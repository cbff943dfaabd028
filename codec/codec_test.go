package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/captureflow/errors"
)

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sizes := []int{0, 1, 12, 255, 4096, 1 << 16}

	for _, compression := range []string{Gzip, None} {
		for _, size := range sizes {
			raw := make([]byte, size)
			rng.Read(raw)

			text, err := Encode(raw, compression)
			require.NoError(t, err)

			got, err := Decode(text, compression)
			require.NoError(t, err, "compression=%s size=%d", compression, size)
			assert.Equal(t, raw, got, "compression=%s size=%d", compression, size)
		}
	}
}

func TestDecode_KnownGzipStream(t *testing.T) {
	raw := []byte("\xd4\xc3\xb2\xa1\x02\x00\x04\x00pcap")
	require.Len(t, raw, 12)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(raw)
	require.NoError(t, zw.Close())
	text := base64.StdEncoding.EncodeToString(buf.Bytes())

	got, err := Decode([]byte(text), Gzip)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestDecode_ToleratesWhitespace(t *testing.T) {
	text, err := Encode([]byte("capture bytes"), Gzip)
	require.NoError(t, err)

	wrapped := make([]byte, 0, len(text)+8)
	for i, c := range text {
		if i > 0 && i%10 == 0 {
			wrapped = append(wrapped, '\n', ' ')
		}
		wrapped = append(wrapped, c)
	}

	got, err := Decode(wrapped, Gzip)
	require.NoError(t, err)
	assert.Equal(t, []byte("capture bytes"), got)
}

func TestDecode_Unpadded(t *testing.T) {
	var packed bytes.Buffer
	zw := gzip.NewWriter(&packed)
	_, _ = zw.Write([]byte("capture bytes!"))
	require.NoError(t, zw.Close())

	tests := []struct {
		name        string
		payload     []byte
		compression string
		want        []byte
	}{
		{"gzip", packed.Bytes(), Gzip, []byte("capture bytes!")},
		{"two bytes", []byte("ab"), None, []byte("ab")},
		{"four bytes", []byte("abcd"), None, []byte("abcd")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := []byte(base64.RawStdEncoding.EncodeToString(tt.payload))

			got, err := Decode(text, tt.compression)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	notGzip := []byte(base64.StdEncoding.EncodeToString([]byte("plain text, no gzip header")))

	var truncated bytes.Buffer
	zw := gzip.NewWriter(&truncated)
	_, _ = zw.Write(bytes.Repeat([]byte("abc"), 1000))
	_ = zw.Close()
	cut := truncated.Bytes()[:truncated.Len()/2]

	tests := []struct {
		name        string
		text        []byte
		compression string
	}{
		{"bad base64", []byte("!!!not base64!!!"), Gzip},
		{"bad length", []byte("a"), None},
		{"bad padding", []byte("ab=c"), None},
		{"not gzip", notGzip, Gzip},
		{"truncated gzip", []byte(base64.StdEncoding.EncodeToString(cut)), Gzip},
		{"empty gzip", []byte(""), Gzip},
		{"unknown compression", []byte("aGVsbG8="), "zstd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.text, tt.compression)
			require.Error(t, err)

			kind, ok := errors.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, errors.KindDecode, kind)
			assert.True(t, errors.IsInvalid(err), "decode errors are permanent")
		})
	}
}

func TestEncode_UnknownCompression(t *testing.T) {
	_, err := Encode([]byte("x"), "lz4")
	assert.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRaw(t *testing.T) {
	capture := []byte{0xd4, 0xc3, 0xb2, 0xa1, 0x02, 0x00}

	text, err := Encode(capture, Raw)
	require.NoError(t, err)
	assert.Equal(t, capture, text)

	got, err := Decode(text, Raw)
	require.NoError(t, err)
	assert.Equal(t, capture, got)

	got[0] = 0
	assert.Equal(t, byte(0xd4), text[0], "decode copies")

	_, err = Decode(nil, Raw)
	kind, _ := errors.KindOf(err)
	assert.Equal(t, errors.KindDecode, kind)
}
