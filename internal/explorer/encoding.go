package explorer

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

type Encoding int

const (
	EncodingNone Encoding = iota
	EncodingGzip
	EncodingZstd
	EncodingS2
)

func (e Encoding) String() string {
	switch e {
	case EncodingGzip:
		return "gzip"
	case EncodingZstd:
		return "zstd"
	case EncodingS2:
		return "s2"
	default:
		return "none"
	}
}

// EncodingFor picks the body encoding a content type asks for. Matching is
// case-insensitive on substrings, so "application/json+gzip" and
// "application/x-compressed" both compress.
func EncodingFor(contentType string) Encoding {
	ct := strings.ToLower(contentType)
	switch {
	case ct == "":
		return EncodingNone
	case strings.Contains(ct, "zstd"):
		return EncodingZstd
	case strings.Contains(ct, "snappy") || strings.Contains(ct, "+s2") || strings.HasSuffix(ct, "/s2"):
		return EncodingS2
	case strings.Contains(ct, "zip"),
		strings.Contains(ct, "deflate"),
		strings.Contains(ct, "compressed"):
		return EncodingGzip
	default:
		return EncodingNone
	}
}

// Zstd encoder/decoder shared by all sends; EncodeAll and DecodeAll are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// EncodeBody applies the encoding contentType asks for.
func EncodeBody(contentType string, body []byte) ([]byte, error) {
	switch EncodingFor(contentType) {
	case EncodingGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		return buf.Bytes(), nil
	case EncodingZstd:
		return zstdEncoder.EncodeAll(body, nil), nil
	case EncodingS2:
		return s2.Encode(nil, body), nil
	default:
		return body, nil
	}
}

// DecodeBody reverses EncodeBody for display.
func DecodeBody(contentType string, body []byte) ([]byte, error) {
	switch EncodingFor(contentType) {
	case EncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gunzip body: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gunzip body: %w", err)
		}
		return out, nil
	case EncodingZstd:
		out, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd body: %w", err)
		}
		return out, nil
	case EncodingS2:
		out, err := s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("s2 body: %w", err)
		}
		return out, nil
	default:
		return body, nil
	}
}
