// Package gelf decodes GELF datagrams into raw field bags.
//
// A datagram is either gzip- or zlib-compressed JSON or plain JSON. The
// encoding is detected from the leading magic bytes. Every failure surfaces
// as a types.AppError of the decode class; a corrupt or truncated stream is
// never returned as a partial message.
package gelf

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"gelfrelay/internal/types"
)

// DefaultMaxMessageBytes caps the decompressed size of a single message.
const DefaultMaxMessageBytes = 8 << 20

// Encoding identifies how a datagram payload is wrapped.
type Encoding string

const (
	EncodingGzip    Encoding = "gzip"
	EncodingZlib    Encoding = "zlib"
	EncodingPlain   Encoding = "plain"
	EncodingChunked Encoding = "chunked"
	EncodingUnknown Encoding = "unknown"
)

// DetectEncoding inspects the magic bytes of a datagram payload.
func DetectEncoding(payload []byte) Encoding {
	if len(payload) < 2 {
		if len(payload) == 1 && payload[0] == '{' {
			return EncodingPlain
		}
		return EncodingUnknown
	}
	switch {
	case payload[0] == 0x1f && payload[1] == 0x8b:
		return EncodingGzip
	case payload[0] == 0x1e && payload[1] == 0x0f:
		return EncodingChunked
	case payload[0] == 0x78 && (uint16(payload[0])<<8|uint16(payload[1]))%31 == 0:
		return EncodingZlib
	case payload[0] == '{':
		return EncodingPlain
	default:
		return EncodingUnknown
	}
}

// Decoder turns datagram payloads into types.RawMessage values. It holds no
// per-message state and is safe for concurrent use.
type Decoder struct {
	maxBytes int64
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxMessageBytes overrides the decompressed size cap.
func WithMaxMessageBytes(n int64) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxBytes = n
		}
	}
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{maxBytes: DefaultMaxMessageBytes}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode decompresses and parses one datagram payload.
func (d *Decoder) Decode(payload []byte) (types.RawMessage, error) {
	var (
		body []byte
		err  error
	)

	switch enc := DetectEncoding(payload); enc {
	case EncodingGzip:
		body, err = d.inflateGzip(payload)
	case EncodingZlib:
		body, err = d.inflateZlib(payload)
	case EncodingPlain:
		if int64(len(payload)) > d.maxBytes {
			err = tooLarge(d.maxBytes)
		}
		body = payload
	case EncodingChunked:
		return nil, types.NewAppError(types.ErrCodeDecodeChunked,
			"chunked GELF datagrams are not supported", nil)
	default:
		if len(payload) == 0 {
			return nil, types.NewAppError(types.ErrCodeDecodeJSON, "empty datagram", nil)
		}
		return nil, types.NewAppErrorWithDetails(types.ErrCodeDecodeCompression,
			"unrecognized payload encoding", nil,
			map[string]any{"magic": fmt.Sprintf("%x", payload[:min(2, len(payload))])})
	}
	if err != nil {
		return nil, err
	}

	return parseJSON(body)
}

func (d *Decoder) inflateGzip(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeDecodeCompression, "invalid gzip header", err)
	}
	defer zr.Close()

	// Multistream stays enabled: trailing bytes after the member must parse
	// as another gzip header, so garbage fails the read instead of being ignored.
	return d.readAll(zr, "gzip")
}

func (d *Decoder) inflateZlib(payload []byte) ([]byte, error) {
	br := bytes.NewReader(payload)
	zr, err := zlib.NewReader(br)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeDecodeCompression, "invalid zlib header", err)
	}
	defer zr.Close()

	body, err := d.readAll(zr, "zlib")
	if err != nil {
		return nil, err
	}
	// bytes.Reader is an io.ByteReader, so the inflater never reads ahead.
	if br.Len() > 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeDecodeCompression,
			"trailing data after zlib stream", nil,
			map[string]any{"trailing_bytes": br.Len()})
	}
	return body, nil
}

func (d *Decoder) readAll(r io.Reader, format string) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, d.maxBytes+1))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeDecodeCompression,
			fmt.Sprintf("corrupt %s stream", format), err)
	}
	if int64(len(body)) > d.maxBytes {
		return nil, tooLarge(d.maxBytes)
	}
	return body, nil
}

func parseJSON(body []byte) (types.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var msg map[string]any
	if err := dec.Decode(&msg); err != nil {
		return nil, types.NewAppError(types.ErrCodeDecodeJSON, "payload is not a JSON object", err)
	}
	if msg == nil {
		return nil, types.NewAppError(types.ErrCodeDecodeJSON, "payload is JSON null", nil)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, types.NewAppError(types.ErrCodeDecodeJSON, "trailing data after JSON object", err)
	}
	return types.RawMessage(msg), nil
}

func tooLarge(limit int64) error {
	return types.NewAppErrorWithDetails(types.ErrCodeDecodeTooLarge,
		"decompressed message exceeds size limit", nil,
		map[string]any{"limit_bytes": limit})
}
