package boltstore

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/store"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller bodies.
	CompressionThreshold = 2048

	// DefaultMaxBodySize caps stored bodies and decompression output.
	DefaultMaxBodySize = 32 * 1024 * 1024 // 32MB
)

var (
	// ErrBodyTooLarge is returned when a body exceeds the configured maximum.
	ErrBodyTooLarge = errors.New("body exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed body exceeds maximum size")

	// ErrCorrupted is returned when body digest verification fails.
	ErrCorrupted = errors.New("body digest mismatch")
)

type bodyEncoding uint64

const (
	encodingIdentity bodyEncoding = 0
	encodingZstd     bodyEncoding = 1
)

// Entry field numbers. Numbers are never reused.
const (
	fieldStatus   protowire.Number = 1
	fieldHeader   protowire.Number = 2
	fieldBody     protowire.Number = 3
	fieldEncoding protowire.Number = 4
	fieldDigest   protowire.Number = 5
	fieldURL      protowire.Number = 6
	fieldStoredAt protowire.Number = 7
	fieldSize     protowire.Number = 8

	fieldHeaderName  protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// entry is the stored form of a response. body holds the encoded bytes and
// size the uncompressed length.
type entry struct {
	status   int
	header   http.Header
	body     []byte
	encoding bodyEncoding
	digest   string
	url      string
	storedAt time.Time
	size     uint64
}

// codec handles body compression and integrity.
// Encoder and decoder are goroutine-safe and can be reused.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	maxBody int64
	mu      sync.RWMutex
}

func newCodec(maxBody int64) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxBody))) //nolint:gosec // maxBody is validated positive
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec, maxBody: maxBody}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode converts a response to its stored form, compressing the body
// when that makes it smaller.
func (c *codec) encode(resp *store.Response) (*entry, error) {
	if int64(len(resp.Body)) > c.maxBody {
		return nil, ErrBodyTooLarge
	}

	e := &entry{
		status:   resp.Status,
		header:   resp.Header,
		body:     resp.Body,
		encoding: encodingIdentity,
		digest:   offlinecache.HashBytes(resp.Body).Digest(),
		url:      resp.URL,
		storedAt: resp.StoredAt,
		size:     uint64(len(resp.Body)),
	}

	if len(resp.Body) < CompressionThreshold {
		return e, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return e, nil
	}

	compressed := enc.EncodeAll(resp.Body, nil)
	if len(compressed) < len(resp.Body) {
		e.body = compressed
		e.encoding = encodingZstd
	}
	return e, nil
}

// decode restores a response, decompressing and verifying the body.
func (c *codec) decode(e *entry) (*store.Response, error) {
	body := e.body

	switch e.encoding {
	case encodingIdentity:
	case encodingZstd:
		if e.size > uint64(c.maxBody) { //nolint:gosec // maxBody is validated positive
			return nil, ErrDecompressionBomb
		}

		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(body, make([]byte, 0, e.size))
		if err != nil {
			return nil, fmt.Errorf("decompressing body: %w", err)
		}
		if int64(len(decompressed)) > c.maxBody {
			return nil, ErrDecompressionBomb
		}
		body = decompressed
	default:
		return nil, fmt.Errorf("unsupported body encoding: %d", e.encoding)
	}

	if err := offlinecache.Verify(body, e.digest); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}

	header := e.header
	if header == nil {
		header = http.Header{}
	}

	return &store.Response{
		Status:   e.status,
		Header:   header,
		Body:     body,
		URL:      e.url,
		StoredAt: e.storedAt,
	}, nil
}

// marshalEntry encodes an entry in protobuf wire format. Header names are
// written in sorted order so equal entries produce equal bytes.
func marshalEntry(e *entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.status)) //nolint:gosec // HTTP status is non-negative

	names := make([]string, 0, len(e.header))
	for name := range e.header {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		for _, value := range e.header[name] {
			var h []byte
			h = protowire.AppendTag(h, fieldHeaderName, protowire.BytesType)
			h = protowire.AppendString(h, name)
			h = protowire.AppendTag(h, fieldHeaderValue, protowire.BytesType)
			h = protowire.AppendString(h, value)

			b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
			b = protowire.AppendBytes(b, h)
		}
	}

	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, e.body)
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.encoding))
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendString(b, e.digest)
	b = protowire.AppendTag(b, fieldURL, protowire.BytesType)
	b = protowire.AppendString(b, e.url)
	if !e.storedAt.IsZero() {
		b = protowire.AppendTag(b, fieldStoredAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.storedAt.UnixNano())) //nolint:gosec // timestamps after 1970
	}
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, e.size)
	return b
}

// unmarshalEntry decodes an entry. Unknown fields are skipped. The returned
// body aliases data, so callers inside a bbolt transaction must copy.
func unmarshalEntry(data []byte) (*entry, error) {
	e := &entry{header: http.Header{}}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decoding entry tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decoding status: %w", protowire.ParseError(n))
			}
			e.status = int(v) //nolint:gosec // written from an int
			data = data[n:]
		case num == fieldHeader && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("decoding header: %w", protowire.ParseError(n))
			}
			name, value, err := unmarshalHeader(v)
			if err != nil {
				return nil, err
			}
			e.header[name] = append(e.header[name], value)
			data = data[n:]
		case num == fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("decoding body: %w", protowire.ParseError(n))
			}
			e.body = v
			data = data[n:]
		case num == fieldEncoding && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decoding encoding: %w", protowire.ParseError(n))
			}
			e.encoding = bodyEncoding(v)
			data = data[n:]
		case num == fieldDigest && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("decoding digest: %w", protowire.ParseError(n))
			}
			e.digest = v
			data = data[n:]
		case num == fieldURL && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("decoding url: %w", protowire.ParseError(n))
			}
			e.url = v
			data = data[n:]
		case num == fieldStoredAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decoding stored_at: %w", protowire.ParseError(n))
			}
			e.storedAt = time.Unix(0, int64(v)).UTC() //nolint:gosec // written from UnixNano
			data = data[n:]
		case num == fieldSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decoding size: %w", protowire.ParseError(n))
			}
			e.size = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return e, nil
}

func unmarshalHeader(data []byte) (name, value string, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", fmt.Errorf("decoding header tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType || (num != fieldHeaderName && num != fieldHeaderValue) {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", "", fmt.Errorf("skipping header field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return "", "", fmt.Errorf("decoding header field: %w", protowire.ParseError(n))
		}
		if num == fieldHeaderName {
			name = v
		} else {
			value = v
		}
		data = data[n:]
	}
	return name, value, nil
}

// entrySize returns the uncompressed body size recorded in data without
// decompressing the body.
func entrySize(data []byte) (uint64, error) {
	e, err := unmarshalEntry(data)
	if err != nil {
		return 0, err
	}
	return e.size, nil
}
