package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
)

// Record layout: magic | header length (uint32 big-endian) | header JSON | payload.
const (
	recordMagic = "OCR1"

	// MaxHeaderSize caps the JSON header of a record.
	MaxHeaderSize = 64 * 1024

	// MaxPayloadSize caps the payload of a record. Outbox payloads are
	// small JSON documents.
	MaxPayloadSize = 1024 * 1024
)

var (
	// ErrCorruptRecord is returned when a stored record fails to frame or
	// verify.
	ErrCorruptRecord = errors.New("backend: corrupt record")

	// ErrRecordTooLarge is returned when a record exceeds the size limits.
	ErrRecordTooLarge = errors.New("backend: record too large")
)

// Record is one stored entry: identifying metadata plus an opaque payload.
type Record struct {
	ID          string
	CreatedAt   time.Time
	ContentType string
	Payload     []byte
}

type recordHeader struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	ContentType string    `json:"content_type,omitempty"`
	Length      int64     `json:"length"`
	Digest      string    `json:"digest"`
}

// MarshalRecord encodes rec. The header carries the payload length and
// BLAKE3 digest so UnmarshalRecord can detect truncation and bit rot.
func MarshalRecord(rec *Record) ([]byte, error) {
	if len(rec.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload is %d bytes", ErrRecordTooLarge, len(rec.Payload))
	}

	hdr, err := json.Marshal(recordHeader{
		ID:          rec.ID,
		CreatedAt:   rec.CreatedAt,
		ContentType: rec.ContentType,
		Length:      int64(len(rec.Payload)),
		Digest:      offlinecache.HashBytes(rec.Payload).Digest(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling record header: %w", err)
	}
	if len(hdr) > MaxHeaderSize {
		return nil, fmt.Errorf("%w: header is %d bytes", ErrRecordTooLarge, len(hdr))
	}

	out := make([]byte, 0, len(recordMagic)+4+len(hdr)+len(rec.Payload))
	out = append(out, recordMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(hdr))) //nolint:gosec // bounded by MaxHeaderSize
	out = append(out, hdr...)
	out = append(out, rec.Payload...)
	return out, nil
}

// UnmarshalRecord decodes and verifies a record produced by MarshalRecord.
func UnmarshalRecord(data []byte) (*Record, error) {
	if !bytes.HasPrefix(data, []byte(recordMagic)) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptRecord)
	}
	data = data[len(recordMagic):]

	if len(data) < 4 {
		return nil, fmt.Errorf("%w: missing header length", ErrCorruptRecord)
	}
	hdrLen := binary.BigEndian.Uint32(data)
	data = data[4:]
	if hdrLen > MaxHeaderSize {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptRecord, hdrLen)
	}
	if uint32(len(data)) < hdrLen { //nolint:gosec // len is bounded by the read limit
		return nil, fmt.Errorf("%w: truncated header", ErrCorruptRecord)
	}

	var hdr recordHeader
	if err := json.Unmarshal(data[:hdrLen], &hdr); err != nil {
		return nil, fmt.Errorf("%w: parsing header: %w", ErrCorruptRecord, err)
	}
	payload := data[hdrLen:]

	if int64(len(payload)) != hdr.Length {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrCorruptRecord, len(payload), hdr.Length)
	}
	if hdr.Digest == "" {
		return nil, fmt.Errorf("%w: missing digest", ErrCorruptRecord)
	}
	if err := offlinecache.Verify(payload, hdr.Digest); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}

	return &Record{
		ID:          hdr.ID,
		CreatedAt:   hdr.CreatedAt,
		ContentType: hdr.ContentType,
		Payload:     bytes.Clone(payload),
	}, nil
}

// PutRecord writes rec to key in b.
func PutRecord(ctx context.Context, b Backend, key string, rec *Record) error {
	data, err := MarshalRecord(rec)
	if err != nil {
		return err
	}
	return b.Write(ctx, key, bytes.NewReader(data))
}

// GetRecord reads and verifies the record at key in b.
func GetRecord(ctx context.Context, b Backend, key string) (*Record, error) {
	rc, err := b.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	limit := int64(len(recordMagic) + 4 + MaxHeaderSize + MaxPayloadSize)
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", key, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s", ErrRecordTooLarge, key)
	}

	rec, err := UnmarshalRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", key, err)
	}
	return rec, nil
}
