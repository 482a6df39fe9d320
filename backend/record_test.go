package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() *Record {
	return &Record{
		ID:          "op-1",
		CreatedAt:   time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		ContentType: "application/json",
		Payload:     []byte(`{"items":[{"sku":"A1","qty":2}]}`),
	}
}

func TestRecordRoundTrip(t *testing.T) {
	data, err := MarshalRecord(testRecord())
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte(recordMagic)))

	got, err := UnmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(t, testRecord(), got)
}

func TestRecordEmptyPayload(t *testing.T) {
	data, err := MarshalRecord(&Record{ID: "empty"})
	require.NoError(t, err)

	got, err := UnmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(t, "empty", got.ID)
	assert.Empty(t, got.Payload)
}

func TestUnmarshalRecordDetectsCorruption(t *testing.T) {
	good, err := MarshalRecord(testRecord())
	require.NoError(t, err)

	flipped := bytes.Clone(good)
	flipped[len(flipped)-3] ^= 0xff

	oversizedHeader := append([]byte(recordMagic), 0, 0, 0, 0)
	binary.BigEndian.PutUint32(oversizedHeader[len(recordMagic):], MaxHeaderSize+1)

	tests := []struct {
		name string
		data []byte
	}{
		{"bad magic", append([]byte("NOPE"), good[4:]...)},
		{"short", []byte("OC")},
		{"no header length", []byte(recordMagic)},
		{"header length too large", oversizedHeader},
		{"truncated header", good[:12]},
		{"truncated payload", good[:len(good)-1]},
		{"extra payload", append(bytes.Clone(good), '!')},
		{"payload bit flip", flipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalRecord(tt.data)
			require.ErrorIs(t, err, ErrCorruptRecord)
		})
	}
}

func TestMarshalRecordTooLarge(t *testing.T) {
	_, err := MarshalRecord(&Record{Payload: make([]byte, MaxPayloadSize+1)})
	require.ErrorIs(t, err, ErrRecordTooLarge)

	_, err = MarshalRecord(&Record{ID: strings.Repeat("x", MaxHeaderSize)})
	require.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestPutGetRecord(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, PutRecord(ctx, fs, "pending/op-1.json", testRecord()))

	got, err := GetRecord(ctx, fs, "pending/op-1.json")
	require.NoError(t, err)
	assert.Equal(t, testRecord(), got)

	_, err = GetRecord(ctx, fs, "pending/missing.json")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, fs.Write(ctx, "pending/junk.json", strings.NewReader("not a record")))
	_, err = GetRecord(ctx, fs, "pending/junk.json")
	require.ErrorIs(t, err, ErrCorruptRecord)
	assert.Contains(t, err.Error(), "pending/junk.json")
}
