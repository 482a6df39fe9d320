package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstrumentedFilesystem(t *testing.T) *Instrumented {
	t.Helper()
	return NewInstrumented(newTestFilesystem(t), "outbox")
}

func TestInstrumented_WriteReadDeleteList(t *testing.T) {
	ib := newInstrumentedFilesystem(t)
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "pending/a.json", strings.NewReader(`{"a":1}`)))
	require.NoError(t, ib.Write(ctx, "pending/b.json", strings.NewReader(`{"b":2}`)))

	keys, err := ib.List(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, []string{"pending/a.json", "pending/b.json"}, keys)

	rc, err := ib.Read(ctx, "pending/a.json")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.JSONEq(t, `{"a":1}`, string(got))

	require.NoError(t, ib.Delete(ctx, "pending/a.json"))
	_, err = ib.Read(ctx, "pending/a.json")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumented_ReadCountsConsumedBytesOnClose(t *testing.T) {
	var calls []int64
	rc := &countingReadCloser{
		ReadCloser: io.NopCloser(strings.NewReader("hello, outbox")),
		done:       func(n int64) { calls = append(calls, n) },
	}

	buf := make([]byte, 5)
	_, err := io.ReadFull(rc, buf)
	require.NoError(t, err)
	assert.Empty(t, calls, "nothing is recorded until close")

	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())
	assert.Equal(t, []int64{5}, calls)
}

func TestInstrumented_Unwrap(t *testing.T) {
	fs := newTestFilesystem(t)
	require.Same(t, fs, NewInstrumented(fs, "outbox").Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("disk full")))
}
