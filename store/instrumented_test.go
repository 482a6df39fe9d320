package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumented_Delegates(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s := NewInstrumented(inner)

	p, err := s.Open(ctx, "dynamic-v1")
	require.NoError(t, err)
	assert.Equal(t, "dynamic-v1", p.Name())

	key := NewKey("GET", "/api/cart")
	require.NoError(t, p.Put(ctx, key, &Response{Status: 200, Body: []byte("{}")}))

	got, err := s.Match(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got.Body))

	_, err = p.Match(ctx, NewKey("GET", "/missing"))
	require.ErrorIs(t, err, ErrNotFound)

	deleted, err := s.DeleteAllExcept(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dynamic-v1"}, deleted)

	assert.Same(t, inner, s.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	assert.Equal(t, "success", outcomeFromError(nil))
	assert.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	assert.Equal(t, "error", outcomeFromError(assert.AnError))
}
