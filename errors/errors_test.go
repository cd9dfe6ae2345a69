package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(ErrExhausted, "Category: tool")

	assert.True(t, Is(err, ErrExhausted))
	assert.Contains(t, GetAllDetails(err), "Category: tool")
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNotFound, ErrExhausted, ErrInvalidEndpoint, ErrConflict,
		ErrInvariantViolation, ErrInvalidRequest, ErrEmpty,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, Is(a, b), "%v must not match %v", a, b)
		}
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("entity %s", "NI01")

	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsConflictError(err))
	assert.Contains(t, err.Error(), "entity NI01")
}

func TestNewConflictError(t *testing.T) {
	err := Wrap(NewConflictError("ticket %s moved", "TK01"), "advance")

	assert.True(t, IsConflictError(err))
	assert.Contains(t, err.Error(), "advance")
}

func TestNewInvariantViolation(t *testing.T) {
	err := NewInvariantViolation("address %s held by %s and %s", "E001", "a", "b")

	assert.True(t, IsInvariantViolation(err))
	assert.True(t, IsAssertionFailure(err))
	assert.False(t, IsNotFoundError(err))
}

func TestHelpersHandleNil(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsConflictError(nil))
	assert.False(t, IsInvariantViolation(nil))
}
