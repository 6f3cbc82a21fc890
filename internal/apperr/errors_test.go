package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	err := Conflict("Insufficient stock for %s. Available: %d", "REF-1", 2)
	wrapped := fmt.Errorf("reserve: %w", err)

	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.False(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, "Insufficient stock for REF-1. Available: 2", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorMessageWithCause(t *testing.T) {
	err := &Error{Kind: KindIntegrity, Message: "allocation mismatch", Err: errors.New("project 3")}
	assert.Equal(t, "allocation mismatch: project 3", err.Error())
	assert.Equal(t, "validation", (&Error{Kind: KindValidation}).Error())
}
