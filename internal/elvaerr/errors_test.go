package elvaerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesCategorySentinel(t *testing.T) {
	err := Wrap(Persistence, "store.read", "disk full", errors.New("io error"))
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.False(t, errors.Is(err, ErrTransient))
}

func TestErrorMessageIncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Transient, "connection.run", "dial failed", cause)
	assert.Contains(t, err.Error(), "TRANSIENT")
	assert.Contains(t, err.Error(), "connection.run")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestNewOmitsCauseFromMessage(t *testing.T) {
	err := New(Protocol, "codec.decode", "unknown tag")
	assert.NotContains(t, err.Error(), "%!")
	assert.Nil(t, err.Cause)
}

func TestIsFatalByCategory(t *testing.T) {
	assert.True(t, Persistence.IsFatal())
	assert.True(t, Authentication.IsFatal())
	assert.False(t, Transient.IsFatal())
	assert.False(t, Protocol.IsFatal())
	assert.False(t, UserCancellation.IsFatal())
}
