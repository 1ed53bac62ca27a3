package sigerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	assert.Equal(t, "not-in-room", New(NotInRoom, nil).Error())
	assert.Equal(t, "malformed-message: bad json",
		New(MalformedMessage, errors.New("bad json")).Error())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("outer: %w", New(Internal, cause))
	e, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, Internal, e.Kind)
	assert.True(t, errors.Is(wrapped, cause))
}

func TestNewInternalCorrelationID(t *testing.T) {
	a := NewInternal(errors.New("a"))
	b := NewInternal(errors.New("b"))
	assert.NotEmpty(t, a.CorrelationID)
	assert.NotEmpty(t, b.CorrelationID)
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

func TestAsNonSigerr(t *testing.T) {
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)
}
