package bkerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	e := At("alloc.Write", OutOfRange, 42)
	assert.Contains(t, e.Error(), "alloc.Write")
	assert.Contains(t, e.Error(), "out of range")
	assert.Contains(t, e.Error(), "0x2a")
}

func TestKindOfUnwraps(t *testing.T) {
	inner := New("x.y", InvalidArgument)
	wrapped := fmt.Errorf("context: %w", inner)
	assert.Equal(t, InvalidArgument, KindOf(wrapped))
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, IOError, KindOf(errors.New("boom")))
}

func TestCodeMapping(t *testing.T) {
	assert.Equal(t, 22, InvalidArgument.Code())
	assert.Equal(t, 28, NoSpace.Code())
}
