package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MatchesKindAndCause(t *testing.T) {
	err := E(ErrUpstreamUnavailable, "metadata.get", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "metadata.get: upstream unavailable: context deadline exceeded", err.Error())
}

func TestError_WrappedTwice(t *testing.T) {
	inner := E(ErrVersionConflict, "layout.save", nil)
	outer := fmt.Errorf("saving layout: %w", inner)

	assert.True(t, Is(outer, ErrVersionConflict))
	assert.Equal(t, ErrVersionConflict, KindOf(outer))
}

func TestKindOf_Unknown(t *testing.T) {
	assert.Nil(t, KindOf(errors.New("boom")))
	assert.Nil(t, KindOf(nil))
}

func TestValidationf(t *testing.T) {
	err := Validationf("recommend", "unknown layout type %q", "grid")
	assert.True(t, Is(err, ErrValidation))
	assert.Contains(t, err.Error(), `unknown layout type "grid"`)
}
