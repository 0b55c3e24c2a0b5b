package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateConflict(t *testing.T) {
	err := &ErrStateConflict{Key: "run_a", Observed: StatusCompleted, Expected: StatusActive}

	assert.True(t, IsStateConflict(err))
	assert.Contains(t, err.Error(), "run_a")
	assert.False(t, IsStateConflict(errors.New("boom")))
	assert.False(t, IsStateConflict(nil))
}

func TestWrapStore(t *testing.T) {
	inner := errors.New("connection refused")
	err := WrapStore("submit", inner)

	assert.True(t, IsStoreError(err))
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "submit")
}

func TestWrapStore_PassesThroughDomainErrors(t *testing.T) {
	assert.Equal(t, ErrJobNotFound, WrapStore("get", ErrJobNotFound))
	assert.Equal(t, ErrNoJob, WrapStore("claim", ErrNoJob))

	conflict := &ErrStateConflict{Key: "k", Observed: StatusWaiting, Expected: StatusActive}
	assert.Equal(t, error(conflict), WrapStore("complete", conflict))

	assert.Nil(t, WrapStore("noop", nil))
}
