package dynoerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoAvailableHosts_IsSentinel(t *testing.T) {
	err := NoAvailableHosts()
	assert.True(t, errors.Is(err, ErrNoAvailableHosts))

	var de DynoError
	assert.True(t, errors.As(err, &de))
}

func TestPoolExhausted_Detail(t *testing.T) {
	err := PoolExhausted("h1:8102")
	assert.True(t, errors.Is(err, ErrPoolExhausted))
	assert.Contains(t, err.Error(), "h1:8102")
}

func TestPoolOffline_Detail(t *testing.T) {
	err := PoolOffline("h2:8102")
	assert.True(t, errors.Is(err, ErrPoolOffline))
	assert.Contains(t, err.Error(), "h2:8102")
}

func TestFatalConnectionError(t *testing.T) {
	underlying := errors.New("connection reset")
	err := &FatalConnectionError{Host: "h1:8102", Err: underlying}

	assert.True(t, Fatal(err))
	assert.True(t, errors.Is(err, underlying))
	assert.Contains(t, err.Error(), "h1:8102")

	var de DynoError
	assert.True(t, errors.As(err, &de))
}

func TestFatal_FalseForOtherKinds(t *testing.T) {
	assert.False(t, Fatal(PoolExhausted("h1")))
	assert.False(t, Fatal(errors.New("plain error")))
	assert.False(t, Fatal(nil))
}

func TestTransientError_IsDynoErrorButNotFatal(t *testing.T) {
	err := &TransientError{Host: "h3:8102", Err: errors.New("throttled")}

	var de DynoError
	assert.True(t, errors.As(err, &de))
	assert.False(t, Fatal(err))
}

func TestWrap_PassesThroughDynoErrors(t *testing.T) {
	original := PoolExhausted("h1")
	wrapped := Wrap("h1", original)
	assert.Same(t, original, wrapped)
}

func TestWrap_NilIsNil(t *testing.T) {
	assert.NoError(t, Wrap("h1", nil))
}

func TestWrap_UnexpectedForUnknownErrors(t *testing.T) {
	plain := errors.New("panic: index out of range")
	wrapped := Wrap("h1", plain)

	var ue *UnexpectedError
	assert.True(t, errors.As(wrapped, &ue))
	assert.True(t, errors.Is(wrapped, plain))

	// Unexpected errors never satisfy DynoError, so the retry policy
	// in pool.ExecuteWithFailover must not retry them.
	var de DynoError
	assert.False(t, errors.As(wrapped, &de))
}
