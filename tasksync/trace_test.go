package tasksync

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTrace(t *testing.T) {
	called := false
	Trace("[test]trace", func() {
		called = true
	})
	assert.Equal(t, called, true)

	result, err := TraceWithReturnError("[test]trace", func() (int, error) {
		return 1, errors.New("failed")
	})
	assert.Equal(t, result, 1)
	assert.Equal(t, err.Error(), "failed")
}

func TestHandleError(t *testing.T) {
	var handled error
	r := HandleError(func() {
		panic(errors.New("boom"))
	}, func(err error) {
		handled = err
	})
	assert.NotEqual(t, r, nil)
	assert.Equal(t, handled.Error(), "boom")

	assert.Equal(t, IsDoneError(context.Canceled), true)
	assert.Equal(t, IsDoneError("Done"), true)
	assert.Equal(t, IsDoneError(errors.New("other")), false)

	r = HandleError(func() {})
	assert.Equal(t, r, nil)
}
