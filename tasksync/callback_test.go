package tasksync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	a := callbacks.Add(func() int { return 1 })
	b := callbacks.Add(func() int { return 2 })
	assert.Equal(t, callbacks.Len(), 2)

	// a snapshot taken before a remove is unchanged by it
	snapshot := callbacks.Get()
	callbacks.Remove(a)
	assert.Equal(t, len(snapshot), 2)
	assert.Equal(t, callbacks.Len(), 1)
	assert.Equal(t, callbacks.Get()[0](), 2)

	// removing twice is a no-op
	callbacks.Remove(a)
	callbacks.Remove(b)
	assert.Equal(t, callbacks.Len(), 0)

	c := callbacks.Add(func() int { return 3 })
	assert.NotEqual(t, c, a)
	assert.NotEqual(t, c, b)
}
