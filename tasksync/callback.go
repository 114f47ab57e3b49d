package tasksync

import (
	"sync"
)

// makes a copy of the list on update
// callbacks are called outside of any lock held by the owner
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextCallbackIds := make([]int, 0, len(self.callbackIds)+1)
	nextCallbackIds = append(nextCallbackIds, self.callbackIds...)
	nextCallbackIds = append(nextCallbackIds, callbackId)
	nextCallbacks := make([]T, 0, len(self.callbacks)+1)
	nextCallbacks = append(nextCallbacks, self.callbacks...)
	nextCallbacks = append(nextCallbacks, callback)

	self.callbackIds = nextCallbackIds
	self.callbacks = nextCallbacks
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := -1
	for j, id := range self.callbackIds {
		if id == callbackId {
			i = j
			break
		}
	}
	if i < 0 {
		// not present
		return
	}

	nextCallbackIds := make([]int, 0, len(self.callbackIds)-1)
	nextCallbackIds = append(nextCallbackIds, self.callbackIds[:i]...)
	nextCallbackIds = append(nextCallbackIds, self.callbackIds[i+1:]...)
	nextCallbacks := make([]T, 0, len(self.callbacks)-1)
	nextCallbacks = append(nextCallbacks, self.callbacks[:i]...)
	nextCallbacks = append(nextCallbacks, self.callbacks[i+1:]...)

	self.callbackIds = nextCallbackIds
	self.callbacks = nextCallbacks
}
