package board

import (
	"runtime/debug"
	"sync"

	"github.com/golang/glog"
)

// makes a copy of the list on read so callbacks can unsubscribe themselves
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks map[Id]T
	order     []Id
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[Id]T{},
	}
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	self.callbacks[callbackId] = callback
	self.order = append(self.order, callbackId)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	nextOrder := make([]Id, 0, len(self.order)-1)
	for _, id := range self.order {
		if id != callbackId {
			nextOrder = append(nextOrder, id)
		}
	}
	self.order = nextOrder
}

// in add order
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.order))
	for _, callbackId := range self.order {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

// a user callback must never unwind into the feed loop
func HandleError(do func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[board]unexpected callback panic: %s\n%s\n", r, string(debug.Stack()))
		}
	}()
	do()
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}
