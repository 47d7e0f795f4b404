// Package observable holds a value that notifies subscribers whenever it changes.
package observable

import "sync"

// Value is a mutex-guarded value with change subscribers.
type Value[T comparable] struct {
	mutex       sync.Mutex
	current     T
	nextID      uint64
	subscribers map[uint64]func(T)
}

// New creates a Value holding initial.
func New[T comparable](initial T) *Value[T] {
	return &Value[T]{current: initial, subscribers: make(map[uint64]func(T))}
}

// Get returns the current value.
func (value *Value[T]) Get() T {
	value.mutex.Lock()
	defer value.mutex.Unlock()
	return value.current
}

// Set replaces the value and notifies subscribers when it changed.
func (value *Value[T]) Set(next T) {
	value.Update(func(T) T { return next })
}

// Update applies mutate atomically and notifies subscribers when the result differs.
// Subscribers run outside the lock, in registration-independent order.
func (value *Value[T]) Update(mutate func(T) T) T {
	value.mutex.Lock()
	previous := value.current
	value.current = mutate(previous)
	next := value.current
	var listeners []func(T)
	if next != previous {
		listeners = make([]func(T), 0, len(value.subscribers))
		for _, listener := range value.subscribers {
			listeners = append(listeners, listener)
		}
	}
	value.mutex.Unlock()

	for _, listener := range listeners {
		listener(next)
	}
	return next
}

// Subscribe registers listener and returns a function that removes it.
func (value *Value[T]) Subscribe(listener func(T)) func() {
	value.mutex.Lock()
	defer value.mutex.Unlock()
	identifier := value.nextID
	value.nextID++
	value.subscribers[identifier] = listener
	return func() {
		value.mutex.Lock()
		defer value.mutex.Unlock()
		delete(value.subscribers, identifier)
	}
}
