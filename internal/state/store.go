// Package state holds the client's observable session state and the
// single-threaded task loop all mutations run on.
package state

import (
	"log"
	"reflect"
	"sync"
)

// Store is a single state value with selector-based change notification.
// SetState is atomic: listeners only ever observe complete states.
type Store[S any] struct {
	mu     sync.Mutex
	state  S
	subs   []*subscription[S]
	nextID int
}

type subscription[S any] struct {
	id     int
	sel    func(S) any
	fn     func(next, prev any)
	last   any
	active bool
}

// NewStore creates a store holding initial.
func NewStore[S any](initial S) *Store[S] {
	return &Store[S]{state: initial}
}

// Get returns the current state.
func (st *Store[S]) Get() S {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// SetState computes the next state from the current one and notifies the
// listeners whose selected value changed, in registration order. fn must
// not mutate maps or slices reachable from its argument; it returns a new
// value instead.
func (st *Store[S]) SetState(fn func(S) S) {
	for _, c := range st.apply(fn) {
		notify(c.fn, c.next, c.prev)
	}
}

type pendingCall struct {
	fn         func(next, prev any)
	next, prev any
}

func (st *Store[S]) apply(fn func(S) S) []pendingCall {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := fn(st.state)
	st.state = next

	var calls []pendingCall
	for _, sub := range st.subs {
		if !sub.active {
			continue
		}
		v := sub.sel(next)
		if reflect.DeepEqual(v, sub.last) {
			continue
		}
		calls = append(calls, pendingCall{fn: sub.fn, next: v, prev: sub.last})
		sub.last = v
	}
	return calls
}

// Merge applies a partial update through merge. It is the "partial object"
// form of SetState.
func Merge[S, P any](st *Store[S], partial P, merge func(S, P) S) {
	st.SetState(func(cur S) S { return merge(cur, partial) })
}

// Replace swaps in s wholesale.
func (st *Store[S]) Replace(s S) {
	st.SetState(func(S) S { return s })
}

// Subscribe registers fn to run whenever sel's output changes. The current
// selected value is recorded but fn is not called for it. The returned
// function removes the subscription.
func (st *Store[S]) Subscribe(sel func(S) any, fn func(next, prev any)) func() {
	st.mu.Lock()
	st.nextID++
	sub := &subscription[S]{id: st.nextID, sel: sel, fn: fn, last: sel(st.state), active: true}
	st.subs = append(st.subs, sub)
	st.mu.Unlock()

	return func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		for i, s := range st.subs {
			if s.id == sub.id {
				s.active = false
				st.subs = append(st.subs[:i], st.subs[i+1:]...)
				return
			}
		}
	}
}

// Select is the typed form of Subscribe.
func Select[S, T any](st *Store[S], sel func(S) T, fn func(next, prev T)) func() {
	return st.Subscribe(
		func(s S) any { return sel(s) },
		func(next, prev any) {
			n, _ := next.(T)
			p, _ := prev.(T)
			fn(n, p)
		},
	)
}

func notify(fn func(next, prev any), next, prev any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("STATE: listener panic: %v", r)
		}
	}()
	fn(next, prev)
}
