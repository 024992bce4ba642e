package state

import (
	"fmt"
	"testing"
)

type testState struct {
	A, B   int
	Values map[string]string
}

func TestStoreNotifiesOnlyChangedSelectors(t *testing.T) {
	st := NewStore(testState{})
	var aCalls, bCalls int
	Select(st, func(s testState) int { return s.A }, func(next, prev int) { aCalls++ })
	Select(st, func(s testState) int { return s.B }, func(next, prev int) { bCalls++ })

	st.SetState(func(s testState) testState { s.A = 1; return s })
	if aCalls != 1 || bCalls != 0 {
		t.Fatalf("after A change: a=%d b=%d", aCalls, bCalls)
	}

	st.SetState(func(s testState) testState { s.A = 1; return s })
	if aCalls != 1 {
		t.Fatalf("unchanged value should not notify, a=%d", aCalls)
	}
}

func TestStoreRegistrationOrder(t *testing.T) {
	st := NewStore(testState{})
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		Select(st, func(s testState) int { return s.A }, func(int, int) { order = append(order, i) })
	}
	st.SetState(func(s testState) testState { s.A = 7; return s })
	if fmt.Sprint(order) != "[0 1 2 3 4]" {
		t.Fatalf("order = %v", order)
	}
}

func TestStoreAtomicPerCall(t *testing.T) {
	st := NewStore(testState{})
	Select(st, func(s testState) int { return s.A }, func(next, _ int) {
		got := st.Get()
		if got.A != got.B {
			t.Errorf("listener saw partial state: %+v", got)
		}
	})
	st.SetState(func(s testState) testState {
		s.A = 3
		s.B = 3
		return s
	})
}

func TestStoreListenerPanicDoesNotStopOthers(t *testing.T) {
	st := NewStore(testState{})
	Select(st, func(s testState) int { return s.A }, func(int, int) { panic("boom") })
	var ran bool
	Select(st, func(s testState) int { return s.A }, func(int, int) { ran = true })

	st.SetState(func(s testState) testState { s.A = 1; return s })
	if !ran {
		t.Fatal("second listener did not run")
	}
	if st.Get().A != 1 {
		t.Fatalf("state corrupted: %+v", st.Get())
	}
}

func TestStoreMapSelectorsCompareByValue(t *testing.T) {
	st := NewStore(testState{Values: map[string]string{"a": "1"}})
	var calls int
	Select(st, func(s testState) map[string]string { return s.Values }, func(next, prev map[string]string) {
		calls++
		if prev["a"] != "1" || next["a"] != "2" {
			t.Errorf("prev=%v next=%v", prev, next)
		}
	})

	// A fresh but equal map is not a change.
	st.SetState(func(s testState) testState {
		s.Values = map[string]string{"a": "1"}
		return s
	})
	st.SetState(func(s testState) testState {
		s.Values = map[string]string{"a": "2"}
		return s
	})
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestStoreUnsubscribe(t *testing.T) {
	st := NewStore(testState{})
	var calls int
	unsub := Select(st, func(s testState) int { return s.A }, func(int, int) { calls++ })
	unsub()
	st.SetState(func(s testState) testState { s.A = 1; return s })
	if calls != 0 {
		t.Fatalf("unsubscribed listener ran %d times", calls)
	}
}

func TestStoreMergePartial(t *testing.T) {
	st := NewStore(testState{A: 1, B: 2})
	var got []int
	Select(st, func(s testState) int { return s.B }, func(next, prev int) { got = append(got, prev, next) })

	Merge(st, map[string]int{"B": 5}, func(s testState, p map[string]int) testState {
		if v, ok := p["B"]; ok {
			s.B = v
		}
		return s
	})
	if s := st.Get(); s.A != 1 || s.B != 5 {
		t.Fatalf("state = %+v", s)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 5 {
		t.Fatalf("listener saw %v", got)
	}
}
