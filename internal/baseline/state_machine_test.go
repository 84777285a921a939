package baseline

import "testing"

func TestStateMachineTransitions(t *testing.T) {
	sm := NewStateMachine()
	if sm.Current() != StateDegraded {
		t.Fatalf("expected %s, got %s", StateDegraded, sm.Current())
	}
	if _, next := sm.Apply(EventCacheLoaded); next != StateCached {
		t.Fatalf("expected %s, got %s", StateCached, next)
	}
	if _, next := sm.Apply(EventFetchOK); next != StateReady {
		t.Fatalf("expected %s, got %s", StateReady, next)
	}
	if _, next := sm.Apply(EventCacheLoaded); next != StateReady {
		t.Fatalf("cache load must not downgrade a ready baseline, got %s", next)
	}
	if prev, next := sm.Apply(EventStale); prev != StateReady || next != StateCached {
		t.Fatalf("expected ready -> cached on staleness, got %s -> %s", prev, next)
	}
}

func TestStateMachineInvalidTransition(t *testing.T) {
	sm := NewStateMachine()
	if _, next := sm.Apply(EventStale); next != StateDegraded {
		t.Fatalf("invalid transition should not change state")
	}
}
