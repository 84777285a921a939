package baseline

import "sync"

type State string

const (
	StateDegraded State = "DEGRADED"
	StateCached   State = "CACHED"
	StateReady    State = "READY"
)

type Event string

const (
	EventFetchOK     Event = "fetch_ok"
	EventCacheLoaded Event = "cache_loaded"
	EventStale       Event = "stale"
)

type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateDegraded}
}

// Apply returns the previous and resulting state.
func (s *StateMachine) Apply(event Event) (State, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.State
	s.State = nextState(s.State, event)
	return prev, s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func nextState(current State, event Event) State {
	switch event {
	case EventFetchOK:
		return StateReady
	case EventCacheLoaded:
		if current == StateDegraded {
			return StateCached
		}
	case EventStale:
		if current == StateReady {
			return StateCached
		}
	}
	return current
}
