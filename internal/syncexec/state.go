package syncexec

import "sync"

type State string

const (
	StateIdle     State = "IDLE"
	StatePrep     State = "PREP"
	StateGate     State = "GATE"
	StateBundle   State = "BUNDLE"
	StateVerify   State = "VERIFY"
	StateDone     State = "DONE"
	StateRollback State = "ROLLBACK"
)

type Event string

const (
	EventStart      Event = "start"
	EventPrepared   Event = "prepared"
	EventGatePassed Event = "gate_passed"
	EventSubmitted  Event = "submitted"
	EventVerified   Event = "verified"
	EventPartial    Event = "partial"
	EventAbort      Event = "abort"
	EventReset      Event = "reset"
)

// StateMachine tracks one attempt at a time. Events that do not apply to
// the current state leave it unchanged.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

func (s *StateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nextState(s.state, event)
	return s.state
}

func nextState(current State, event Event) State {
	if event == EventReset {
		return StateIdle
	}
	switch current {
	case StateIdle:
		if event == EventStart {
			return StatePrep
		}
	case StatePrep:
		switch event {
		case EventPrepared:
			return StateGate
		case EventAbort:
			return StateIdle
		}
	case StateGate:
		switch event {
		case EventGatePassed:
			return StateBundle
		case EventAbort:
			return StateIdle
		}
	case StateBundle:
		switch event {
		case EventSubmitted:
			return StateVerify
		case EventAbort:
			return StateIdle
		}
	case StateVerify:
		switch event {
		case EventVerified:
			return StateDone
		case EventPartial:
			return StateRollback
		case EventAbort:
			return StateIdle
		}
	}
	return current
}
