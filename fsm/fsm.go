package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrEventRejected is returned when the state machine cannot process
	// an event in its current state.
	ErrEventRejected = errors.New("event rejected")

	// ErrWaitForStateTimedOut is returned when an observer gives up
	// waiting for a state.
	ErrWaitForStateTimedOut = errors.New(
		"timed out while waiting for state",
	)

	// ErrInvalidContextType is returned by actions that receive an event
	// context of an unexpected type.
	ErrInvalidContextType = errors.New("invalid event context")
)

const (
	// EmptyState is the state of a machine that has not yet processed an
	// event.
	EmptyState StateType = ""

	// NoOp ends the event loop of SendEvent.
	NoOp EventType = "NoOp"

	// OnError is returned by actions that failed. The error itself is
	// stored as the machine's last action error.
	OnError EventType = "OnError"
)

// StateType is the name of a state.
type StateType string

// EventType is the name of an event.
type EventType string

// EventContext is an arbitrary value that is handed to the action of the
// state that an event leads to.
type EventContext interface{}

// Action is executed when a state is entered. The returned event is fed back
// into the machine until an action returns NoOp.
type Action func(ctx context.Context, eventCtx EventContext) EventType

// Transitions maps the events a state handles to the target states.
type Transitions map[EventType]StateType

// State binds an action to the set of events that leave the state.
type State struct {
	// EntryFunc is called before the action is executed.
	EntryFunc func()

	// ExitFunc is called after the action is executed.
	ExitFunc func()

	// Action is executed when the state is entered.
	Action Action

	// Transitions lists the events the state reacts to.
	Transitions Transitions
}

// States is the full definition of a state machine.
type States map[StateType]State

// Notification describes a single transition.
type Notification struct {
	// PreviousState is the state before the transition.
	PreviousState StateType

	// NextState is the state after the transition.
	NextState StateType

	// Event is the event that caused the transition.
	Event EventType

	// LastActionError is the error stored by the last failing action.
	LastActionError error
}

// Observer gets notified about every transition of a state machine.
type Observer interface {
	Notify(Notification)
}

// StateMachine is an event driven state machine. Only one event is processed
// at a time.
type StateMachine struct {
	// States is the definition of the machine.
	States States

	// ActionEntryFunc is called after a transition and before the action of
	// the new state. It is the place to persist the new state.
	ActionEntryFunc func(ctx context.Context, notification Notification)

	// ActionExitFunc is called after the action of the new state returned.
	ActionExitFunc func(ctx context.Context, notification Notification)

	// DefaultObserver caches the most recent notifications.
	DefaultObserver *CachedObserver

	// LastActionError is the error stored by HandleError.
	LastActionError error

	mutex sync.Mutex

	previous StateType
	current  StateType

	observers     []Observer
	observerMutex sync.Mutex
}

// NewStateMachine creates a state machine in the empty state. If
// observerSize is positive, a CachedObserver keeping that many notifications
// is registered as the default observer.
func NewStateMachine(states States, observerSize int) *StateMachine {
	return NewStateMachineWithState(states, EmptyState, observerSize)
}

// NewStateMachineWithState creates a state machine that resumes from the
// given state.
func NewStateMachineWithState(states States, current StateType,
	observerSize int) *StateMachine {

	sm := &StateMachine{
		States:    states,
		current:   current,
		observers: make([]Observer, 0),
	}

	if observerSize > 0 {
		sm.DefaultObserver = NewCachedObserver(observerSize)
		sm.RegisterObserver(sm.DefaultObserver)
	}

	return sm
}

// CurrentState returns the state the machine is in.
func (s *StateMachine) CurrentState() StateType {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.current
}

// nextState resolves the target of event from the current state and moves
// the machine there.
func (s *StateMachine) nextState(event EventType) (State, error) {
	state, ok := s.States[s.current]
	if !ok {
		return State{}, NewErrConfigError(
			fmt.Sprintf("state %v not found", s.current),
		)
	}

	next, ok := state.Transitions[event]
	if !ok {
		return State{}, fmt.Errorf("%w: %v in state %v",
			ErrEventRejected, event, s.current)
	}

	nextState, ok := s.States[next]
	if !ok {
		return State{}, NewErrConfigError(
			fmt.Sprintf("next state %v not found", next),
		)
	}

	if nextState.Action == nil {
		return State{}, NewErrConfigError(
			fmt.Sprintf("state %v has no action", next),
		)
	}

	s.previous = s.current
	s.current = next

	return nextState, nil
}

// SendEvent feeds an event into the machine and keeps executing actions
// until one of them returns NoOp. The error is non-nil if an event was
// rejected in the state it arrived in.
func (s *StateMachine) SendEvent(ctx context.Context, event EventType,
	eventCtx EventContext) error {

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.States == nil {
		return NewErrConfigError("state machine has no states")
	}

	for {
		state, err := s.nextState(event)
		if err != nil {
			return err
		}

		notification := Notification{
			PreviousState:   s.previous,
			NextState:       s.current,
			Event:           event,
			LastActionError: s.LastActionError,
		}
		s.notify(notification)

		if s.ActionEntryFunc != nil {
			s.ActionEntryFunc(ctx, notification)
		}

		if state.EntryFunc != nil {
			state.EntryFunc()
		}

		nextEvent := state.Action(ctx, eventCtx)

		if state.ExitFunc != nil {
			state.ExitFunc()
		}

		if s.ActionExitFunc != nil {
			s.ActionExitFunc(ctx, notification)
		}

		if nextEvent == NoOp {
			return nil
		}

		event = nextEvent
	}
}

func (s *StateMachine) notify(notification Notification) {
	s.observerMutex.Lock()
	defer s.observerMutex.Unlock()

	for _, observer := range s.observers {
		observer.Notify(notification)
	}
}

// RegisterObserver adds an observer to the machine.
func (s *StateMachine) RegisterObserver(observer Observer) {
	s.observerMutex.Lock()
	defer s.observerMutex.Unlock()

	if observer != nil {
		s.observers = append(s.observers, observer)
	}
}

// RemoveObserver removes an observer and reports whether it was registered.
func (s *StateMachine) RemoveObserver(observer Observer) bool {
	s.observerMutex.Lock()
	defer s.observerMutex.Unlock()

	for i, o := range s.observers {
		if o == observer {
			s.observers = append(
				s.observers[:i], s.observers[i+1:]...,
			)

			return true
		}
	}

	return false
}

// HandleError stores err as the last action error and returns OnError. It
// must only be called from within an action.
func (s *StateMachine) HandleError(err error) EventType {
	log.Errorf("StateMachine error: %v", err)
	s.LastActionError = err

	return OnError
}

// NoOpAction is an action for states that don't do anything on entry.
func NoOpAction(_ context.Context, _ EventContext) EventType {
	return NoOp
}

// ErrConfigError is returned when the state machine is misconfigured.
type ErrConfigError error

// NewErrConfigError creates a new ErrConfigError.
func NewErrConfigError(msg string) ErrConfigError {
	return (ErrConfigError)(fmt.Errorf("config error: %s", msg))
}

// NewErrWaitingForStateTimeout wraps ErrWaitForStateTimedOut with the state
// that was expected.
func NewErrWaitingForStateTimeout(expected StateType) error {
	return fmt.Errorf("%w: expected %v", ErrWaitForStateTimedOut,
		expected)
}
