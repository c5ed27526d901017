package funding

import (
	"context"

	"github.com/chanvault/chanvault/fsm"
)

const (
	// DefaultObserverSize is the number of notifications kept per request
	// state machine.
	DefaultObserverSize = 20
)

// States.
var (
	// Pending is the state of a new request. Coins are reserved and, for
	// opens, the funding shim is being negotiated.
	Pending = fsm.StateType("Pending")

	// PSBTSignaturesPending signals that the template was built and the
	// request waits for its co-signers.
	PSBTSignaturesPending = fsm.StateType("PSBTSignaturesPending")

	// OnChainConfirmationPending signals that the transaction was
	// published.
	OnChainConfirmationPending = fsm.StateType(
		"OnChainConfirmationPending",
	)

	// OnChainConfirmed is the final state of a successful request.
	OnChainConfirmed = fsm.StateType("OnChainConfirmed")

	// Failed requests hit a protocol or integrity error.
	Failed = fsm.StateType("Failed")

	// Cancelled requests were cancelled by an operator.
	Cancelled = fsm.StateType("Cancelled")

	// Rejected requests were invalid or could not be funded.
	Rejected = fsm.StateType("Rejected")
)

// Events.
var (
	// OnTemplateReady is sent once the template psbt was persisted.
	OnTemplateReady = fsm.EventType("OnTemplateReady")

	// OnPublished is sent once the transaction id of the request is known
	// and the transaction is, or is about to be, on the network.
	OnPublished = fsm.EventType("OnPublished")

	// OnConfirmed is sent once the transaction has confirmed.
	OnConfirmed = fsm.EventType("OnConfirmed")

	// OnCancel is sent when an operator cancels the request.
	OnCancel = fsm.EventType("OnCancel")

	// OnReject is sent when the request turned out to be invalid or
	// unfundable.
	OnReject = fsm.EventType("OnReject")

	// OnRecover is sent to resume a request after a restart.
	OnRecover = fsm.EventType("OnRecover")
)

// FSM tracks the lifecycle of one request. Every transition is persisted
// before the action of the new state runs.
type FSM struct {
	*fsm.StateMachine

	store    Store
	releaser Releaser

	request *Request

	// persistErr is the error of the last state update.
	persistErr error
}

// NewFSM creates the state machine of a request, resuming from the
// request's current state.
func NewFSM(request *Request, store Store, releaser Releaser) *FSM {
	f := &FSM{
		store:    store,
		releaser: releaser,
		request:  request,
	}

	states := f.RequestStates()
	if request.Type == TypeChannelClose {
		states = f.CloseStates()
	}

	f.StateMachine = fsm.NewStateMachineWithState(
		states, request.GetState(), DefaultObserverSize,
	)
	f.ActionEntryFunc = f.updateRequest

	return f
}

// terminalTransitions are the transitions every non-terminal state has.
func terminalTransitions(t fsm.Transitions) fsm.Transitions {
	t[fsm.OnError] = Failed
	t[OnCancel] = Cancelled
	t[OnReject] = Rejected

	return t
}

// RequestStates returns the states of opens and withdrawals.
//
//go:generate go run ../fsm/stateparser/stateparser.go --out request_fsm.md --fsm request
func (f *FSM) RequestStates() fsm.States {
	return fsm.States{
		Pending: fsm.State{
			Transitions: terminalTransitions(fsm.Transitions{
				OnTemplateReady: PSBTSignaturesPending,
				OnRecover:       Pending,

				// A channel may go pending before the
				// funding flow reported back to us.
				OnPublished: OnChainConfirmationPending,
			}),
			Action: fsm.NoOpAction,
		},
		PSBTSignaturesPending: fsm.State{
			Transitions: terminalTransitions(fsm.Transitions{
				// A restarted open negotiates a new shim and
				// builds a new template.
				OnTemplateReady: PSBTSignaturesPending,
				OnRecover:       PSBTSignaturesPending,
				OnPublished:     OnChainConfirmationPending,
			}),
			Action: fsm.NoOpAction,
		},
		OnChainConfirmationPending: fsm.State{
			Transitions: terminalTransitions(fsm.Transitions{
				OnPublished: OnChainConfirmationPending,
				OnRecover:   OnChainConfirmationPending,
				OnConfirmed: OnChainConfirmed,
			}),
			Action: fsm.NoOpAction,
		},
		OnChainConfirmed: fsm.State{
			Action: f.FinalizeRequestAction,
		},
		Failed: fsm.State{
			Action: f.FinalizeRequestAction,
		},
		Cancelled: fsm.State{
			Action: f.FinalizeRequestAction,
		},
		Rejected: fsm.State{
			Action: f.FinalizeRequestAction,
		},
	}
}

// CloseStates returns the states of channel closes, which skip the
// signature ceremony.
//
//go:generate go run ../fsm/stateparser/stateparser.go --out close_fsm.md --fsm close
func (f *FSM) CloseStates() fsm.States {
	states := f.RequestStates()
	states[Pending] = fsm.State{
		Transitions: terminalTransitions(fsm.Transitions{
			OnRecover:   Pending,
			OnPublished: OnChainConfirmationPending,
		}),
		Action: fsm.NoOpAction,
	}
	delete(states, PSBTSignaturesPending)

	return states
}

// Transition sends an event and returns an error if the event was rejected
// or the new state could not be persisted.
func (f *FSM) Transition(ctx context.Context, event fsm.EventType) error {
	f.persistErr = nil
	if err := f.SendEvent(ctx, event, nil); err != nil {
		return err
	}

	return f.persistErr
}

// FinalizeRequestAction releases the coins of a request that reached a
// terminal state. A cancelled request with a transaction keeps them until
// the transaction confirmed or left the mempool.
func (f *FSM) FinalizeRequestAction(ctx context.Context,
	_ fsm.EventContext) fsm.EventType {

	if f.persistErr != nil || f.releaser == nil {
		return fsm.NoOp
	}

	if f.request.IsInState(Cancelled) && f.request.TxID != nil {
		f.Infof("Holding reservations until %v settles",
			f.request.TxID)

		return fsm.NoOp
	}

	if err := f.releaser.Release(ctx, f.request.ID); err != nil {
		f.Errorf("unable to release reservations: %v", err)
	}

	return fsm.NoOp
}

// updateRequest is the entry function of every state. It stores the new
// state and appends it to the request's audit log.
func (f *FSM) updateRequest(ctx context.Context,
	notification fsm.Notification) {

	f.request.SetState(notification.NextState)
	audit := notification.PreviousState != notification.NextState

	f.Debugf("NextState: %v, PreviousState: %v, Event: %v",
		notification.NextState, notification.PreviousState,
		notification.Event)

	err := f.store.UpdateRequest(ctx, f.request, audit)
	if err != nil {
		f.Errorf("unable to update request: %v", err)
		f.persistErr = err
	}
}

// Infof logs an info message with the request id.
func (f *FSM) Infof(format string, args ...interface{}) {
	log.Infof(
		"[req %v] "+format,
		append([]interface{}{f.request.ID}, args...)...,
	)
}

// Debugf logs a debug message with the request id.
func (f *FSM) Debugf(format string, args ...interface{}) {
	log.Debugf(
		"[req %v] "+format,
		append([]interface{}{f.request.ID}, args...)...,
	)
}

// Errorf logs an error message with the request id.
func (f *FSM) Errorf(format string, args ...interface{}) {
	log.Errorf(
		"[req %v] "+format,
		append([]interface{}{f.request.ID}, args...)...,
	)
}

// Warnf logs a warning message with the request id.
func (f *FSM) Warnf(format string, args ...interface{}) {
	log.Warnf(
		"[req %v] "+format,
		append([]interface{}{f.request.ID}, args...)...,
	)
}
