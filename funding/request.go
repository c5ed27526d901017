package funding

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/fsm"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// RequestType is the kind of fund movement a request performs.
type RequestType uint8

const (
	// TypeChannelOpen funds a channel from a managed node.
	TypeChannelOpen RequestType = iota

	// TypeChannelClose closes a channel of a managed node.
	TypeChannelClose

	// TypeWithdrawal sends funds to an on-chain address.
	TypeWithdrawal
)

// String returns a human readable name of the request type.
func (t RequestType) String() string {
	switch t {
	case TypeChannelOpen:
		return "ChannelOpen"

	case TypeChannelClose:
		return "ChannelClose"

	case TypeWithdrawal:
		return "Withdrawal"

	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Request is a channel open, channel close or withdrawal together with its
// lifecycle state.
type Request struct {
	ID       string
	WalletID int64
	Type     RequestType

	// Amount is the channel size or withdrawal amount. Changeless
	// requests spend everything but the fee instead.
	Amount btcutil.Amount

	// FeeRate is the fee rate of the funding transaction. The relay floor
	// is used if unset.
	FeeRate chainfee.SatPerKWeight

	// Changeless requests spend exactly Outpoints without change.
	Changeless bool
	Outpoints  []wire.OutPoint

	DestinationAddress string
	SourceNodeID       string
	DestNodeID         string

	// CloseForce requests a unilateral close.
	CloseForce bool

	// ChanID is the channel to close, or the channel that was opened.
	ChanID uint64

	// PendingChanID is the shim id of the open in progress.
	PendingChanID []byte

	// TxID is the funding, closing or withdrawal transaction once
	// published.
	TxID *chainhash.Hash

	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time

	state fsm.StateType

	sync.Mutex
}

// NewRequestID returns a fresh request id.
func NewRequestID() string {
	return uuid.NewString()
}

// GetState returns the lifecycle state of the request.
func (r *Request) GetState() fsm.StateType {
	r.Lock()
	defer r.Unlock()

	return r.state
}

// SetState sets the lifecycle state of the request.
func (r *Request) SetState(state fsm.StateType) {
	r.Lock()
	defer r.Unlock()

	r.state = state
}

// IsInState reports whether the request is in the given state.
func (r *Request) IsInState(state fsm.StateType) bool {
	return r.GetState() == state
}

// IsFinal reports whether the request reached a terminal state.
func (r *Request) IsFinal() bool {
	return IsFinalState(r.GetState())
}

// IsFinalState reports whether a state is terminal.
func IsFinalState(state fsm.StateType) bool {
	switch state {
	case OnChainConfirmed, Failed, Cancelled, Rejected:
		return true

	default:
		return false
	}
}

func formatOutpoints(ops []wire.OutPoint) string {
	strs := make([]string, len(ops))
	for i, op := range ops {
		strs[i] = op.String()
	}

	return strings.Join(strs, ",")
}

func parseOutpoints(s string) ([]wire.OutPoint, error) {
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	ops := make([]wire.OutPoint, 0, len(parts))
	for _, p := range parts {
		op, err := wire.NewOutPointFromString(p)
		if err != nil {
			return nil, fmt.Errorf("invalid outpoint %v: %w", p, err)
		}
		ops = append(ops, *op)
	}

	return ops, nil
}
