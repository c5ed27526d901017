package coinselect

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/wallet"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// TagFrozen excludes an outpoint from selection.
	TagFrozen = "frozen"

	// TagManuallyFrozen set to true overrides TagFrozen and makes the
	// outpoint selectable again.
	TagManuallyFrozen = "manually-frozen"

	// TagTrue is the value of a set boolean tag.
	TagTrue = "true"

	// DefaultMinConfs is the number of confirmations a UTXO needs to be
	// selectable.
	DefaultMinConfs = 1
)

var (
	// ErrNoUTXOsAvailable is returned when the wallet has no selectable
	// outputs.
	ErrNoUTXOsAvailable = errors.New("no utxos available")

	// ErrInsufficientFunds is returned when the selectable outputs don't
	// cover the target plus fees.
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds",
		ErrNoUTXOsAvailable)

	// ErrNoOutpoints is returned for changeless selections without
	// explicit outpoints.
	ErrNoOutpoints = errors.New("changeless selection requires outpoints")

	// ErrUnknownOutpoint is returned when an explicit outpoint is not an
	// unspent output of the wallet.
	ErrUnknownOutpoint = errors.New("outpoint is not a wallet utxo")

	// ErrOutpointFrozen is returned when an explicit outpoint is frozen.
	ErrOutpointFrozen = errors.New("outpoint is frozen")

	// ErrInvalidTarget is returned for non-positive target amounts.
	ErrInvalidTarget = errors.New("target amount must be positive")
)

// UTXO is a confirmed unspent output of a wallet.
type UTXO struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// Branch and Index locate the output's keys below the wallet's
	// account keys.
	Branch uint32
	Index  uint32

	WalletID      int64
	Confirmations int64
}

// Indexer provides the unspent outputs of a wallet.
type Indexer interface {
	// GetUTXOs returns the unspent outputs of the wallet with the given
	// receive descriptor, on both the receive and change branch.
	GetUTXOs(ctx context.Context, descriptor string) ([]*UTXO, error)
}

// Options tunes a selection.
type Options struct {
	// ExcludeRequestID is the request the selection is made for. Its own
	// reservations don't count as locked.
	ExcludeRequestID string

	// FeeRate is the fee rate of the transaction. The relay floor is used
	// if unset.
	FeeRate chainfee.SatPerKWeight

	// Outputs are the request's outputs. Only their scripts are used, for
	// weight estimation.
	Outputs []*wire.TxOut

	// Changeless spends exactly Outpoints without a change output. The
	// request output receives everything but the fee.
	Changeless bool

	// Outpoints are the explicit inputs of a changeless selection.
	Outpoints []wire.OutPoint
}

// Selection is the result of a coin selection.
type Selection struct {
	UTXOs []*UTXO

	// Total is the value of all selected inputs.
	Total btcutil.Amount

	// Amount is the value left for the request output. It equals the
	// target unless the selection is changeless.
	Amount btcutil.Amount

	// Fee is the absolute fee of the transaction.
	Fee btcutil.Amount

	// Change is the change value. Zero if the change would be dust.
	Change btcutil.Amount
}

// Outpoints returns the selected outpoints.
func (s *Selection) Outpoints() []wire.OutPoint {
	ops := make([]wire.OutPoint, len(s.UTXOs))
	for i, u := range s.UTXOs {
		ops[i] = u.OutPoint
	}

	return ops
}

// Config holds the selector's collaborators.
type Config struct {
	Indexer Indexer

	Store Store

	ChainParams *chaincfg.Params

	// MinConfs is the minimum number of confirmations of a selectable
	// output. DefaultMinConfs is used if zero.
	MinConfs int64
}

// Selector picks and reserves wallet outputs for requests.
type Selector struct {
	cfg *Config
}

// NewSelector creates a new selector.
func NewSelector(cfg *Config) *Selector {
	if cfg.MinConfs == 0 {
		cfg.MinConfs = DefaultMinConfs
	}

	return &Selector{
		cfg: cfg,
	}
}

// IsFrozen reports whether a tag set excludes an outpoint from selection.
func IsFrozen(tags map[string]string) bool {
	return tags[TagFrozen] == TagTrue && tags[TagManuallyFrozen] != TagTrue
}

// Select picks outputs of the wallet covering target plus fees. Outputs
// reserved by other in-flight requests and frozen outputs are skipped. The
// selection is not reserved, see SelectAndReserve.
func (s *Selector) Select(ctx context.Context, w *wallet.Wallet,
	target btcutil.Amount, opts *Options) (*Selection, error) {

	if opts == nil {
		opts = &Options{}
	}

	feeRate := opts.FeeRate
	if feeRate == 0 {
		feeRate = chainfee.FeePerKwFloor
	}

	template, err := wallet.DeriveStrategy(w, s.cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	desc, err := template.Descriptor(wallet.BranchReceive)
	if err != nil {
		return nil, err
	}

	utxos, err := s.cfg.Indexer.GetUTXOs(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch utxos: %w", err)
	}

	locked, err := s.cfg.Store.LockedOutpoints(ctx, opts.ExcludeRequestID)
	if err != nil {
		return nil, err
	}

	tags, err := s.cfg.Store.Tags(ctx)
	if err != nil {
		return nil, err
	}

	pkScripts := make([][]byte, 0, len(opts.Outputs)+1)
	for _, out := range opts.Outputs {
		pkScripts = append(pkScripts, out.PkScript)
	}

	if opts.Changeless {
		return s.selectChangeless(
			template, utxos, locked, tags, target, pkScripts,
			feeRate, opts.Outpoints,
		)
	}

	if target <= 0 {
		return nil, ErrInvalidTarget
	}

	// Every change script of a wallet has the same size, so any index
	// serves for estimation.
	change, err := template.Derive(wallet.BranchChange, 0)
	if err != nil {
		return nil, err
	}

	available := s.available(utxos, locked, tags)
	if len(available) == 0 {
		return nil, ErrNoUTXOsAvailable
	}

	sort.Slice(available, func(i, j int) bool {
		if available[i].Value != available[j].Value {
			return available[i].Value > available[j].Value
		}

		return available[i].OutPoint.String() <
			available[j].OutPoint.String()
	})

	withChange := append(pkScripts, change.PkScript)
	dustLimit := DustLimit(change.PkScript)

	var (
		selected []*UTXO
		total    btcutil.Amount
	)
	for _, u := range available {
		selected = append(selected, u)
		total += u.Value

		fee, err := EstimateFee(
			template, len(selected), withChange, feeRate,
		)
		if err != nil {
			return nil, err
		}

		if total < target+fee {
			continue
		}

		sel := &Selection{
			UTXOs:  selected,
			Total:  total,
			Amount: target,
			Fee:    fee,
			Change: total - target - fee,
		}

		// Dust change goes to the miners.
		if sel.Change < dustLimit {
			sel.Fee += sel.Change
			sel.Change = 0
		}

		log.Debugf("Selected %d of %d utxos for %v (wallet=%d, "+
			"fee=%v, change=%v)", len(selected), len(available),
			target, w.ID, sel.Fee, sel.Change)

		return sel, nil
	}

	return nil, fmt.Errorf("%w: have %v, need %v plus fees",
		ErrInsufficientFunds, total, target)
}

// available deduplicates the utxo set and drops unconfirmed, locked and
// frozen outputs.
func (s *Selector) available(utxos []*UTXO, locked map[wire.OutPoint]string,
	tags map[wire.OutPoint]map[string]string) []*UTXO {

	seen := make(map[wire.OutPoint]struct{}, len(utxos))
	result := make([]*UTXO, 0, len(utxos))
	for _, u := range utxos {
		if _, ok := seen[u.OutPoint]; ok {
			continue
		}
		seen[u.OutPoint] = struct{}{}

		if u.Confirmations < s.cfg.MinConfs {
			continue
		}

		if owner, ok := locked[u.OutPoint]; ok {
			log.Tracef("Skipping %v reserved by %v", u.OutPoint,
				owner)
			continue
		}

		if IsFrozen(tags[u.OutPoint]) {
			log.Tracef("Skipping frozen %v", u.OutPoint)
			continue
		}

		result = append(result, u)
	}

	return result
}

func (s *Selector) selectChangeless(template *wallet.ScriptTemplate,
	utxos []*UTXO, locked map[wire.OutPoint]string,
	tags map[wire.OutPoint]map[string]string, target btcutil.Amount,
	pkScripts [][]byte, feeRate chainfee.SatPerKWeight,
	outpoints []wire.OutPoint) (*Selection, error) {

	if len(outpoints) == 0 {
		return nil, ErrNoOutpoints
	}

	byOutpoint := make(map[wire.OutPoint]*UTXO, len(utxos))
	for _, u := range utxos {
		byOutpoint[u.OutPoint] = u
	}

	sel := &Selection{}
	seen := make(map[wire.OutPoint]struct{}, len(outpoints))
	for _, op := range outpoints {
		if _, ok := seen[op]; ok {
			continue
		}
		seen[op] = struct{}{}

		u, ok := byOutpoint[op]
		if !ok || u.Confirmations < s.cfg.MinConfs {
			return nil, fmt.Errorf("%w: %v", ErrUnknownOutpoint, op)
		}

		if owner, ok := locked[op]; ok {
			return nil, fmt.Errorf("%w: %v held by %v",
				ErrOutpointReserved, op, owner)
		}

		if IsFrozen(tags[op]) {
			return nil, fmt.Errorf("%w: %v", ErrOutpointFrozen, op)
		}

		sel.UTXOs = append(sel.UTXOs, u)
		sel.Total += u.Value
	}

	fee, err := EstimateFee(template, len(sel.UTXOs), pkScripts, feeRate)
	if err != nil {
		return nil, err
	}

	if sel.Total < target+fee {
		return nil, fmt.Errorf("%w: have %v, need %v plus %v fee",
			ErrInsufficientFunds, sel.Total, target, fee)
	}

	sel.Fee = fee
	sel.Amount = sel.Total - fee

	return sel, nil
}

// Reserve associates outpoints with a request so other selections treat
// them as locked.
func (s *Selector) Reserve(ctx context.Context, requestID string,
	outpoints []wire.OutPoint) error {

	return s.cfg.Store.Reserve(ctx, requestID, outpoints)
}

// SelectAndReserve selects outputs for a request and reserves them. A
// selection that loses the reservation race to a concurrent request is
// retried once.
func (s *Selector) SelectAndReserve(ctx context.Context, requestID string,
	w *wallet.Wallet, target btcutil.Amount,
	opts *Options) (*Selection, error) {

	var o Options
	if opts != nil {
		o = *opts
	}
	o.ExcludeRequestID = requestID

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		sel, err := s.Select(ctx, w, target, &o)
		if err != nil {
			return nil, err
		}

		err = s.cfg.Store.Reserve(ctx, requestID, sel.Outpoints())
		if err == nil {
			return sel, nil
		}

		if !errors.Is(err, ErrOutpointReserved) {
			return nil, err
		}

		log.Infof("Request %v lost reservation race, reselecting: %v",
			requestID, err)
		lastErr = err
	}

	return nil, lastErr
}

// Release drops the reservations of a request.
func (s *Selector) Release(ctx context.Context, requestID string) error {
	return s.cfg.Store.Release(ctx, requestID)
}

// Reservations returns the outpoints reserved by a request.
func (s *Selector) Reservations(ctx context.Context,
	requestID string) ([]wire.OutPoint, error) {

	return s.cfg.Store.Reservations(ctx, requestID)
}

// SetTag sets a tag on an outpoint.
func (s *Selector) SetTag(ctx context.Context, op wire.OutPoint, tag,
	value string) error {

	return s.cfg.Store.SetTag(ctx, op, tag, value)
}

// ClearTag removes a tag from an outpoint.
func (s *Selector) ClearTag(ctx context.Context, op wire.OutPoint,
	tag string) error {

	return s.cfg.Store.ClearTag(ctx, op, tag)
}

// Tags returns all outpoint tags.
func (s *Selector) Tags(
	ctx context.Context) (map[wire.OutPoint]map[string]string, error) {

	return s.cfg.Store.Tags(ctx)
}
