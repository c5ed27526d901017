package funding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/chainindex"
	"github.com/chanvault/chanvault/coinselect"
	"github.com/chanvault/chanvault/fsm"
	"github.com/chanvault/chanvault/psbtcoord"
	"github.com/chanvault/chanvault/wallet"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultRetryBackoff is the pause before a job is retried after a
	// transient error.
	DefaultRetryBackoff = 30 * time.Second

	// DefaultConfInterval is the interval of the confirmation monitor.
	DefaultConfInterval = time.Minute

	// DefaultConfDepth is the number of confirmations after which a
	// withdrawal or close is considered confirmed.
	DefaultConfDepth = 3
)

var (
	// ErrNotRunning is returned if requests are created before the
	// manager was started.
	ErrNotRunning = errors.New("funding manager not running")

	// ErrRequestBusy is returned when a request is driven by a running
	// job.
	ErrRequestBusy = errors.New("request has a running job")

	// nonTerminalStates are the states recovered after a restart.
	nonTerminalStates = []fsm.StateType{
		Pending, PSBTSignaturesPending, OnChainConfirmationPending,
	}
)

// Config holds the manager's collaborators.
type Config struct {
	Store Store

	Wallets WalletStore

	Nodes NodeStore

	Channels ChannelStore

	// Lightning hands out connections to the managed lnd nodes.
	Lightning Lightning

	Indexer Indexer

	Selector *coinselect.Selector

	Coordinator *psbtcoord.Coordinator

	ChainParams *chaincfg.Params

	Clock clock.Clock

	// RetryBackoff is the pause before a failed job is retried.
	RetryBackoff time.Duration

	// ConfTicker drives the confirmation monitor.
	ConfTicker ticker.Ticker

	// ConfDepth is the confirmation target of withdrawals and closes.
	ConfDepth int64

	// Offline managers only store new requests. A running manager on
	// the same database adopts them.
	Offline bool
}

// job is the single runner of a request.
type job struct {
	request *Request
	fsm     *FSM

	cancel context.CancelCauseFunc

	// sigs is signaled for every co-signer PSBT submitted.
	sigs chan struct{}

	done chan struct{}
}

// Infof logs an info message with the request id.
func (j *job) Infof(format string, args ...interface{}) {
	j.fsm.Infof(format, args...)
}

// Manager runs the lifecycle of open, close and withdrawal requests. It
// runs at most one job per request.
type Manager struct {
	cfg *Config

	// mu guards jobs and runCtx.
	mu sync.Mutex

	jobs map[string]*job

	// runCtx is the context jobs are derived from. It is set by Run.
	runCtx context.Context

	// submitMu serializes co-signer submissions.
	submitMu sync.Mutex

	initChan chan struct{}

	wg sync.WaitGroup
}

// NewManager creates a new funding manager.
func NewManager(cfg *Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.ConfTicker == nil {
		cfg.ConfTicker = ticker.New(DefaultConfInterval)
	}
	if cfg.ConfDepth == 0 {
		cfg.ConfDepth = DefaultConfDepth
	}

	return &Manager{
		cfg:      cfg,
		jobs:     make(map[string]*job),
		initChan: make(chan struct{}),
	}
}

// Run recovers the requests that were in flight and runs the confirmation
// monitor until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	err := m.recoverRequests(ctx)
	if err != nil {
		return err
	}

	m.cfg.ConfTicker.Resume()
	defer m.cfg.ConfTicker.Stop()

	close(m.initChan)

	for {
		select {
		case <-m.cfg.ConfTicker.Ticks():
			m.checkConfirmations(ctx)
			m.releaseSettled(ctx)
			m.syncJobs(ctx)
			m.adoptPending(ctx)

		case <-ctx.Done():
			m.wg.Wait()

			return ctx.Err()
		}
	}
}

// WaitInitComplete waits until the manager has recovered its requests.
func (m *Manager) WaitInitComplete() {
	defer log.Debugf("Funding manager initiation complete.")
	<-m.initChan
}

// Initialized returns a channel that is closed once the manager has
// recovered its requests.
func (m *Manager) Initialized() <-chan struct{} {
	return m.initChan
}

// recoverRequests resumes the jobs of all non-terminal requests.
func (m *Manager) recoverRequests(ctx context.Context) error {
	log.Infof("Recovering funding requests...")

	for _, state := range nonTerminalStates {
		requests, err := m.cfg.Store.RequestsInState(ctx, string(state))
		if err != nil {
			return err
		}

		for _, r := range requests {
			f := NewFSM(r, m.cfg.Store, m.cfg.Selector)
			if err := f.Transition(ctx, OnRecover); err != nil {
				return err
			}

			if !needsJob(r) {
				f.Infof("Awaiting confirmation of %v", r.TxID)
				continue
			}

			f.Infof("Resuming %v request in state %v", r.Type,
				r.GetState())

			m.startJob(r, f)
		}
	}

	return nil
}

// syncJobs applies changes other processes made to the requests of running
// jobs. Jobs waiting for co-signers recount the submitted PSBTs, and jobs of
// requests that were cancelled are stopped.
func (m *Manager) syncJobs(ctx context.Context) {
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	for _, j := range jobs {
		stored, err := m.cfg.Store.GetRequest(ctx, j.request.ID)
		if err != nil {
			log.Errorf("[req %v] Unable to fetch request: %v",
				j.request.ID, err)

			continue
		}

		if stored.IsInState(Cancelled) {
			j.Infof("Cancelled by another process")
			j.cancel(ErrRequestCancelled)

			continue
		}

		select {
		case j.sigs <- struct{}{}:
		default:
		}
	}
}

// adoptPending starts the jobs of pending requests that were stored by
// another process, e.g. the operator cli.
func (m *Manager) adoptPending(ctx context.Context) {
	requests, err := m.cfg.Store.RequestsInState(ctx, string(Pending))
	if err != nil {
		log.Errorf("Unable to fetch pending requests: %v", err)
		return
	}

	for _, r := range requests {
		m.mu.Lock()
		_, running := m.jobs[r.ID]
		m.mu.Unlock()
		if running {
			continue
		}

		f := NewFSM(r, m.cfg.Store, m.cfg.Selector)
		f.Infof("Adopting %v request", r.Type)

		m.startJob(r, f)
	}
}

// needsJob reports whether a recovered request must be driven by a job.
// Published opens and closes are completed by the confirmation monitor and
// the reconciler.
func needsJob(r *Request) bool {
	if !r.IsInState(OnChainConfirmationPending) {
		return true
	}

	return r.Type == TypeWithdrawal
}

// startJob runs the job of a request unless it already runs.
func (m *Manager) startJob(r *Request, f *FSM) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[r.ID]; ok {
		return
	}

	ctx, cancel := context.WithCancelCause(m.runCtx)
	j := &job{
		request: r,
		fsm:     f,
		cancel:  cancel,
		sigs:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	m.jobs[r.ID] = j

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(j.done)
		defer cancel(nil)

		m.runJob(ctx, j)

		m.mu.Lock()
		delete(m.jobs, r.ID)
		m.mu.Unlock()
	}()
}

// runJob drives a request until its flow completes, it reaches a terminal
// state or the manager shuts down. Transient errors are retried after the
// backoff.
func (m *Manager) runJob(ctx context.Context, j *job) {
	for {
		if j.request.IsFinal() {
			return
		}

		err := m.step(ctx, j)
		if err == nil {
			return
		}

		if errors.Is(context.Cause(ctx), ErrRequestCancelled) {
			m.finish(ctx, j, OnCancel, ErrRequestCancelled)
			return
		}

		if isShutdown(ctx, err) {
			j.Infof("Stopped: %v", err)
			return
		}

		switch classifyError(err) {
		case classValidation, classResource:
			m.finish(ctx, j, OnReject, err)
			return

		case classIntegrity:
			m.finish(ctx, j, fsm.OnError, err)
			return
		}

		j.fsm.Errorf("Retrying in %v: %v", m.cfg.RetryBackoff, err)

		select {
		case <-m.cfg.Clock.TickAfter(m.cfg.RetryBackoff):

		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), ErrRequestCancelled) {
				m.finish(ctx, j, OnCancel, ErrRequestCancelled)
			}

			return
		}
	}
}

// step runs the flow of the request's type once.
func (m *Manager) step(ctx context.Context, j *job) error {
	switch j.request.Type {
	case TypeChannelOpen:
		return m.runOpen(ctx, j)

	case TypeChannelClose:
		return m.runClose(ctx, j)

	case TypeWithdrawal:
		return m.runWithdraw(ctx, j)

	default:
		return fmt.Errorf("%w: %v", ErrWrongRequestType, j.request.Type)
	}
}

// finish moves a request to a terminal state, recording the reason.
func (m *Manager) finish(ctx context.Context, j *job, event fsm.EventType,
	reason error) {

	// The job's context may be done already.
	ctx = context.WithoutCancel(ctx)

	j.request.Lock()
	j.request.FailureReason = reason.Error()
	j.request.Unlock()

	if err := j.fsm.Transition(ctx, event); err != nil {
		j.fsm.Errorf("Unable to finish request with %v: %v", event,
			err)

		return
	}

	j.Infof("Finished in state %v: %v", j.request.GetState(), reason)
}

// create stores a new request, reserves its coins and starts its job. If
// the request can't be funded it is rejected and the error returned.
func (m *Manager) create(ctx context.Context, r *Request,
	target *wire.TxOut) (*Request, error) {

	m.mu.Lock()
	running := m.runCtx != nil
	m.mu.Unlock()
	if !running && !m.cfg.Offline {
		return nil, ErrNotRunning
	}

	r.ID = NewRequestID()
	if err := m.cfg.Store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}

	f := NewFSM(r, m.cfg.Store, m.cfg.Selector)
	f.Infof("Created %v request", r.Type)

	if m.cfg.Offline {
		return r, nil
	}

	if target != nil {
		w, err := m.cfg.Wallets.GetWallet(ctx, r.WalletID)
		if err == nil {
			_, err = m.selectCoins(ctx, r, w, target.PkScript)
		}

		switch {
		case err == nil:

		case classifyError(err) == classTransient:
			f.Errorf("Unable to select coins, retrying: %v", err)

		default:
			r.FailureReason = err.Error()
			if terr := f.Transition(ctx, OnReject); terr != nil {
				f.Errorf("Unable to reject request: %v", terr)
			}

			return r, err
		}
	}

	m.startJob(r, f)

	return r, nil
}

// selectCoins selects and reserves the inputs of a request paying to
// pkScript.
func (m *Manager) selectCoins(ctx context.Context, r *Request,
	w *wallet.Wallet, pkScript []byte) (*coinselect.Selection, error) {

	sel, err := m.cfg.Selector.SelectAndReserve(
		ctx, r.ID, w, r.Amount, &coinselect.Options{
			FeeRate: r.FeeRate,
			Outputs: []*wire.TxOut{{
				Value:    int64(r.Amount),
				PkScript: pkScript,
			}},
			Changeless: r.Changeless,
			Outpoints:  r.Outpoints,
		},
	)
	if err != nil {
		return nil, err
	}

	log.Debugf("[req %v] Selected %d inputs worth %v, fee %v, change %v",
		r.ID, len(sel.UTXOs), sel.Total, sel.Fee, sel.Change)

	return sel, nil
}

// collectSignatures waits for the co-signers of a wallet, combines their
// PSBTs and adds the internal signature to hot wallet requests.
func (m *Manager) collectSignatures(ctx context.Context, j *job,
	w *wallet.Wallet, template *psbt.Packet) (*psbt.Packet, error) {

	required := w.HumanSigsRequired()
	for {
		count, err := m.cfg.Coordinator.HumanSigCount(
			ctx, j.request.ID,
		)
		if err != nil {
			return nil, err
		}
		if count >= required {
			break
		}

		j.Infof("Waiting for co-signers, have %d of %d", count,
			required)

		select {
		case <-j.sigs:

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	signed := template
	if required > 0 {
		var err error
		signed, err = m.cfg.Coordinator.Combine(ctx, j.request.ID)
		if err != nil {
			return nil, err
		}
	}

	if !w.IsHot {
		return signed, nil
	}

	return m.cfg.Coordinator.SignInternal(
		ctx, j.request.ID, signed, w, template.UnsignedTx,
	)
}

// SubmitPSBT adds a co-signer PSBT to a request waiting for signatures.
func (m *Manager) SubmitPSBT(ctx context.Context, id,
	encoded string) (*psbtcoord.Record, error) {

	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	r, err := m.cfg.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.IsInState(PSBTSignaturesPending) {
		return nil, fmt.Errorf("%w: %v", ErrWrongState, r.GetState())
	}

	w, err := m.cfg.Wallets.GetWallet(ctx, r.WalletID)
	if err != nil {
		return nil, err
	}

	count, err := m.cfg.Coordinator.HumanSigCount(ctx, id)
	if err != nil {
		return nil, err
	}
	if count >= w.HumanSigsRequired() {
		return nil, ErrEnoughSignatures
	}

	record, err := m.cfg.Coordinator.SubmitSigned(ctx, id, encoded)
	if err != nil {
		return nil, err
	}

	log.Infof("[req %v] Co-signer PSBT %d of %d submitted", id, count+1,
		w.HumanSigsRequired())

	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if ok {
		select {
		case j.sigs <- struct{}{}:
		default:
		}
	}

	return record, nil
}

// Cancel cancels a request. A running job is stopped, which cancels a
// pending funding shim. The request's reservations are released.
func (m *Manager) Cancel(ctx context.Context, id string) (*Request, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if ok {
		m.mu.Unlock()

		j.cancel(ErrRequestCancelled)

		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		return m.cfg.Store.GetRequest(ctx, id)
	}
	defer m.mu.Unlock()

	r, err := m.cfg.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	r.FailureReason = ErrRequestCancelled.Error()
	f := NewFSM(r, m.cfg.Store, m.cfg.Selector)
	if err := f.Transition(ctx, OnCancel); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongState, err)
	}

	return r, nil
}

// ChannelConfirmed completes a published open whose channel was found
// confirmed by the reconciler.
func (m *Manager) ChannelConfirmed(ctx context.Context, id string,
	chanID uint64) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; ok {
		return ErrRequestBusy
	}

	r, err := m.cfg.Store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if !r.IsInState(OnChainConfirmationPending) {
		return fmt.Errorf("%w: %v", ErrWrongState, r.GetState())
	}

	r.ChanID = chanID
	f := NewFSM(r, m.cfg.Store, m.cfg.Selector)

	return f.Transition(ctx, OnConfirmed)
}

// checkConfirmations confirms published withdrawals and closes that
// reached the confirmation depth. Opens are confirmed by their node.
func (m *Manager) checkConfirmations(ctx context.Context) {
	requests, err := m.cfg.Store.RequestsInState(
		ctx, string(OnChainConfirmationPending),
	)
	if err != nil {
		log.Errorf("Unable to fetch published requests: %v", err)
		return
	}

	for _, r := range requests {
		if r.Type == TypeChannelOpen || r.TxID == nil {
			continue
		}

		confs, err := m.cfg.Indexer.GetTxConfirmations(ctx, *r.TxID)
		if err != nil {
			log.Errorf("[req %v] Unable to fetch confirmations of "+
				"%v: %v", r.ID, r.TxID, err)

			continue
		}
		if confs < m.cfg.ConfDepth {
			continue
		}

		err = m.confirmIdle(ctx, r)
		if err != nil && !errors.Is(err, ErrRequestBusy) {
			log.Errorf("[req %v] Unable to confirm: %v", r.ID, err)
		}
	}
}

// releaseSettled frees the coins of cancelled requests once their
// transaction confirmed or is known to neither mempool nor chain.
func (m *Manager) releaseSettled(ctx context.Context) {
	requests, err := m.cfg.Store.RequestsInState(ctx, string(Cancelled))
	if err != nil {
		log.Errorf("Unable to fetch cancelled requests: %v", err)
		return
	}

	for _, r := range requests {
		if r.TxID == nil {
			continue
		}

		held, err := m.cfg.Selector.Reservations(ctx, r.ID)
		if err != nil {
			log.Errorf("[req %v] Unable to fetch reservations: %v",
				r.ID, err)

			continue
		}
		if len(held) == 0 {
			continue
		}

		settled, err := m.txSettled(ctx, *r.TxID)
		if err != nil {
			log.Errorf("[req %v] Unable to look up %v: %v", r.ID,
				r.TxID, err)

			continue
		}
		if !settled {
			continue
		}

		log.Infof("[req %v] Transaction %v settled, releasing %d "+
			"reservations", r.ID, r.TxID, len(held))

		if err := m.cfg.Selector.Release(ctx, r.ID); err != nil {
			log.Errorf("[req %v] Unable to release reservations: %v",
				r.ID, err)
		}
	}
}

// txSettled reports whether a transaction reached the confirmation depth
// or was dropped.
func (m *Manager) txSettled(ctx context.Context,
	txid chainhash.Hash) (bool, error) {

	confs, err := m.cfg.Indexer.GetTxConfirmations(ctx, txid)
	if err != nil {
		return false, err
	}
	if confs >= m.cfg.ConfDepth {
		return true, nil
	}
	if confs > 0 {
		return false, nil
	}

	_, err = m.cfg.Indexer.GetTransaction(ctx, txid)
	switch {
	case errors.Is(err, chainindex.ErrTxNotFound):
		return true, nil

	case err != nil:
		return false, err
	}

	return false, nil
}

// confirmIdle confirms a request that has no running job.
func (m *Manager) confirmIdle(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[r.ID]; ok {
		return ErrRequestBusy
	}

	f := NewFSM(r, m.cfg.Store, m.cfg.Selector)
	f.Infof("Transaction %v confirmed", r.TxID)

	return f.Transition(ctx, OnConfirmed)
}

// decodeAddress parses an address of the manager's network into its
// output script.
func (m *Manager) decodeAddress(addr string) ([]byte, error) {
	a, err := btcutil.DecodeAddress(addr, m.cfg.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !a.IsForNet(m.cfg.ChainParams) {
		return nil, fmt.Errorf("%w: address %v is not for %v",
			ErrInvalidRequest, addr, m.cfg.ChainParams.Name)
	}

	return txscript.PayToAddrScript(a)
}
