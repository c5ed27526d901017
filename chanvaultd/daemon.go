package chanvaultd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chanvault/chanvault/nodemonitor"
	"github.com/chanvault/chanvault/psbtcoord"
	"github.com/chanvault/chanvault/reconcile"
	"github.com/chanvault/chanvault/wallet"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

const (
	// startupTimeout bounds the database and node setup on start.
	startupTimeout = time.Minute
)

// Daemon is the chanvault daemon. It runs the funding manager, the
// reconciler and the node monitor of one custody database.
type Daemon struct {
	// ErrChan is an error channel that users of the Daemon struct must
	// use to detect runtime errors and also whether a shutdown is fully
	// completed.
	ErrChan chan error

	cfg *Config

	*Client

	signer psbtcoord.Signer

	reconciler *reconcile.Reconciler
	monitor    *nodemonitor.Monitor
	metrics    *metrics

	metricsListener net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New creates a new instance of the chanvault daemon.
func New(cfg *Config) *Daemon {
	return &Daemon{
		// We send exactly one message on the error channel, so it
		// doesn't need to be buffered deeper.
		ErrChan: make(chan error, 1),
		cfg:     cfg,
	}
}

// Start opens the database, seeds the configured nodes, wires all
// subsystems and runs them in the background.
func (d *Daemon) Start() error {
	params, err := chainParams(d.cfg.Network)
	if err != nil {
		return err
	}

	setupCtx, cancel := context.WithTimeout(
		context.Background(), startupTimeout,
	)
	defer cancel()

	db, err := openDatabase(d.cfg, params)
	if err != nil {
		return err
	}
	d.Client = newClient(d.cfg, params, db)

	if err := d.initSubsystems(setupCtx); err != nil {
		d.closeResources()
		return err
	}

	if d.cfg.MetricsListen != "" {
		d.metricsListener, err = net.Listen("tcp", d.cfg.MetricsListen)
		if err != nil {
			d.closeResources()
			return fmt.Errorf("unable to listen on %v: %w",
				d.cfg.MetricsListen, err)
		}
	}

	ctx, cancelRun := context.WithCancel(context.Background())
	d.cancel = cancelRun

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		err := d.run(ctx)
		d.closeResources()

		log.Infof("Daemon exited")
		d.ErrChan <- err
	}()

	return nil
}

// Stop tells the daemon to shut down. The final result is delivered on
// ErrChan.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		log.Infof("Stopping daemon")

		if d.cancel != nil {
			d.cancel()
		}
	})
}

// initSubsystems seeds the nodes, sets up the signer and creates the funding
// engine and the long running subsystems.
func (d *Daemon) initSubsystems(ctx context.Context) error {
	if err := d.seedNodes(ctx); err != nil {
		return err
	}

	if err := d.initSigner(ctx); err != nil {
		return err
	}

	if err := d.initEngine(d.signer, false); err != nil {
		return err
	}

	synced, err := d.Indexer.GetSyncStatus(ctx)
	switch {
	case err != nil:
		log.Warnf("Unable to query bitcoind sync status: %v", err)

	case !synced:
		log.Warnf("bitcoind is not synced, templates are deferred " +
			"until it is")
	}

	sched := d.cfg.Scheduler
	d.reconciler = reconcile.NewReconciler(&reconcile.Config{
		Nodes:     d.Store,
		Channels:  d.Store,
		Requests:  d.Requests,
		Confirmer: d.Manager,
		Lightning: d.Pool,
		Ticker:    ticker.New(sched.ReconcileInterval),
	})

	d.monitor = nodemonitor.NewMonitor(&nodemonitor.Config{
		Nodes:     d.Store,
		Lightning: d.Pool,
		Clock:     d.clock,
		Backoff:   sched.StreamBackoff,
	})

	d.metrics = newMetrics(d.Requests, d.Reservations)

	return nil
}

// seedNodes stores the configured nodes.
func (d *Daemon) seedNodes(ctx context.Context) error {
	nodes, err := d.cfg.ParseNodes()
	if err != nil {
		return err
	}

	for _, node := range nodes {
		if err := d.Store.UpsertNode(ctx, node); err != nil {
			return fmt.Errorf("unable to store node %v: %w", node.ID,
				err)
		}

		log.Infof("Managing node %v at %v (credentials: %v)", node.ID,
			node.Host, node.HasCredentials())
	}

	return nil
}

// initSigner sets up the internal co-signer from a local seed or a managed
// node's wallet. Without either, hot wallet requests wait at the signing
// stage.
func (d *Daemon) initSigner(ctx context.Context) error {
	switch {
	case d.cfg.Signer.SeedFile != "":
		mnemonic, err := os.ReadFile(d.cfg.Signer.SeedFile)
		if err != nil {
			return fmt.Errorf("unable to read seed file: %w", err)
		}

		signer, err := wallet.NewInternalSignerFromMnemonic(
			strings.TrimSpace(string(mnemonic)),
			[]byte(d.cfg.Signer.Passphrase), d.Params,
		)
		if err != nil {
			return err
		}

		log.Infof("Internal signer with fingerprint %v loaded",
			signer.Fingerprint())

		d.signer = psbtcoord.NewLocalSigner(signer)

	case d.cfg.Signer.RemoteNode != "":
		client, err := d.Pool.Client(ctx, d.cfg.Signer.RemoteNode)
		if err != nil {
			return fmt.Errorf("unable to connect to remote "+
				"signer: %w", err)
		}

		log.Infof("Internal signatures are created by node %v",
			d.cfg.Signer.RemoteNode)

		d.signer = psbtcoord.NewRemoteSigner(client.WalletKit)

	default:
		log.Warnf("No internal signer configured, hot wallet " +
			"requests will not be signed")
	}

	return nil
}

// run runs all subsystems until the context is canceled or one of them
// fails.
func (d *Daemon) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Subscribe before the monitor runs so no event is missed.
	events := d.monitor.Subscribe(ctx)

	g.Go(func() error {
		return d.Manager.Run(ctx)
	})

	g.Go(func() error {
		// Confirmations reported by the reconciler need the manager's
		// recovered jobs.
		select {
		case <-d.Manager.Initialized():

		case <-ctx.Done():
			return ctx.Err()
		}

		return d.reconciler.Run(ctx)
	})

	g.Go(func() error {
		return d.monitor.Run(ctx)
	})

	g.Go(func() error {
		d.handleNodeEvents(ctx, events)
		return ctx.Err()
	})

	g.Go(func() error {
		return d.updateMetrics(ctx)
	})

	if d.metricsListener != nil {
		g.Go(func() error {
			return d.metrics.serve(ctx, d.metricsListener)
		})
	}

	log.Infof("Daemon started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// handleNodeEvents reconciles a node whenever one of its channels opened
// or closed, so the database follows the node without waiting for the
// periodic run.
func (d *Daemon) handleNodeEvents(ctx context.Context,
	events <-chan *nodemonitor.Event) {

	for event := range events {
		switch event.Type {
		case nodemonitor.EventChannelOpened,
			nodemonitor.EventChannelClosed:

			log.Debugf("[node %v] %v %v, reconciling",
				event.NodeID, event.Type, event.ChannelPoint)

			res, err := d.reconciler.Reconcile(ctx, event.NodeID)
			if err != nil {
				log.Errorf("[node %v] Reconciliation failed: %v",
					event.NodeID, err)

				continue
			}

			log.Debugf("[node %v] Reconciled: ghosts=%d closed=%d "+
				"confirmed=%d", event.NodeID, res.Ghosts,
				res.Closed, res.Confirmed)

		case nodemonitor.EventInboundOpen:
			if !event.Accepted {
				log.Infof("[node %v] Refused inbound channel "+
					"from %v", event.NodeID,
					event.RemotePubKey)
			}
		}
	}
}

// updateMetrics refreshes the gauges on the confirmation interval.
func (d *Daemon) updateMetrics(ctx context.Context) error {
	t := ticker.New(d.cfg.Scheduler.ConfInterval)
	t.Resume()
	defer t.Stop()

	for {
		if err := d.metrics.update(ctx); err != nil &&
			ctx.Err() == nil {

			log.Warnf("Unable to update metrics: %v", err)
		}

		select {
		case <-t.Ticks():

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// closeResources closes the metrics listener, the node connections and the
// database.
func (d *Daemon) closeResources() {
	if d.metricsListener != nil {
		_ = d.metricsListener.Close()
	}

	if d.Client != nil {
		d.Client.Close()
	}
}
