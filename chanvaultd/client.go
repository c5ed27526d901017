package chanvaultd

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/chanvault/chanvault/chainindex"
	"github.com/chanvault/chanvault/coinselect"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/funding"
	"github.com/chanvault/chanvault/lndconn"
	"github.com/chanvault/chanvault/psbtcoord"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// Client bundles the stores and the funding engine of a custody database.
// The daemon runs its manager, the command line client uses it offline to
// store requests for the daemon.
type Client struct {
	Network string
	Params  *chaincfg.Params

	Store        *custodydb.Store
	Requests     *funding.SqlStore
	Reservations *coinselect.SqlStore

	Pool        *lndconn.Pool
	Indexer     *chainindex.Indexer
	Selector    *coinselect.Selector
	Coordinator *psbtcoord.Coordinator
	Manager     *funding.Manager

	cfg   *Config
	db    *custodydb.BaseDB
	clock clock.Clock
}

// NewClient opens the configured database and creates an offline funding
// engine on it. Requests it creates are picked up by a running daemon.
func NewClient(cfg *Config) (*Client, error) {
	params, err := chainParams(cfg.Network)
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(cfg, params)
	if err != nil {
		return nil, err
	}

	c := newClient(cfg, params, db)
	if err := c.initEngine(nil, true); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// newClient creates the stores and the node pool on an open database.
func newClient(cfg *Config, params *chaincfg.Params,
	db *custodydb.BaseDB) *Client {

	clk := clock.NewDefaultClock()
	store := custodydb.NewStore(db)

	var dial lndconn.DialFunc
	if cfg.TorProxy != "" {
		dial = lndconn.TorDialer(cfg.TorProxy)
	}

	return &Client{
		Network:      cfg.Network,
		Params:       params,
		Store:        store,
		Requests:     funding.NewSqlStore(db, clk),
		Reservations: coinselect.NewSqlStore(db),
		Pool:         lndconn.NewPool(store, dial),
		cfg:          cfg,
		db:           db,
		clock:        clk,
	}
}

// initEngine creates the chain indexer, the coin selector, the PSBT
// coordinator and the funding manager. A nil signer leaves hot wallet
// requests unsigned.
func (c *Client) initEngine(signer psbtcoord.Signer, offline bool) error {
	rpc, err := chainindex.NewClient(&chainindex.RPCConfig{
		Host:       c.cfg.Bitcoind.Host,
		User:       c.cfg.Bitcoind.User,
		Pass:       c.cfg.Bitcoind.Pass,
		DisableTLS: c.cfg.Bitcoind.DisableTLS,
	})
	if err != nil {
		return fmt.Errorf("unable to create bitcoind client: %w", err)
	}
	c.Indexer = chainindex.NewIndexer(
		rpc, c.Store, c.Params, c.cfg.Bitcoind.Lookahead,
	)

	c.Selector = coinselect.NewSelector(&coinselect.Config{
		Indexer:     c.Indexer,
		Store:       c.Reservations,
		ChainParams: c.Params,
	})

	c.Coordinator = psbtcoord.NewCoordinator(&psbtcoord.Config{
		Indexer:     c.Indexer,
		Store:       psbtcoord.NewSqlStore(c.db, c.clock),
		Signer:      signer,
		ChainParams: c.Params,
	})

	sched := c.cfg.Scheduler
	c.Manager = funding.NewManager(&funding.Config{
		Store:        c.Requests,
		Wallets:      c.Store,
		Nodes:        c.Store,
		Channels:     c.Store,
		Lightning:    c.Pool,
		Indexer:      c.Indexer,
		Selector:     c.Selector,
		Coordinator:  c.Coordinator,
		ChainParams:  c.Params,
		Clock:        c.clock,
		RetryBackoff: sched.RetryBackoff,
		ConfTicker:   ticker.New(sched.ConfInterval),
		ConfDepth:    sched.ConfDepth,
		Offline:      offline,
	})

	return nil
}

// Close closes the node connections and the database.
func (c *Client) Close() {
	c.Pool.Close()

	if err := c.db.Close(); err != nil {
		log.Errorf("Error closing database: %v", err)
	}
}

// openDatabase opens the configured database backend and applies the
// migrations.
func openDatabase(cfg *Config, params *chaincfg.Params) (*custodydb.BaseDB,
	error) {

	switch cfg.DatabaseBackend {
	case DatabaseBackendSqlite:
		log.Infof("Opening sqlite3 database at: %v",
			cfg.Sqlite.DatabaseFileName)

		db, err := custodydb.NewSqliteStore(cfg.Sqlite, params)
		if err != nil {
			return nil, err
		}

		return db.BaseDB, nil

	case DatabaseBackendPostgres:
		db, err := custodydb.NewPostgresStore(cfg.Postgres, params)
		if err != nil {
			return nil, err
		}

		return db.BaseDB, nil

	default:
		return nil, fmt.Errorf("unknown database backend: %s",
			cfg.DatabaseBackend)
	}
}
