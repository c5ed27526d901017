package chanvaultd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/chanvault/chanvault/chainindex"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/funding"
	"github.com/chanvault/chanvault/nodemonitor"
	"github.com/chanvault/chanvault/reconcile"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/lncfg"
)

const (
	// DatabaseBackendSqlite is the name of the sqlite backend.
	DatabaseBackendSqlite = "sqlite"

	// DatabaseBackendPostgres is the name of the postgres backend.
	DatabaseBackendPostgres = "postgres"

	defaultConfigFilename = "chanvaultd.conf"
	defaultSqliteFilename = "chanvault.db"
)

var (
	// DirBase is the default main directory where chanvault stores its
	// data.
	DirBase = btcutil.AppDataDir("chanvault", false)

	defaultNetwork     = "mainnet"
	defaultLogLevel    = "info"
	defaultLogDirname  = "logs"
	defaultLogFilename = "chanvaultd.log"
	defaultLogDir      = filepath.Join(DirBase, defaultLogDirname)
	defaultConfigFile  = filepath.Join(
		DirBase, defaultNetwork, defaultConfigFilename,
	)
	defaultSqliteDatabasePath = filepath.Join(
		DirBase, defaultNetwork, defaultSqliteFilename,
	)
)

type bitcoindConfig struct {
	Host       string `long:"host" description:"bitcoind rpc address"`
	User       string `long:"user" description:"bitcoind rpc user"`
	Pass       string `long:"pass" description:"bitcoind rpc password"`
	DisableTLS bool   `long:"notls" description:"Connect to bitcoind without tls"`

	Lookahead uint32 `long:"lookahead" description:"Number of addresses per wallet branch scanned beyond the next unused one"`
}

type signerConfig struct {
	SeedFile   string `long:"seedfile" description:"Path to a file holding the aezeed mnemonic of the internal co-signer"`
	Passphrase string `long:"passphrase" description:"Passphrase of the internal co-signer's seed"`

	RemoteNode string `long:"remotenode" description:"Id of a managed node whose wallet signs as the internal co-signer instead of a local seed"`
}

type schedulerConfig struct {
	ReconcileInterval time.Duration `long:"reconcileinterval" description:"Interval of the reconciliation of all managed nodes"`
	ConfInterval      time.Duration `long:"confinterval" description:"Interval of the confirmation checks of published requests"`
	ConfDepth         int64         `long:"confdepth" description:"Number of confirmations after which withdrawals and closes are final"`
	RetryBackoff      time.Duration `long:"retrybackoff" description:"Pause before a request is retried after a transient error"`
	StreamBackoff     time.Duration `long:"streambackoff" description:"Pause before a failed node stream is resubscribed"`
}

// Config is the configuration of chanvaultd.
type Config struct {
	ShowVersion bool   `long:"version" description:"Display version information and exit"`
	Network     string `long:"network" description:"network to run on" choice:"regtest" choice:"testnet" choice:"mainnet" choice:"simnet" choice:"signet"`

	DataDir    string `long:"datadir" description:"The directory for all of chanvault's data. If set, this option overwrites --logdir and --sqlite.dbfile."`
	ConfigFile string `long:"configfile" description:"Path to configuration file."`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	MetricsListen string `long:"metricslisten" description:"Address to serve prometheus metrics on, disabled if empty"`

	DatabaseBackend string                    `long:"databasebackend" description:"The database backend to use for storing all chanvault data." choice:"sqlite" choice:"postgres"`
	Sqlite          *custodydb.SqliteConfig   `group:"sqlite" namespace:"sqlite"`
	Postgres        *custodydb.PostgresConfig `group:"postgres" namespace:"postgres"`

	Bitcoind *bitcoindConfig `group:"bitcoind" namespace:"bitcoind"`

	Signer *signerConfig `group:"signer" namespace:"signer"`

	Scheduler *schedulerConfig `group:"scheduler" namespace:"scheduler"`

	// Nodes are the managed lnd nodes, seeded into the database on
	// start.
	Nodes []string `long:"node" description:"A managed lnd node as id@host[,tlscertpath[,macaroonpath]]. Nodes without macaroon are only known peers. May be repeated."`

	TorProxy string `long:"torproxy" description:"Tor SOCKS proxy used to reach nodes on onion hosts, e.g. localhost:9050"`

	Logging *build.LogConfig `group:"logging" namespace:"logging"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		Network:         defaultNetwork,
		DataDir:         DirBase,
		ConfigFile:      defaultConfigFile,
		LogDir:          defaultLogDir,
		DebugLevel:      defaultLogLevel,
		DatabaseBackend: DatabaseBackendSqlite,
		Sqlite: &custodydb.SqliteConfig{
			DatabaseFileName: defaultSqliteDatabasePath,
		},
		Postgres: &custodydb.PostgresConfig{},
		Bitcoind: &bitcoindConfig{
			Host:      "localhost:8332",
			Lookahead: chainindex.DefaultLookahead,
		},
		Signer: &signerConfig{},
		Scheduler: &schedulerConfig{
			ReconcileInterval: reconcile.DefaultInterval,
			ConfInterval:      funding.DefaultConfInterval,
			ConfDepth:         funding.DefaultConfDepth,
			RetryBackoff:      funding.DefaultRetryBackoff,
			StreamBackoff:     nodemonitor.DefaultBackoff,
		},
		Logging: build.DefaultLogConfig(),
	}
}

// Validate cleans up paths in the config provided and validates it.
func Validate(cfg *Config) error {
	// Cleanup any paths before we use them.
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)
	cfg.Sqlite.DatabaseFileName = lncfg.CleanAndExpandPath(
		cfg.Sqlite.DatabaseFileName,
	)
	cfg.Signer.SeedFile = lncfg.CleanAndExpandPath(cfg.Signer.SeedFile)

	// Since our data directory overrides our log dir and db file values,
	// make sure that they are not set when the data dir is set. We fail
	// hard here rather than overwriting and potentially confusing the
	// user.
	logDirSet := cfg.LogDir != defaultLogDir
	dbFileSet := cfg.Sqlite.DatabaseFileName != defaultSqliteDatabasePath
	dataDirSet := cfg.DataDir != DirBase

	if dataDirSet {
		if logDirSet {
			return fmt.Errorf("datadir overwrites logdir, please " +
				"only set one value")
		}

		if dbFileSet {
			return fmt.Errorf("datadir overwrites sqlite.dbfile, " +
				"please only set one value")
		}

		// Once we are satisfied that neither config value was set, we
		// replace them with our data dir.
		cfg.LogDir = filepath.Join(cfg.DataDir, defaultLogDirname)
	}

	// Append the network type to the data and log directory so they are
	// "namespaced" per network.
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.Network)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.Network)

	// The default sqlite file follows the data dir and its network.
	if !dbFileSet {
		cfg.Sqlite.DatabaseFileName = filepath.Join(
			cfg.DataDir, defaultSqliteFilename,
		)
	}

	if _, err := chainParams(cfg.Network); err != nil {
		return err
	}

	if cfg.Signer.SeedFile != "" && cfg.Signer.RemoteNode != "" {
		return errors.New("signer.seedfile and signer.remotenode " +
			"are mutually exclusive")
	}

	if cfg.Scheduler.ConfDepth < 1 {
		return fmt.Errorf("confdepth must be at least 1, got %v",
			cfg.Scheduler.ConfDepth)
	}

	nodes, err := cfg.ParseNodes()
	if err != nil {
		return err
	}

	if cfg.Signer.RemoteNode != "" {
		found := false
		for _, n := range nodes {
			if n.ID == cfg.Signer.RemoteNode && n.HasCredentials() {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("remote signer %v is not a managed "+
				"node with credentials", cfg.Signer.RemoteNode)
		}
	}

	if err := cfg.Logging.Validate(); err != nil {
		return err
	}

	// If either of these directories do not exist, create them.
	if err := os.MkdirAll(cfg.DataDir, os.ModePerm); err != nil {
		return err
	}

	return os.MkdirAll(cfg.LogDir, os.ModePerm)
}

// LoadConfig loads and validates the daemon's config file. Non-empty
// arguments override the defaults and the file.
func LoadConfig(configFile, network, dataDir string) (*Config, error) {
	cfg := DefaultConfig()

	override := func() {
		if network != "" {
			cfg.Network = network
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if configFile != "" {
			cfg.ConfigFile = configFile
		}
	}
	override()

	path := getConfigPath(cfg, lncfg.CleanAndExpandPath(cfg.DataDir))
	if err := flags.IniParse(path, &cfg); err != nil {
		// A missing config file is fine, a broken one isn't.
		if _, ok := err.(*flags.IniError); ok {
			return nil, err
		}
	}
	override()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ParseNodes parses the --node entries of the config. An entry has the form
// id@host[,tlscertpath[,macaroonpath]].
func (cfg *Config) ParseNodes() ([]*custodydb.Node, error) {
	nodes := make([]*custodydb.Node, 0, len(cfg.Nodes))
	seen := make(map[string]struct{}, len(cfg.Nodes))

	for _, entry := range cfg.Nodes {
		id, rest, ok := strings.Cut(entry, "@")
		if !ok || id == "" || rest == "" {
			return nil, fmt.Errorf("invalid node %q, expected "+
				"id@host[,tlscertpath[,macaroonpath]]", entry)
		}

		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("duplicate node id %v", id)
		}
		seen[id] = struct{}{}

		parts := strings.Split(rest, ",")
		if len(parts) > 3 {
			return nil, fmt.Errorf("invalid node %q: too many "+
				"fields", entry)
		}

		node := &custodydb.Node{
			ID:      id,
			Host:    parts[0],
			Network: cfg.Network,
		}
		if len(parts) > 1 && parts[1] != "" {
			node.TLSCertPath = lncfg.CleanAndExpandPath(parts[1])
		}
		if len(parts) > 2 && parts[2] != "" {
			node.MacaroonPath = lncfg.CleanAndExpandPath(parts[2])
		}

		nodes = append(nodes, node)
	}

	return nodes, nil
}

// chainParams returns the chain parameters of a network name.
func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet":
		return &chaincfg.TestNet3Params, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	case "simnet":
		return &chaincfg.SimNetParams, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network: %v", network)
	}
}

// getConfigPath gets our config path based on the values that are set in our
// config.
func getConfigPath(cfg Config, dataDir string) string {
	// If the config file path provided by the user is set, then we just
	// use this value.
	if cfg.ConfigFile != defaultConfigFile {
		return lncfg.CleanAndExpandPath(cfg.ConfigFile)
	}

	// If the user has set a data directory that is different to the
	// default we will use it as the location of our config file. We do
	// not namespace by network, because this is a custom directory.
	if dataDir != DirBase {
		return filepath.Join(dataDir, defaultConfigFilename)
	}

	// Otherwise, we are using our default directory, namespaced by
	// network.
	return filepath.Join(dataDir, cfg.Network, defaultConfigFilename)
}
