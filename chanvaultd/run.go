package chanvaultd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/lncfg"
	"github.com/lightningnetwork/lnd/signal"
)

// errShowAndExit is returned by parseArgs when the invocation only asked for
// information that has already been printed.
var errShowAndExit = errors.New("nothing to run")

// parseArgs builds the daemon config from the command line and the config
// file. Command line flags take precedence over the file.
func parseArgs(args []string) (*Config, error) {
	cfg := DefaultConfig()
	parser := flags.NewParser(&cfg, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			return nil, errShowAndExit
		}

		return nil, err
	}

	if cfg.ShowVersion {
		fmt.Println("chanvaultd version", Version())
		return nil, errShowAndExit
	}

	configFile := getConfigPath(cfg, lncfg.CleanAndExpandPath(cfg.DataDir))
	err := flags.IniParse(configFile, &cfg)
	var iniErr *flags.IniError
	if errors.As(err, &iniErr) {
		return nil, fmt.Errorf("unable to parse %v: %w", configFile, err)
	}

	// The file may have overwritten flags, so they are applied once more.
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setupLogging wires the sub loggers to a rotating log file in the
// configured log dir. The returned closure flushes and closes the file.
func setupLogging(cfg *Config,
	interceptor signal.Interceptor) (func(), error) {

	logWriter := build.NewRotatingLogWriter()
	logMgr := build.NewSubLoggerManager(build.NewDefaultLogHandlers(
		cfg.Logging, logWriter,
	)...)
	SetupLoggers(logMgr, interceptor)

	if cfg.DebugLevel == "show" {
		fmt.Printf("Supported subsystems: %v\n",
			logMgr.SupportedSubsystems())

		return nil, errShowAndExit
	}

	err := logWriter.InitLogRotator(
		cfg.Logging.File,
		filepath.Join(cfg.LogDir, defaultLogFilename),
	)
	if err != nil {
		return nil, err
	}

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, logMgr)
	if err != nil {
		logWriter.Close()
		return nil, err
	}

	return func() { logWriter.Close() }, nil
}

// Run starts the chanvault daemon with the given command line arguments and
// blocks until it's shut down again.
func Run(args []string) error {
	cfg, err := parseArgs(args)
	if errors.Is(err, errShowAndExit) {
		return nil
	}
	if err != nil {
		return err
	}

	// The interceptor is needed before logging is set up, critical log
	// messages request a shutdown through it.
	interceptor, err := signal.Intercept()
	if err != nil {
		return err
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	closeLog, err := setupLogging(cfg, interceptor)
	if errors.Is(err, errShowAndExit) {
		return nil
	}
	if err != nil {
		return err
	}
	defer closeLog()

	log.Infof("chanvaultd version %v, network %v", Version(), cfg.Network)

	daemon := New(cfg)
	if err := daemon.Start(); err != nil {
		return err
	}

	select {
	case <-interceptor.ShutdownChannel():
		log.Infof("Received shutdown request")
		daemon.Stop()

		// Stop returns right away, the daemon reports on ErrChan once
		// everything is torn down.
		return <-daemon.ErrChan

	case err := <-daemon.ErrChan:
		return err
	}
}
