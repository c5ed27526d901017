package chanvaultd

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/chanvault/chanvault/chainindex"
	"github.com/chanvault/chanvault/coinselect"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/fsm"
	"github.com/chanvault/chanvault/funding"
	"github.com/chanvault/chanvault/lndconn"
	"github.com/chanvault/chanvault/nodemonitor"
	"github.com/chanvault/chanvault/psbtcoord"
	"github.com/chanvault/chanvault/reconcile"
	"github.com/chanvault/chanvault/wallet"
	"github.com/lightningnetwork/lnd"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/signal"
)

// Subsystem defines the logging code for this subsystem.
const Subsystem = "CVLT"

var (
	log btclog.Logger
)

// The default amount of logging is none.
func init() {
	log = build.NewSubLogger(Subsystem, nil)
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager, intercept signal.Interceptor) {
	genLogger := genSubLogger(root, intercept)

	log = build.NewSubLogger(Subsystem, genLogger)

	lnd.SetSubLogger(root, Subsystem, log)
	lnd.AddSubLogger(root, wallet.Subsystem, intercept, wallet.UseLogger)
	lnd.AddSubLogger(
		root, custodydb.Subsystem, intercept, custodydb.UseLogger,
	)
	lnd.AddSubLogger(
		root, coinselect.Subsystem, intercept, coinselect.UseLogger,
	)
	lnd.AddSubLogger(
		root, psbtcoord.Subsystem, intercept, psbtcoord.UseLogger,
	)
	lnd.AddSubLogger(root, lndconn.Subsystem, intercept, lndconn.UseLogger)
	lnd.AddSubLogger(root, funding.Subsystem, intercept, funding.UseLogger)
	lnd.AddSubLogger(
		root, reconcile.Subsystem, intercept, reconcile.UseLogger,
	)
	lnd.AddSubLogger(
		root, nodemonitor.Subsystem, intercept, nodemonitor.UseLogger,
	)
	lnd.AddSubLogger(
		root, chainindex.Subsystem, intercept, chainindex.UseLogger,
	)
	lnd.AddSubLogger(root, fsm.Subsystem, intercept, fsm.UseLogger)
}

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdown()
	}

	// Return a function which will create a sublogger from our root
	// logger without shutdown fn.
	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}
