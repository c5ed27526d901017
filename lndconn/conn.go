package lndconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/lightningnetwork/lnd/lncfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/verrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/lightningnetwork/lnd/tor"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

var (
	defaultRPCPort         = "10009"
	defaultLndDir          = btcutil.AppDataDir("lnd", false)
	defaultTLSCertFilename = "tls.cert"
	defaultTLSCertPath     = filepath.Join(
		defaultLndDir, defaultTLSCertFilename,
	)

	// maxMsgRecvSize is the largest message lnd may send us. Channel
	// lists of big nodes exceed the grpc default.
	maxMsgRecvSize = grpc.MaxCallRecvMsgSize(1 * 1024 * 1024 * 200)
)

var (
	// ErrNoCredentials is returned when dialing a node without a
	// macaroon for an operation that needs one.
	ErrNoCredentials = errors.New("node has no operator credentials")

	// ErrVersionIncompatible is returned if the connected lnd is too old
	// for the psbt funding flow.
	ErrVersionIncompatible = errors.New("version incompatible")

	// ErrBuildTagsMissing is returned if the connected lnd lacks a
	// required sub-server.
	ErrBuildTagsMissing = errors.New("build tags missing")
)

// minimalVersion is the oldest lnd supporting psbt shims with finalized
// raw transactions and the channel acceptor.
var minimalVersion = &verrpc.Version{
	AppMajor:  0,
	AppMinor:  17,
	AppPatch:  0,
	BuildTags: []string{"walletrpc"},
}

// Client is an authenticated connection to a managed lnd node.
type Client struct {
	lnrpc.LightningClient

	// WalletKit is the wallet sub-server of the node.
	WalletKit walletrpc.WalletKitClient

	// Versioner is the version sub-server of the node.
	Versioner verrpc.VersionerClient

	NodeID string

	conn *grpc.ClientConn
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// Dial connects to a node using its TLS certificate and macaroon. Nodes
// without a macaroon get a connection without per-call credentials which
// only serves unauthenticated calls.
func Dial(node *custodydb.Node) (*Client, error) {
	return dial(node, "")
}

// TorDialer returns a DialFunc that connects to onion hosts through the
// given Tor SOCKS proxy. Clearnet hosts are dialed directly.
func TorDialer(proxyAddress string) DialFunc {
	return func(node *custodydb.Node) (*Client, error) {
		return dial(node, proxyAddress)
	}
}

func dial(node *custodydb.Node, proxyAddress string) (*Client, error) {
	tlsPath := node.TLSCertPath
	if tlsPath == "" {
		tlsPath = defaultTLSCertPath
	}

	creds, err := credentials.NewClientTLSFromFile(tlsPath, "")
	if err != nil {
		return nil, fmt.Errorf("unable to load tls cert of node %v: %w",
			node.ID, err)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(maxMsgRecvSize),
	}

	host := node.Host
	switch {
	case proxyAddress != "" && isOnion(host):
		log.Infof("Proxying connection to node %v over Tor SOCKS "+
			"proxy %v", node.ID, proxyAddress)

		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, defaultRPCPort)
		}

		torDialer := func(_ context.Context, addr string) (net.Conn,
			error) {

			return tor.Dial(
				addr, proxyAddress, false, false,
				tor.DefaultConnTimeout,
			)
		}
		opts = append(opts, grpc.WithContextDialer(torDialer))

	default:
		// Allow unix socket hosts too.
		opts = append(opts, grpc.WithContextDialer(
			lncfg.ClientAddressDialer(defaultRPCPort),
		))
	}

	if node.HasCredentials() {
		mac, err := loadMacaroon(node.MacaroonPath)
		if err != nil {
			return nil, err
		}

		cred, err := macaroons.NewMacaroonCredential(mac)
		if err != nil {
			return nil, fmt.Errorf("unable to create macaroon "+
				"credential: %w", err)
		}
		opts = append(opts, grpc.WithPerRPCCredentials(cred))
	}

	conn, err := grpc.Dial(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to node %v: %w",
			node.ID, err)
	}

	log.Debugf("Connected to node %v at %v", node.ID, node.Host)

	return &Client{
		LightningClient: lnrpc.NewLightningClient(conn),
		WalletKit:       walletrpc.NewWalletKitClient(conn),
		Versioner:       verrpc.NewVersionerClient(conn),
		NodeID:          node.ID,
		conn:            conn,
	}, nil
}

// isOnion reports whether a host, with or without port, is a Tor onion
// service.
func isOnion(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	return tor.IsOnionHost(host)
}

func loadMacaroon(path string) (*macaroon.Macaroon, error) {
	macBytes, err := os.ReadFile(lncfg.CleanAndExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("unable to read macaroon %v: %w", path,
			err)
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("unable to decode macaroon: %w", err)
	}

	return mac, nil
}

// Versioner is the subset of the version service CheckVersion uses.
type Versioner interface {
	GetVersion(ctx context.Context, in *verrpc.VersionRequest,
		opts ...grpc.CallOption) (*verrpc.Version, error)
}

// CheckVersion makes sure the node runs an lnd we can drive.
func CheckVersion(ctx context.Context, versioner Versioner) (*verrpc.Version,
	error) {

	version, err := versioner.GetVersion(ctx, &verrpc.VersionRequest{})
	if err != nil {
		return nil, fmt.Errorf("unable to query lnd version: %w", err)
	}

	if err := assertVersionCompatible(version, minimalVersion); err != nil {
		return nil, err
	}

	return version, nil
}

func assertVersionCompatible(actual, expected *verrpc.Version) error {
	switch {
	case actual.AppMajor != expected.AppMajor:
		if actual.AppMajor < expected.AppMajor {
			return ErrVersionIncompatible
		}

	case actual.AppMinor != expected.AppMinor:
		if actual.AppMinor < expected.AppMinor {
			return ErrVersionIncompatible
		}

	case actual.AppPatch < expected.AppPatch:
		return ErrVersionIncompatible
	}

	for _, tag := range expected.BuildTags {
		var found bool
		for _, have := range actual.BuildTags {
			if strings.EqualFold(tag, have) {
				found = true
				break
			}
		}

		if !found {
			return fmt.Errorf("%w: %v", ErrBuildTagsMissing, tag)
		}
	}

	return nil
}
