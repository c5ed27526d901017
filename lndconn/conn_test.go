package lndconn

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chanvault/chanvault/custodydb"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/verrpc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type mockVersioner struct {
	version *verrpc.Version
	err     error
}

func (m *mockVersioner) GetVersion(context.Context, *verrpc.VersionRequest,
	...grpc.CallOption) (*verrpc.Version, error) {

	return m.version, m.err
}

// TestCheckVersion makes sure old or incomplete lnd builds are refused.
func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name    string
		version *verrpc.Version
		err     error
		wantErr error
	}{
		{
			name: "unimplemented",
			err:  status.Error(codes.Unimplemented, "missing"),
		},
		{
			name: "old minor",
			version: &verrpc.Version{
				AppMinor:  16,
				AppPatch:  4,
				BuildTags: []string{"walletrpc"},
			},
			wantErr: ErrVersionIncompatible,
		},
		{
			name: "missing wallet kit",
			version: &verrpc.Version{
				AppMinor:  18,
				BuildTags: []string{"signrpc", "invoicesrpc"},
			},
			wantErr: ErrBuildTagsMissing,
		},
		{
			name: "newer minor lower patch",
			version: &verrpc.Version{
				AppMinor:  19,
				BuildTags: []string{"signrpc", "walletrpc"},
			},
		},
		{
			name: "newer major",
			version: &verrpc.Version{
				AppMajor:  1,
				BuildTags: []string{"walletrpc"},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := CheckVersion(context.Background(), &mockVersioner{
				version: test.version,
				err:     test.err,
			})

			switch {
			case test.err != nil:
				require.Error(t, err)

			case test.wantErr != nil:
				require.ErrorIs(t, err, test.wantErr)

			default:
				require.NoError(t, err)
			}
		})
	}
}

type mockNodes struct {
	mu      sync.Mutex
	nodes   map[string]*custodydb.Node
	pubKeys map[string]string
}

func (m *mockNodes) GetNode(_ context.Context,
	id string) (*custodydb.Node, error) {

	node, ok := m.nodes[id]
	if !ok {
		return nil, custodydb.ErrNotFound
	}

	return node, nil
}

func (m *mockNodes) SetNodePubKey(_ context.Context, id, pubKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pubKeys[id] = pubKey

	return nil
}

type mockLightning struct {
	lnrpc.LightningClient

	pubKey string
	err    error
}

func (m *mockLightning) GetInfo(context.Context, *lnrpc.GetInfoRequest,
	...grpc.CallOption) (*lnrpc.GetInfoResponse, error) {

	if m.err != nil {
		return nil, m.err
	}

	return &lnrpc.GetInfoResponse{IdentityPubkey: m.pubKey}, nil
}

// TestPool checks connection reuse, credential enforcement and identity
// key discovery.
func TestPool(t *testing.T) {
	ctx := context.Background()
	nodes := &mockNodes{
		nodes: map[string]*custodydb.Node{
			"alice": {
				ID:           "alice",
				Host:         "localhost:10009",
				MacaroonPath: "/alice/admin.macaroon",
			},
			"bob": {
				ID:   "bob",
				Host: "localhost:10010",
			},
			"carol": {
				ID:           "carol",
				Host:         "localhost:10011",
				MacaroonPath: "/carol/admin.macaroon",
			},
		},
		pubKeys: make(map[string]string),
	}

	var dials int
	pool := NewPool(nodes, func(node *custodydb.Node) (*Client, error) {
		dials++

		lnd := &mockLightning{pubKey: "02" + node.ID}
		if node.ID == "carol" {
			lnd.err = errors.New("unreachable")
		}

		return &Client{
			LightningClient: lnd,
			NodeID:          node.ID,
		}, nil
	})
	defer pool.Close()

	client, err := pool.Client(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", client.NodeID)
	require.Equal(t, "02alice", nodes.pubKeys["alice"])

	again, err := pool.Lightning(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, client.LightningClient, again)
	require.Equal(t, 1, dials)

	_, err = pool.Client(ctx, "bob")
	require.ErrorIs(t, err, ErrNoCredentials)

	_, err = pool.Client(ctx, "dave")
	require.ErrorIs(t, err, custodydb.ErrNotFound)

	_, err = pool.Client(ctx, "carol")
	require.ErrorContains(t, err, "unreachable")

	// A dropped connection is dialed again.
	pool.Drop("alice")
	_, err = pool.Client(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 3, dials)
}

// TestIsOnion checks the detection of hosts that need the Tor proxy.
func TestIsOnion(t *testing.T) {
	v3 := "vww6ybal4bd7szmgncyruucpgfkqahzddi37ktceo3ah7ngmcopnpyyd.onion"

	tests := []struct {
		host  string
		onion bool
	}{
		{host: v3, onion: true},
		{host: v3 + ":10009", onion: true},
		{host: "localhost:10009", onion: false},
		{host: "10.0.0.1", onion: false},
		{host: "unix:///tmp/lnd.sock", onion: false},
	}

	for _, test := range tests {
		t.Run(test.host, func(t *testing.T) {
			require.Equal(t, test.onion, isOnion(test.host))
		})
	}
}
