package lndconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/chanvault/chanvault/custodydb"
	"github.com/lightningnetwork/lnd/lnrpc"
)

// NodeStore looks up managed nodes.
type NodeStore interface {
	GetNode(ctx context.Context, id string) (*custodydb.Node, error)

	SetNodePubKey(ctx context.Context, id, pubKey string) error
}

// DialFunc opens a connection to a node.
type DialFunc func(node *custodydb.Node) (*Client, error)

// Pool hands out one shared connection per managed node. Connections are
// opened lazily and the node's identity key is recorded on first contact.
type Pool struct {
	nodes NodeStore
	dial  DialFunc

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a connection pool. A nil dial function uses Dial.
func NewPool(nodes NodeStore, dial DialFunc) *Pool {
	if dial == nil {
		dial = Dial
	}

	return &Pool{
		nodes:   nodes,
		dial:    dial,
		clients: make(map[string]*Client),
	}
}

// Client returns the connection of a node, dialing it if needed. Nodes
// without credentials are refused.
func (p *Pool) Client(ctx context.Context, nodeID string) (*Client, error) {
	p.mu.Lock()
	client, ok := p.clients[nodeID]
	p.mu.Unlock()
	if ok {
		return client, nil
	}

	node, err := p.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !node.HasCredentials() {
		return nil, fmt.Errorf("%w: %v", ErrNoCredentials, nodeID)
	}

	client, err = p.dial(node)
	if err != nil {
		return nil, err
	}

	info, err := client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to reach node %v: %w", nodeID,
			err)
	}

	if info.IdentityPubkey != node.PubKey {
		log.Infof("Node %v has identity key %v", nodeID,
			info.IdentityPubkey)

		err := p.nodes.SetNodePubKey(ctx, nodeID, info.IdentityPubkey)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another caller may have connected in the meantime.
	if existing, ok := p.clients[nodeID]; ok {
		_ = client.Close()
		return existing, nil
	}
	p.clients[nodeID] = client

	return client, nil
}

// Lightning returns the lightning service of a node.
func (p *Pool) Lightning(ctx context.Context,
	nodeID string) (lnrpc.LightningClient, error) {

	client, err := p.Client(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	return client.LightningClient, nil
}

// Drop closes and forgets the connection of a node so the next call
// redials. It is used after transport failures.
func (p *Pool) Drop(nodeID string) {
	p.mu.Lock()
	client, ok := p.clients[nodeID]
	delete(p.clients, nodeID)
	p.mu.Unlock()

	if !ok {
		return
	}

	if err := client.Close(); err != nil {
		log.Warnf("Error closing connection to node %v: %v", nodeID,
			err)
	}
}

// Close closes all connections.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, client := range p.clients {
		if err := client.Close(); err != nil {
			log.Warnf("Error closing connection to node %v: %v",
				id, err)
		}
		delete(p.clients, id)
	}
}
