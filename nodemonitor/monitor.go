package nodemonitor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/queue"
)

const (
	// DefaultBackoff is the time between two subscription attempts of a
	// node stream.
	DefaultBackoff = 30 * time.Second

	// subscriberQueueSize is the initial size of a subscriber's queue.
	subscriberQueueSize = 20
)

// EventType is the kind of a node event.
type EventType uint8

const (
	// EventChannelOpened is emitted when a channel of a node opened.
	EventChannelOpened EventType = iota

	// EventChannelClosed is emitted when a channel of a node closed.
	EventChannelClosed

	// EventInboundOpen is emitted for every inbound channel open request
	// together with the acceptor's decision.
	EventInboundOpen
)

// String returns a human readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventChannelOpened:
		return "ChannelOpened"

	case EventChannelClosed:
		return "ChannelClosed"

	case EventInboundOpen:
		return "InboundOpen"

	default:
		return fmt.Sprintf("Unknown(%d)", uint8(e))
	}
}

// Event is a channel event of a managed node.
type Event struct {
	NodeID string
	Type   EventType

	// ChannelPoint is empty for inbound open requests.
	ChannelPoint string
	ChanID       uint64

	RemotePubKey string
	Capacity     btcutil.Amount

	// Accepted is the acceptor's decision on an inbound open.
	Accepted bool
}

// NodeStore gives access to the managed nodes.
type NodeStore interface {
	ListNodes(ctx context.Context) ([]*custodydb.Node, error)

	GetNodeByPubKey(ctx context.Context, pubKey string) (*custodydb.Node,
		error)
}

// Lightning hands out clients of the managed nodes.
type Lightning interface {
	Lightning(ctx context.Context, nodeID string) (lnrpc.LightningClient,
		error)
}

// Config contains the services the monitor needs.
type Config struct {
	Nodes     NodeStore
	Lightning Lightning
	Clock     clock.Clock

	// Backoff is the time to wait before resubscribing a failed stream.
	Backoff time.Duration
}

// Monitor keeps a channel acceptor and a channel event subscription open
// for every managed node and fans the events out to its subscribers.
type Monitor struct {
	cfg *Config

	mu      sync.Mutex
	running map[string]struct{}
	runCtx  context.Context

	subscribersLock  sync.Mutex
	subscribers      map[int]chan<- interface{}
	nextSubscriberID int

	wg sync.WaitGroup
}

// NewMonitor creates a node monitor.
func NewMonitor(cfg *Config) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = DefaultBackoff
	}

	return &Monitor{
		cfg:         cfg,
		running:     make(map[string]struct{}),
		subscribers: make(map[int]chan<- interface{}),
	}
}

// Run watches every node the engine holds credentials for and blocks until
// the context is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	nodes, err := m.cfg.Nodes.ListNodes(ctx)
	if err != nil {
		return err
	}

	for _, node := range nodes {
		if !node.HasCredentials() {
			continue
		}

		if err := m.Watch(node.ID); err != nil {
			return err
		}
	}

	<-ctx.Done()
	m.wg.Wait()

	return ctx.Err()
}

// Watch starts the streams of a node. Watching a node twice is a no-op.
func (m *Monitor) Watch(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runCtx == nil {
		return errors.New("monitor not running")
	}

	if _, ok := m.running[nodeID]; ok {
		return nil
	}
	m.running[nodeID] = struct{}{}

	log.Infof("Watching node %v", nodeID)

	m.wg.Add(2)
	go m.supervise(m.runCtx, nodeID, "channel acceptor", m.runAcceptor)
	go m.supervise(m.runCtx, nodeID, "channel events", m.runEvents)

	return nil
}

// supervise runs a stream until the context is done, resubscribing after
// every failure.
func (m *Monitor) supervise(ctx context.Context, nodeID, name string,
	run func(context.Context, string) error) {

	defer m.wg.Done()

	for {
		err := run(ctx, nodeID)
		if ctx.Err() != nil {
			return
		}

		log.Warnf("[node %v] %v stream failed: %v, resubscribing in %v",
			nodeID, name, err, m.cfg.Backoff)

		select {
		case <-m.cfg.Clock.TickAfter(m.cfg.Backoff):

		case <-ctx.Done():
			return
		}
	}
}

// runEvents subscribes to the channel events of a node and emits its opens
// and closes.
func (m *Monitor) runEvents(ctx context.Context, nodeID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lnd, err := m.cfg.Lightning.Lightning(ctx, nodeID)
	if err != nil {
		return err
	}

	stream, err := lnd.SubscribeChannelEvents(
		ctx, &lnrpc.ChannelEventSubscription{},
	)
	if err != nil {
		return err
	}

	log.Debugf("[node %v] Subscribed to channel events", nodeID)

	for {
		update, err := stream.Recv()
		if err != nil {
			return err
		}

		switch update.Type {
		case lnrpc.ChannelEventUpdate_OPEN_CHANNEL:
			c := update.GetOpenChannel()
			if c == nil {
				continue
			}

			m.publish(ctx, &Event{
				NodeID:       nodeID,
				Type:         EventChannelOpened,
				ChannelPoint: c.ChannelPoint,
				ChanID:       c.ChanId,
				RemotePubKey: c.RemotePubkey,
				Capacity:     btcutil.Amount(c.Capacity),
			})

		case lnrpc.ChannelEventUpdate_CLOSED_CHANNEL:
			c := update.GetClosedChannel()
			if c == nil {
				continue
			}

			m.publish(ctx, &Event{
				NodeID:       nodeID,
				Type:         EventChannelClosed,
				ChannelPoint: c.ChannelPoint,
				ChanID:       c.ChanId,
				RemotePubKey: c.RemotePubkey,
				Capacity:     btcutil.Amount(c.Capacity),
			})
		}
	}
}

// runAcceptor registers the channel acceptor of a node and answers its
// inbound open requests.
func (m *Monitor) runAcceptor(ctx context.Context, nodeID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lnd, err := m.cfg.Lightning.Lightning(ctx, nodeID)
	if err != nil {
		return err
	}

	stream, err := lnd.ChannelAcceptor(ctx)
	if err != nil {
		return err
	}

	log.Debugf("[node %v] Channel acceptor registered", nodeID)

	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}

		reason := m.rejectReason(ctx, nodeID, lnd, req)
		resp := &lnrpc.ChannelAcceptResponse{
			Accept:        reason == "",
			PendingChanId: req.PendingChanId,
			Error:         reason,
		}

		remote := hex.EncodeToString(req.NodePubkey)
		if resp.Accept {
			log.Infof("[node %v] Accepting channel of %v from %v",
				nodeID, btcutil.Amount(req.FundingAmt), remote)
		} else {
			log.Infof("[node %v] Rejecting channel from %v: %v",
				nodeID, remote, reason)
		}

		if err := stream.Send(resp); err != nil {
			return err
		}

		m.publish(ctx, &Event{
			NodeID:       nodeID,
			Type:         EventInboundOpen,
			RemotePubKey: remote,
			Capacity:     btcutil.Amount(req.FundingAmt),
			Accepted:     resp.Accept,
		})
	}
}

// Subscribe returns a channel that receives all node events until the
// context is done.
func (m *Monitor) Subscribe(ctx context.Context) <-chan *Event {
	q := queue.NewConcurrentQueue(subscriberQueueSize)
	q.Start()

	m.subscribersLock.Lock()
	id := m.nextSubscriberID
	m.nextSubscriberID++
	m.subscribers[id] = q.ChanIn()
	m.subscribersLock.Unlock()

	events := make(chan *Event)
	go func() {
		defer close(events)
		defer func() {
			m.subscribersLock.Lock()
			delete(m.subscribers, id)
			m.subscribersLock.Unlock()

			q.Stop()
		}()

		for {
			select {
			case item, ok := <-q.ChanOut():
				if !ok {
					return
				}

				select {
				case events <- item.(*Event):
				case <-ctx.Done():
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return events
}

// publish hands an event to every subscriber.
func (m *Monitor) publish(ctx context.Context, event *Event) {
	m.subscribersLock.Lock()
	defer m.subscribersLock.Unlock()

	for _, subscriber := range m.subscribers {
		select {
		case subscriber <- event:
		case <-ctx.Done():
			return
		}
	}
}
