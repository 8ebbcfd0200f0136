package mesh

import (
	"context"
	"fmt"
	"sync"
)

// ReceiveCallback is invoked by a transport for every inbound frame.
type ReceiveCallback func(data []byte, fromPeer string)

// Transport moves opaque frames between edge nodes. The substrate layers
// envelope semantics on top of it.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
	LocalID() string
	Connect(ctx context.Context, peerID, addr string) error
	Disconnect(peerID string) error
	Send(peerID string, data []byte) error
	SetReceiveCallback(callback ReceiveCallback)
	Peers() []string
}

// MemNetwork is an in-process transport registry. Every node obtains a
// transport from the same network and frames are delivered synchronously,
// which keeps multi-node tests deterministic.
type MemNetwork struct {
	nodes map[string]*memTransport
	mutex sync.RWMutex
}

// NewMemNetwork creates an empty in-process network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes: make(map[string]*memTransport),
	}
}

// Transport returns the transport endpoint for the given node id, creating it
// on first use.
func (n *MemNetwork) Transport(nodeID string) Transport {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if t, exists := n.nodes[nodeID]; exists {
		return t
	}

	t := &memTransport{
		network: n,
		nodeID:  nodeID,
		links:   make(map[string]bool),
	}
	n.nodes[nodeID] = t
	return t
}

func (n *MemNetwork) lookup(nodeID string) *memTransport {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return n.nodes[nodeID]
}

// memTransport is a single endpoint on a MemNetwork.
type memTransport struct {
	network *MemNetwork
	nodeID  string

	callback   ReceiveCallback
	callbackMu sync.RWMutex

	links   map[string]bool
	linksMu sync.RWMutex

	running   bool
	runningMu sync.RWMutex
}

func (t *memTransport) Start(ctx context.Context) error {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()
	t.running = true
	return nil
}

func (t *memTransport) Stop() error {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()
	t.running = false
	return nil
}

func (t *memTransport) LocalID() string {
	return t.nodeID
}

func (t *memTransport) SetReceiveCallback(callback ReceiveCallback) {
	t.callbackMu.Lock()
	defer t.callbackMu.Unlock()
	t.callback = callback
}

// Connect links both endpoints so unicast works in either direction.
func (t *memTransport) Connect(ctx context.Context, peerID, addr string) error {
	remote := t.network.lookup(peerID)
	if remote == nil {
		return fmt.Errorf("unknown peer %s", peerID)
	}

	t.linksMu.Lock()
	t.links[peerID] = true
	t.linksMu.Unlock()

	remote.linksMu.Lock()
	remote.links[t.nodeID] = true
	remote.linksMu.Unlock()

	return nil
}

func (t *memTransport) Disconnect(peerID string) error {
	t.linksMu.Lock()
	delete(t.links, peerID)
	t.linksMu.Unlock()

	if remote := t.network.lookup(peerID); remote != nil {
		remote.linksMu.Lock()
		delete(remote.links, t.nodeID)
		remote.linksMu.Unlock()
	}

	return nil
}

func (t *memTransport) Send(peerID string, data []byte) error {
	t.runningMu.RLock()
	running := t.running
	t.runningMu.RUnlock()
	if !running {
		return fmt.Errorf("transport not running")
	}

	t.linksMu.RLock()
	linked := t.links[peerID]
	t.linksMu.RUnlock()
	if !linked {
		return fmt.Errorf("no link to peer %s", peerID)
	}

	remote := t.network.lookup(peerID)
	if remote == nil {
		return fmt.Errorf("unknown peer %s", peerID)
	}

	remote.runningMu.RLock()
	remoteRunning := remote.running
	remote.runningMu.RUnlock()
	if !remoteRunning {
		return fmt.Errorf("peer %s not running", peerID)
	}

	remote.callbackMu.RLock()
	callback := remote.callback
	remote.callbackMu.RUnlock()
	if callback != nil {
		// Copy so the receiver never observes sender-side mutation.
		frame := make([]byte, len(data))
		copy(frame, data)
		callback(frame, t.nodeID)
	}

	return nil
}

func (t *memTransport) Peers() []string {
	t.linksMu.RLock()
	defer t.linksMu.RUnlock()

	peers := make([]string, 0, len(t.links))
	for id := range t.links {
		peers = append(peers, id)
	}
	return peers
}
