package mesh

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/sam-2707/EdgeQI-sub000/internal/config"
)

// frameProtocol is the libp2p stream protocol for unicast envelope frames.
const frameProtocol = "/edgeqi/frames/1.0.0"

// presenceAnnouncement is gossiped on the broadcast topic so peers beyond
// mDNS reach learn about each other.
type presenceAnnouncement struct {
	PeerID    string `json:"peer_id"`
	Timestamp int64  `json:"timestamp"`
}

// LibP2PTransport is the production transport: a libp2p host with per-peer
// streams for unicast frames, a GossipSub topic for presence announcements,
// and mDNS discovery.
type LibP2PTransport struct {
	config *config.MeshConfig
	logger *logrus.Entry

	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	discovery mdns.Service

	callback   ReceiveCallback
	callbackMu sync.RWMutex

	peers   map[peer.ID]peer.AddrInfo
	peersMu sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

// NewLibP2PTransport creates a libp2p-backed transport.
func NewLibP2PTransport(cfg *config.MeshConfig, logger *logrus.Entry) *LibP2PTransport {
	return &LibP2PTransport{
		config: cfg,
		logger: logger.WithField("component", "libp2p-transport"),
		peers:  make(map[peer.ID]peer.AddrInfo),
	}
}

// Start creates the host, joins the presence topic and starts discovery.
func (t *LibP2PTransport) Start(ctx context.Context) error {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()

	if t.running {
		return fmt.Errorf("transport already running")
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	h, err := t.createHost()
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	t.host = h

	t.host.SetStreamHandler(frameProtocol, t.handleStream)

	ps, err := pubsub.NewGossipSub(t.ctx, t.host)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}
	t.pubsub = ps

	topic, err := ps.Join(t.config.BroadcastTopic)
	if err != nil {
		return fmt.Errorf("failed to join topic: %w", err)
	}
	t.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	t.sub = sub

	if t.config.MDNSEnabled {
		t.startDiscovery()
	}

	t.wg.Add(2)
	go t.handlePresence()
	go t.announcePresence()

	t.running = true
	t.logger.WithField("host_id", t.host.ID().String()).Info("LibP2P transport started")
	return nil
}

// createHost creates a libp2p host with a fresh Ed25519 identity.
func (t *LibP2PTransport) createHost() (host.Host, error) {
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", t.config.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("failed to create multiaddr: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(addr),
		libp2p.EnableHolePunching(),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	return h, nil
}

// startDiscovery starts the mDNS discovery service.
func (t *LibP2PTransport) startDiscovery() {
	t.discovery = mdns.NewMdnsService(t.host, t.config.MDNSService, t)

	if err := t.discovery.Start(); err != nil {
		t.logger.WithError(err).Error("Failed to start discovery service")
		return
	}

	t.logger.Info("Discovery service started")
}

// HandlePeerFound implements the mdns.Notifee interface.
func (t *LibP2PTransport) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == t.host.ID() {
		return
	}

	t.peersMu.RLock()
	count := len(t.peers)
	t.peersMu.RUnlock()
	if count >= t.config.MaxConnections {
		t.logger.WithField("peer", pi.ID.String()).Debug("Connection limit reached, ignoring discovered peer")
		return
	}

	t.logger.WithField("peer", pi.ID.String()).Info("Peer discovered")

	if err := t.host.Connect(t.ctx, pi); err != nil {
		t.logger.WithError(err).WithField("peer", pi.ID.String()).Error("Failed to connect to peer")
		return
	}

	t.peersMu.Lock()
	t.peers[pi.ID] = pi
	t.peersMu.Unlock()

	t.logger.WithField("peer", pi.ID.String()).Info("Connected to peer")
}

// handleStream reads one unicast frame per inbound stream.
func (t *LibP2PTransport) handleStream(s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(s)
	if err != nil {
		t.logger.WithError(err).Debug("Failed to read stream")
		return
	}

	t.callbackMu.RLock()
	callback := t.callback
	t.callbackMu.RUnlock()

	if callback != nil {
		callback(data, s.Conn().RemotePeer().String())
	}
}

// handlePresence consumes presence announcements from the broadcast topic.
func (t *LibP2PTransport) handlePresence() {
	defer t.wg.Done()

	for {
		msg, err := t.sub.Next(t.ctx)
		if err != nil {
			return
		}

		if msg.ReceivedFrom == t.host.ID() {
			continue
		}

		var ann presenceAnnouncement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			t.logger.WithError(err).Debug("Invalid presence announcement")
			continue
		}

		t.peersMu.Lock()
		if _, known := t.peers[msg.ReceivedFrom]; !known {
			t.peers[msg.ReceivedFrom] = t.host.Peerstore().PeerInfo(msg.ReceivedFrom)
			t.logger.WithField("peer", ann.PeerID).Debug("Peer learned from presence gossip")
		}
		t.peersMu.Unlock()
	}
}

// announcePresence periodically publishes this node on the broadcast topic.
func (t *LibP2PTransport) announcePresence() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			ann := presenceAnnouncement{
				PeerID:    t.host.ID().String(),
				Timestamp: time.Now().Unix(),
			}
			data, err := json.Marshal(ann)
			if err != nil {
				continue
			}
			if err := t.topic.Publish(t.ctx, data); err != nil {
				t.logger.WithError(err).Debug("Failed to publish presence")
			}
		}
	}
}

// LocalID returns the host peer id.
func (t *LibP2PTransport) LocalID() string {
	return t.host.ID().String()
}

// SetReceiveCallback registers the inbound frame callback.
func (t *LibP2PTransport) SetReceiveCallback(callback ReceiveCallback) {
	t.callbackMu.Lock()
	defer t.callbackMu.Unlock()
	t.callback = callback
}

// Connect dials the peer at the given multiaddr.
func (t *LibP2PTransport) Connect(ctx context.Context, peerID, addr string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %s: %w", peerID, err)
	}

	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid multiaddr %s: %w", addr, err)
	}

	pi := peer.AddrInfo{ID: pid, Addrs: []multiaddr.Multiaddr{maddr}}
	if err := t.host.Connect(ctx, pi); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", peerID, err)
	}

	t.peersMu.Lock()
	t.peers[pid] = pi
	t.peersMu.Unlock()

	return nil
}

// Disconnect closes the connection to the peer.
func (t *LibP2PTransport) Disconnect(peerID string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %s: %w", peerID, err)
	}

	t.peersMu.Lock()
	delete(t.peers, pid)
	t.peersMu.Unlock()

	return t.host.Network().ClosePeer(pid)
}

// Send writes a unicast frame to the peer over a fresh stream.
func (t *LibP2PTransport) Send(peerID string, data []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %s: %w", peerID, err)
	}

	s, err := t.host.NewStream(t.ctx, pid, frameProtocol)
	if err != nil {
		return fmt.Errorf("failed to open stream to %s: %w", peerID, err)
	}
	defer s.Close()

	if _, err := s.Write(data); err != nil {
		return fmt.Errorf("failed to write frame to %s: %w", peerID, err)
	}

	return nil
}

// Peers returns the ids of currently known peers.
func (t *LibP2PTransport) Peers() []string {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()

	peers := make([]string, 0, len(t.peers))
	for pid := range t.peers {
		peers = append(peers, pid.String())
	}
	return peers
}

// Stop tears down discovery, pubsub and the host.
func (t *LibP2PTransport) Stop() error {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()

	if !t.running {
		return nil
	}

	t.cancel()

	if t.discovery != nil {
		t.discovery.Close()
	}
	if t.sub != nil {
		t.sub.Cancel()
	}
	if t.topic != nil {
		t.topic.Close()
	}
	if t.host != nil {
		t.host.Close()
	}

	t.wg.Wait()
	t.running = false
	t.logger.Info("LibP2P transport stopped")
	return nil
}
