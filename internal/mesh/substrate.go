package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sam-2707/EdgeQI-sub000/internal/config"
)

var (
	// ErrPeerNotConnected indicates a unicast send to an unknown peer.
	ErrPeerNotConnected = errors.New("peer not connected")
	// ErrNoPeers indicates a broadcast with zero connected peers.
	ErrNoPeers = errors.New("no connected peers")
	// ErrNotRunning indicates an operation on a stopped substrate.
	ErrNotRunning = errors.New("substrate not running")
)

// Handler processes a validated inbound message. Handlers run on the
// substrate's dispatch task.
type Handler func(msg *Message)

// PeerStatus is the lifecycle state of a peer connection.
type PeerStatus string

const (
	StatusConnecting   PeerStatus = "connecting"
	StatusConnected    PeerStatus = "connected"
	StatusDisconnected PeerStatus = "disconnected"
)

// Capabilities describes what an edge node offers, exchanged on handshake.
type Capabilities struct {
	NodeID           string  `json:"node_id"`
	Role             string  `json:"role"`
	CameraCount      int     `json:"camera_count"`
	Version          string  `json:"version"`
	MaxBandwidthMbps float64 `json:"max_bandwidth_mbps"`
}

// HeartbeatPayload is the liveness payload broadcast periodically.
type HeartbeatPayload struct {
	NodeID      string  `json:"node_id"`
	ActivePeers int     `json:"active_peers"`
	Load        float64 `json:"load"`
	Timestamp   float64 `json:"timestamp"`
}

// AckPayload references the message being acknowledged.
type AckPayload struct {
	OriginalMessageID string `json:"original_message_id"`
	Status            string `json:"status"`
}

// Connection is one entry in the substrate's connection table.
type Connection struct {
	PeerID        string       `json:"peer_id"`
	Address       string       `json:"address"`
	Status        PeerStatus   `json:"status"`
	ConnectedAt   time.Time    `json:"connected_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Capabilities  Capabilities `json:"capabilities"`
}

// Stats holds substrate message counters.
type Stats struct {
	Sent          int64 `json:"sent"`
	Received      int64 `json:"received"`
	Dropped       int64 `json:"dropped"`
	Acked         int64 `json:"acked"`
	HandlerErrors int64 `json:"handler_errors"`
	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`
}

// pendingAck tracks a unicast message awaiting acknowledgement.
type pendingAck struct {
	message   *Message
	peerID    string
	expiresAt time.Time
}

// Substrate is the peer messaging layer: typed handler dispatch, unicast and
// broadcast with per-peer envelope rewrite, ACK bookkeeping, heartbeat-based
// liveness and periodic cleanup.
type Substrate struct {
	nodeID    string
	transport Transport
	config    *config.MeshConfig
	logger    *logrus.Entry

	capabilities   Capabilities
	capabilitiesMu sync.RWMutex

	handlers   map[MessageType]Handler
	handlersMu sync.RWMutex

	connections map[string]*Connection
	connMu      sync.RWMutex

	pending   map[string]*pendingAck
	pendingMu sync.Mutex

	loadFn func() float64

	sent          atomic.Int64
	received      atomic.Int64
	dropped       atomic.Int64
	acked         atomic.Int64
	handlerErrors atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

// NewSubstrate creates a substrate on top of the given transport.
func NewSubstrate(nodeID string, transport Transport, cfg *config.MeshConfig, logger *logrus.Logger) *Substrate {
	s := &Substrate{
		nodeID:      nodeID,
		transport:   transport,
		config:      cfg,
		logger:      logger.WithField("component", "mesh-substrate"),
		handlers:    make(map[MessageType]Handler),
		connections: make(map[string]*Connection),
		pending:     make(map[string]*pendingAck),
		capabilities: Capabilities{
			NodeID: nodeID,
		},
	}

	transport.SetReceiveCallback(s.receiveFrame)
	return s
}

// SetCapabilities sets the capability record carried in handshakes.
func (s *Substrate) SetCapabilities(caps Capabilities) {
	s.capabilitiesMu.Lock()
	defer s.capabilitiesMu.Unlock()
	caps.NodeID = s.nodeID
	s.capabilities = caps
}

// SetLoadFunc installs the load sampler reported in heartbeats.
func (s *Substrate) SetLoadFunc(fn func() float64) {
	s.loadFn = fn
}

// NodeID returns the local node id.
func (s *Substrate) NodeID() string {
	return s.nodeID
}

// Start starts the transport, heartbeat and cleanup tasks.
func (s *Substrate) Start(ctx context.Context) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return fmt.Errorf("substrate already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.transport.Start(s.ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	s.wg.Add(2)
	go s.heartbeatLoop()
	go s.cleanupLoop()

	s.running = true
	s.logger.WithField("node_id", s.nodeID).Info("Substrate started")
	return nil
}

// Stop stops background tasks and the transport.
func (s *Substrate) Stop() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	if err := s.transport.Stop(); err != nil {
		s.logger.WithError(err).Error("Failed to stop transport")
	}

	s.running = false
	s.logger.Info("Substrate stopped")
	return nil
}

// Register binds one handler per message type. The last registration wins.
func (s *Substrate) Register(msgType MessageType, handler Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[msgType] = handler
}

// Connect establishes a logical channel to a peer and initiates the
// handshake. Idempotent: reconnecting an already connected peer is a no-op.
func (s *Substrate) Connect(ctx context.Context, peerID, addr string) error {
	s.connMu.Lock()
	if conn, exists := s.connections[peerID]; exists && conn.Status == StatusConnected {
		s.connMu.Unlock()
		return nil
	}
	s.connections[peerID] = &Connection{
		PeerID:      peerID,
		Address:     addr,
		Status:      StatusConnecting,
		ConnectedAt: time.Now(),
	}
	count := len(s.connections)
	s.connMu.Unlock()

	if count > s.config.MaxConnections {
		s.connMu.Lock()
		delete(s.connections, peerID)
		s.connMu.Unlock()
		return fmt.Errorf("connection limit %d reached", s.config.MaxConnections)
	}

	if err := s.transport.Connect(ctx, peerID, addr); err != nil {
		s.connMu.Lock()
		delete(s.connections, peerID)
		s.connMu.Unlock()
		return fmt.Errorf("failed to connect to %s: %w", peerID, err)
	}

	s.connMu.Lock()
	if conn, exists := s.connections[peerID]; exists {
		conn.Status = StatusConnected
		conn.LastHeartbeat = time.Now()
	}
	s.connMu.Unlock()

	// Handshake carries local capabilities.
	s.capabilitiesMu.RLock()
	caps := s.capabilities
	s.capabilitiesMu.RUnlock()

	msg, err := NewMessage(s.nodeID, peerID, TypeHandshake, nil, PriorityNormal, int(s.config.DefaultTTL.Seconds()))
	if err != nil {
		return err
	}
	if err := msg.SetPayload(caps); err != nil {
		return err
	}
	if err := s.Send(msg); err != nil {
		s.logger.WithError(err).WithField("peer", peerID).Warn("Handshake send failed")
	}

	s.logger.WithFields(logrus.Fields{
		"peer": peerID,
		"addr": addr,
	}).Info("Peer connected")
	return nil
}

// Disconnect removes a peer from the connection table. In-flight messages to
// it fail fast.
func (s *Substrate) Disconnect(peerID string) error {
	s.connMu.Lock()
	delete(s.connections, peerID)
	s.connMu.Unlock()

	s.pendingMu.Lock()
	for id, p := range s.pending {
		if p.peerID == peerID {
			delete(s.pending, id)
		}
	}
	s.pendingMu.Unlock()

	if err := s.transport.Disconnect(peerID); err != nil {
		s.logger.WithError(err).WithField("peer", peerID).Debug("Transport disconnect failed")
	}

	s.logger.WithField("peer", peerID).Info("Peer disconnected")
	return nil
}

// Send routes a sealed message. A broadcast envelope is cloned per connected
// peer with a rewritten message id; a unicast envelope goes to the one peer
// and is recorded in the pending-ACK table.
func (s *Substrate) Send(msg *Message) error {
	s.runningMu.RLock()
	running := s.running
	s.runningMu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	if msg.IsBroadcast() {
		return s.broadcast(msg)
	}
	return s.unicast(msg)
}

func (s *Substrate) broadcast(msg *Message) error {
	peers := s.ConnectedPeers()
	if len(peers) == 0 {
		return ErrNoPeers
	}

	accepted := 0
	for _, peerID := range peers {
		clone, err := msg.CloneFor(peerID)
		if err != nil {
			s.logger.WithError(err).WithField("peer", peerID).Warn("Failed to clone broadcast envelope")
			continue
		}

		data, err := clone.Encode()
		if err != nil {
			s.logger.WithError(err).Warn("Failed to encode broadcast envelope")
			continue
		}

		if err := s.transport.Send(peerID, data); err != nil {
			s.logger.WithError(err).WithField("peer", peerID).Debug("Broadcast delivery failed")
			continue
		}

		s.sent.Add(1)
		s.bytesSent.Add(int64(len(data)))
		accepted++
	}

	if accepted == 0 {
		return fmt.Errorf("broadcast accepted by no peer")
	}
	return nil
}

func (s *Substrate) unicast(msg *Message) error {
	s.connMu.RLock()
	conn, exists := s.connections[msg.ReceiverID]
	s.connMu.RUnlock()
	if !exists || conn.Status != StatusConnected {
		s.logger.WithField("peer", msg.ReceiverID).Warn("Send to unknown peer")
		return ErrPeerNotConnected
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	// ACKs and NACKs are terminal; tracking them would ack the ack.
	if msg.Type != TypeAck && msg.Type != TypeNack {
		s.pendingMu.Lock()
		s.pending[msg.MessageID] = &pendingAck{
			message:   msg,
			peerID:    msg.ReceiverID,
			expiresAt: time.Now().Add(time.Duration(msg.TTL) * time.Second),
		}
		s.pendingMu.Unlock()
	}

	if err := s.transport.Send(msg.ReceiverID, data); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, msg.MessageID)
		s.pendingMu.Unlock()
		return fmt.Errorf("failed to send to %s: %w", msg.ReceiverID, err)
	}

	s.sent.Add(1)
	s.bytesSent.Add(int64(len(data)))
	return nil
}

// receiveFrame is the transport callback: decode, validate, count, dispatch.
func (s *Substrate) receiveFrame(data []byte, fromPeer string) {
	msg, err := Decode(data)
	if err != nil {
		s.dropped.Add(1)
		s.logger.WithError(err).Debug("Dropping undecodable frame")
		return
	}
	s.bytesReceived.Add(int64(len(data)))
	s.Receive(msg, fromPeer)
}

// Receive validates and dispatches an inbound message. Exported so tests and
// local loopbacks can inject envelopes directly.
func (s *Substrate) Receive(msg *Message, fromPeer string) {
	if err := msg.Validate(time.Now()); err != nil {
		s.dropped.Add(1)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.MessageID,
			"type":       msg.Type,
			"from":       fromPeer,
		}).Debug("Dropping invalid message")
		return
	}

	s.received.Add(1)

	// Liveness bookkeeping runs before handler dispatch.
	switch msg.Type {
	case TypeHeartbeat:
		s.handleHeartbeat(msg)
	case TypeHandshake:
		s.handleHandshake(msg)
	case TypeAck:
		s.handleAck(msg)
	}

	s.handlersMu.RLock()
	handler, registered := s.handlers[msg.Type]
	s.handlersMu.RUnlock()

	if registered {
		s.dispatch(handler, msg)
	} else if msg.Type != TypeHeartbeat && msg.Type != TypeHandshake && msg.Type != TypeAck && msg.Type != TypeNack {
		s.logger.WithField("type", msg.Type).Debug("No handler registered for message type")
	}

	// Non-broadcast envelopes are acknowledged back to the sender.
	if !msg.IsBroadcast() && msg.Type != TypeAck && msg.Type != TypeNack {
		s.sendAck(msg)
	}
}

// dispatch invokes a handler, containing panics so the dispatch task
// keeps running.
func (s *Substrate) dispatch(handler Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.handlerErrors.Add(1)
			s.logger.WithFields(logrus.Fields{
				"type":  msg.Type,
				"panic": r,
			}).Error("Message handler panicked")
		}
	}()
	handler(msg)
}

func (s *Substrate) handleHeartbeat(msg *Message) {
	var hb HeartbeatPayload
	if err := msg.DecodePayload(&hb); err != nil {
		s.logger.WithError(err).Debug("Invalid heartbeat payload")
		return
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	conn, exists := s.connections[msg.SenderID]
	if !exists {
		conn = &Connection{
			PeerID:      msg.SenderID,
			Status:      StatusConnected,
			ConnectedAt: time.Now(),
		}
		s.connections[msg.SenderID] = conn
	}
	conn.LastHeartbeat = time.Now()
	conn.Status = StatusConnected
}

func (s *Substrate) handleHandshake(msg *Message) {
	var caps Capabilities
	if err := msg.DecodePayload(&caps); err != nil {
		s.logger.WithError(err).Debug("Invalid handshake payload")
		return
	}

	s.connMu.Lock()
	conn, exists := s.connections[msg.SenderID]
	if !exists {
		conn = &Connection{
			PeerID:      msg.SenderID,
			ConnectedAt: time.Now(),
		}
		s.connections[msg.SenderID] = conn
	}
	conn.Status = StatusConnected
	conn.LastHeartbeat = time.Now()
	conn.Capabilities = caps
	s.connMu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"peer": msg.SenderID,
		"role": caps.Role,
	}).Info("Handshake received")
}

func (s *Substrate) handleAck(msg *Message) {
	var ack AckPayload
	if err := msg.DecodePayload(&ack); err != nil {
		s.logger.WithError(err).Debug("Invalid ack payload")
		return
	}

	s.pendingMu.Lock()
	_, known := s.pending[ack.OriginalMessageID]
	delete(s.pending, ack.OriginalMessageID)
	s.pendingMu.Unlock()

	if known {
		s.acked.Add(1)
	}
}

func (s *Substrate) sendAck(original *Message) {
	ack, err := NewMessage(s.nodeID, original.SenderID, TypeAck, nil, original.Priority, int(s.config.DefaultTTL.Seconds()))
	if err != nil {
		return
	}
	if err := ack.SetPayload(AckPayload{
		OriginalMessageID: original.MessageID,
		Status:            "received",
	}); err != nil {
		return
	}

	if err := s.Send(ack); err != nil && !errors.Is(err, ErrPeerNotConnected) {
		s.logger.WithError(err).WithField("peer", original.SenderID).Debug("Failed to send ack")
	}
}

// heartbeatLoop broadcasts a liveness payload on the configured interval.
func (s *Substrate) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sendHeartbeat()
		}
	}
}

func (s *Substrate) sendHeartbeat() {
	load := 0.0
	if s.loadFn != nil {
		load = s.loadFn()
	}

	msg, err := NewMessage(s.nodeID, Broadcast, TypeHeartbeat, nil, PriorityNormal, int(s.config.HeartbeatInterval.Seconds())*2)
	if err != nil {
		return
	}
	if err := msg.SetPayload(HeartbeatPayload{
		NodeID:      s.nodeID,
		ActivePeers: len(s.ConnectedPeers()),
		Load:        load,
		Timestamp:   float64(time.Now().UnixNano()) / float64(time.Second),
	}); err != nil {
		return
	}

	if err := s.Send(msg); err != nil && !errors.Is(err, ErrNoPeers) {
		s.logger.WithError(err).Debug("Heartbeat broadcast failed")
	}
}

// cleanupLoop evicts expired pending ACKs and marks silent peers
// disconnected.
func (s *Substrate) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup(time.Now())
		}
	}
}

// runCleanup is a single cleanup pass at the given instant.
func (s *Substrate) runCleanup(now time.Time) {
	s.pendingMu.Lock()
	for id, p := range s.pending {
		if now.After(p.expiresAt) {
			delete(s.pending, id)
		}
	}
	s.pendingMu.Unlock()

	s.connMu.Lock()
	for _, conn := range s.connections {
		if conn.Status == StatusConnected && now.Sub(conn.LastHeartbeat) > s.config.PeerDisconnectTimeout {
			conn.Status = StatusDisconnected
			s.logger.WithField("peer", conn.PeerID).Warn("Peer heartbeat timed out")
		}
	}
	s.connMu.Unlock()
}

// ConnectedPeers returns the ids of peers currently marked connected.
func (s *Substrate) ConnectedPeers() []string {
	s.connMu.RLock()
	defer s.connMu.RUnlock()

	peers := make([]string, 0, len(s.connections))
	for id, conn := range s.connections {
		if conn.Status == StatusConnected {
			peers = append(peers, id)
		}
	}
	return peers
}

// Connections returns a snapshot of the connection table.
func (s *Substrate) Connections() map[string]Connection {
	s.connMu.RLock()
	defer s.connMu.RUnlock()

	snapshot := make(map[string]Connection, len(s.connections))
	for id, conn := range s.connections {
		snapshot[id] = *conn
	}
	return snapshot
}

// PendingAcks returns the number of messages awaiting acknowledgement.
func (s *Substrate) PendingAcks() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Stats returns a snapshot of the substrate counters.
func (s *Substrate) Stats() Stats {
	return Stats{
		Sent:          s.sent.Load(),
		Received:      s.received.Load(),
		Dropped:       s.dropped.Load(),
		Acked:         s.acked.Load(),
		HandlerErrors: s.handlerErrors.Load(),
		BytesSent:     s.bytesSent.Load(),
		BytesReceived: s.bytesReceived.Load(),
	}
}
