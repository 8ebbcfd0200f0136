package mesh

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of payload carried by a message envelope.
type MessageType string

const (
	TypeQueueUpdate          MessageType = "queue_update"
	TypeTrafficState         MessageType = "traffic_state"
	TypeAnomalyAlert         MessageType = "anomaly_alert"
	TypeConsensusRequest     MessageType = "consensus_request"
	TypeConsensusResponse    MessageType = "consensus_response"
	TypeHeartbeat            MessageType = "heartbeat"
	TypeCoordinationRequest  MessageType = "coordination_request"
	TypeCoordinationResponse MessageType = "coordination_response"
	TypeEmergencyAlert       MessageType = "emergency_alert"
	TypeHandshake            MessageType = "handshake"
	TypeAck                  MessageType = "ack"
	TypeNack                 MessageType = "nack"
)

// Broadcast is the reserved receiver id addressing every connected peer.
const Broadcast = "broadcast"

// PriorityEmergency is the highest envelope priority.
const (
	PriorityNormal    = 5
	PriorityEmergency = 10
)

var (
	// ErrChecksumMismatch indicates the recomputed checksum differs from the stored one.
	ErrChecksumMismatch = errors.New("message checksum mismatch")
	// ErrExpired indicates the message TTL has elapsed.
	ErrExpired = errors.New("message expired")
)

// Message is the wire envelope exchanged between edge nodes.
type Message struct {
	MessageID  string                 `json:"message_id"`
	SenderID   string                 `json:"sender_id"`
	ReceiverID string                 `json:"receiver_id"`
	Type       MessageType            `json:"message_type"`
	Timestamp  float64                `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
	Priority   int                    `json:"priority"`
	TTL        int                    `json:"ttl"`
	Checksum   string                 `json:"checksum"`
}

// NewMessage creates a sealed message envelope with a fresh message id.
func NewMessage(sender, receiver string, msgType MessageType, data map[string]interface{}, priority, ttlSeconds int) (*Message, error) {
	if data == nil {
		data = make(map[string]interface{})
	}
	if priority < 1 {
		priority = 1
	}
	if priority > PriorityEmergency {
		priority = PriorityEmergency
	}

	m := &Message{
		MessageID:  fmt.Sprintf("%s_%s", sender, uuid.NewString()[:8]),
		SenderID:   sender,
		ReceiverID: receiver,
		Type:       msgType,
		Timestamp:  float64(time.Now().UnixNano()) / float64(time.Second),
		Data:       data,
		Priority:   priority,
		TTL:        ttlSeconds,
	}

	if err := m.Seal(); err != nil {
		return nil, err
	}
	return m, nil
}

// canonicalBytes serializes every field except checksum with lexicographically
// sorted keys. Riding on encoding/json's map-key ordering keeps the canonical
// form identical on both sides of a decode.
func (m *Message) canonicalBytes() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize message: %w", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to canonicalize message: %w", err)
	}
	delete(fields, "checksum")

	return json.Marshal(fields)
}

// ComputeChecksum returns the first 16 hex characters of the SHA-256 digest of
// the canonicalized envelope.
func (m *Message) ComputeChecksum() (string, error) {
	canonical, err := m.canonicalBytes()
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:])[:16], nil
}

// Seal computes and stores the envelope checksum.
func (m *Message) Seal() error {
	sum, err := m.ComputeChecksum()
	if err != nil {
		return err
	}
	m.Checksum = sum
	return nil
}

// Validate checks integrity and expiry of a received envelope.
func (m *Message) Validate(now time.Time) error {
	sum, err := m.ComputeChecksum()
	if err != nil {
		return err
	}
	if sum != m.Checksum {
		return ErrChecksumMismatch
	}

	// A zero TTL is expired on arrival.
	age := float64(now.UnixNano())/float64(time.Second) - m.Timestamp
	if m.TTL <= 0 || age > float64(m.TTL) {
		return ErrExpired
	}

	return nil
}

// IsBroadcast reports whether the envelope addresses all connected peers.
func (m *Message) IsBroadcast() bool {
	return m.ReceiverID == Broadcast
}

// CloneFor produces the per-peer copy of a broadcast envelope, rewriting the
// message id and receiver and resealing.
func (m *Message) CloneFor(peerID string) (*Message, error) {
	clone := *m
	clone.MessageID = fmt.Sprintf("%s_%s", m.MessageID, peerID)
	clone.ReceiverID = peerID

	if err := clone.Seal(); err != nil {
		return nil, err
	}
	return &clone, nil
}

// Encode serializes the envelope to its JSON wire form.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses an envelope from its JSON wire form.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}

// SetPayload marshals a typed payload into the envelope data map.
func (m *Message) SetPayload(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to map payload: %w", err)
	}
	m.Data = data
	return m.Seal()
}

// DecodePayload unmarshals the envelope data map into a typed payload.
func (m *Message) DecodePayload(out interface{}) error {
	raw, err := json.Marshal(m.Data)
	if err != nil {
		return fmt.Errorf("failed to remarshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}
