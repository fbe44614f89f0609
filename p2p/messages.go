package p2p

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	coreerr "duxnet/core/errors"
)

// MaxDatagramSize caps every presence datagram on the wire.
const MaxDatagramSize = 4096

// MessageType tags a presence datagram.
type MessageType string

const (
	MsgHello           MessageType = "hello"
	MsgGoodbye         MessageType = "goodbye"
	MsgPing            MessageType = "ping"
	MsgPong            MessageType = "pong"
	MsgHealthBroadcast MessageType = "health_broadcast"
	MsgNodeRegister    MessageType = "node_register"
	MsgNodeUpdate      MessageType = "node_update"
)

func (t MessageType) known() bool {
	switch t {
	case MsgHello, MsgGoodbye, MsgPing, MsgPong, MsgHealthBroadcast, MsgNodeRegister, MsgNodeUpdate:
		return true
	default:
		return false
	}
}

// Message is the JSON wire envelope. Timestamp is float seconds since the
// epoch; MessageID is 16 hex characters derived from sender, time and
// randomness and is the loop-detection key.
type Message struct {
	Type          MessageType    `json:"message_type"`
	SenderID      string         `json:"sender_id"`
	SenderAddress string         `json:"sender_address"`
	Timestamp     float64        `json:"timestamp"`
	MessageID     string         `json:"message_id"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewMessage stamps a fresh envelope for the given sender.
func NewMessage(msgType MessageType, senderID, senderAddress string, payload map[string]any) *Message {
	now := time.Now()
	return &Message{
		Type:          msgType,
		SenderID:      senderID,
		SenderAddress: senderAddress,
		Timestamp:     float64(now.UnixNano()) / float64(time.Second),
		MessageID:     newMessageID(senderID),
		Payload:       payload,
	}
}

// newMessageID derives 16 hex characters from sender, time and randomness.
func newMessageID(senderID string) string {
	var nonce [8]byte
	_, _ = rand.Read(nonce[:])
	seed := make([]byte, 0, len(senderID)+16)
	seed = append(seed, senderID...)
	now := time.Now().UnixNano()
	for i := 0; i < 8; i++ {
		seed = append(seed, byte(now>>(8*i)))
	}
	seed = append(seed, nonce[:]...)
	digest := sha256.Sum256(seed)
	return hex.EncodeToString(digest[:8])
}

// Encode marshals the envelope and enforces the datagram cap.
func (m *Message) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeValidation, err, "encode p2p message")
	}
	if len(raw) > MaxDatagramSize {
		return nil, coreerr.E(coreerr.CodeValidation, "p2p message exceeds %d bytes", MaxDatagramSize)
	}
	return raw, nil
}

// DecodeMessage parses and validates an inbound datagram. Unknown message
// types decode successfully so the listener can log-and-drop them by name.
func DecodeMessage(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, coreerr.E(coreerr.CodeValidation, "empty datagram")
	}
	if len(raw) > MaxDatagramSize {
		return nil, coreerr.E(coreerr.CodeValidation, "datagram exceeds %d bytes", MaxDatagramSize)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, coreerr.E(coreerr.CodeValidation, "malformed p2p datagram")
	}
	if strings.TrimSpace(msg.SenderID) == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "datagram missing sender_id")
	}
	if len(msg.MessageID) != 16 || !isHex(msg.MessageID) {
		return nil, coreerr.E(coreerr.CodeValidation, "malformed message_id %q", msg.MessageID)
	}
	return &msg, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
