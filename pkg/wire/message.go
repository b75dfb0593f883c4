// Package wire defines the JSON frame format spoken on the Omikron channel.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message types. The set is closed; frames with a type outside it are
// ignored once a session is authenticated.
const (
	TypeIdentification         = "identification"
	TypeChallenge              = "challenge"
	TypeChallengeResponse      = "challenge_response"
	TypeIdentificationResponse = "identification_response"
	TypePing                   = "ping"
	TypePong                   = "pong"
	TypeSuccess                = "success"

	TypeShortenLink          = "shorten_link"
	TypeGetRegister          = "get_register"
	TypeCompleteRegisterIota = "complete_register_iota"
	TypeCompleteRegisterUser = "complete_register_user"
	TypeChangeUserData       = "change_user_data"
	TypeChangeIotaData       = "change_iota_data"
	TypeDeleteUser           = "delete_user"
	TypeDeleteIota           = "delete_iota"
	TypeUserConnected        = "user_connected"
	TypeUserDisconnected     = "user_disconnected"
	TypeIotaConnected        = "iota_connected"
	TypeIotaDisconnected     = "iota_disconnected"
	TypeIotaUserData         = "iota_user_data"
	TypeSyncClientIotaStatus = "sync_client_iota_status"
	TypeGetUserData          = "get_user_data"
	TypeGetIotaData          = "get_iota_data"
	TypeGetNotifications     = "get_notifications"
	TypePushNotification     = "push_notification"
	TypeReadNotification     = "read_notification"

	TypeError                 = "error"
	TypeErrorNotFound         = "error_not_found"
	TypeErrorNotAuthenticated = "error_not_authenticated"
	TypeErrorInvalidOmikronID = "error_invalid_omikron_id"
	TypeErrorInvalidPublicKey = "error_invalid_public_key"
	TypeErrorInvalidChallenge = "error_invalid_challenge"
	TypeErrorInvalidData      = "error_invalid_data"
	TypeErrorBadRequest       = "error_bad_request"
	TypeErrorInternal         = "error_internal"
)

// Data keys. Authoritative set; handlers only read and write these.
const (
	KeyUserID             = "user_id"
	KeyIotaID             = "iota_id"
	KeyOmikron            = "omikron"
	KeyOmikronID          = "omikron_id"
	KeyOmikronConnections = "omikron_connections"
	KeyUsername           = "username"
	KeyDisplay            = "display"
	KeyStatus             = "status"
	KeyAbout              = "about"
	KeyAvatar             = "avatar"
	KeyPublicKey          = "public_key"
	KeyPrivateKeyHash     = "private_key_hash"
	KeyChallenge          = "challenge"
	KeySubLevel           = "sub_level"
	KeySubEnd             = "sub_end"
	KeyUserIDs            = "user_ids"
	KeyIotaIDs            = "iota_ids"
	KeyAccepted           = "accepted"
	KeyAcceptedIDs        = "accepted_ids"
	KeyLink               = "link"
	KeyOnlineStatus       = "online_status"
	KeyResetToken         = "reset_token"
	KeyNewToken           = "new_token"
	KeyErrorType          = "error_type"
	KeyNotifications      = "notifications"
	KeySenderID           = "sender_id"
	KeyReceiverID         = "receiver_id"
	KeyAmount             = "amount"
	KeyLastPing           = "last_ping"
)

// Message is one frame on the Omikron channel. Every response echoes the
// id of the request it answers.
type Message struct {
	ID       string                     `json:"id"`
	Type     string                     `json:"type"`
	Sender   int64                      `json:"sender,omitempty"`
	Receiver int64                      `json:"receiver,omitempty"`
	Data     map[string]json.RawMessage `json:"data,omitempty"`
}

// New creates a message of the given type with a fresh v4 UUID.
func New(msgType string) *Message {
	return &Message{
		ID:   uuid.NewString(),
		Type: msgType,
		Data: make(map[string]json.RawMessage),
	}
}

// Response creates a message of the given type echoing the request id.
func Response(req *Message, msgType string) *Message {
	return &Message{
		ID:   req.ID,
		Type: msgType,
		Data: make(map[string]json.RawMessage),
	}
}

func Decode(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("frame without type")
	}
	return &msg, nil
}

func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Message) Is(msgType string) bool {
	return m.Type == msgType
}

// Set stores any JSON-marshalable value under the given data key and
// returns the message for chaining.
func (m *Message) Set(key string, value any) *Message {
	if m.Data == nil {
		m.Data = make(map[string]json.RawMessage)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		// Values are produced by our own handlers; a marshal failure is a
		// programming error and the key is simply left unset.
		return m
	}
	m.Data[key] = raw
	return m
}

// SetBytes stores raw bytes as base64.
func (m *Message) SetBytes(key string, value []byte) *Message {
	return m.Set(key, base64.StdEncoding.EncodeToString(value))
}

func (m *Message) Has(key string) bool {
	_, ok := m.Data[key]
	return ok
}

// Int64 reads a numeric data value. Accepts both JSON numbers and numeric
// strings, matching what Omikron builds send in practice.
func (m *Message) Int64(key string) (int64, bool) {
	raw, ok := m.Data[key]
	if !ok {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var parsed int64
		if _, err := fmt.Sscanf(s, "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func (m *Message) String(key string) (string, bool) {
	raw, ok := m.Data[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (m *Message) Bool(key string) (bool, bool) {
	raw, ok := m.Data[key]
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

func (m *Message) Int64List(key string) ([]int64, bool) {
	raw, ok := m.Data[key]
	if !ok {
		return nil, false
	}
	var list []int64
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}
	return list, true
}

// Bytes reads a base64-encoded data value.
func (m *Message) Bytes(key string) ([]byte, bool) {
	s, ok := m.String(key)
	if !ok {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
