// Package protocol defines the WebSocket message types exchanged between the
// chat client and server. All messages are JSON with a consistent envelope
// carrying a type discriminator; payload decoding is deferred until the type
// is known.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coursehub/chat-app/internal/message"
)

// ErrUnknownType is returned by ParseClientMessage for a syntactically valid
// message whose type is not a recognized client message type.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinGroup       = "join_group"
	TypeLeaveGroup      = "leave_group"
	TypeSendMessage     = "send_message"
	TypeModerateMessage = "moderate_message"
	TypeBanUser         = "ban_user"
	TypeSetRole         = "set_role"
	TypePing            = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeGroupJoined    = "group_joined"
	TypeGroupLeft      = "group_left"
	TypeNewMessage     = "new_message"
	TypeMessageDeleted = "message_deleted"
	TypeWarned         = "warned"
	TypeBanned         = "banned"
	TypeRoleChanged    = "role_changed"
	TypeModerationAck  = "moderation_ack"
	TypeError          = "error"
	TypePong           = "pong"
)

// Moderation actions accepted by moderate_message.
const (
	ActionDelete = "delete"
	ActionWarn   = "warn"
)

// Error codes carried by ErrorMsg.
const (
	CodeNotMember       = "NOT_MEMBER"
	CodeBanned          = "BANNED"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeValidation      = "VALIDATION_ERROR"
	CodeAlreadyMember   = "ALREADY_MEMBER"
	CodeInternal        = "INTERNAL"
	CodeParse           = "PARSE_ERROR"
	CodeUnsupportedType = "UNSUPPORTED_TYPE"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinGroupMsg subscribes the session to a group. With Enroll set, a
// membership is created first (absent a ban); without it, the caller must
// already be a member.
type JoinGroupMsg struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
	Enroll  bool   `json:"enroll,omitempty"`
}

// LeaveGroupMsg unsubscribes the session from a group.
type LeaveGroupMsg struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
}

// SendMessageMsg posts a message to a group the session is a member of.
type SendMessageMsg struct {
	Type    string  `json:"type"`
	GroupID string  `json:"group_id"`
	Content string  `json:"content"`
	FileRef *string `json:"file_ref,omitempty"`
}

// ModerateMessageMsg is a moderator action against an existing message.
// Action is "delete" or "warn".
type ModerateMessageMsg struct {
	Type      string `json:"type"`
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
}

// BanUserMsg bans a user from a group. DurationMs of zero means permanent.
type BanUserMsg struct {
	Type         string `json:"type"`
	GroupID      string `json:"group_id"`
	TargetUserID string `json:"target_user_id"`
	Reason       string `json:"reason,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
}

// SetRoleMsg changes a member's role within a group. Admin only.
type SetRoleMsg struct {
	Type         string `json:"type"`
	GroupID      string `json:"group_id"`
	TargetUserID string `json:"target_user_id"`
	Role         string `json:"role"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once after a connection's credential verifies.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// GroupJoinedMsg confirms a subscription and replays recent history,
// oldest first. Online is the room's subscriber count, the joiner included.
type GroupJoinedMsg struct {
	Type           string            `json:"type"`
	GroupID        string            `json:"group_id"`
	Online         int               `json:"online"`
	RecentMessages []message.Message `json:"recent_messages"`
}

// GroupLeftMsg confirms an unsubscribe.
type GroupLeftMsg struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
}

// NewMessageMsg delivers one message to every subscriber of its group,
// including the sender.
type NewMessageMsg struct {
	Type    string          `json:"type"`
	Message message.Message `json:"message"`
}

// MessageDeletedMsg tells subscribers a message was removed by a moderator.
type MessageDeletedMsg struct {
	Type      string `json:"type"`
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
}

// WarnedMsg notifies a user that a warning was recorded against them.
// WarningCount is their running warning total in the group.
type WarnedMsg struct {
	Type         string `json:"type"`
	GroupID      string `json:"group_id"`
	Reason       string `json:"reason"`
	WarningCount int    `json:"warning_count"`
}

// BannedMsg notifies a user they were banned from a group. ExpiresAt is a
// unix millisecond timestamp, zero for permanent bans.
type BannedMsg struct {
	Type      string `json:"type"`
	GroupID   string `json:"group_id"`
	Reason    string `json:"reason"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// RoleChangedMsg notifies a user their role in a group changed.
type RoleChangedMsg struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
	Role    string `json:"role"`
}

// ModerationAckMsg confirms a moderator action to its issuer only.
type ModerationAckMsg struct {
	Type      string `json:"type"`
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id,omitempty"`
	Action    string `json:"action"`
}

// ErrorMsg reports a failure to the originating connection only. ExpiresAt
// is set (unix milliseconds) when Code is BANNED and the ban is temporary.
type ErrorMsg struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	GroupID   string `json:"group_id,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error. An
// error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinGroup:
		var m JoinGroupMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveGroup:
		var m LeaveGroupMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeModerateMessage:
		var m ModerateMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBanUser:
		var m BanUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetRole:
		var m SetRoleMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
