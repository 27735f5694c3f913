// Package messaging publishes durable chat and moderation events to NATS for
// the rest of the platform (notification service, moderator dashboards). The
// chat core never depends on delivery: every publish is fire-and-forget, and
// a nil *Client disables publishing entirely. This is also the extension
// point for mirroring group streams across processes, which this service
// does not do itself.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subject patterns published by the chat server.
const (
	SubjectMessage        = "chat.message"     // + .<group_id>
	SubjectMessageDeleted = "chat.deleted"     // + .<group_id>
	SubjectWarning        = "moderation.warning"
	SubjectBan            = "moderation.ban"
	SubjectRoleChange     = "group.role"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "coursehub-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection. All methods are safe on a nil receiver
// so callers can wire the event stream conditionally.
type Client struct {
	conn *nats.Conn
	log  *zap.Logger
}

// Connect establishes the NATS connection.
func Connect(config Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	log.Info("nats connected", zap.String("url", nc.ConnectedUrl()))

	return &Client{conn: nc, log: log}, nil
}

func (c *Client) publish(subject string, payload interface{}) {
	if c == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("event encode failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		c.log.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// MessageEvent mirrors a stored message onto the event stream.
type MessageEvent struct {
	MessageID string `json:"message_id"`
	GroupID   string `json:"group_id"`
	UserID    string `json:"user_id"`
	Flagged   bool   `json:"flagged"`
	Ts        int64  `json:"ts"`
}

// PublishMessage announces a durably written message.
func (c *Client) PublishMessage(ev MessageEvent) {
	c.publish(SubjectMessage+"."+ev.GroupID, ev)
}

// DeleteEvent announces a moderator deletion.
type DeleteEvent struct {
	MessageID string `json:"message_id"`
	GroupID   string `json:"group_id"`
	ActorID   string `json:"actor_id"`
	Ts        int64  `json:"ts"`
}

// PublishMessageDeleted announces that a message was removed.
func (c *Client) PublishMessageDeleted(ev DeleteEvent) {
	c.publish(SubjectMessageDeleted+"."+ev.GroupID, ev)
}

// WarningEvent announces a recorded warning. IssuedBy is empty for
// automatic filter-triggered warnings.
type WarningEvent struct {
	GroupID  string `json:"group_id"`
	UserID   string `json:"user_id"`
	Reason   string `json:"reason"`
	IssuedBy string `json:"issued_by,omitempty"`
	Ts       int64  `json:"ts"`
}

// PublishWarning announces a recorded warning.
func (c *Client) PublishWarning(ev WarningEvent) {
	c.publish(SubjectWarning, ev)
}

// BanEvent announces an issued ban. ExpiresAt is unix milliseconds, zero
// for permanent.
type BanEvent struct {
	GroupID   string `json:"group_id"`
	UserID    string `json:"user_id"`
	IssuedBy  string `json:"issued_by"`
	Reason    string `json:"reason"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Ts        int64  `json:"ts"`
}

// PublishBan announces an issued ban.
func (c *Client) PublishBan(ev BanEvent) {
	c.publish(SubjectBan, ev)
}

// RoleEvent announces a role change.
type RoleEvent struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Ts      int64  `json:"ts"`
}

// PublishRoleChange announces a role change.
func (c *Client) PublishRoleChange(ev RoleEvent) {
	c.publish(SubjectRoleChange, ev)
}

// Close drains and closes the NATS connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.log.Warn("nats drain failed", zap.Error(err))
	}
}
