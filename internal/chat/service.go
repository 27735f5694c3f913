// Package chat orchestrates the real-time messaging operations: join/leave,
// the send pipeline (validate, filter, persist, publish), and the
// authorization-gated moderator actions. It owns no durable state itself —
// the membership authority and the stores are the writers of record.
package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coursehub/chat-app/internal/hub"
	"github.com/coursehub/chat-app/internal/membership"
	"github.com/coursehub/chat-app/internal/message"
	"github.com/coursehub/chat-app/internal/messaging"
	"github.com/coursehub/chat-app/internal/metrics"
	"github.com/coursehub/chat-app/internal/moderation"
	"github.com/coursehub/chat-app/internal/protocol"
	"github.com/coursehub/chat-app/internal/session"
)

// Service wires the session registry, membership authority, moderation
// engine, stores, and broadcast hub into the operations exposed over the
// wire protocol. One Service instance is constructed at startup and passed
// by reference to every handler.
type Service struct {
	sessions *session.Registry
	members  *membership.Authority
	messages message.Store
	engine   *moderation.Engine
	hub      *hub.Hub
	queues   *hub.Queues
	events   *messaging.Client // nil disables the event stream
	log      *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewService creates a Service. events may be nil.
func NewService(
	sessions *session.Registry,
	members *membership.Authority,
	messages message.Store,
	engine *moderation.Engine,
	h *hub.Hub,
	queues *hub.Queues,
	events *messaging.Client,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	// An overflow eviction removes the connection from the hub's room; the
	// session's subscription set must agree, or a later resubscribe check
	// would see a subscription the hub no longer honors.
	h.SetOnDrop(func(connID, groupID string) {
		sessions.RemoveGroup(connID, groupID)
		metrics.SlowConsumerDrops.Inc()
	})
	return &Service{
		sessions: sessions,
		members:  members,
		messages: messages,
		engine:   engine,
		hub:      h,
		queues:   queues,
		events:   events,
		log:      log,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Connect registers a verified connection: a session in the registry and an
// outbound pump in the hub. Called only after credential verification
// succeeds, so no partial state ever exists for rejected connections.
func (s *Service) Connect(connID, userID, role string, write hub.WriteFunc) *session.Session {
	sess := s.sessions.Add(connID, userID, role)
	s.hub.Attach(connID, write)
	metrics.ConnectionsTotal.Set(float64(s.sessions.Count()))
	return sess
}

// Disconnect tears down a connection's session and all of its room
// subscriptions synchronously. Safe to call for unknown connections.
func (s *Service) Disconnect(connID string) {
	sess := s.sessions.Remove(connID)
	s.hub.Detach(connID)
	metrics.ConnectionsTotal.Set(float64(s.sessions.Count()))
	metrics.ActiveRooms.Set(float64(s.hub.Rooms()))
	if sess != nil {
		s.log.Info("session closed",
			zap.String("conn_id", connID), zap.String("user_id", sess.UserID))
	}
}

// Join authorizes and subscribes the session to a group, returning the most
// recent history oldest-first. With enroll set, a membership is created
// first (absent a ban); otherwise the caller must already be a member. The
// ban check applies on every join, not only on send.
func (s *Service) Join(ctx context.Context, sess *session.Session, groupID string, enroll bool) ([]message.Message, error) {
	if err := ValidateID("group_id", groupID); err != nil {
		return nil, err
	}

	if enroll {
		if _, err := s.members.Join(ctx, sess.UserID, groupID); err != nil {
			return nil, err
		}
	} else {
		if _, member, err := s.members.RoleOf(ctx, sess.UserID, groupID); err != nil {
			return nil, err
		} else if !member {
			return nil, membership.ErrNotMember
		}
		if b, err := s.members.ActiveBan(ctx, sess.UserID, groupID); err != nil {
			return nil, err
		} else if b != nil {
			return nil, &membership.BannedError{Reason: b.Reason, ExpiresAt: b.ExpiresAt}
		}
	}

	history, err := s.messages.Recent(ctx, groupID, message.HistoryLimit)
	if err != nil {
		return nil, err
	}

	if err := s.hub.Subscribe(sess.ConnID, groupID); err != nil {
		return nil, err
	}
	s.sessions.AddGroup(sess.ConnID, groupID)
	metrics.ActiveRooms.Set(float64(s.hub.Rooms()))
	return history, nil
}

// Online returns the number of sessions currently subscribed to the group's
// broadcast room.
func (s *Service) Online(groupID string) int {
	return len(s.hub.Subscribers(groupID))
}

// Leave unsubscribes the session from a group. Idempotent.
func (s *Service) Leave(sess *session.Session, groupID string) {
	s.hub.Unsubscribe(sess.ConnID, groupID)
	s.sessions.RemoveGroup(sess.ConnID, groupID)
	metrics.ActiveRooms.Set(float64(s.hub.Rooms()))
}

// Send runs the message pipeline: validate, authorize, filter, persist,
// publish. Filtering, persistence, and publish execute inside the group's
// serial queue so broadcast order always equals persistence order; the
// authorization reads run outside it and never block the queue. A
// persistence failure aborts before publish: nothing is ever broadcast
// without a durable write.
func (s *Service) Send(ctx context.Context, sess *session.Session, groupID, content string, fileRef *string) (message.Message, error) {
	if err := ValidateID("group_id", groupID); err != nil {
		return message.Message{}, err
	}
	if err := ValidateContent(content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return message.Message{}, err
	}

	if _, member, err := s.members.RoleOf(ctx, sess.UserID, groupID); err != nil {
		return message.Message{}, err
	} else if !member {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return message.Message{}, membership.ErrNotMember
	}
	if b, err := s.members.ActiveBan(ctx, sess.UserID, groupID); err != nil {
		return message.Message{}, err
	} else if b != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return message.Message{}, &membership.BannedError{Reason: b.Reason, ExpiresAt: b.ExpiresAt}
	}

	start := s.now()
	var msg message.Message
	err := s.queues.Do(groupID, func() error {
		res, err := s.engine.Screen(ctx, sess.UserID, groupID, content)
		if err != nil {
			return err
		}

		msg = message.Message{
			ID:        s.newID(),
			GroupID:   groupID,
			UserID:    sess.UserID,
			Content:   res.Content,
			Flagged:   res.Flagged,
			FileRef:   fileRef,
			CreatedAt: s.now(),
		}
		if err := s.messages.Insert(ctx, msg); err != nil {
			return err
		}

		frame, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{Message: msg})
		if err != nil {
			return err
		}
		s.hub.Publish(groupID, frame)

		s.events.PublishMessage(messaging.MessageEvent{
			MessageID: msg.ID,
			GroupID:   groupID,
			UserID:    sess.UserID,
			Flagged:   msg.Flagged,
			Ts:        msg.CreatedAt.UnixMilli(),
		})
		if msg.Flagged {
			s.events.PublishWarning(messaging.WarningEvent{
				GroupID: groupID,
				UserID:  sess.UserID,
				Reason:  moderation.ReasonFiltered,
				Ts:      msg.CreatedAt.UnixMilli(),
			})
		}
		return nil
	})
	if err != nil {
		s.log.Error("send failed",
			zap.String("group_id", groupID),
			zap.String("user_id", sess.UserID),
			zap.String("action", "send_message"),
			zap.Error(err))
		return message.Message{}, err
	}

	metrics.SendLatency.Observe(s.now().Sub(start).Seconds())
	if msg.Flagged {
		metrics.MessagesTotal.WithLabelValues("flagged").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	}
	return msg, nil
}

// Moderate applies a moderator action to an existing message. Delete removes
// the message (inside the group's queue, so deletions order consistently
// with sends); warn appends a warning against the author. The warning
// ledger entries referencing a deleted message are untouched.
func (s *Service) Moderate(ctx context.Context, sess *session.Session, groupID, messageID, action, reason string) error {
	if err := ValidateID("group_id", groupID); err != nil {
		return err
	}
	if err := ValidateID("message_id", messageID); err != nil {
		return err
	}

	role, member, err := s.members.RoleOf(ctx, sess.UserID, groupID)
	if err != nil {
		return err
	}
	if !member || !role.CanModerate() {
		return membership.ErrUnauthorized
	}

	msg, err := s.messages.Get(ctx, groupID, messageID)
	if err != nil {
		return err
	}

	switch action {
	case protocol.ActionDelete:
		err := s.queues.Do(groupID, func() error {
			if err := s.messages.Delete(ctx, groupID, messageID); err != nil {
				return err
			}
			frame, err := protocol.NewServerMessage(protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
				GroupID:   groupID,
				MessageID: messageID,
			})
			if err != nil {
				return err
			}
			s.hub.Publish(groupID, frame)
			s.events.PublishMessageDeleted(messaging.DeleteEvent{
				MessageID: messageID,
				GroupID:   groupID,
				ActorID:   sess.UserID,
				Ts:        s.now().UnixMilli(),
			})
			return nil
		})
		if err != nil {
			return err
		}
		metrics.ModerationActions.WithLabelValues("delete").Inc()

	case protocol.ActionWarn:
		if reason == "" {
			reason = "moderator warning"
		}
		// For flagged messages the unfiltered text already sits in the
		// automatic warning; this snapshot holds the stored content.
		total, err := s.engine.Warn(ctx, sess.UserID, msg.UserID, groupID, msg.Content, reason)
		if err != nil {
			return err
		}
		s.notifyUser(msg.UserID, protocol.TypeWarned, protocol.WarnedMsg{
			GroupID:      groupID,
			Reason:       reason,
			WarningCount: total,
		})
		s.events.PublishWarning(messaging.WarningEvent{
			GroupID:  groupID,
			UserID:   msg.UserID,
			Reason:   reason,
			IssuedBy: sess.UserID,
			Ts:       s.now().UnixMilli(),
		})
		metrics.ModerationActions.WithLabelValues("warn").Inc()

	default:
		return &ValidationError{Msg: "unknown moderation action " + action}
	}

	return nil
}

// BanUser bans the target from the group. On success every live session of
// the target is force-unsubscribed from the room and told about the ban.
func (s *Service) BanUser(ctx context.Context, sess *session.Session, groupID, targetID, reason string, durationMs int64) (membership.Ban, error) {
	if err := ValidateID("group_id", groupID); err != nil {
		return membership.Ban{}, err
	}
	if err := ValidateID("target_user_id", targetID); err != nil {
		return membership.Ban{}, err
	}

	b, err := s.members.Ban(ctx, sess.UserID, groupID, targetID, reason, time.Duration(durationMs)*time.Millisecond)
	if err != nil {
		return membership.Ban{}, err
	}

	banned := protocol.BannedMsg{GroupID: groupID, Reason: reason}
	if b.ExpiresAt != nil {
		banned.ExpiresAt = b.ExpiresAt.UnixMilli()
	}
	for _, ts := range s.sessions.OfUser(targetID) {
		s.hub.Unsubscribe(ts.ConnID, groupID)
		s.sessions.RemoveGroup(ts.ConnID, groupID)
		s.notifyConn(ts.ConnID, protocol.TypeBanned, banned)
	}
	metrics.ActiveRooms.Set(float64(s.hub.Rooms()))

	ev := messaging.BanEvent{
		GroupID:  groupID,
		UserID:   targetID,
		IssuedBy: sess.UserID,
		Reason:   reason,
		Ts:       s.now().UnixMilli(),
	}
	if b.ExpiresAt != nil {
		ev.ExpiresAt = b.ExpiresAt.UnixMilli()
	}
	s.events.PublishBan(ev)
	metrics.ModerationActions.WithLabelValues("ban").Inc()
	return b, nil
}

// SetRole changes the target's role in the group. Admin only; the change is
// announced to the target's live sessions.
func (s *Service) SetRole(ctx context.Context, sess *session.Session, groupID, targetID, roleName string) (membership.Membership, error) {
	if err := ValidateID("group_id", groupID); err != nil {
		return membership.Membership{}, err
	}
	if err := ValidateID("target_user_id", targetID); err != nil {
		return membership.Membership{}, err
	}
	role, err := membership.ParseRole(roleName)
	if err != nil {
		return membership.Membership{}, &ValidationError{Msg: "unknown role " + roleName}
	}

	m, err := s.members.SetRole(ctx, sess.UserID, groupID, targetID, role)
	if err != nil {
		return membership.Membership{}, err
	}

	s.notifyUser(targetID, protocol.TypeRoleChanged, protocol.RoleChangedMsg{
		GroupID: groupID,
		Role:    role.String(),
	})
	s.events.PublishRoleChange(messaging.RoleEvent{
		GroupID: groupID,
		UserID:  targetID,
		ActorID: sess.UserID,
		Role:    role.String(),
		Ts:      s.now().UnixMilli(),
	})
	metrics.ModerationActions.WithLabelValues("set_role").Inc()
	return m, nil
}

// notifyUser sends a frame to every live session of a user.
func (s *Service) notifyUser(userID, msgType string, payload interface{}) {
	for _, ts := range s.sessions.OfUser(userID) {
		s.notifyConn(ts.ConnID, msgType, payload)
	}
}

func (s *Service) notifyConn(connID, msgType string, payload interface{}) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		s.log.Warn("notify encode failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	s.hub.SendTo(connID, frame)
}
