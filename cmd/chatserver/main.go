package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coursehub/chat-app/internal/auth"
	"github.com/coursehub/chat-app/internal/ban"
	"github.com/coursehub/chat-app/internal/chat"
	"github.com/coursehub/chat-app/internal/hub"
	"github.com/coursehub/chat-app/internal/membership"
	"github.com/coursehub/chat-app/internal/message"
	"github.com/coursehub/chat-app/internal/messaging"
	"github.com/coursehub/chat-app/internal/moderation"
	"github.com/coursehub/chat-app/internal/protocol"
	"github.com/coursehub/chat-app/internal/session"
	"github.com/coursehub/chat-app/internal/ws"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	config := ws.DefaultServerConfig()
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logger.Fatal("JWT_SECRET is required")
	}
	verifier := auth.NewVerifier([]byte(secret))

	// --- Postgres ---
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/coursehub_chat?sslmode=disable"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal("postgres open failed", zap.Error(err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := db.PingContext(ctx)
		cancel()
		if err != nil {
			logger.Fatal("postgres ping failed", zap.Error(err))
		}
	}

	// --- Redis ban cache (optional fast path; Postgres stays authoritative) ---
	var banCache *ban.Cache
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Fatal("redis ping failed", zap.Error(err))
		}
		banCache = ban.NewCache(rdb)
		logger.Info("ban cache enabled", zap.String("redis_addr", redisAddr))
	}

	// --- NATS event stream (optional; all publishers are nil-safe) ---
	var events *messaging.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		events, err = messaging.Connect(natsConfig, logger)
		if err != nil {
			logger.Fatal("nats connect failed", zap.Error(err))
		}
	} else {
		logger.Info("NATS_URL not set, event stream disabled")
	}

	// --- Domain wiring ---
	registry := session.NewRegistry()
	authority := membership.NewAuthority(membership.NewPGStore(db), banCache, logger)
	messages := message.NewPGStore(db)
	engine := moderation.NewEngine(moderation.NewFilter(), moderation.NewPGWarningStore(db), logger)
	broadcast := hub.New(hub.DefaultQueueSize, logger)
	queues := hub.NewQueues()

	svc := chat.NewService(registry, authority, messages, engine, broadcast, queues, events, logger)

	logger.Info("chat server starting",
		zap.String("listen_addr", config.ListenAddr),
		zap.Int("worker_pool", config.WorkerPoolSize),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("read_timeout", config.ReadTimeout),
		zap.Duration("write_timeout", config.WriteTimeout))

	var dispatcher *ws.MessageDispatcher
	server := ws.NewServer(config, verifier, logger, func(conn *ws.Connection, data []byte) {
		dispatcher.Dispatch(conn, data)
	})
	dispatcher = ws.NewMessageDispatcher(server, logger)

	server.SetOnConnect(func(conn *ws.Connection) {
		connID := conn.ID
		svc.Connect(connID, conn.UserID, conn.Role, func(data []byte) error {
			return server.SendMessage(connID, data)
		})
		frame, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
			SessionID: connID,
			UserID:    conn.UserID,
		})
		if err == nil {
			_ = server.SendMessage(connID, frame)
		}
	})
	server.SetOnDisconnect(func(connID string) {
		svc.Disconnect(connID)
	})

	// sendErr maps a domain error onto a protocol error frame for the
	// originating connection only.
	sendErr := func(conn *ws.Connection, groupID string, err error) {
		frame := protocol.ErrorMsg{
			Code:    protocol.CodeInternal,
			Message: err.Error(),
			GroupID: groupID,
		}

		var vErr *chat.ValidationError
		var banErr *membership.BannedError
		var memberErr *membership.AlreadyMemberError
		switch {
		case errors.As(err, &vErr):
			frame.Code = protocol.CodeValidation
		case errors.As(err, &banErr):
			frame.Code = protocol.CodeBanned
			if banErr.ExpiresAt != nil {
				frame.ExpiresAt = banErr.ExpiresAt.UnixMilli()
			}
		case errors.As(err, &memberErr):
			frame.Code = protocol.CodeAlreadyMember
		case errors.Is(err, membership.ErrNotMember):
			frame.Code = protocol.CodeNotMember
		case errors.Is(err, membership.ErrUnauthorized):
			frame.Code = protocol.CodeUnauthorized
		case errors.Is(err, membership.ErrGroupNotFound), errors.Is(err, message.ErrNotFound):
			frame.Code = protocol.CodeNotFound
		default:
			// Internal errors are logged in full but not leaked to clients.
			logger.Error("request failed", zap.String("conn_id", conn.ID), zap.Error(err))
			frame.Message = "internal error"
		}

		data, err := protocol.NewServerMessage(protocol.TypeError, frame)
		if err != nil {
			return
		}
		_ = server.SendMessage(conn.ID, data)
	}

	// sessionOf resolves the registry session for a connection. A miss means
	// the connection raced its own teardown; the message is dropped.
	sessionOf := func(conn *ws.Connection) *session.Session {
		return registry.Get(conn.ID)
	}

	// -----------------------------------------------------------------------
	// join_group
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinGroup, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.JoinGroupMsg)
		if !ok {
			return
		}
		sess := sessionOf(conn)
		if sess == nil {
			return
		}

		history, err := svc.Join(context.Background(), sess, m.GroupID, m.Enroll)
		if err != nil {
			sendErr(conn, m.GroupID, err)
			return
		}
		if history == nil {
			history = []message.Message{}
		}
		frame, err := protocol.NewServerMessage(protocol.TypeGroupJoined, protocol.GroupJoinedMsg{
			GroupID:        m.GroupID,
			Online:         svc.Online(m.GroupID),
			RecentMessages: history,
		})
		if err == nil {
			_ = server.SendMessage(conn.ID, frame)
		}
	})

	// -----------------------------------------------------------------------
	// leave_group
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveGroup, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.LeaveGroupMsg)
		if !ok {
			return
		}
		sess := sessionOf(conn)
		if sess == nil {
			return
		}

		svc.Leave(sess, m.GroupID)
		frame, err := protocol.NewServerMessage(protocol.TypeGroupLeft, protocol.GroupLeftMsg{
			GroupID: m.GroupID,
		})
		if err == nil {
			_ = server.SendMessage(conn.ID, frame)
		}
	})

	// -----------------------------------------------------------------------
	// send_message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		sess := sessionOf(conn)
		if sess == nil {
			return
		}

		// The sender receives the message through the group broadcast like
		// every other subscriber; only failures get a direct reply.
		if _, err := svc.Send(context.Background(), sess, m.GroupID, m.Content, m.FileRef); err != nil {
			sendErr(conn, m.GroupID, err)
		}
	})

	// -----------------------------------------------------------------------
	// moderate_message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeModerateMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ModerateMessageMsg)
		if !ok {
			return
		}
		sess := sessionOf(conn)
		if sess == nil {
			return
		}

		if err := svc.Moderate(context.Background(), sess, m.GroupID, m.MessageID, m.Action, m.Reason); err != nil {
			sendErr(conn, m.GroupID, err)
			return
		}
		frame, err := protocol.NewServerMessage(protocol.TypeModerationAck, protocol.ModerationAckMsg{
			GroupID:   m.GroupID,
			MessageID: m.MessageID,
			Action:    m.Action,
		})
		if err == nil {
			_ = server.SendMessage(conn.ID, frame)
		}
	})

	// -----------------------------------------------------------------------
	// ban_user
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeBanUser, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.BanUserMsg)
		if !ok {
			return
		}
		sess := sessionOf(conn)
		if sess == nil {
			return
		}

		if _, err := svc.BanUser(context.Background(), sess, m.GroupID, m.TargetUserID, m.Reason, m.DurationMs); err != nil {
			sendErr(conn, m.GroupID, err)
			return
		}
		frame, err := protocol.NewServerMessage(protocol.TypeModerationAck, protocol.ModerationAckMsg{
			GroupID: m.GroupID,
			Action:  "ban",
		})
		if err == nil {
			_ = server.SendMessage(conn.ID, frame)
		}
	})

	// -----------------------------------------------------------------------
	// set_role
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSetRole, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SetRoleMsg)
		if !ok {
			return
		}
		sess := sessionOf(conn)
		if sess == nil {
			return
		}

		if _, err := svc.SetRole(context.Background(), sess, m.GroupID, m.TargetUserID, m.Role); err != nil {
			sendErr(conn, m.GroupID, err)
			return
		}
		frame, err := protocol.NewServerMessage(protocol.TypeModerationAck, protocol.ModerationAckMsg{
			GroupID: m.GroupID,
			Action:  "set_role",
		})
		if err == nil {
			_ = server.SendMessage(conn.ID, frame)
		}
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		if err := server.Shutdown(); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		events.Close()
		if err := db.Close(); err != nil {
			logger.Warn("postgres close error", zap.Error(err))
		}
		_ = logger.Sync()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// newLogger builds a production zap logger, switched to development encoding
// when LOG_ENV=development.
func newLogger() (*zap.Logger, error) {
	if os.Getenv("LOG_ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
