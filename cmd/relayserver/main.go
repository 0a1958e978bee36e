package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parley/chat-relay/internal/chat"
	"github.com/parley/chat-relay/internal/config"
	"github.com/parley/chat-relay/internal/db"
	"github.com/parley/chat-relay/internal/httpapi"
	"github.com/parley/chat-relay/internal/messaging"
	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/presence"
	"github.com/parley/chat-relay/internal/protocol"
	"github.com/parley/chat-relay/internal/ratelimit"
	"github.com/parley/chat-relay/internal/relay"
	"github.com/parley/chat-relay/internal/session"
	"github.com/parley/chat-relay/internal/user"
	"github.com/parley/chat-relay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- Postgres ---
	sqlDB, err := db.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	messageStore := chat.NewStore(sqlDB)
	userStore := user.NewStore(sqlDB)

	// Recent messages mirror the database so the history endpoint keeps
	// answering during a Postgres outage.
	recent := chat.NewRecentBuffer(cfg.HistoryLimit)

	// The archiver drains the persistence subject: every broadcast message is
	// published there after delivery and written to Postgres off the hot path.
	archiver := chat.NewArchiver(messageStore, recent)
	if err := natsClient.SubscribePersist(archiver.Handle); err != nil {
		log.Fatalf("failed to subscribe to persistence subject: %v", err)
	}

	limiter := ratelimit.NewLimiter(sessionStore.Client())
	registry := presence.NewRegistry()
	rel := relay.New(registry, natsClient, userStore)

	log.Printf("chat relay server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  send_queue:      %d", cfg.SendQueueSize)
	log.Printf("  heartbeat:       %s (+%s grace)", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	log.Printf("  history_limit:   %d", cfg.HistoryLimit)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// identify — bind the connection to a user identity
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeIdentify, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.IdentifyMsg)
		if !ok {
			return
		}

		rel.Identify(conn.ID, m.Name, m.Phone)

		if m.Phone != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := sessionStore.SetIdentity(ctx, conn.ID, m.Name, m.Phone); err != nil {
				log.Printf("identify: session update for conn=%s failed: %v", conn.ID, err)
			}
		}
	})

	// -----------------------------------------------------------------------
	// message — relay a chat message to all other connections
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.MessageMsg)
		if !ok {
			return
		}
		if m.Phone == "" {
			log.Printf("message without phone from conn=%s dropped", conn.ID)
			return
		}
		if err := chat.ValidateContent(m.Content); err != nil {
			log.Printf("message from conn=%s dropped: %v", conn.ID, err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleMessage); !allowed {
			log.Printf("message from conn=%s rate limited", conn.ID)
			return
		}

		rel.BroadcastMessage(conn.ID, m)
	})

	// -----------------------------------------------------------------------
	// typing — relay a typing indicator to all other connections
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleTyping); !allowed {
			return
		}

		rel.BroadcastTyping(conn.ID, m)
	})

	wsConfig := ws.ServerConfig{
		ListenAddr:        cfg.ListenAddr,
		WorkerPoolSize:    cfg.WorkerPoolSize,
		MaxConnections:    cfg.MaxConnections,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		SendQueueSize:     cfg.SendQueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}

	server := ws.NewServer(wsConfig, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// The relay learns about every connection before its first frame and is
	// told exactly once when it goes away.
	server.SetOnConnect(func(c *ws.Connection) {
		rel.OnConnect(c.ID, c)
	})
	server.SetOnDisconnect(rel.OnDisconnect)

	api := httpapi.New(messageStore, userStore, recent, rel, cfg.HistoryLimit)
	for pattern, handler := range api.Routes() {
		server.Handle(pattern, handler)
	}
	server.Handle("/metrics", metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := sqlDB.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
