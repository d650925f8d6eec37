package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/hivedesk/collab-app/internal/event"
	"github.com/hivedesk/collab-app/internal/fanout"
	"github.com/hivedesk/collab-app/internal/membership"
	"github.com/hivedesk/collab-app/internal/mention"
	"github.com/hivedesk/collab-app/internal/metrics"
	"github.com/hivedesk/collab-app/internal/presence"
	"github.com/hivedesk/collab-app/internal/protocol"
	"github.com/hivedesk/collab-app/internal/ratelimit"
	"github.com/hivedesk/collab-app/internal/registry"
	"github.com/hivedesk/collab-app/internal/relay"
	"github.com/hivedesk/collab-app/internal/room"
	"github.com/hivedesk/collab-app/internal/session"
	"github.com/hivedesk/collab-app/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPool = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConns = n
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
	if v := os.Getenv("OUTBOUND_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.OutboundDepth = n
		}
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "rt-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- PostgreSQL membership store (capability checks) ---
	var accessFn room.AccessFunc
	var db *sql.DB
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL != "" {
		migrationsURL := "file://migrations"
		if v := os.Getenv("MIGRATIONS_URL"); v != "" {
			migrationsURL = v
		}
		if err := membership.Migrate(migrationsURL, databaseURL); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}

		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			pingCancel()
			log.Fatalf("failed to ping postgres: %v", err)
		}
		pingCancel()

		accessFn = membership.NewStore(db).AccessFunc()
	} else {
		// Dev mode only: every authenticated user may join every channel.
		log.Printf("WARNING: DATABASE_URL not set, channel access checks disabled")
		accessFn = func(userID, channelID string) bool { return true }
	}

	// --- Scale-out relay ---
	relayBackend := os.Getenv("RELAY_BACKEND")
	if relayBackend == "" {
		relayBackend = "local"
	}

	var adapter relay.Adapter
	switch relayBackend {
	case "nats":
		natsConfig := relay.DefaultNATSConfig()
		if v := os.Getenv("NATS_URL"); v != "" {
			natsConfig.URL = v
		}
		natsAdapter, err := relay.NewNATSAdapter(natsConfig, serverName)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		adapter = natsAdapter
	case "redis":
		adapter = relay.NewRedisAdapter(sessionStore.Client(), serverName)
	case "local":
		adapter = relay.NewLocal()
	default:
		log.Fatalf("unknown RELAY_BACKEND %q (want nats, redis, or local)", relayBackend)
	}

	log.Printf("Hivedesk real-time server starting")
	log.Printf("  listen_addr:      %s", config.ListenAddr)
	log.Printf("  worker_pool:      %d", config.WorkerPool)
	log.Printf("  max_connections:  %d", config.MaxConns)
	log.Printf("  read_timeout:     %s", config.ReadTimeout)
	log.Printf("  write_timeout:    %s", config.WriteTimeout)
	log.Printf("  outbound_depth:   %d", config.OutboundDepth)
	log.Printf("  redis_addr:       %s", redisAddr)
	log.Printf("  relay_backend:    %s", relayBackend)
	log.Printf("  server_name:      %s", serverName)

	// --- Core assembly ---
	reg := registry.New()
	rooms := room.NewManager(reg, accessFn)
	reg.SetRooms(rooms)

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(config, reg, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	engine := fanout.NewEngine(rooms, server, adapter)
	adapter.OnRelayed(engine.DeliverLocal)

	var tracker *presence.Tracker
	tracker = presence.NewTracker(func(ev event.Event) {
		engine.Publish(ev)
		metrics.UsersOnline.Set(float64(tracker.OnlineCount()))
	})
	reg.OnConnect = tracker.ConnectionAdded
	reg.OnDisconnect = tracker.ConnectionRemoved

	// -----------------------------------------------------------------------
	// join_channel — enter a channel room (after the capability check)
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinChannel, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinChannelMsg)
		if !ok || joinMsg.ChannelID == "" {
			dispatcher.SendError(conn, "bad_request", "channel_id is required")
			return
		}

		allowed, _ := limiter.Allow(context.Background(), conn.ID, ratelimit.RuleJoin)
		if !allowed {
			dispatcher.SendError(conn, "rate_limited", "too many channel joins")
			return
		}

		switch err := rooms.JoinChannel(conn.ID, joinMsg.ChannelID); err {
		case nil:
			ack, _ := protocol.NewServerMessage(protocol.TypeChannelJoined, protocol.ChannelJoinedMsg{
				ChannelID: joinMsg.ChannelID,
			})
			_ = server.Send(conn.ID, ack)
			metrics.RoomsTotal.Set(float64(rooms.RoomCount()))
			log.Printf("join_channel conn=%s user=%s channel=%s", conn.ID, conn.UserID, joinMsg.ChannelID)
		case room.ErrForbidden:
			// Rejected join; the connection stays open.
			dispatcher.SendError(conn, "forbidden", "no access to channel")
		case room.ErrNotRegistered:
			// Protocol violation: frames on a connection the registry does
			// not know. Close it.
			dispatcher.SendError(conn, "not_registered", "connection not registered")
			server.RemoveConnection(conn)
		default:
			dispatcher.SendError(conn, "join_failed", "could not join channel")
		}
	})

	// -----------------------------------------------------------------------
	// leave_channel — leave a channel room (idempotent)
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveChannel, func(conn *ws.Connection, msg interface{}) {
		leaveMsg, ok := msg.(protocol.LeaveChannelMsg)
		if !ok || leaveMsg.ChannelID == "" {
			return
		}
		rooms.LeaveChannel(conn.ID, leaveMsg.ChannelID)
		metrics.RoomsTotal.Set(float64(rooms.RoomCount()))
		log.Printf("leave_channel conn=%s channel=%s", conn.ID, leaveMsg.ChannelID)
	})

	// -----------------------------------------------------------------------
	// message_sent — fan out a message the CRUD layer already persisted
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessageSent, func(conn *ws.Connection, msg interface{}) {
		sentMsg, ok := msg.(protocol.MessageSentMsg)
		if !ok || sentMsg.ChannelID == "" {
			dispatcher.SendError(conn, "bad_request", "channel_id is required")
			return
		}

		allowed, _ := limiter.Allow(context.Background(), conn.ID, ratelimit.RuleMessage)
		if !allowed {
			dispatcher.SendError(conn, "rate_limited", "too many messages")
			return
		}

		if err := protocol.ValidateMessagePayload(sentMsg.Message); err != nil {
			dispatcher.SendError(conn, "invalid_message", err.Error())
			return
		}

		// The sender's tab already renders an optimistic copy, so the
		// originating connection is excluded; the user's other tabs still
		// receive the event.
		ev := event.NewMessageReceived(sentMsg.ChannelID, sentMsg.Message, extractMentions(sentMsg.Message), conn.ID)
		engine.Publish(ev)
	})

	// -----------------------------------------------------------------------
	// typing_start / typing_stop — relay typing indicators
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTypingStart, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingStartMsg)
		if !ok || typingMsg.ChannelID == "" {
			return
		}
		if err := protocol.ValidateUserName(typingMsg.UserName); err != nil {
			dispatcher.SendError(conn, "invalid_user_name", err.Error())
			return
		}

		allowed, _ := limiter.Allow(context.Background(), conn.ID, ratelimit.RuleTyping)
		if !allowed {
			return // typing signals are droppable, no error frame
		}

		engine.Publish(event.NewUserTyping(typingMsg.ChannelID, conn.UserID, typingMsg.UserName))
	})

	dispatcher.Register(protocol.TypeTypingStop, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingStopMsg)
		if !ok || typingMsg.ChannelID == "" {
			return
		}
		// Empty user name signals stopped-typing on the wire.
		engine.Publish(event.NewUserTyping(typingMsg.ChannelID, conn.UserID, ""))
	})

	// -----------------------------------------------------------------------
	// presence_update — explicit online/away status change
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypePresenceUpdate, func(conn *ws.Connection, msg interface{}) {
		presMsg, ok := msg.(protocol.PresenceUpdateMsg)
		if !ok {
			return
		}
		if err := tracker.SetStatus(conn.UserID, conn.WorkspaceID, presMsg.Status); err != nil {
			dispatcher.SendError(conn, "invalid_status", "status must be online or away")
			return
		}
		log.Printf("presence_update conn=%s user=%s status=%s", conn.ID, conn.UserID, presMsg.Status)
	})

	// Disconnects change room and presence counts outside the handler paths,
	// so the gauges are also refreshed on a timer.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.RoomsTotal.Set(float64(rooms.RoomCount()))
			metrics.UsersOnline.Set(float64(tracker.OnlineCount()))
		}
	}()

	// Internal publish endpoint for the CRUD layer: after a successful
	// write it POSTs the event here instead of linking against the core.
	internalAddr := os.Getenv("INTERNAL_ADDR")
	if internalAddr == "" {
		internalAddr = ":8081"
	}
	internalSrv := startInternalAPI(internalAddr, engine)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = internalSrv.Shutdown(shutdownCtx)
		cancel()

		adapter.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// publishRequest is the internal API's envelope for CRUD-layer publishes.
type publishRequest struct {
	Kind       string          `json:"kind"`
	ChannelID  string          `json:"channel_id"`
	Message    json.RawMessage `json:"message,omitempty"`
	MessageID  string          `json:"message_id,omitempty"`
	Reaction   json.RawMessage `json:"reaction,omitempty"`
	ReactionID string          `json:"reaction_id,omitempty"`
}

// startInternalAPI serves the loopback publish endpoint used by the CRUD
// layer after successful writes. It must not be exposed publicly; deploy
// config binds it to the pod-local interface.
func startInternalAPI(addr string, engine *fanout.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/publish", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.ChannelID == "" {
			http.Error(w, "channel_id is required", http.StatusBadRequest)
			return
		}

		var ev event.Event
		switch req.Kind {
		case event.KindMessageReceived:
			if err := protocol.ValidateMessagePayload(req.Message); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			ev = event.NewMessageReceived(req.ChannelID, req.Message, extractMentions(req.Message), "")
		case event.KindReactionAdded:
			if req.MessageID == "" || len(req.Reaction) == 0 {
				http.Error(w, "message_id and reaction are required", http.StatusBadRequest)
				return
			}
			ev = event.NewReactionAdded(req.ChannelID, req.MessageID, req.Reaction)
		case event.KindReactionRemoved:
			if req.MessageID == "" || req.ReactionID == "" {
				http.Error(w, "message_id and reaction_id are required", http.StatusBadRequest)
				return
			}
			ev = event.NewReactionRemoved(req.ChannelID, req.MessageID, req.ReactionID)
		default:
			http.Error(w, "unknown event kind", http.StatusBadRequest)
			return
		}

		engine.Publish(ev)
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("internal API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("internal API error: %v", err)
		}
	}()
	return srv
}

// extractMentions pulls @name mentions out of the message payload's content
// field. Payloads without a string content field yield no mentions.
func extractMentions(raw json.RawMessage) []string {
	var fields struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil || fields.Content == "" {
		return nil
	}
	return mention.Parse(fields.Content)
}
