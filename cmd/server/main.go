package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peerprep/practice-server/internal/history"
	"github.com/peerprep/practice-server/internal/matching"
	"github.com/peerprep/practice-server/internal/messaging"
	"github.com/peerprep/practice-server/internal/protocol"
	"github.com/peerprep/practice-server/internal/ratelimit"
	"github.com/peerprep/practice-server/internal/relay"
	"github.com/peerprep/practice-server/internal/session"
	"github.com/peerprep/practice-server/internal/store"
	"github.com/peerprep/practice-server/internal/ws"
)

// notifier delivers match lifecycle events to connections, locally when the
// connection is hosted here and over NATS otherwise. It also keeps the Redis
// presence record in step.
type notifier struct {
	server   *ws.Server
	nats     *messaging.Client // may be nil
	presence *session.Store    // may be nil
}

func (n *notifier) deliver(connID string, frame []byte) {
	if err := n.server.SendMessage(connID, frame); err == nil {
		return
	}
	if n.nats == nil {
		log.Printf("[notify] conn=%s not local and no nats, dropping event", connID)
		return
	}
	if err := n.nats.PublishSignal(connID, frame); err != nil {
		log.Printf("[notify] publish to conn=%s failed: %v", connID, err)
	}
}

func (n *notifier) UserMatched(connID string, peer store.PeerProfile) {
	frame, err := protocol.NewServerMessage(protocol.TypeUserMatched, protocol.UserMatchedMsg{Peer: peer})
	if err != nil {
		log.Printf("[notify] build user_matched for conn=%s: %v", connID, err)
		return
	}
	n.deliver(connID, frame)

	if n.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := n.presence.SetMatched(ctx, connID, peer.ID); err != nil {
			log.Printf("[notify] presence set matched conn=%s: %v", connID, err)
		}
	}
}

func (n *notifier) UserLeft(connID, departedID string) {
	frame, err := protocol.NewServerMessage(protocol.TypeUserLeft, protocol.UserLeftMsg{UserID: departedID})
	if err != nil {
		log.Printf("[notify] build user_left for conn=%s: %v", connID, err)
		return
	}
	n.deliver(connID, frame)

	if n.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := n.presence.ClearMatch(ctx, connID); err != nil {
			log.Printf("[notify] presence clear match conn=%s: %v", connID, err)
		}
	}
}

// liveness answers whether a waiting-pool entry still has a connection behind
// it. Local connections are checked directly; with a shared Redis pool a
// candidate may be hosted by another instance, so its presence record counts
// as live too.
type liveness struct {
	conns    *ws.ConnectionManager
	presence *session.Store // may be nil
}

func (l *liveness) IsLive(connID string) bool {
	if l.conns.IsLive(connID) {
		return true
	}
	if l.presence == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := l.presence.Get(ctx, connID)
	return err == nil && p != nil
}

func main() {
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

	matchCfg := matching.DefaultConfig()
	if v := os.Getenv("MATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			matchCfg.MatchInterval = d
		}
	}
	if v := os.Getenv("MATCH_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			matchCfg.MatchDebounce = d
		}
	}
	if v := os.Getenv("JANITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			matchCfg.JanitorInterval = d
		}
	}
	if v := os.Getenv("WAIT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			matchCfg.WaitTTL = d
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "practice-1"
	}

	// --- Storage: Redis-backed pool with in-memory failover, or pure memory ---
	storageBackend := "redis"
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		storageBackend = v
	}
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	var (
		dataStore     store.Store
		presenceStore *session.Store
		rdb           *redis.Client
	)
	switch storageBackend {
	case "memory":
		dataStore = store.NewMemory()
		log.Printf("[main] storage: in-memory (by configuration)")
	default:
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Printf("[main] redis unreachable at %s, falling back to in-memory storage: %v", redisAddr, err)
			rdb.Close()
			rdb = nil
			dataStore = store.NewMemory()
		} else {
			dataStore = store.NewFailover(store.NewRedis(rdb), store.NewMemory())
			presenceStore = session.NewStore(rdb, serverName)
			log.Printf("[main] storage: redis at %s with in-memory failover", redisAddr)
		}
	}

	// --- NATS (optional; single-instance mode without it) ---
	var natsClient *messaging.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = serverName

		var err error
		natsClient, err = messaging.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	} else {
		log.Printf("[main] NATS_URL not set, running single-instance")
	}

	// --- Session history archive (optional) ---
	var archive matching.Archiver
	var historyStore *history.Store
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		var err error
		historyStore, err = history.Open(databaseURL)
		if err != nil {
			log.Fatalf("failed to open session history: %v", err)
		}
		archive = historyStore
		log.Printf("[main] session history archive enabled")
	}

	log.Printf("Practice matchmaking server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  match_interval:  %s", matchCfg.MatchInterval)
	log.Printf("  match_debounce:  %s", matchCfg.MatchDebounce)
	log.Printf("  wait_ttl:        %s", matchCfg.WaitTTL)
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	dispatcher := ws.NewMessageDispatcher(nil)
	server = ws.NewServer(config, presenceStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	rl := relay.New(server.Connections(), natsClient)

	// Per-connection throttling, enabled only when Redis is around.
	var limiter *ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewLimiter(rdb)
	}
	allow := func(conn *ws.Connection, rule ratelimit.Rule) bool {
		if limiter == nil {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ok, _ := limiter.Allow(ctx, conn.ID, rule)
		if !ok {
			dispatcher.SendError(conn, "rate_limited", "slow down")
		}
		return ok
	}

	notify := &notifier{server: server, nats: natsClient, presence: presenceStore}
	registry := &liveness{conns: server.Connections(), presence: presenceStore}

	matcher := matching.NewService(matchCfg, dataStore, dataStore, registry, notify, archive, matching.NewScorer())
	matcher.Start()

	// leave tears down a connection's room membership: waiting entry, active
	// session, NATS subscriptions, and the connection's room identity.
	leave := func(conn *ws.Connection) {
		roomID := conn.RoomID()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		matcher.Depart(ctx, conn.ID, roomID)
		rl.Unregister(conn.ID)
		rl.LeaveRoom(roomID)
		conn.ClearRoom()

		if presenceStore != nil {
			if err := presenceStore.ClearMatch(ctx, conn.ID); err != nil {
				log.Printf("[main] presence clear conn=%s: %v", conn.ID, err)
			}
		}
	}

	// -----------------------------------------------------------------------
	// join_room — enter a practice room's waiting pool
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinRoomMsg)
		if !ok {
			return
		}
		if err := joinMsg.Validate(); err != nil {
			dispatcher.SendError(conn, "invalid_join", err.Error())
			return
		}
		if !allow(conn, ratelimit.RuleJoin) {
			return
		}

		// A rejoin replaces the previous membership wholesale.
		if conn.RoomID() != "" {
			leave(conn)
		}

		conn.SetIdentity(joinMsg.RoomID, joinMsg.Profile.Name)
		rl.Register(conn.ID)
		rl.JoinRoom(joinMsg.RoomID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if presenceStore != nil {
			if err := presenceStore.SetWaiting(ctx, conn.ID, joinMsg.RoomID, joinMsg.Profile.Name); err != nil {
				log.Printf("[main] presence set waiting conn=%s: %v", conn.ID, err)
			}
		}

		err := matcher.Enqueue(ctx, store.Candidate{
			ConnID:  conn.ID,
			RoomID:  joinMsg.RoomID,
			Profile: joinMsg.Profile,
			Status:  store.StatusWaiting,
		})
		if err != nil {
			log.Printf("[main] enqueue conn=%s room=%s: %v", conn.ID, joinMsg.RoomID, err)
			dispatcher.SendError(conn, "join_failed", "could not join room")
			conn.ClearRoom()
		}
	})

	// -----------------------------------------------------------------------
	// leave_room — leave the waiting pool or an active session
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveRoom, func(conn *ws.Connection, msg interface{}) {
		if conn.RoomID() == "" {
			return
		}
		leave(conn)
		log.Printf("[main] leave_room conn=%s", conn.ID)
	})

	// -----------------------------------------------------------------------
	// offer / answer / ice_candidate — relay to the matched peer
	// -----------------------------------------------------------------------
	signalHandler := func(msgType string) ws.MessageHandler {
		return func(conn *ws.Connection, msg interface{}) {
			sig, ok := msg.(protocol.SignalMsg)
			if !ok {
				return
			}
			if sig.TargetID == "" {
				dispatcher.SendError(conn, "invalid_signal", "target_id is required")
				return
			}
			if !allow(conn, ratelimit.RuleSignal) {
				return
			}
			rl.Forward(conn.ID, msgType, sig)
		}
	}
	dispatcher.Register(protocol.TypeOffer, signalHandler(protocol.TypeOffer))
	dispatcher.Register(protocol.TypeAnswer, signalHandler(protocol.TypeAnswer))
	dispatcher.Register(protocol.TypeICECandidate, signalHandler(protocol.TypeICECandidate))

	// -----------------------------------------------------------------------
	// chat_message — broadcast to the sender's room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeChatMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		if err := chatMsg.Validate(); err != nil {
			dispatcher.SendError(conn, "invalid_message", err.Error())
			return
		}
		if conn.RoomID() == "" {
			dispatcher.SendError(conn, "not_in_room", "join a room before chatting")
			return
		}
		if !allow(conn, ratelimit.RuleChat) {
			return
		}
		rl.Broadcast(conn, chatMsg.Text)
	})

	// Disconnect: same teardown as an explicit leave, plus whatever the
	// waiting pool still holds when the socket just vanished.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		leave(conn)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		matcher.Stop()
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if historyStore != nil {
			if err := historyStore.Close(); err != nil {
				log.Printf("history close error: %v", err)
			}
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
