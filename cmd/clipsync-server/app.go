package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"clipsync/pkg/bus"
	"clipsync/pkg/command"
	"clipsync/pkg/config"
	"clipsync/pkg/delta"
	"clipsync/pkg/engine"
	"clipsync/pkg/kvstore"
	"clipsync/pkg/observability"
	"clipsync/pkg/ot"
	"clipsync/pkg/protocol"
	"clipsync/pkg/session"
	"clipsync/pkg/transport"
	"clipsync/pkg/transport/mem"
	"clipsync/pkg/transport/quic"
	"clipsync/pkg/transport/tcp"
	"clipsync/pkg/transport/websocket"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("clipsync-server started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared backends: redis when configured, in-process otherwise.
	var (
		msgBus bus.Bus
		store  kvstore.Store
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			zap.L().Error("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			return 1
		}
		msgBus = bus.NewRedisBus(client, logger)
		store = kvstore.NewRedis(client, cfg.AppName)
		zap.L().Info("using redis backends", zap.String("addr", cfg.Redis.Addr))
	} else {
		msgBus = bus.NewMemBus()
		store = kvstore.NewMemory()
		zap.L().Info("using in-process backends")
	}
	defer func() { _ = msgBus.Close() }()
	defer func() { _ = store.Close() }()

	eng := engine.New(logger)

	mgr := session.NewManager(session.Config{
		MaxSessions:  cfg.Session.MaxSessions,
		IdleAfter:    cfg.Session.IdleAfter,
		ExpireAfter:  cfg.Session.ExpireAfter,
		ReapInterval: cfg.Session.ReapInterval,
		DrainBatch:   cfg.Session.DrainBatch,
	}, eng, logger)
	go mgr.Run(ctx)

	bcast, err := delta.NewBroadcaster(msgBus, store, ot.NewResolver(logger), mgr,
		cfg.Redis.StateTTL, logger)
	if err != nil {
		zap.L().Error("failed to init broadcaster", zap.Error(err))
		return 1
	}

	hist := command.NewHistory(cfg.Undo.Depth)
	router := command.NewRouter(mgr, eng, logger)
	router.Register(command.NewEditHandler(bcast, hist, logger))
	router.Register(command.NewCollabHandler(mgr, bcast, logger))
	router.Register(command.NewUndoHandler(hist))

	wireCallbacks(eng, mgr, bcast, router)

	// Start listeners from config.
	started := 0
	for _, tc := range cfg.Transports {
		tr := transportFor(tc.Kind)
		if tr == nil {
			zap.L().Warn("skipping unknown transport", zap.String("kind", tc.Kind))
			continue
		}
		for _, addr := range tc.Listen {
			l, err := tr.Listen(ctx, addr)
			if err != nil {
				zap.L().Error("failed to listen",
					zap.String("kind", tc.Kind), zap.String("addr", addr), zap.Error(err))
				return 1
			}
			zap.L().Info("listening",
				zap.String("kind", tc.Kind), zap.Stringer("addr", l.Addr()))
			go func() { _ = eng.Serve(ctx, l) }()
			started++
		}
	}
	if started == 0 {
		zap.L().Error("no transports configured")
		return 1
	}

	zap.L().Info("server is running; press Ctrl+C to exit")
	<-ctx.Done()
	zap.L().Info("shutting down")
	eng.Shutdown()
	return 0
}

func transportFor(kind string) transport.Transport {
	switch transport.ParseKind(kind) {
	case transport.KindWebSocket:
		return websocket.New()
	case transport.KindTCP:
		return tcp.New()
	case transport.KindQUIC:
		return quic.New()
	case transport.KindMem:
		return mem.New()
	}
	return nil
}

// wireCallbacks binds engine actions to the session manager, the command
// router, and the channel subscription endpoints.
func wireCallbacks(eng *engine.Engine, mgr *session.Manager, bcast *delta.Broadcaster, router *command.Router) {
	eng.RegisterCallback(session.ActionInitialize, mgr.HandleInitialize)
	for _, action := range router.Actions() {
		eng.RegisterCallback(action, router.HandleMessage)
	}

	resolveSession := func(connID string, msg *protocol.Message) string {
		if msg.SessionID != "" {
			return msg.SessionID
		}
		if id, ok := mgr.SessionForConn(connID); ok {
			return id
		}
		return ""
	}

	eng.RegisterCallback("get_available_commands", func(_ context.Context, connID string, msg *protocol.Message) error {
		user, perms, ok := mgr.UserOf(resolveSession(connID, msg))
		if !ok {
			return eng.Send(msg.Error("no session; send initialize_session first"), connID)
		}
		return eng.Send(msg.Response(map[string]any{
			"commands": router.AvailableCommands(user, perms),
		}), connID)
	})

	eng.RegisterCallback("subscribe_channel", func(ctx context.Context, connID string, msg *protocol.Message) error {
		sessionID := resolveSession(connID, msg)
		channel, _ := msg.Data["channel"].(string)
		if sessionID == "" || channel == "" {
			return eng.Send(msg.Error("subscribe_channel requires a session and a channel"), connID)
		}
		if err := bcast.Subscribe(ctx, channel, sessionID); err != nil {
			return eng.Send(msg.Error(err.Error()), connID)
		}
		return eng.Send(msg.Response(map[string]any{"channel": channel, "subscribed": true}), connID)
	})

	eng.RegisterCallback("unsubscribe_channel", func(_ context.Context, connID string, msg *protocol.Message) error {
		sessionID := resolveSession(connID, msg)
		channel, _ := msg.Data["channel"].(string)
		if sessionID == "" || channel == "" {
			return eng.Send(msg.Error("unsubscribe_channel requires a session and a channel"), connID)
		}
		bcast.Unsubscribe(channel, sessionID)
		return eng.Send(msg.Response(map[string]any{"channel": channel, "subscribed": false}), connID)
	})

	// Sessions that end by close, expiry, or eviction give up their channel
	// memberships so the broadcaster drops unused bus subscriptions.
	mgr.OnTerminate = bcast.UnsubscribeAll

	eng.OnHeartbeat = func(connID string, _ *protocol.Message) {
		mgr.TouchConn(connID)
	}
	eng.OnDisconnect = func(connID string) {
		// The session outlives the link; queued messages wait for reconnect.
		if sessionID, ok := mgr.RemoveConnection(connID); ok {
			zap.L().Debug("connection detached",
				zap.String("conn_id", connID), zap.String("session_id", sessionID))
		}
	}
}
