package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whisper/courier/internal/api"
	"github.com/whisper/courier/internal/apperr"
	"github.com/whisper/courier/internal/auth"
	"github.com/whisper/courier/internal/chat"
	"github.com/whisper/courier/internal/config"
	"github.com/whisper/courier/internal/conversation"
	"github.com/whisper/courier/internal/dedup"
	"github.com/whisper/courier/internal/delivery"
	"github.com/whisper/courier/internal/maintenance"
	"github.com/whisper/courier/internal/messaging"
	"github.com/whisper/courier/internal/metrics"
	"github.com/whisper/courier/internal/moderation"
	"github.com/whisper/courier/internal/presence"
	"github.com/whisper/courier/internal/ratelimit"
	"github.com/whisper/courier/internal/registry"
	"github.com/whisper/courier/internal/session"
	"github.com/whisper/courier/internal/storage/memory"
	"github.com/whisper/courier/internal/storage/postgres"
	"github.com/whisper/courier/internal/typing"
	"github.com/whisper/courier/internal/ws"
)

// backend is everything the pipeline persists to.
type backend interface {
	delivery.Store
	conversation.Store
	moderation.FlagStore
}

func openBackend(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Printf("[storage] using in-memory store; nothing survives a restart")
		return memory.New(), func() {}, nil
	}
	store, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	store, closeStore, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Redis ---
	var (
		sessions *session.Store
		limiter  *ratelimit.Limiter
	)
	sessions, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
	switch {
	case err == nil:
		defer sessions.Close()
		limiter = ratelimit.NewLimiter(sessions.Client())
	case cfg.StoreDriver == config.DriverMemory:
		log.Printf("[redis] %v; running without rate limits and session records", err)
	default:
		return err
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "courier-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			return err
		}
		defer natsClient.Close()
	}

	// --- Moderation ---
	policy := moderation.DefaultPolicy()
	if cfg.ModerationPolicy != "" {
		if policy, err = moderation.LoadPolicy(cfg.ModerationPolicy); err != nil {
			return err
		}
		log.Printf("[moderation] loaded policy from %s", cfg.ModerationPolicy)
	}
	log.Printf("[moderation] policy: %s", policy.Describe())

	logFilter := dedup.New(cfg.DedupTTL, 10000)
	reg := registry.New()
	tracker := presence.NewTracker(reg, cfg.OfflineThreshold)
	typingSignals := typing.NewBroadcaster(reg)
	roster := moderation.NewRoster(reg)

	notifiers := moderation.MultiNotifier{roster}
	if natsClient != nil {
		notifiers = append(notifiers, messaging.NewFlagPublisher(natsClient))
	}
	interceptor := moderation.NewInterceptor(policy, store, notifiers)
	interceptor.SetLogFilter(logFilter)

	pipeline := delivery.New(delivery.Options{
		Messages:      store,
		Conversations: store,
		Moderation:    interceptor,
		Fanout:        reg,
		Presence:      tracker,
	})

	authn := auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	sendRule := ratelimit.SendRule(cfg.SendRateLimit)

	// --- Socket handlers ---
	deps := chat.Deps{
		Pipeline: pipeline,
		Registry: reg,
		Presence: tracker,
		Typing:   typingSignals,
		Roster:   roster,
		SendRule: sendRule,
	}
	if limiter != nil {
		deps.Limiter = limiter
	}
	if sessions != nil {
		deps.Sessions = sessions
	}
	handlers := chat.New(deps)
	dispatcher := ws.NewMessageDispatcher()
	handlers.Register(dispatcher)

	hooks := handlers.Hooks(dispatcher)
	hooks.Authenticate = authn.Authenticate
	hooks.HealthCheck = pipeline.Ping
	if limiter != nil {
		hooks.Admit = func(r *http.Request) error {
			d, _ := limiter.Check(r.Context(), clientIP(r), ratelimit.RuleConnect)
			if !d.Allowed {
				metrics.RateLimitedTotal.WithLabelValues("connect").Inc()
				return apperr.RateLimited(d.RetryAfter)
			}
			return nil
		}
	}

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.MaxPayloadBytes = cfg.MaxPayloadBytes

	server := ws.NewServer(serverConfig, hooks)
	server.SetLogFilter(logFilter)

	// --- REST ---
	apiOpts := api.Options{
		Auth:       authn,
		Pipeline:   pipeline,
		Moderation: interceptor,
		Presence:   tracker,
		Fanout:     reg,
		SendRule:   sendRule,
	}
	if limiter != nil {
		apiOpts.Limiter = limiter
	}
	if sessions != nil {
		apiOpts.LastSeen = sessions
	}
	if natsClient != nil {
		apiOpts.Events = natsClient
	}
	server.Handle("/metrics", metrics.Handler())
	server.Handle("/", api.NewHandler(apiOpts).Router())

	scheduler := maintenance.New(maintenance.Config{
		Interval:         cfg.MaintenanceInterval,
		OfflineThreshold: cfg.OfflineThreshold,
		TypingTTL:        cfg.TypingTTL,
		Presence:         tracker,
		Typing:           typingSignals,
		Registry:         reg,
		Caches:           []maintenance.Trimmer{logFilter},
	})

	log.Printf("Courier chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  store_driver:    %s", cfg.StoreDriver)
	log.Printf("  redis:           %v", sessions != nil)
	log.Printf("  nats:            %v", natsClient != nil)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  send_rate_limit: %d/min", cfg.SendRateLimit)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start()
	})

	g.Go(func() error {
		scheduler.Start(gCtx)
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
		pipeline.Drain()
		return nil
	})

	return g.Wait()
}

// clientIP is the connection rate-limit key.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("chatserver: %v", err)
	}
}
