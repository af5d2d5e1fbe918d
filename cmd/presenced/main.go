package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"github.com/roomwire/presence/internal/auth"
	"github.com/roomwire/presence/internal/dispatch"
	"github.com/roomwire/presence/internal/fanout"
	"github.com/roomwire/presence/internal/ratelimit"
	"github.com/roomwire/presence/internal/registry"
	"github.com/roomwire/presence/internal/rooms"
	"github.com/roomwire/presence/internal/session"
	"github.com/roomwire/presence/internal/store"
	"github.com/roomwire/presence/internal/sweeper"
	"github.com/roomwire/presence/internal/typing"
	"github.com/roomwire/presence/internal/ws"
)

type appConfig struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	ConnRatePerIP  float64       `envconfig:"CONN_RATE_PER_IP" default:"5"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	// Optional backends. An empty value runs the server without that
	// collaborator: no durable store means message persistence is refused
	// with a retryable error, no Redis means event throttling is off.
	PostgresDSN string `envconfig:"POSTGRES_DSN"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`

	NATSEnabled  bool   `envconfig:"NATS_ENABLED" default:"false"`
	NATSURL      string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	InstanceName string `envconfig:"INSTANCE_NAME"`

	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
	StaleThreshold time.Duration `envconfig:"STALE_THRESHOLD" default:"60s"`
	TypingTTL      time.Duration `envconfig:"TYPING_TTL" default:"5s"`
}

func main() {
	var cfg appConfig
	if err := envconfig.Process("presence", &cfg); err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName, _ = os.Hostname()
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = "presence-1"
	}

	log.Printf("presence server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  read_timeout:    %s", cfg.ReadTimeout)
	log.Printf("  write_timeout:   %s", cfg.WriteTimeout)
	log.Printf("  sweep_interval:  %s", cfg.SweepInterval)
	log.Printf("  stale_threshold: %s", cfg.StaleThreshold)
	log.Printf("  typing_ttl:      %s", cfg.TypingTTL)
	log.Printf("  instance_name:   %s", cfg.InstanceName)

	// --- Postgres ---
	var st *store.Store
	if cfg.PostgresDSN != "" {
		var err error
		st, err = store.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if err := st.Migrate(); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		defer st.Close()
		log.Printf("  postgres:        connected")
	} else {
		log.Printf("  postgres:        disabled (no POSTGRES_DSN)")
	}

	// --- Redis ---
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		defer rdb.Close()
		limiter = ratelimit.NewLimiter(rdb)
		log.Printf("  redis:           %s", cfg.RedisAddr)
	} else {
		log.Printf("  redis:           disabled (no REDIS_ADDR)")
	}

	// --- NATS fan-out ---
	var bus *fanout.Bus
	if cfg.NATSEnabled {
		busConfig := fanout.DefaultConfig()
		busConfig.URL = cfg.NATSURL
		busConfig.Name = cfg.InstanceName
		var err error
		bus, err = fanout.NewBus(busConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer bus.Close()
		log.Printf("  nats:            %s", cfg.NATSURL)
	} else {
		log.Printf("  nats:            disabled")
	}

	// --- Core wiring ---
	reg := registry.New()
	roomIndex := rooms.NewIndex()
	tracker := typing.NewTracker()

	var hook dispatch.Publisher
	if bus != nil {
		hook = bus
	}
	dispatcher := dispatch.New(reg, roomIndex, hook)

	sessionConfig := session.DefaultConfig()
	sessionConfig.TypingTTL = cfg.TypingTTL

	// Pass the store only when one is configured: a typed nil pointer in
	// the interface would defeat the controller's nil checks.
	var ms session.MessageStore
	if st != nil {
		ms = st
	}
	controller := session.NewController(sessionConfig, reg, roomIndex, tracker, dispatcher, ms, limiter)

	if bus != nil {
		if err := bus.Subscribe(controller.ApplyRemote); err != nil {
			log.Fatalf("failed to subscribe to fan-out bus: %v", err)
		}
	}

	router := ws.NewRouter()
	controller.RegisterHandlers(router)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.ConnRatePerIP = cfg.ConnRatePerIP

	server := ws.NewServer(serverConfig, reg, auth.NewJWTVerifier([]byte(cfg.JWTSecret)))
	server.SetOnConnect(controller.Connect)
	server.SetOnMessage(router.Dispatch)
	server.SetOnDisconnect(controller.Disconnect)
	server.SetStats(controller.Stats)
	controller.SetReleaseFd(server.ReleaseFd)

	// --- Liveness sweeper ---
	sweepConfig := sweeper.DefaultConfig()
	sweepConfig.Interval = cfg.SweepInterval
	sweepConfig.StaleThreshold = cfg.StaleThreshold
	sw := sweeper.New(sweepConfig, reg, tracker, controller.OnStale, controller.OnTypingExpired)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	// --- Serve until signalled ---
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	cancel()
	if err := server.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Printf("presence server stopped")
}
