package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"tickethub.org/internal/config"
	"tickethub.org/internal/gate"
	"tickethub.org/internal/httpapi"
	"tickethub.org/internal/identity"
	"tickethub.org/internal/obs"
	"tickethub.org/internal/projection"
	"tickethub.org/internal/realtime"
	"tickethub.org/internal/role"
	"tickethub.org/internal/session"
	"tickethub.org/internal/ticket"
	"tickethub.org/internal/ticketsync"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

const sessionCacheKey = "tickethub:session"

// redisPinger adapts the redis client to the readiness probe.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func main() {
	// Local development convenience; ignored when the file is absent.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Event source and session token cache. Redis when configured, otherwise
	// in-memory equivalents that suffice for a single process.
	var (
		source realtime.Source
		cache  session.TokenCache
		probe  httpapi.ReadyProbe
		broker *realtime.Broker
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		source = realtime.NewRedisSource(client)
		cache = session.NewRedisCache(client, sessionCacheKey)
		probe = httpapi.ReadyProbe{Pinger: redisPinger{client: client}}
	} else {
		broker = realtime.NewBroker(realtime.WithBuffer(cfg.MailboxSize))
		defer broker.Close()
		source = broker
		cache = session.NewMemoryCache()
	}

	idp := identity.NewHTTPClient(cfg.IdentityURL)
	store := session.New(idp, cache)

	resolver := role.NewResolver(role.NewHTTPLookup(cfg.BackendURL, store.AccessToken))
	tickets := ticket.NewClient(cfg.BackendURL, store.AccessToken)
	proj := projection.New(cfg.ProjectionCap)
	syncer := ticketsync.New(source, tickets, proj, ticketsync.Config{
		FetchLimit:       cfg.ProjectionCap,
		ReconnectMinWait: cfg.ReconnectMinWait,
		ReconnectMaxWait: cfg.ReconnectMaxWait,
	})

	g := gate.New(gate.Config{
		ProtectedPrefixes: cfg.ProtectedPrefixes,
		SignInPath:        cfg.SignInPath,
		DefaultPath:       cfg.DefaultPath,
		NotFoundPath:      cfg.NotFoundPath,
	}, store, resolver)

	api := httpapi.New(httpapi.Options{
		Sessions:      store,
		Roles:         resolver,
		Gate:          g,
		Tickets:       tickets,
		Projection:    proj,
		Syncer:        syncer,
		Source:        source,
		ReadyProbe:    probe,
		Version:       version,
		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSecond,
		MaxBodyBytes:  cfg.MaxBodyBytes,
	})

	// Pick up a cached session from a previous process, if any.
	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	store.Init(initCtx)
	cancelInit()

	if cfg.Demo && broker != nil {
		stopDemo := startDemo(broker, cfg.DemoOrgID, 2*time.Second)
		defer stopDemo()
		log.Printf("demo mode: feeding synthetic events for %s", cfg.DemoOrgID)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: it would cap the lifetime of /v1/stream
		// connections. JSON routes are bounded by the backend client
		// timeouts instead.
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("Starting tickethub-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	api.Shutdown()
	log.Println("Stopped")
}
