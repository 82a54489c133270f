package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"krepost.org/internal/config"
	"krepost.org/internal/edge"
	"krepost.org/internal/endpoint"
	"krepost.org/internal/obs"
	"krepost.org/internal/store/memory"
	"krepost.org/internal/store/pg"
	"krepost.org/internal/token"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo("krepost-edge", version, os.Getenv("KREPOST_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if len(cfg.UpstreamRoutes) == 0 {
		log.Fatal("no upstream routes: set KREPOST_ROUTES (name=prefix=target,...)")
	}

	var ruleStore endpoint.Store
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		ruleStore = store
	} else {
		ruleStore = memory.New()
		log.Println("no KREPOST_PG_DSN set, using in-memory rule store")
	}

	ctx := context.Background()
	registry, err := endpoint.NewRegistry(ctx, ruleStore)
	if err != nil {
		log.Fatalf("endpoint registry: %v", err)
	}

	// Rules change through the control-plane API; pick them up without
	// a restart.
	reloadCtx, stopReload := context.WithCancel(ctx)
	defer stopReload()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-reloadCtx.Done():
				return
			case <-ticker.C:
				if err := registry.Reload(reloadCtx); err != nil {
					log.Printf("rule reload: %v", err)
				}
			}
		}
	}()

	tokens, err := token.NewService([]byte(cfg.TokenSigningKey), token.WithIssuer(cfg.TokenIssuer))
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	var limiter edge.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer client.Close()
		limiter = edge.NewRedisLimiter(client, "krepost:edge", int64(cfg.RateLimitPerMin), time.Minute)
		log.Printf("rate limiting via redis at %s", cfg.RedisAddr)
	} else {
		limiter = edge.NewLocalLimiter(float64(cfg.RateLimitPerMin)/60.0, cfg.RateLimitPerMin/10+1)
		log.Println("no KREPOST_REDIS_ADDR set, rate limiting per instance")
	}

	routes := make([]edge.Route, 0, len(cfg.UpstreamRoutes))
	for _, rc := range cfg.UpstreamRoutes {
		target, err := url.Parse(rc.Target)
		if err != nil {
			log.Fatalf("route %s: bad target %q: %v", rc.Name, rc.Target, err)
		}
		routes = append(routes, edge.Route{Name: rc.Name, Prefix: rc.Prefix, Target: target})
	}

	pipeline := edge.NewPipeline(edge.PipelineConfig{
		Tokens:      tokens,
		Registry:    registry,
		Limiter:     limiter,
		Routes:      routes,
		PublicPaths: cfg.PublicPaths,
		Proxy: edge.ProxyConfig{
			Timeout:          cfg.UpstreamTimeout,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
		},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"krepost-edge"}`))
	})
	mux.Handle("GET /metrics", obs.Handler())
	mux.Handle("/", pipeline.Handler())

	srv := &http.Server{
		Addr:              cfg.EdgeAddr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.UpstreamTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting krepost-edge %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
