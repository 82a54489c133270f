package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"krepost.org/internal/authn"
	"krepost.org/internal/authz"
	"krepost.org/internal/config"
	"krepost.org/internal/endpoint"
	"krepost.org/internal/httpapi"
	"krepost.org/internal/obs"
	"krepost.org/internal/session"
	"krepost.org/internal/store/memory"
	"krepost.org/internal/store/pg"
	"krepost.org/internal/stream"
	"krepost.org/internal/token"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo("krepost-api", version, os.Getenv("KREPOST_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Stores. Without a DSN everything runs in memory, which is enough
	// for local development and the test suites.
	var (
		db        *sql.DB
		userStore authn.UserStore
		rbacStore authz.Store
		sessStore session.Store
		ruleStore endpoint.Store
	)
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		db = store.DB()
		userStore, rbacStore, sessStore, ruleStore = store, store, store, store
	} else {
		store := memory.New()
		userStore, rbacStore, sessStore, ruleStore = store, store, store, store
		log.Println("no KREPOST_PG_DSN set, using in-memory store")
	}

	ctx := context.Background()

	tokens, err := token.NewService([]byte(cfg.TokenSigningKey), token.WithIssuer(cfg.TokenIssuer))
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	sessions, err := session.NewService(sessStore,
		session.WithMaxPerSubject(cfg.MaxSessions),
		session.WithSessionTTL(cfg.SessionTTL),
		session.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("session service: %v", err)
	}
	perms, err := authz.NewService(rbacStore)
	if err != nil {
		log.Fatalf("authz service: %v", err)
	}
	if err := perms.EnsureBuiltins(ctx); err != nil {
		log.Fatalf("ensure builtins: %v", err)
	}
	registry, err := endpoint.NewRegistry(ctx, ruleStore)
	if err != nil {
		log.Fatalf("endpoint registry: %v", err)
	}

	events := stream.New()
	auth, err := authn.NewService(userStore, sessions, tokens, perms,
		authn.WithLockoutThreshold(cfg.LockoutThreshold),
		authn.WithAccessTTL(cfg.AccessTTL),
		authn.WithRefreshTTL(cfg.RefreshTTL),
		authn.WithEventHook(func(kind, subjectID, sessionID string, detail map[string]any) {
			events.Publish(stream.Event{
				Type:      kind,
				SubjectID: subjectID,
				SessionID: sessionID,
				Detail:    detail,
			})
		}),
	)
	if err != nil {
		log.Fatalf("authn service: %v", err)
	}

	api := httpapi.New(httpapi.Config{
		Auth:          auth,
		Perms:         perms,
		Sessions:      sessions,
		Tokens:        tokens,
		Registry:      registry,
		Events:        events,
		Ready:         httpapi.ReadyProbe{DB: db},
		Version:       version,
		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSecond,
	})

	// Background sweep of expired sessions.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n, err := sessions.SweepExpired(sweepCtx); err != nil {
					log.Printf("session sweep: %v", err)
				} else if n > 0 {
					log.Printf("session sweep removed %d rows", n)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: /v1/events holds the connection open.
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("Starting krepost-api %s on %s", version, srv.Addr)

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
