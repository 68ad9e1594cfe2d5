package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"yaud.dev/internal/auth"
	"yaud.dev/internal/config"
	"yaud.dev/internal/httpapi"
	"yaud.dev/internal/migrate"
	"yaud.dev/internal/notify"
	"yaud.dev/internal/obs"
	"yaud.dev/internal/store/memory"
	"yaud.dev/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what the service needs from a storage implementation.
type backend interface {
	auth.Store
	notify.Queue
}

func main() {
	configPath := flag.String("config", os.Getenv("YAUD_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store backend
		ready httpapi.ReadyProbe
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		if cfg.Database.AutoMigrate {
			applied, err := migrate.NewManager(pgStore.DB(), migrate.Files()).Up(ctx)
			if err != nil {
				log.Fatalf("migrate: %v", err)
			}
			for _, name := range applied {
				obs.Info("migration applied", map[string]any{"name": name})
			}
		}
		store = pgStore
		ready = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		obs.Info("no database configured, using in-memory store", nil)
		store = memory.New()
	}

	svc, err := auth.NewService(store,
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithKDFParams(cfg.Auth.KDF),
		auth.WithTOTPIssuer(cfg.Auth.TOTPIssuer),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	created, err := svc.Bootstrap(ctx)
	if err != nil {
		log.Fatalf("bootstrap permissions: %v", err)
	}
	if len(created) > 0 {
		obs.Info("permissions bootstrapped", map[string]any{"created": created})
	}
	if cfg.Auth.AdminMail != "" {
		acct, err := svc.GrantAll(ctx, cfg.Auth.AdminMail)
		switch {
		case errors.Is(err, auth.ErrNotFound):
			obs.Info("admin account not registered yet", map[string]any{"mail": cfg.Auth.AdminMail})
		case err != nil:
			log.Fatalf("seed admin: %v", err)
		default:
			obs.Info("admin permissions granted", map[string]any{"account_id": acct.ID})
		}
	}

	api, err := httpapi.New(httpapi.Options{
		Auth:           svc,
		Mail:           store,
		Ready:          ready,
		Version:        version,
		CookieDomain:   cfg.Auth.CookieDomain,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	health := httpapi.NewHealthServer(ready)
	grpcSrv := httpapi.NewGRPCServer(health)
	go health.Run(ctx, 10*time.Second)

	var senders notify.Fanout
	if pm := notify.NewPostmark(cfg.Mail.PostmarkToken, cfg.Mail.From, notify.WithEndpoint(cfg.Mail.PostmarkEndpoint)); pm.Configured() {
		senders = append(senders, pm)
	}
	if hook := notify.NewWebhook(cfg.Mail.WebhookURL, cfg.Mail.WebhookSecret, nil); hook.Configured() {
		senders = append(senders, hook)
	}
	if len(senders) > 0 {
		dispatcher := notify.NewDispatcher(store, senders, cfg.Mail.BatchSize,
			notify.WithMaxAttempts(cfg.Mail.MaxAttempts),
			notify.WithClaimLease(cfg.Mail.ClaimLease),
		)
		go dispatcher.Run(ctx, cfg.Mail.DispatchInterval)
	} else {
		obs.Info("no mail sender configured, notifications stay queued", nil)
	}

	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				obs.Error("grpc server stopped", err, nil)
			}
		}()
	}

	go func() {
		obs.Info("starting yaud-api", map[string]any{"version": version, "addr": srv.Addr, "grpc_addr": cfg.GRPC.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	obs.Info("stopped", nil)
}
