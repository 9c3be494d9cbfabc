package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
	"authgate.org/internal/config"
	"authgate.org/internal/credential"
	"authgate.org/internal/httpapi"
	"authgate.org/internal/kv"
	"authgate.org/internal/obs"
	"authgate.org/internal/policy"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configFile := flag.String("config", os.Getenv("AUTHGW_CONFIG"), "Path to a YAML config file")
	envFile := flag.String("env-file", "", "Path to a .env file")
	flag.Parse()

	var opts []config.Option
	if *configFile != "" {
		opts = append(opts, config.WithConfigFile(*configFile))
	}
	if *envFile != "" {
		opts = append(opts, config.WithEnvFile(*envFile))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("load config")
	}

	obs.Configure(cfg.Log.Level, cfg.Log.Format)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Component("authgw")

	if err := run(cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("authgw stopped")
	}
	log.Info().Msg("stopped")
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kv.Open(ctx, cfg.KV())
	if err != nil {
		return err
	}
	defer store.Close()

	sink, db, err := auditSink(ctx, cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	verifier := credential.NewVerifier(
		credential.NewArgon2(credential.Argon2Params{
			Memory:     cfg.Auth.HashMemoryKiB,
			Iterations: cfg.Auth.HashIterations,
		}),
		credential.NewTOTP(cfg.Auth.Issuer),
		*obs.Component("credential"),
	)
	gw, err := auth.NewGateway(auth.Config{
		Secret:                cfg.Auth.Secret,
		Issuer:                cfg.Auth.Issuer,
		AccessTTL:             cfg.Auth.AccessTTL,
		RefreshTTL:            cfg.Auth.RefreshTTL,
		RevocationFallbackTTL: cfg.Auth.RevocationFallbackTTL,
		SuperPermission:       cfg.Auth.SuperPermission,
		SessionSweepInterval:  cfg.Cleanup.SessionInterval,
		RevocationSweep:       cfg.Cleanup.RevocationInterval,
	}, store,
		auth.WithLogger(*obs.Component("gateway")),
		auth.WithAuditSink(sink),
		auth.WithVerifier(verifier),
		auth.WithPolicyEngine(policy.NewEngine(
			policy.WithLocation(loc),
			policy.WithLogger(*obs.Component("policy")),
		)),
	)
	if err != nil {
		return err
	}
	defer gw.Close()

	if cfg.Bootstrap.Enabled() {
		if err := bootstrapAdmin(ctx, gw, cfg.Bootstrap); err != nil {
			return err
		}
		log.Info().Str("tenant_id", cfg.Bootstrap.TenantID).Str("username", cfg.Bootstrap.Username).Msg("bootstrap administrator created")
	}

	gw.StartCleanup(ctx)

	probe := httpapi.ReadyProbe{Store: gw}
	api := httpapi.New(gw,
		httpapi.WithReadyProbe(probe),
		httpapi.WithVersion(version),
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSec),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 2)
	var (
		wg sync.WaitGroup
		gs *grpc.Server
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		hs := httpapi.NewHealthServer(probe)
		gs = httpapi.NewGRPCServer(hs, *obs.Component("grpc"))

		wg.Add(2)
		go func() {
			defer wg.Done()
			hs.Run(ctx, 5*time.Second)
		}()
		go func() {
			defer wg.Done()
			log.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc listening")
			if err := gs.Serve(lis); err != nil {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errc:
		log.Error().Err(err).Msg("server failed")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if gs != nil {
		gs.GracefulStop()
	}
	wg.Wait()
	return nil
}

// auditSink always logs audit events and additionally stores them in
// Postgres when audit.dsn is set.
func auditSink(ctx context.Context, cfg config.Config, log zerolog.Logger) (audit.Sink, *sql.DB, error) {
	logSink := audit.NewLogSink(*obs.Component("audit"))
	if cfg.Audit.DSN == "" {
		return logSink, nil, nil
	}
	db, err := audit.OpenPG(ctx, cfg.Audit.DSN)
	if err != nil {
		return nil, nil, err
	}
	pg, err := audit.NewPGSink(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	log.Info().Msg("audit events stored in postgres")
	return audit.Multi{logSink, pg}, db, nil
}

func bootstrapAdmin(ctx context.Context, gw *auth.Gateway, b config.BootstrapConfig) error {
	_, err := gw.CreateUser(ctx, auth.UserInput{
		TenantID: b.TenantID,
		Username: b.Username,
		Password: b.Password,
		Roles:    []string{auth.RoleSuperAdmin},
	})
	return err
}
