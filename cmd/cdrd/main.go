// cdrd tails a call-detail record log, anchors every record on the ledger
// with its payload in IPFS, and serves the verification and billing API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/cdrledger/internal/api/handler"
	"github.com/jmerrifield20/cdrledger/internal/auth"
	"github.com/jmerrifield20/cdrledger/internal/backup"
	"github.com/jmerrifield20/cdrledger/internal/billing"
	"github.com/jmerrifield20/cdrledger/internal/config"
	"github.com/jmerrifield20/cdrledger/internal/health"
	"github.com/jmerrifield20/cdrledger/internal/ledger"
	"github.com/jmerrifield20/cdrledger/internal/mapping"
	"github.com/jmerrifield20/cdrledger/internal/notify"
	"github.com/jmerrifield20/cdrledger/internal/offchain"
	"github.com/jmerrifield20/cdrledger/internal/pipeline"
	"github.com/jmerrifield20/cdrledger/internal/tailer"
	"github.com/jmerrifield20/cdrledger/internal/verify"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	shutdownTimeout  = 15 * time.Second
	evictionInterval = time.Minute
	lineBuffer       = 256
)

func main() {
	configFile := pflag.StringP("config", "c", "", "config file (default: configs/cdrd.yaml or ./cdrd.yaml)")
	pflag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(*configFile, logger); err != nil {
		logger.Fatal("cdrd exited with error", zap.Error(err))
	}
}

func run(configFile string, logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if cfg.File == "" {
		logger.Warn("no config file found, using defaults and env vars")
	} else {
		logger.Info("config loaded", zap.String("file", cfg.File))
	}
	schema, err := cfg.Source.ResolveSchema()
	if err != nil {
		return err
	}
	if err := ensureDirs(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Local stores ─────────────────────────────────────────────────────────
	maps, err := mapping.Open(cfg.Storage.MappingFile, logger)
	if err != nil {
		return fmt.Errorf("open mapping store: %w", err)
	}
	logger.Info("mapping store ready", zap.String("file", maps.Path()), zap.Int("entries", maps.Len()))

	var bk pipeline.BackupLog
	if cfg.Storage.BackupFile != "" {
		log, err := backup.Open(cfg.Storage.BackupFile, logger)
		if err != nil {
			return fmt.Errorf("open backup: %w", err)
		}
		logger.Info("local backup ready", zap.String("file", log.Path()), zap.Int("entries", log.Len()))
		bk = log
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	led, ledgerAddr, pool, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}
	if err := led.Verify(ctx); err != nil {
		logger.Warn("ledger integrity check FAILED", zap.Error(err))
	} else {
		n, _ := led.Len(ctx)
		root, _ := led.Root(ctx)
		logger.Info("ledger verified",
			zap.String("address", ledgerAddr),
			zap.Int("entries", n),
			zap.String("root", root),
		)
	}

	// ── Off-chain store ──────────────────────────────────────────────────────
	store := offchain.NewIPFSStore(offchain.IPFSConfig{
		APIURL:     cfg.IPFS.APIURL,
		Gateways:   cfg.IPFS.Gateways,
		APITimeout: cfg.IPFS.APITimeout,
		GetTimeout: cfg.IPFS.GetTimeout,
	}, logger)

	// ── Notifications ────────────────────────────────────────────────────────
	notifier := notify.NewService(notify.Config{
		URLs:   cfg.Notify.URLs,
		Secret: cfg.Notify.Secret,
		Events: cfg.Notify.Events,
	}, logger)
	notifier.SetMetricsRecorder(handler.RecordNotification)
	defer notifier.Wait()

	// ── Pipeline, verifier, billing ──────────────────────────────────────────
	policy := cfg.Retry.Policy()
	policy.OnRetry = func(op string, attempt int, err error) {
		logger.Warn("retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	p := pipeline.New(pipeline.Config{Schema: schema, Retry: policy}, store, led, maps, bk, logger)
	p.SetResultRecorder(handler.RecordIngest)
	p.SetEventDispatch(notifier.Dispatch)

	verifier := verify.New(led, maps, store, logger)
	verifier.EnableCache(cfg.Verify.CacheTTL)
	verifier.SetMetricsRecord(handler.RecordVerification)
	verifier.SetEventDispatch(notifier.Dispatch)

	biller := billing.New(billing.Config{
		RatePerSecond: cfg.Billing.RatePerSecond,
		Decimals:      cfg.Billing.Decimals,
		Currency:      cfg.Billing.Currency,
	}, verifier)

	// ── Health ───────────────────────────────────────────────────────────────
	checker := health.New(probes(cfg, store, pool), health.Config{
		CheckInterval: cfg.Health.CheckInterval,
		ProbeTimeout:  cfg.Health.ProbeTimeout,
		FailThreshold: cfg.Health.FailThreshold,
	}, logger)
	checker.SetWebhookDispatch(notifier.Dispatch)
	checker.SetMetricsRecord(handler.RecordHealthCheck)

	grpcHealth := grpchealth.NewServer()
	checker.BindGRPC(grpcHealth)
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, grpcHealth)

	// ── Source tailer ────────────────────────────────────────────────────────
	tail, err := tailer.New(tailer.Config{
		Path:           cfg.Source.Path,
		CheckpointPath: cfg.Source.CheckpointFile,
		PollInterval:   cfg.Source.PollInterval,
		FromStart:      cfg.Source.FromStart,
	}, logger)
	if err != nil {
		return err
	}
	tail.SetRotationHook(func(ev tailer.RotationEvent) {
		handler.RecordRotation(ev.Reason)
		notifier.Dispatch(ctx, notify.EventSourceRotated, map[string]string{
			"path":            ev.Path,
			"reason":          ev.Reason,
			"previous_offset": strconv.FormatInt(ev.Previous.Offset, 10),
			"dropped_bytes":   strconv.Itoa(ev.Dropped),
		})
	})

	// ── HTTP API ─────────────────────────────────────────────────────────────
	tokens := auth.NewTokenIssuer(cfg.Auth.OperatorSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if !tokens.Enabled() {
		logger.Warn("auth.operator_secret is empty, POST /api/v1/restore is disabled")
	}

	router := newRouter(ctx, cfg.Server, checker, logger)
	v1 := router.Group("/api/v1")
	handler.NewCDRHandler(led, maps, verifier, biller, cfg.IPFS.Gateways, logger).Register(v1)
	handler.NewLedgerHandler(led, maps, ledgerAddr, logger).Register(v1)
	handler.NewRestoreHandler(p, tokens, logger).Register(v1)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen gRPC health: %w", err)
	}

	// ── Run ──────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	lines := make(chan tailer.Line, lineBuffer)

	g.Go(func() error {
		return ignoreCanceled(tail.Run(gctx, lines))
	})
	g.Go(func() error {
		return ignoreCanceled(p.Run(gctx, lines, tail.Commit))
	})
	g.Go(func() error {
		checker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		verifier.StartEviction(evictionInterval, gctx.Done())
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP API listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("gRPC health listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC serve: %w", err)
		}
		return nil
	})

	// ── Graceful shutdown ────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down cdrd...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", zap.Error(err))
		}
		grpcHealth.Shutdown()
		grpcSrv.GracefulStop()
		return nil
	})

	err = g.Wait()
	logger.Info("cdrd stopped")
	return err
}

// openLedger connects the configured backend. The pool is nil for the
// memory backend.
func openLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledger.Ledger, string, *pgxpool.Pool, error) {
	if cfg.Ledger.Backend == config.BackendMemory {
		logger.Warn("memory ledger selected, entries are lost on restart")
		return ledger.New(), config.BackendMemory, nil, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, "", nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, "", nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres")

	addr, deployed, err := ledger.LoadOrDeploy(ctx, cfg.Ledger.AddressFile,
		ledger.PostgresDeployer{Pool: pool, Label: cfg.Ledger.Label}, logger)
	if err != nil {
		pool.Close()
		return nil, "", nil, fmt.Errorf("load ledger address: %w", err)
	}
	led, err := ledger.NewPostgresLedger(ctx, pool, addr, logger)
	if err != nil {
		pool.Close()
		return nil, "", nil, err
	}
	logger.Info("ledger ready", zap.String("address", addr), zap.Bool("deployed", deployed))
	return led, addr, pool, nil
}

// probes lists the dependencies watched by the health checker.
func probes(cfg *config.Config, store *offchain.IPFSStore, pool *pgxpool.Pool) []health.Probe {
	list := []health.Probe{
		{Name: "ipfs", Check: store.Ping},
		{Name: "source", Check: func(context.Context) error {
			_, err := os.Stat(cfg.Source.Path)
			return err
		}},
	}
	if pool != nil {
		list = append(list, health.Probe{Name: "postgres", Check: pool.Ping})
	}
	for _, gw := range store.Gateways() {
		list = append(list, health.HTTPProbe("gateway "+gw, gw))
	}
	return list
}

// ensureDirs creates the parent directories of every local state file.
func ensureDirs(cfg *config.Config) error {
	for _, path := range []string{
		cfg.Storage.MappingFile,
		cfg.Storage.BackupFile,
		cfg.Source.CheckpointFile,
		cfg.Ledger.AddressFile,
	} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create state directory for %s: %w", path, err)
		}
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
