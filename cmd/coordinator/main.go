package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/videoswarm/upswarm/api"
	"github.com/videoswarm/upswarm/batch"
	"github.com/videoswarm/upswarm/config"
	"github.com/videoswarm/upswarm/ingest"
	"github.com/videoswarm/upswarm/ledger"
	"github.com/videoswarm/upswarm/metrics"
	"github.com/videoswarm/upswarm/scheduler"
	"github.com/videoswarm/upswarm/server"
	"github.com/videoswarm/upswarm/session"
	"github.com/videoswarm/upswarm/telemetry"
	"github.com/videoswarm/upswarm/transport"
	"github.com/videoswarm/upswarm/workerexec"
)

func main() {
	if err := flag.Set("logtostderr", "true"); err != nil {
		glog.Fatal(err)
	}

	fs := flag.NewFlagSet("coordinator", flag.ExitOnError)
	cli := config.Cli{}

	fs.StringVar(&cli.HTTPAddress, "http-addr", "0.0.0.0:8935", "address to bind the worker-facing WebSocket listener")
	fs.StringVar(&cli.AdminAddress, "admin-addr", "127.0.0.1:8936", "address to bind the admin HTTP API")
	fs.StringVar(&cli.AdminAPIToken, "admin-api-token", "", "bearer token required on the admin API")
	fs.StringVar(&cli.PromAddress, "prom-addr", "127.0.0.1:8937", "address to bind the Prometheus metrics endpoint")
	fs.StringVar(&cli.WorkDir, "work-dir", "/tmp/upswarm", "scratch directory for extracted frames and job state")

	fs.IntVar(&cli.BatchFrameSize, "batch-frame-size", config.DefaultBatchFrameSize, "target number of frames per batch")
	fs.IntVar(&cli.MaxRetries, "max-retries", config.DefaultMaxRetries, "number of failed or timed-out attempts after which a batch is terminally failed")
	fs.IntVar(&cli.DuplicateThreshold, "duplicate-threshold", config.DefaultDuplicateThreshold, "pending-queue length below which idle workers get duplicate work")
	fs.DurationVar(&cli.AssignmentInterval, "assignment-interval", config.DefaultAssignmentInterval, "how often the scheduler attempts to assign pending batches")
	fs.DurationVar(&cli.TimeoutLoopInterval, "timeout-loop-interval", config.DefaultTimeoutLoopInterval, "how often the scheduler checks for stalled batches")
	fs.DurationVar(&cli.BatchTimeout, "batch-timeout", config.DefaultBatchTimeout, "how long a batch may run before it is requeued")
	fs.DurationVar(&cli.HeartbeatInterval, "heartbeat-interval", config.DefaultHeartbeatInterval, "expected interval between worker heartbeats")
	fs.DurationVar(&cli.HeartbeatTimeout, "heartbeat-timeout", config.DefaultHeartbeatTimeout, "time since last heartbeat before a worker is disconnected")
	fs.DurationVar(&cli.WorkerBanDuration, "worker-ban-duration", config.DefaultWorkerBanDuration, "ban duration after consecutive batch failures (not applied: bans always last 10m)")

	fs.DurationVar(&cli.SessionExpiry, "session-expiry", config.DefaultSessionExpiry, "worker session lifetime (not applied: sessions always last 24h)")
	fs.DurationVar(&cli.NonceWindow, "nonce-window", config.DefaultNonceWindow, "acceptable clock skew window for replay protection")
	fs.DurationVar(&cli.NonceSweepPeriod, "nonce-sweep-period", config.DefaultNonceSweepPeriod, "how often expired nonces are swept")
	fs.IntVar(&cli.MaxSessions, "max-sessions", config.DefaultMaxSessions, "maximum concurrent worker sessions")
	fs.IntVar(&cli.RSAKeyBits, "rsa-key-bits", config.DefaultRSAKeyBits, "RSA key size for the coordinator's session keypair")

	fs.StringVar(&cli.MediaToolPath, "media-tool-path", "ffmpeg", "path to the ffmpeg binary used for frame extraction and assembly")
	fs.Float64Var(&cli.MinOutputFraction, "min-output-fraction", config.DefaultMinOutputFraction, "minimum fraction of expected output frames to accept a batch")

	fs.StringVar(&cli.DefaultModel, "default-model", "realesrgan-x4plus", "upscaler model assigned to batches by default")
	fs.IntVar(&cli.DefaultScale, "default-scale", 4, "upscale factor assigned to batches by default")
	fs.IntVar(&cli.DefaultTileSize, "default-tile-size", 256, "tile size assigned to batches by default")
	fs.IntVar(&cli.DefaultThreads, "default-threads", 4, "thread count assigned to batches by default")
	fs.IntVar(&cli.DefaultGPU, "default-gpu", 0, "GPU index assigned to batches by default")

	fs.StringVar(&cli.OTLPEndpoint, "otlp-endpoint", "", "OpenTelemetry collector endpoint (disabled if empty)")
	fs.StringVar(&cli.RetentionDBConnectionString, "retention-db-connection-string", "", "connection string for the optional Postgres job audit ledger (disabled if empty)")
	fs.DurationVar(&cli.JobRetentionTTL, "job-retention-ttl", 0, "delete job ledger rows older than this; disabled if zero")
	_ = fs.String("config", "", "config file (optional)")

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("UPSWARM"),
	); err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		glog.Fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}
	if cli.AdminAPIToken == "" {
		glog.Fatal("admin-api-token is required")
	}

	if err := os.MkdirAll(cli.WorkDir, 0o755); err != nil {
		glog.Fatalf("creating work dir: %s", err)
	}

	group, ctx := errgroup.WithContext(context.Background())

	shutdownTelemetry, err := telemetry.Init(ctx, "coordinator", cli.OTLPEndpoint)
	if err != nil {
		glog.Fatalf("initializing telemetry: %s", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			glog.Errorf("telemetry shutdown: %s", err)
		}
	}()

	jobLedger, err := ledger.Open(cli.RetentionDBConnectionString)
	if err != nil {
		glog.Fatalf("opening job ledger: %s", err)
	}
	defer func() {
		if err := jobLedger.Close(); err != nil {
			glog.Errorf("closing job ledger: %s", err)
		}
	}()

	store := batch.NewStore()

	sessionMgr, err := session.NewManager(cli.RSAKeyBits, cli.MaxSessions, cli.NonceWindow, cli.NonceSweepPeriod)
	if err != nil {
		glog.Fatalf("initializing session manager: %s", err)
	}

	hub := transport.NewHub()
	group.Go(func() error {
		hub.Run()
		return nil
	})

	sched := scheduler.New(store, scheduler.Config{
		DuplicateThreshold:  cli.DuplicateThreshold,
		AssignmentInterval:  cli.AssignmentInterval,
		TimeoutLoopInterval: cli.TimeoutLoopInterval,
		BatchTimeout:        cli.BatchTimeout,
		HeartbeatTimeout:    cli.HeartbeatTimeout,
		AssignmentBurst:     cli.MaxSessions,
		MediaToolPath:       cli.MediaToolPath,
	})
	sched.EventObserver = metrics.NewCollector(metrics.Metrics).Observe
	sched.SetLedger(jobLedger)

	coord := server.NewCoordinator(store, sessionMgr, hub, sched, workerexec.BatchConfig{
		Model:             cli.DefaultModel,
		Scale:             cli.DefaultScale,
		TileSize:          cli.DefaultTileSize,
		Threads:           cli.DefaultThreads,
		GPU:               cli.DefaultGPU,
		MinOutputFraction: cli.MinOutputFraction,
	})

	group.Go(func() error {
		return sched.Run(ctx)
	})

	group.Go(func() error {
		return coord.Run(ctx)
	})

	workerMux := http.NewServeMux()
	workerMux.HandleFunc("/worker", func(w http.ResponseWriter, r *http.Request) {
		if err := hub.ServeWorkerConn(w, r); err != nil {
			glog.Errorf("worker connection failed: %s", err)
		}
	})
	workerSrv := &http.Server{Addr: cli.HTTPAddress, Handler: workerMux}
	group.Go(func() error {
		glog.Infof("worker listener on %s", cli.HTTPAddress)
		if err := workerSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("worker listener: %w", err)
		}
		return nil
	})

	orchestrator := ingest.New(store, sched, ingest.Config{
		MediaToolPath:  cli.MediaToolPath,
		WorkDir:        cli.WorkDir,
		BatchFrameSize: cli.BatchFrameSize,
		MaxRetries:     cli.MaxRetries,
	})

	adminHandler := api.NewHandler(store, orchestrator)
	adminSrv := &http.Server{Addr: cli.AdminAddress, Handler: adminHandler.Router(cli.AdminAPIToken)}
	group.Go(func() error {
		glog.Infof("admin API listener on %s", cli.AdminAddress)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin listener: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		glog.Infof("metrics listener on %s", cli.PromAddress)
		if err := metrics.ListenAndServe(cli.PromAddress); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return jobLedger.PruneLoop(ctx, cli.JobRetentionTTL, time.Hour)
	})

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = workerSrv.Shutdown(shutdownCtx)
		_ = adminSrv.Shutdown(shutdownCtx)
		hub.Close()
		return nil
	})

	err = group.Wait()
	glog.Infof("shutdown complete, reason: %s", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			glog.Errorf("caught signal=%v, attempting clean shutdown", s)
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}
