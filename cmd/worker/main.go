package main

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	upcrypto "github.com/videoswarm/upswarm/crypto"

	"github.com/videoswarm/upswarm/config"
	"github.com/videoswarm/upswarm/log"
	"github.com/videoswarm/upswarm/session"
	"github.com/videoswarm/upswarm/telemetry"
	"github.com/videoswarm/upswarm/transport"
	"github.com/videoswarm/upswarm/workerexec"
)

func main() {
	if err := flag.Set("logtostderr", "true"); err != nil {
		glog.Fatal(err)
	}

	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	cli := config.Cli{}

	fs.StringVar(&cli.CoordinatorURL, "coordinator-url", "", "WebSocket URL of the coordinator's worker listener")
	fs.StringVar(&cli.WorkerID, "worker-id", "", "stable identifier for this worker (generated if empty)")
	fs.StringVar(&cli.WorkerAddress, "worker-addr", "", "address advertised to the coordinator for diagnostics")
	fs.StringVar(&cli.ScratchDir, "scratch-dir", "/tmp/upswarm-worker", "scratch directory for batch input/output")
	fs.StringVar(&cli.UpscalerPath, "upscaler-path", "realesrgan-ncnn-vulkan", "path to the external upscaler binary")
	fs.IntVar(&cli.RSAKeyBits, "rsa-key-bits", config.DefaultRSAKeyBits, "RSA key size for this worker's handshake keypair")
	fs.DurationVar(&cli.HeartbeatInterval, "heartbeat-interval", config.DefaultHeartbeatInterval, "interval between heartbeats sent to the coordinator")
	fs.DurationVar(&cli.ChildProcessCeiling, "child-process-ceiling", config.DefaultChildProcessCeiling, "maximum time the upscaler may run on one batch")
	fs.StringVar(&cli.DefaultModel, "default-model", "realesrgan-x4plus", "upscaler model this worker advertises support for")
	fs.IntVar(&cli.DefaultTileSize, "max-tile-size", 256, "largest tile size this worker supports")
	fs.IntVar(&cli.DefaultThreads, "max-threads", 4, "largest thread count this worker supports")
	fs.IntVar(&cli.DefaultGPU, "gpu-count", 1, "number of GPUs available to this worker")
	fs.StringVar(&cli.OTLPEndpoint, "otlp-endpoint", "", "OpenTelemetry collector endpoint (disabled if empty)")
	_ = fs.String("config", "", "config file (optional)")

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("UPSWARM"),
	); err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}
	if cli.CoordinatorURL == "" {
		glog.Fatal("coordinator-url is required")
	}
	if cli.WorkerID == "" {
		cli.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
	}
	if err := os.MkdirAll(cli.ScratchDir, 0o755); err != nil {
		glog.Fatalf("creating scratch dir: %s", err)
	}

	group, ctx := errgroup.WithContext(context.Background())

	shutdownTelemetry, err := telemetry.Init(ctx, "worker", cli.OTLPEndpoint)
	if err != nil {
		glog.Fatalf("initializing telemetry: %s", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			glog.Errorf("telemetry shutdown: %s", err)
		}
	}()

	priv, err := upcrypto.GenerateKeyPair(cli.RSAKeyBits)
	if err != nil {
		glog.Fatalf("generating worker keypair: %s", err)
	}

	client, err := transport.Dial(cli.CoordinatorURL)
	if err != nil {
		glog.Fatalf("dialing coordinator: %s", err)
	}

	w := &workerLoop{
		cli:    cli,
		priv:   priv,
		client: client,
	}

	if err := w.sendHello(); err != nil {
		glog.Fatalf("sending client_hello: %s", err)
	}

	group.Go(func() error {
		return w.run(ctx)
	})

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		<-ctx.Done()
		return client.Close()
	})

	err = group.Wait()
	glog.Infof("shutdown complete, reason: %s", err)
}

type workerLoop struct {
	cli        config.Cli
	priv       *rsa.PrivateKey
	client     *transport.WorkerClient
	sessionKey []byte
}

func (w *workerLoop) sendHello() error {
	caps := transport.Capabilities{
		GPUCount:             w.cli.DefaultGPU,
		GPUName:              "",
		MaxTileSize:          w.cli.DefaultTileSize,
		MaxThreads:           w.cli.DefaultThreads,
		SupportedModels:      []string{w.cli.DefaultModel},
		MaxConcurrentBatches: 1,
	}
	hello := transport.ClientHello{
		WorkerID:     w.cli.WorkerID,
		PublicKey:    upcrypto.EncodePublicKeyPEM(&w.priv.PublicKey),
		Capabilities: caps,
		Version:      "1",
	}
	return w.client.Send(w.cli.WorkerID, transport.TypeClientHello, hello)
}

// run drains coordinator messages until ctx is cancelled: server_hello
// establishes the session key, batch_assignment drives one processing
// cycle at a time, and a ticking heartbeat keeps the session alive.
func (w *workerLoop) run(ctx context.Context) error {
	heartbeat := time.NewTicker(w.cli.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if w.sessionKey == nil {
				continue
			}
			if err := w.client.Send(w.cli.WorkerID, transport.TypeHeartbeat, transport.Heartbeat{Status: "idle"}); err != nil {
				log.LogError(w.cli.WorkerID, "sending heartbeat", err)
			}
		case env, ok := <-w.client.Inbound():
			if !ok {
				return fmt.Errorf("coordinator connection closed")
			}
			w.handle(ctx, env)
		}
	}
}

func (w *workerLoop) handle(ctx context.Context, env transport.Envelope) {
	switch env.Type {
	case transport.TypeServerHello:
		w.handleServerHello(env)
	case transport.TypeBatchAssignment:
		w.handleBatchAssignment(ctx, env)
	case transport.TypeDisconnect:
		log.LogNoRequestID("coordinator requested disconnect", "worker_id", w.cli.WorkerID)
	}
}

func (w *workerLoop) handleServerHello(env transport.Envelope) {
	var hello transport.ServerHello
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		log.LogError(w.cli.WorkerID, "malformed server_hello", err)
		return
	}
	if hello.Status != "accepted" {
		glog.Fatalf("coordinator rejected handshake: %s", hello.Reason)
	}

	wrapped, err := base64.StdEncoding.DecodeString(hello.SessionKeyWrapped)
	if err != nil {
		log.LogError(w.cli.WorkerID, "decoding wrapped session key", err)
		return
	}
	key, err := upcrypto.UnwrapSessionKey(w.priv, wrapped)
	if err != nil {
		log.LogError(w.cli.WorkerID, "unwrapping session key", err)
		return
	}
	w.sessionKey = key
	log.Log(w.cli.WorkerID, "session established with coordinator")
}

func (w *workerLoop) handleBatchAssignment(ctx context.Context, env transport.Envelope) {
	var assignment transport.BatchAssignment
	if err := json.Unmarshal(env.Payload, &assignment); err != nil {
		log.LogError(w.cli.WorkerID, "malformed batch_assignment", err)
		return
	}
	if w.sessionKey == nil {
		log.LogError(assignment.BatchID, "batch_assignment before handshake completed", nil)
		return
	}

	var cfg workerexec.BatchConfig
	if len(assignment.BatchConfig) > 0 {
		if err := json.Unmarshal(assignment.BatchConfig, &cfg); err != nil {
			log.LogError(assignment.BatchID, "malformed batch config", err)
		}
	}

	sealed, err := base64.StdEncoding.DecodeString(assignment.BatchData)
	if err != nil {
		log.LogError(assignment.BatchID, "decoding batch payload", err)
		return
	}
	archive, err := session.OpenWithKey(w.sessionKey, w.cli.WorkerID, sealed)
	if err != nil {
		log.LogError(assignment.BatchID, "opening batch payload", err)
		w.reportFailure(assignment.BatchID, err)
		return
	}

	result, err := workerexec.Process(ctx, w.cli.UpscalerPath, w.cli.ScratchDir, workerexec.BatchPayload{
		BatchID:       assignment.BatchID,
		Archive:       archive,
		ExpectedFiles: assignment.ExpectedFiles,
		Config:        cfg,
	}, w.cli.ChildProcessCeiling)
	if err != nil {
		log.LogError(assignment.BatchID, "processing batch", err)
		w.reportFailure(assignment.BatchID, err)
		return
	}

	sealedResult, err := session.SealWithKey(w.sessionKey, w.cli.WorkerID, result.Archive)
	if err != nil {
		log.LogError(assignment.BatchID, "sealing batch result", err)
		return
	}

	resultMsg := transport.BatchResult{
		BatchID:    assignment.BatchID,
		Status:     "completed",
		ResultData: base64.StdEncoding.EncodeToString(sealedResult),
	}
	if err := w.client.Send(w.cli.WorkerID, transport.TypeBatchResult, resultMsg); err != nil {
		log.LogError(assignment.BatchID, "sending batch result", err)
	}
}

func (w *workerLoop) reportFailure(batchID string, cause error) {
	resultMsg := transport.BatchResult{BatchID: batchID, Status: "failed", ErrorMessage: cause.Error()}
	if err := w.client.Send(w.cli.WorkerID, transport.TypeBatchResult, resultMsg); err != nil {
		log.LogError(batchID, "sending failure result", err)
	}
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
