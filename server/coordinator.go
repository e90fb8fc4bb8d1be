// Package server wires the coordinator's session handshake, transport hub,
// batch store and scheduler together: it is the glue between the wire
// protocol in transport and the domain logic in session/batch/scheduler.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	upcrypto "github.com/videoswarm/upswarm/crypto"

	"github.com/videoswarm/upswarm/batch"
	"github.com/videoswarm/upswarm/log"
	"github.com/videoswarm/upswarm/scheduler"
	"github.com/videoswarm/upswarm/session"
	"github.com/videoswarm/upswarm/transport"
	"github.com/videoswarm/upswarm/workerexec"
)

// Coordinator owns the inbound message loop that turns validated wire
// envelopes into session/batch-store mutations, and turns scheduler
// assignment decisions into outbound wire messages.
type Coordinator struct {
	store      *batch.Store
	session    *session.Manager
	hub        *transport.Hub
	sched      *scheduler.Scheduler
	defaultCfg workerexec.BatchConfig
}

func NewCoordinator(store *batch.Store, sessionMgr *session.Manager, hub *transport.Hub, sched *scheduler.Scheduler, defaultCfg workerexec.BatchConfig) *Coordinator {
	c := &Coordinator{store: store, session: sessionMgr, hub: hub, sched: sched, defaultCfg: defaultCfg}
	sched.WorkerDispatch = c.dispatchBatch
	return c
}

// Run drains the hub's inbound channel until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.hub.Inbound():
			if !ok {
				return nil
			}
			c.handle(msg)
		}
	}
}

func (c *Coordinator) handle(msg transport.InboundMessage) {
	switch msg.Envelope.Type {
	case transport.TypeClientHello:
		c.handleHello(msg)
	case transport.TypeBatchResult:
		c.handleBatchResult(msg)
	case transport.TypeHeartbeat:
		if err := c.store.TouchWorker(msg.WorkerID); err != nil {
			log.LogError(msg.WorkerID, "heartbeat for unknown worker", err)
		}
	case transport.TypeDisconnect:
		if err := c.store.SetWorkerStatus(msg.WorkerID, batch.WorkerDisconnected); err != nil {
			log.LogError(msg.WorkerID, "disconnect for unknown worker", err)
		}
	}
}

func (c *Coordinator) handleHello(msg transport.InboundMessage) {
	var hello transport.ClientHello
	if err := json.Unmarshal(msg.Envelope.Payload, &hello); err != nil {
		log.LogError(msg.WorkerID, "malformed client_hello", err)
		return
	}

	pub, err := upcrypto.DecodePublicKeyPEM(hello.PublicKey)
	if err != nil {
		log.LogError(hello.WorkerID, "decoding worker public key", err)
		_ = c.hub.Send(hello.WorkerID, transport.TypeServerHello, transport.ServerHello{Status: "rejected", Reason: "invalid public key"})
		return
	}

	resp, err := c.session.Handshake(session.HelloRequest{WorkerID: hello.WorkerID, PublicKey: pub})
	if err != nil {
		log.LogError(hello.WorkerID, "handshake failed", err)
		return
	}
	if !resp.Accepted {
		_ = c.hub.Send(hello.WorkerID, transport.TypeServerHello, transport.ServerHello{Status: "rejected", Reason: resp.Reason})
		return
	}

	c.store.RegisterWorker(hello.WorkerID, "", batch.WorkerCapabilities{
		GPUCount:             hello.Capabilities.GPUCount,
		GPUName:              hello.Capabilities.GPUName,
		MaxTileSize:          hello.Capabilities.MaxTileSize,
		MaxThreads:           hello.Capabilities.MaxThreads,
		SupportedModels:      hello.Capabilities.SupportedModels,
		MaxConcurrentBatches: hello.Capabilities.MaxConcurrentBatches,
	})

	_ = c.hub.Send(hello.WorkerID, transport.TypeServerHello, transport.ServerHello{
		Status:            "accepted",
		ServerPublicKey:   upcrypto.EncodePublicKeyPEM(resp.CoordinatorPubKey),
		SessionKeyWrapped: base64.StdEncoding.EncodeToString(resp.WrappedSessionKey),
	})
	log.Log(hello.WorkerID, "worker registered", "gpu", hello.Capabilities.GPUName)
	c.sched.Wake()
}

func (c *Coordinator) handleBatchResult(msg transport.InboundMessage) {
	var result transport.BatchResult
	if err := json.Unmarshal(msg.Envelope.Payload, &result); err != nil {
		log.LogError(msg.WorkerID, "malformed batch_result", err)
		return
	}

	switch result.Status {
	case "completed":
		if err := c.storeResultArchive(result); err != nil {
			log.LogError(result.BatchID, "storing result archive", err)
			_ = c.store.FailBatch(result.BatchID, msg.WorkerID, err)
			break
		}
		if err := c.store.CompleteBatch(result.BatchID, msg.WorkerID); err != nil {
			log.LogError(result.BatchID, "completing batch", err)
		}
	default:
		if err := c.store.FailBatch(result.BatchID, msg.WorkerID, fmt.Errorf("%s", result.ErrorMessage)); err != nil {
			log.LogError(result.BatchID, "failing batch", err)
		}
	}
	c.sched.Wake()
}

// storeResultArchive unseals the worker's returned frame archive and writes
// it over the batch's working directory, so assembly later finds the
// upscaled frames at the same path the batch was dispatched from.
func (c *Coordinator) storeResultArchive(result transport.BatchResult) error {
	b, ok := c.store.Batch(result.BatchID)
	if !ok {
		return fmt.Errorf("unknown batch %s", result.BatchID)
	}

	sealed, err := base64.StdEncoding.DecodeString(result.ResultData)
	if err != nil {
		return fmt.Errorf("decoding result payload: %w", err)
	}

	opened, err := c.session.Open(b.AssignedWorker, sealed)
	if err != nil {
		return fmt.Errorf("unsealing result payload: %w", err)
	}

	return workerexec.UnpackArchive(opened, b.Dir)
}

// dispatchBatch seals and sends a batch_assignment to workerID, called by
// the scheduler whenever it assigns or duplicates a batch.
func (c *Coordinator) dispatchBatch(workerID, batchID string, isDuplicate bool) {
	b, ok := c.store.Batch(batchID)
	if !ok {
		log.LogError(batchID, "dispatching unknown batch", fmt.Errorf("not found"))
		return
	}
	if err := c.store.StartBatch(batchID); err != nil {
		log.LogError(batchID, "starting batch", err)
		return
	}
	log.Log(batchID, "dispatching batch", "worker_id", workerID, "duplicate", isDuplicate)

	archive, err := packBatchArchive(b)
	if err != nil {
		log.LogError(batchID, "packing batch archive", err)
		return
	}

	sealed, err := c.session.Seal(workerID, archive)
	if err != nil {
		log.LogError(batchID, "sealing batch assignment", err)
		return
	}

	cfgJSON, err := json.Marshal(c.defaultCfg)
	if err != nil {
		log.LogError(batchID, "encoding batch config", err)
		return
	}

	assignment := transport.BatchAssignment{
		BatchID:       batchID,
		BatchData:     base64.StdEncoding.EncodeToString(sealed),
		BatchConfig:   cfgJSON,
		ExpectedFiles: len(b.Frames),
	}
	if err := c.hub.Send(workerID, transport.TypeBatchAssignment, assignment); err != nil {
		log.LogError(batchID, "sending batch assignment", err)
	}
}

func packBatchArchive(b *batch.Batch) ([]byte, error) {
	return workerexec.PackDir(b.Dir)
}
