package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/geoffjay/plantd/fleet/registry"
	"github.com/geoffjay/plantd/fleet/wire"
)

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// handleSignal decodes one broadcast or unicast pubsub message and
// dispatches it. An empty payload is a liveness probe and carries no
// signal; everything else is expected to decode as a Signal.
func (b *Broker) handleSignal(msg registry.Message) {
	if len(msg.Payload) == 0 {
		return
	}

	var sig wire.Signal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		b.log.WithError(err).Warn("failed to decode pubsub signal")
		return
	}

	switch sig.Sig {
	case wire.SigRecover:
		b.scheduleRecovery()

	case wire.SigSalvage:
		go b.handleSalvageSignal(sig.BrokerID)

	case wire.SigRestart:
		go b.handleRestartSignal()

	default:
		b.log.WithField("sig", sig.Sig).Debug("unknown pubsub signal")
	}
}

// scheduleRecovery marks the recovery loop dirty and starts it if it isn't
// already running. Must be called on the command loop.
func (b *Broker) scheduleRecovery() {
	if b.recoveryRunning {
		b.recoveryDirty = true
		return
	}
	b.recoveryRunning = true
	go b.runRecoveryLoop()
}

// handleSalvageSignal runs the peer-triggered salvage path: it is
// idempotent against a target that is already being salvaged by someone
// else, since SalvageModePeer only proceeds if the record is already
// Invalid.
func (b *Broker) handleSalvageSignal(targetBrokerID string) {
	ctx, cancel := contextWithTimeout(b.cfg.RPCTimeout)
	defer cancel()

	if err := b.reg.Salvage(ctx, targetBrokerID, registry.SalvageModePeer); err != nil {
		b.log.WithError(err).WithField("targetBrokerId", targetBrokerID).Warn("peer salvage failed")
		return
	}
	b.scheduleRecoveryAsync()
}

// handleRestartSignal handles the restart signal: destroy without
// recovery, then start again at the same address.
func (b *Broker) handleRestartSignal() {
	ctx, cancel := contextWithTimeout(b.cfg.RPCTimeout)
	defer cancel()

	if err := b.Destroy(ctx, false); err != nil {
		b.log.WithError(err).Warn("restart-triggered destroy failed")
		return
	}

	if err := b.Start(context.Background(), b.startAddr); err != nil {
		b.log.WithError(err).Warn("restart-triggered start failed")
	}
}

// runRecoveryLoop repeatedly drains fetchForRecovery in
// batches, reconstructing each recovered worker by racing an onCreateWorker
// RPC exactly as a fresh Create would, until the recovery set is empty. If
// another recover signal arrived while this run was in flight, one more
// pass runs before the loop considers itself idle.
func (b *Broker) runRecoveryLoop() {
	defer func() {
		b.do(func() {
			if b.recoveryDirty {
				b.recoveryDirty = false
				go b.runRecoveryLoop()
				return
			}
			b.recoveryRunning = false
		})
	}()

	for {
		ctx, cancel := contextWithTimeout(b.cfg.RPCTimeout)
		workers, remaining, err := b.reg.FetchForRecovery(ctx, b.registryNow(), b.cfg.TTL.Milliseconds(), b.cfg.BatchReadSize)
		cancel()
		if err != nil {
			b.log.WithError(err).Warn("fetchForRecovery failed")
			return
		}

		for _, rw := range workers {
			if err := b.recoverWorker(rw); err != nil {
				b.log.WithError(err).WithField("workerId", rw.ID).Warn("worker recovery failed")
			}
		}

		if remaining == 0 && len(workers) == 0 {
			return
		}
	}
}

// recoverWorker reconstructs a single recovered worker via Create's same
// pickBroker/onCreateWorker path, tagging the request CauseRecovery.
// fetchForRecovery reports only id/name/attributes, so a recovered worker
// is re-stamped with the current registry time rather than its original
// creation instant.
func (b *Broker) recoverWorker(rw registry.RecoveredWorker) error {
	class, ok := b.classes.Lookup(rw.Name)
	if !ok {
		b.log.WithField("className", rw.Name).Warn("no registered class for recovered worker")
		return nil
	}

	cluster := class.Cluster
	if cluster == "" {
		cluster = b.cfg.ClusterName
	}

	ctx, cancel := contextWithTimeout(b.cfg.RPCTimeout)
	defer cancel()

	brokerID, addr, found, err := b.reg.PickBroker(ctx, cluster)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	req := wire.CreateWorkerRequest{
		Name:       rw.Name,
		ID:         rw.ID,
		Attributes: rw.Attributes,
		Static:     class.Static,
		Cause:      wire.CauseRecovery,
	}

	_, err = b.requestCreateWorker(ctx, brokerID, addr, req)
	return err
}

// scheduleRecoveryAsync is scheduleRecovery's command-loop-posting variant,
// for callers running outside run().
func (b *Broker) scheduleRecoveryAsync() {
	b.do(func() { b.scheduleRecovery() })
}
