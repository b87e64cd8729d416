package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/geoffjay/plantd/fleet/ferrors"
	"github.com/geoffjay/plantd/fleet/registry"
	"github.com/geoffjay/plantd/fleet/wire"
	"github.com/geoffjay/plantd/fleet/worker"
)

// CreateOptions carries the caller-supplied overrides for Broker.Create: an
// explicit worker id (overriding both the static and dynamic derivation
// rules) and an attribute bag merged with the class's own defaults (see
// mergeAttributes).
type CreateOptions struct {
	ID         string
	Attributes map[string]interface{}
}

// Create looks up the registered class, asks pickBroker
// for a live broker in its cluster, and routes an onCreateWorker RPC there.
// The winning broker constructs the instance; the Agent returned here
// always names that winner, which may not be the broker pickBroker named if
// a racing creator got there first.
func (b *Broker) Create(ctx context.Context, className string, opts CreateOptions) (*worker.Agent, error) {
	class, ok := b.classes.Lookup(className)
	if !ok {
		return nil, ferrors.New(ferrors.NotFound, fmt.Sprintf("no registered class %q", className), nil)
	}

	cluster := class.Cluster
	if cluster == "" {
		cluster = b.cfg.ClusterName
	}

	brokerID, addr, found, err := b.reg.PickBroker(ctx, cluster)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ferrors.New(ferrors.NotFound, fmt.Sprintf("no live broker in cluster %q", cluster), nil)
	}

	req := wire.CreateWorkerRequest{
		Name:       class.Name,
		ID:         opts.ID,
		Attributes: mergeAttributes(class, opts.Attributes),
		Static:     class.Static,
		Cause:      wire.CauseNew,
	}

	result, err := b.requestCreateWorker(ctx, brokerID, addr, req)
	if err != nil {
		return nil, err
	}

	return b.agentFor(result.Name, result.ID), nil
}

// mergeAttributes copies opts into a new map without mutating the caller's
// map, then sets "static" from the class (overriding any caller value) and
// fills "recoverable" from the class only when opts does not set it.
func mergeAttributes(class worker.Class, opts map[string]interface{}) map[string]interface{} {
	attrs := make(map[string]interface{}, len(opts)+2)
	for k, v := range opts {
		attrs[k] = v
	}
	attrs["static"] = class.Static
	if _, has := attrs["recoverable"]; !has {
		attrs["recoverable"] = class.Recoverable
	}
	return attrs
}

// requestCreateWorker dispatches the onCreateWorker RPC: in-process if
// brokerID is this broker, otherwise over the router to addr.
func (b *Broker) requestCreateWorker(ctx context.Context, brokerID, addr string, req wire.CreateWorkerRequest) (wire.CreateWorkerResult, error) {
	if brokerID == b.id {
		return b.handleCreateWorker(ctx, req)
	}

	raw, err := b.rpcRequest(ctx, addr, methodOnCreateWorker, "", req)
	if err != nil {
		return wire.CreateWorkerResult{}, err
	}

	var result wire.CreateWorkerResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return wire.CreateWorkerResult{}, ferrors.NewProtocol("decode onCreateWorker result", err)
	}
	return result, nil
}

// agentFor builds the Agent handle for a (name, workerId) pair, honoring a
// class's custom AgentFactory when one is registered.
func (b *Broker) agentFor(name, workerID string) *worker.Agent {
	if class, ok := b.classes.Lookup(name); ok {
		return class.BuildAgent(workerID, b)
	}
	return worker.NewAgent(workerID, b)
}

// handleCreateWorker is the onCreateWorker RPC handler run by whichever
// broker pickBroker named: it calls findOrCreate with itself as the
// candidate owner and, only if it actually wins the race, constructs and
// activates the worker instance before replying.
func (b *Broker) handleCreateWorker(ctx context.Context, req wire.CreateWorkerRequest) (wire.CreateWorkerResult, error) {
	class, ok := b.classes.Lookup(req.Name)
	if !ok {
		return wire.CreateWorkerResult{}, ferrors.New(ferrors.NotFound, fmt.Sprintf("no registered class %q", req.Name), nil)
	}

	attrs := req.Attributes
	if attrs == nil {
		attrs = map[string]interface{}{}
	}

	forRecovery := req.Cause == wire.CauseRecovery
	res, err := b.reg.FindOrCreate(ctx, b.id, req.Name, req.ID, attrs, b.registryNow(), b.cfg.TTL.Milliseconds(), forRecovery)
	if err != nil {
		return wire.CreateWorkerResult{}, err
	}
	if res.Code != 0 || !res.Found {
		return wire.CreateWorkerResult{}, ferrors.New(ferrors.RegistryFault, "findOrCreate returned an unexpected result for create mode", nil)
	}

	if res.BrokerID != b.id {
		// A racing creator on another broker (or a recovery re-attach)
		// already won; report the winner without constructing anything.
		return wire.CreateWorkerResult{BrokerID: res.BrokerID, Name: res.Name, ID: res.ID}, nil
	}

	w := b.constructLocalWorker(res.ID, req.Name, attrs, class)
	if w != nil && w.State() == worker.StateInactive {
		_ = w.Activate(req.Cause)
		if cause, pending := w.TakePendingDestroy(); pending {
			b.finishPendingDestroy(ctx, w, cause)
		}
	}

	return wire.CreateWorkerResult{BrokerID: b.id, Name: res.Name, ID: res.ID}, nil
}

// constructLocalWorker inserts a new worker instance into the table on the
// command loop. If the id was already present (a previous winning call
// already constructed it), it returns that existing instance unchanged.
func (b *Broker) constructLocalWorker(id, name string, attrs map[string]interface{}, class worker.Class) *worker.Worker {
	var w *worker.Worker
	b.do(func() {
		if existing, ok := b.workers[id]; ok {
			w = existing
			return
		}
		app := class.New(id, attrs)
		w = worker.New(id, name, attrs, b.id, app)
		b.workers[id] = w
	})
	b.markLoadDirty()
	return w
}

// finishPendingDestroy runs the delayed destroy a worker accumulated while
// it was still activating: invoke onDestroy, transition to
// destroyed, drop it from the table, and tell the registry, preserving
// recoverability per the worker's own attributes.
func (b *Broker) finishPendingDestroy(ctx context.Context, w *worker.Worker, cause wire.Cause) {
	if err := w.InvokeOnDestroy(cause); err != nil {
		b.log.WithError(err).WithField("workerId", w.ID()).Debug("onDestroy rejected, ignoring")
	}
	w.Destroyed()

	id := w.ID()
	b.do(func() { delete(b.workers, id) })
	b.markLoadDirty()

	mode := registry.DestroyModeDiscard
	if w.Recoverable() {
		mode = registry.DestroyModeRecoverable
	}
	if err := b.reg.DestroyWorker(ctx, b.id, id, mode); err != nil {
		b.log.WithError(err).WithField("workerId", id).Warn("destroyWorker failed for deferred destroy")
	}
}
