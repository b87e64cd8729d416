package broker

import (
	"context"
	"encoding/json"

	"github.com/geoffjay/plantd/fleet/ferrors"
	"github.com/geoffjay/plantd/fleet/futil"
	"github.com/geoffjay/plantd/fleet/wire"
	"github.com/geoffjay/plantd/fleet/worker"
)

// Ask is the request/response half of the worker messaging surface: resolve the owning
// broker via the address cache (falling back to findBroker), route the
// request in-process if the owner is this broker or over the router
// otherwise, and retry transient failures under the shared backoff driver,
// evicting the cache on every failed attempt so the next lookup goes back
// to findBroker.
func (b *Broker) Ask(ctx context.Context, workerID, method string, data interface{}) (interface{}, error) {
	if state := b.status.getState(); state != StateActive {
		return nil, ferrors.NewInvalidState("ask", string(state))
	}

	bo := futil.NewBackoff(b.cfg.RetryInitialInterval, b.cfg.RetryMaxInterval, b.cfg.RetryDuration)

	for {
		addr, err := b.ownerAddr(ctx, workerID)
		if err != nil {
			if !ferrors.IsRetryable(err) {
				return nil, err
			}
			if waitErr := b.awaitBackoff(ctx, bo); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		res, err := b.callWorkerAsk(ctx, addr, workerID, method, data)
		if err == nil {
			return res, nil
		}

		b.cache.Evict(workerID)
		if !ferrors.IsRetryable(err) {
			return nil, err
		}
		if waitErr := b.awaitBackoff(ctx, bo); waitErr != nil {
			return nil, waitErr
		}
	}
}

// Tell is the fire-and-forget half: same owner
// resolution and retry policy as Ask, but completes once the router has
// written the frame (or queued it while the connection is still opening)
// rather than waiting on a reply.
func (b *Broker) Tell(ctx context.Context, workerID, method string, data interface{}) error {
	if state := b.status.getState(); state != StateActive {
		return ferrors.NewInvalidState("tell", string(state))
	}

	bo := futil.NewBackoff(b.cfg.RetryInitialInterval, b.cfg.RetryMaxInterval, b.cfg.RetryDuration)

	for {
		addr, err := b.ownerAddr(ctx, workerID)
		if err != nil {
			if !ferrors.IsRetryable(err) {
				return err
			}
			if waitErr := b.awaitBackoff(ctx, bo); waitErr != nil {
				return waitErr
			}
			continue
		}

		err = b.callWorkerTell(addr, workerID, method, data)
		if err == nil {
			return nil
		}

		b.cache.Evict(workerID)
		if !ferrors.IsRetryable(err) {
			return err
		}
		if waitErr := b.awaitBackoff(ctx, bo); waitErr != nil {
			return waitErr
		}
	}
}

// ownerAddr resolves workerID's owning broker address, preferring the LRU
// cache and falling back to the findBroker script on a miss.
func (b *Broker) ownerAddr(ctx context.Context, workerID string) (string, error) {
	if addr, ok := b.cache.Get(workerID); ok {
		return addr, nil
	}

	res, err := b.reg.FindBroker(ctx, b.id, workerID)
	if err != nil {
		return "", err
	}

	switch res.Code {
	case 0:
		b.cache.Put(workerID, res.Addr)
		return res.Addr, nil
	case 1:
		return "", ferrors.NewNotFound(workerID, nil)
	case 2:
		return "", ferrors.NewUnreachable(res.BrokerID, "", nil)
	default:
		return "", ferrors.NewRegistryFault("findBroker returned an unexpected code", nil)
	}
}

// callWorkerAsk dispatches method/data to workerID at addr: in-process if
// addr is this broker's own, otherwise as an "ask" RPC over the router.
func (b *Broker) callWorkerAsk(ctx context.Context, addr, workerID, method string, data interface{}) (interface{}, error) {
	if addr == b.selfAddr {
		return b.dispatchLocalAsk(workerID, method, data)
	}

	raw, err := b.rpcRequest(ctx, addr, methodAsk, workerID, wire.AskRequest{Method: method, Data: data})
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		return nil, nil
	}
	var res interface{}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, ferrors.NewProtocol("decode ask result", err)
	}
	return res, nil
}

// callWorkerTell dispatches method/data to workerID at addr with no
// response expected.
func (b *Broker) callWorkerTell(addr, workerID, method string, data interface{}) error {
	if addr == b.selfAddr {
		w := b.getWorker(workerID)
		if w == nil {
			return ferrors.NewNotFound(workerID, nil)
		}
		w.Tell(method, data)
		return nil
	}

	env := wire.Envelope{M: methodTell, Wid: workerID, Pl: wire.AskRequest{Method: method, Data: data}}
	frame, err := json.Marshal(env)
	if err != nil {
		return ferrors.NewProtocol("encode tell request", err)
	}
	if err := b.rt.Request(addr, frame); err != nil {
		return ferrors.NewUnreachable("", addr, err)
	}
	return nil
}

// dispatchLocalAsk looks up a local worker and runs its OnAsk hook. A
// worker not yet past activation reports a Retry error so Ask's backoff
// driver absorbs the race instead of surfacing it to the caller; onCreate
// must complete before any onAsk runs.
func (b *Broker) dispatchLocalAsk(workerID, method string, data interface{}) (interface{}, error) {
	w := b.getWorker(workerID)
	if w == nil {
		return nil, ferrors.NewNotFound(workerID, nil)
	}
	if w.State() != worker.StateActive {
		return nil, ferrors.New(ferrors.Retry, "worker not yet active", nil)
	}
	return w.Ask(method, data)
}
