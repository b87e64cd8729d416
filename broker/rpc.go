package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/geoffjay/plantd/fleet/ferrors"
	"github.com/geoffjay/plantd/fleet/router"
	"github.com/geoffjay/plantd/fleet/wire"
	"github.com/geoffjay/plantd/fleet/worker"
)

// Wire method names carried in an Envelope's M field.
const (
	methodOnCreateWorker = "onCreateWorker"
	methodAsk            = "ask"
	methodTell           = "tell"
)

// handleRouterEvent runs on the command loop for every event the router
// produces: an inbound request is handed off to its own goroutine so a
// registry call or an application hook never blocks the loop; a response
// resolves (or is silently dropped for) a waiter; disconnects and log lines
// are just forwarded to the logger.
func (b *Broker) handleRouterEvent(ev router.Event) {
	switch ev.Kind {
	case router.EventRequest:
		var env wire.Envelope
		if err := json.Unmarshal(ev.Payload, &env); err != nil {
			b.log.WithError(err).Warn("failed to decode request envelope")
			return
		}
		go b.handleInboundRequest(ev.RequesterID, env)

	case router.EventResponse:
		var env wire.Envelope
		if err := json.Unmarshal(ev.Payload, &env); err != nil {
			b.log.WithError(err).Warn("failed to decode response envelope")
			return
		}
		w, ok := b.waiters[env.Seq]
		if !ok {
			return // already swept, or a response for a request we never made
		}
		delete(b.waiters, env.Seq)
		w.resolved = true

		payload, err := decodeResultOrError(env.Pl)
		select {
		case w.resultCh <- rpcResult{payload: payload, err: err}:
		default:
		}

	case router.EventDisconnect:
		b.log.WithField("remoteAddress", ev.RemoteAddress).Debug("peer connection closed")

	case router.EventLog:
		entry := b.log.WithField("source", "router")
		switch ev.Level {
		case router.LogLevelWarn:
			entry.Warn(ev.Message)
		case router.LogLevelError:
			entry.Error(ev.Message)
		default:
			entry.Debug(ev.Message)
		}
	}
}

// handleInboundRequest dispatches one decoded request envelope to the
// broker-to-broker onCreateWorker handler or to a local worker's ask/tell,
// running outside the command loop since both may suspend on a registry
// call or an application hook.
func (b *Broker) handleInboundRequest(requesterID int64, env wire.Envelope) {
	ctx := context.Background()

	switch env.M {
	case methodOnCreateWorker:
		var req wire.CreateWorkerRequest
		if err := decodeInto(env.Pl, &req); err != nil {
			b.respond(requesterID, env.Seq, nil, ferrors.NewProtocol("decode onCreateWorker request", err))
			return
		}
		res, err := b.handleCreateWorker(ctx, req)
		b.respond(requesterID, env.Seq, res, err)

	case methodAsk:
		var req wire.AskRequest
		if err := decodeInto(env.Pl, &req); err != nil {
			b.respond(requesterID, env.Seq, nil, ferrors.NewProtocol("decode ask request", err))
			return
		}
		res, err := b.dispatchLocalAsk(env.Wid, req.Method, req.Data)
		b.respond(requesterID, env.Seq, res, err)

	case methodTell:
		var req wire.AskRequest
		if err := decodeInto(env.Pl, &req); err != nil {
			b.log.WithError(err).Warn("failed to decode tell request")
			return
		}
		if w := b.getWorker(env.Wid); w != nil {
			w.Tell(req.Method, req.Data)
		}

	default:
		b.log.WithField("method", env.M).Debug("unknown request method")
	}
}

// respond encodes res/err as a response Envelope and writes it back to
// requesterID. A zero seq means the original request expected no response
// (tell, or a decode failure before a sequence number was even read).
func (b *Broker) respond(requesterID int64, seq int64, res interface{}, err error) {
	if seq == 0 {
		return
	}

	var env wire.Envelope
	if err != nil {
		env = wire.Envelope{Seq: seq, Pl: wire.ErrorPayload{Err: encodeErrorDetail(err)}}
	} else {
		env = wire.Envelope{Seq: seq, Pl: wire.ResultPayload{Res: res}}
	}

	frame, encErr := json.Marshal(env)
	if encErr != nil {
		b.log.WithError(encErr).Error("failed to encode response envelope")
		return
	}
	if werr := b.rt.Respond(requesterID, frame); werr != nil {
		b.log.WithError(werr).Warn("failed to write response")
	}
}

// rpcRequest sends method/payload to addr with Wid=wid (empty for
// broker-to-broker RPC), registers a waiter keyed by a fresh sequence
// number, and blocks until the periodic timer's sweep times it out, the
// response arrives, or ctx is cancelled. It never uses a per-call timer:
// the periodic 1s tick is the only thing that expires a waiter.
func (b *Broker) rpcRequest(ctx context.Context, addr, method, wid string, payload interface{}) (json.RawMessage, error) {
	// A destroyed broker's command loop no longer registers waiters and
	// its timer no longer sweeps them; refuse up front instead of queueing
	// a request nothing will ever answer.
	if state := b.status.getState(); state == StateDestroying || state == StateDestroyed {
		return nil, ferrors.NewInvalidState("rpc", string(state))
	}

	seq := b.seq.Next()
	if seq == 0 {
		// A zero sequence marks a tell on the wire; skip it.
		seq = b.seq.Next()
	}
	w := &waiter{seq: seq, created: time.Now(), resultCh: make(chan rpcResult, 1)}

	b.do(func() {
		b.waiters[seq] = w
		b.waiterQueue = append(b.waiterQueue, w)
	})

	env := wire.Envelope{M: method, Seq: seq, Wid: wid, Pl: payload}
	frame, err := json.Marshal(env)
	if err != nil {
		b.removeWaiter(seq)
		return nil, ferrors.NewProtocol("encode request envelope", err)
	}

	if err := b.rt.Request(addr, frame); err != nil {
		b.removeWaiter(seq)
		return nil, ferrors.NewUnreachable("", addr, err)
	}

	select {
	case res := <-w.resultCh:
		return res.payload, res.err
	case <-ctx.Done():
		b.removeWaiter(seq)
		return nil, ctx.Err()
	}
}

func (b *Broker) removeWaiter(seq int64) {
	b.do(func() { delete(b.waiters, seq) })
}

// sweepWaiters runs on the command loop as part of tick: anything in the
// time-ordered waiterQueue older than rpcTimeout and still unresolved fails
// with a Timeout error. The queue is ordered by creation since sequence
// numbers only increase, so the sweep can stop at the first entry still
// within its deadline.
func (b *Broker) sweepWaiters(now time.Time) {
	i := 0
	for ; i < len(b.waiterQueue); i++ {
		w := b.waiterQueue[i]
		if w.resolved {
			continue
		}
		if now.Sub(w.created) < b.cfg.RPCTimeout {
			break
		}

		delete(b.waiters, w.seq)
		w.resolved = true
		select {
		case w.resultCh <- rpcResult{err: ferrors.NewTimeout("rpc timed out", nil)}:
		default:
		}
	}
	if i > 0 {
		b.waiterQueue = b.waiterQueue[i:]
	}
}

func decodeInto(pl interface{}, target interface{}) error {
	raw, err := json.Marshal(pl)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

// decodeResultOrError splits a response envelope's Pl field into either a
// raw success payload or the error it encodes, following the wire protocol's
// {res}/{err:{name, message}} shapes.
func decodeResultOrError(pl interface{}) (json.RawMessage, error) {
	m, ok := pl.(map[string]interface{})
	if !ok {
		raw, _ := json.Marshal(pl)
		return raw, nil
	}

	if errRaw, has := m["err"]; has {
		raw, _ := json.Marshal(errRaw)
		var detail wire.ErrorDetail
		_ = json.Unmarshal(raw, &detail)
		return nil, decodeErrorDetail(detail)
	}

	if resRaw, has := m["res"]; has {
		raw, _ := json.Marshal(resRaw)
		return raw, nil
	}

	raw, _ := json.Marshal(pl)
	return raw, nil
}

// wireKinds maps the Kind names encodeErrorDetail writes for non-application
// errors back to their ferrors.Kind, so a fault that happened on the peer
// (NotFound, Unreachable, Retry, ...) is reconstructed with the same kind
// here rather than collapsing into a generic ApplicationError.
var wireKinds = map[string]ferrors.Kind{
	string(ferrors.NotFound):      ferrors.NotFound,
	string(ferrors.Unreachable):   ferrors.Unreachable,
	string(ferrors.Retry):         ferrors.Retry,
	string(ferrors.Timeout):       ferrors.Timeout,
	string(ferrors.InvalidState):  ferrors.InvalidState,
	string(ferrors.RegistryFault): ferrors.RegistryFault,
	string(ferrors.Protocol):      ferrors.Protocol,
}

func encodeErrorDetail(err error) wire.ErrorDetail {
	var fe *ferrors.Error
	if errors.As(err, &fe) {
		if fe.Kind == ferrors.ApplicationError {
			name, _ := fe.Context["name"].(string)
			return wire.ErrorDetail{Name: name, Message: fe.Message}
		}
		return wire.ErrorDetail{Name: string(fe.Kind), Message: fe.Message}
	}
	return wire.ErrorDetail{Name: string(ferrors.RegistryFault), Message: err.Error()}
}

func decodeErrorDetail(d wire.ErrorDetail) error {
	if kind, ok := wireKinds[d.Name]; ok {
		return ferrors.New(kind, d.Message, nil)
	}
	return ferrors.NewApplicationError(d.Name, d.Message)
}

// registryNow returns the broker's best estimate of the registry's current
// wall clock, applying the offset syncClock last measured.
func (b *Broker) registryNow() int64 {
	b.clockMu.Lock()
	offset := b.clockOffset
	b.clockMu.Unlock()
	return time.Now().Add(-offset).UnixMilli()
}

// getWorker returns the local worker instance for id, or nil, reading the
// worker table on the command loop.
func (b *Broker) getWorker(id string) *worker.Worker {
	var w *worker.Worker
	b.do(func() { w = b.workers[id] })
	return w
}
