// Package broker implements the distributed control plane's peer process:
// lifecycle state machine, worker table, RPC correlation, load accounting,
// pubsub signal handling, and the cooperative recovery/salvage protocols.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/geoffjay/plantd/fleet/ferrors"
	"github.com/geoffjay/plantd/fleet/futil"
	"github.com/geoffjay/plantd/fleet/registry"
	"github.com/geoffjay/plantd/fleet/router"
	"github.com/geoffjay/plantd/fleet/wire"
	"github.com/geoffjay/plantd/fleet/worker"
)

// Broker is one peer in the fleet. Every state transition, worker table
// mutation, and RPC-correlation update happens inside run, its single
// serialized command loop; every other method only ever posts a closure
// to cmds and waits for it to execute there.
type Broker struct {
	id  string
	cfg Config

	reg    registry.Registry
	rt     *router.Router
	status status

	startAddr string
	selfAddr  string

	cmds chan func()
	stop chan struct{}
	done chan struct{}

	classes *worker.Registry
	workers map[string]*worker.Worker
	cache   *futil.AddressCache
	seq     *futil.Counter

	waiters     map[int64]*waiter
	waiterQueue []*waiter

	sub registry.Subscription

	totalLoad       int
	loadDirty       bool
	healthCountdown int

	clockMu       sync.Mutex
	lastClockSync time.Time
	clockOffset   time.Duration

	recoveryRunning bool
	recoveryDirty   bool

	log *log.Entry
}

type waiter struct {
	seq      int64
	created  time.Time
	resultCh chan rpcResult
	resolved bool
}

type rpcResult struct {
	payload json.RawMessage
	err     error
}

// New builds a Broker identified by id, backed by reg and communicating
// over rt. The broker does not join the cluster or start its timer until
// Start succeeds.
func New(id string, reg registry.Registry, rt *router.Router, cfg Config) *Broker {
	cfg = cfg.WithDefaults()
	cache, _ := futil.NewAddressCache(cfg.BrokerCacheMax, cfg.BrokerCacheMaxAge)

	b := &Broker{
		id:      id,
		cfg:     cfg,
		reg:     reg,
		rt:      rt,
		cmds:    make(chan func()),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		classes: worker.NewRegistry(),
		workers: map[string]*worker.Worker{},
		cache:   cache,
		seq:     futil.NewCounter(time.Now().UnixNano()),
		waiters: map[int64]*waiter{},
		log:     log.WithField("brokerId", id),
	}
	b.status.setState(StateInactive)
	return b
}

// RegisterClass adds a worker class under name (or class.Name if empty).
func (b *Broker) RegisterClass(name string, class worker.Class) {
	b.classes.Register(name, class)
}

// Start activates the broker: sync the registry clock, have the router listen on
// addr, subscribe to the broadcast and unicast channels, join the cluster,
// and start the periodic timer. On any failure the broker unwinds back to
// StateInactive.
func (b *Broker) Start(ctx context.Context, addr string) error {
	state := b.status.getState()
	if state != StateInactive && state != StateDestroyed {
		return ferrors.NewInvalidState("start", string(state))
	}

	if state == StateDestroyed {
		// A restart after destroy needs a fresh command loop: the old one
		// exited when Destroy closed b.stop, and every in-broker data
		// structure starts over exactly as New would build it.
		b.cmds = make(chan func())
		b.stop = make(chan struct{})
		b.done = make(chan struct{})
		b.workers = map[string]*worker.Worker{}
		b.waiters = map[int64]*waiter{}
		b.waiterQueue = nil
		b.recoveryRunning = false
		b.recoveryDirty = false
		b.totalLoad = 0
		b.loadDirty = false
	}

	if addr == "" {
		addr = b.cfg.Addr
	}

	b.status.setState(StateActivating)
	b.startAddr = addr

	if err := b.syncClock(ctx); err != nil {
		b.status.setState(StateInactive)
		return err
	}

	boundHost, port, err := b.rt.Listen(addr)
	if err != nil {
		b.status.setState(StateInactive)
		return err
	}
	if boundHost != addr {
		b.status.setState(StateInactive)
		return ferrors.NewUnreachable(b.id, boundHost,
			fmt.Errorf("listener bound to %q instead of requested %q", boundHost, addr))
	}
	selfAddr := fmt.Sprintf("%s:%d", addr, port)
	b.selfAddr = selfAddr

	sub, err := b.reg.Subscribe(ctx, b.cfg.ChPrefix+":*", b.cfg.ChPrefix+":"+b.id)
	if err != nil {
		b.status.setState(StateInactive)
		return err
	}
	b.sub = sub

	hashKey := futil.HashKey(b.id)
	if err := b.reg.Join(ctx, b.id, b.cfg.ChPrefix, 0, b.cfg.ClusterName, selfAddr, hashKey); err != nil {
		_ = b.sub.Close()
		b.status.setState(StateInactive)
		return err
	}

	b.healthCountdown = b.healthCheckTicks()
	b.status.setState(StateActive)

	go b.run()

	b.log.WithField("addr", selfAddr).Info("broker started")
	return nil
}

func (b *Broker) healthCheckTicks() int {
	if b.cfg.HealthCheckInterval <= 0 {
		return 0
	}
	ticks := int(b.cfg.HealthCheckInterval / time.Second)
	if ticks <= 0 {
		ticks = 1
	}
	return ticks
}

func (b *Broker) syncClock(ctx context.Context) error {
	secs, micros, err := b.reg.Time(ctx)
	if err != nil {
		return err
	}
	registryNow := time.Unix(secs, micros*1000)

	b.clockMu.Lock()
	b.clockOffset = time.Since(registryNow)
	b.lastClockSync = time.Now()
	b.clockMu.Unlock()
	return nil
}

// run is the broker's single serialized command loop: every posted
// closure, every router event, every pubsub message, and every tick
// executes here and only here.
func (b *Broker) run() {
	defer close(b.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	subCh := b.sub.Channel()

	for {
		select {
		case <-b.stop:
			return
		case fn := <-b.cmds:
			fn()
		case ev := <-b.rt.Events:
			b.handleRouterEvent(ev)
		case msg, ok := <-subCh:
			if !ok {
				subCh = nil // unsubscribed during destroy
				continue
			}
			b.handleSignal(msg)
		case <-ticker.C:
			b.tick()
		}
	}
}

// do posts fn to the command loop and blocks until it runs, unless the
// broker has already stopped.
func (b *Broker) do(fn func()) {
	done := make(chan struct{})
	select {
	case b.cmds <- func() { fn(); close(done) }:
		<-done
	case <-b.done:
	}
}

// Destroy tears the broker down: refuse while activating/destroying/
// destroyed, otherwise invoke onDestroy(SYSTEM) on every local worker,
// close the router, remove self from the registry's load/ring sets,
// unsubscribe, salvage per recoverable, cancel the timer, and clear the
// address cache.
func (b *Broker) Destroy(ctx context.Context, recoverable bool) error {
	var refused error
	var toDestroy []*worker.Worker

	// Once destroyed the command loop has exited and do would skip the
	// state check below, so refuse here first.
	if state := b.status.getState(); state == StateDestroying || state == StateDestroyed {
		return ferrors.NewInvalidState("destroy", string(state))
	}

	b.do(func() {
		switch b.status.getState() {
		case StateActivating, StateDestroying, StateDestroyed:
			refused = ferrors.NewInvalidState("destroy", string(b.status.getState()))
			return
		}
		b.status.setState(StateDestroying)

		for _, w := range b.workers {
			if w.RequestDestroy(wire.CauseSystem) {
				toDestroy = append(toDestroy, w)
			}
		}

		// Pending RPC waiters can never be answered once the router is
		// gone; fail them now so their callers surface an error instead
		// of blocking until their own context gives up.
		for seq, w := range b.waiters {
			delete(b.waiters, seq)
			w.resolved = true
			select {
			case w.resultCh <- rpcResult{err: ferrors.NewInvalidState("rpc", string(StateDestroying))}:
			default:
			}
		}
		b.waiterQueue = nil
	})
	if refused != nil {
		return refused
	}

	for _, w := range toDestroy {
		if err := w.InvokeOnDestroy(wire.CauseSystem); err != nil {
			b.log.WithError(err).WithField("workerId", w.ID()).Debug("onDestroy rejected, ignoring")
		}
		w.Destroyed()
	}

	_ = b.rt.Close()

	if b.sub != nil {
		_ = b.sub.Close()
	}

	mode := registry.SalvageModeSelfDiscard
	if recoverable {
		mode = registry.SalvageModeSelfRecoverable
	}
	if err := b.reg.Salvage(ctx, b.id, mode); err != nil {
		b.status.setLastError(err)
	}

	close(b.stop)
	<-b.done

	b.cache.Purge()
	b.status.setState(StateDestroyed)

	return nil
}
