package broker

import (
	"context"
	"time"
)

// clockResyncInterval is how stale the registry-clock offset may get before
// the periodic tick measures it again.
const clockResyncInterval = 30 * time.Second

// tick runs once a second on the command loop: re-sync the registry clock
// when the last measurement is stale, sweep timed out RPC waiters, push a
// load update if anything changed since the last tick, and run the broker's
// own health-check turn on a slower cadence.
func (b *Broker) tick() {
	now := time.Now()

	b.clockMu.Lock()
	stale := now.Sub(b.lastClockSync) >= clockResyncInterval
	b.clockMu.Unlock()
	if stale {
		go b.resyncClock()
	}

	b.sweepWaiters(now)

	if b.loadDirty {
		b.loadDirty = false
		total := 0
		for _, w := range b.workers {
			total += w.Load()
		}
		b.totalLoad = total
		go b.publishLoad(total)
	}

	if b.healthCountdown > 0 {
		b.healthCountdown--
		if b.healthCountdown == 0 {
			b.healthCountdown = b.healthCheckTicks()
			go b.runHealthCheck()
		}
	}
}

func (b *Broker) resyncClock() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RPCTimeout)
	defer cancel()

	if err := b.syncClock(ctx); err != nil {
		b.log.WithError(err).Debug("registry clock re-sync failed")
	}
}

// markLoadDirty flags the load total for republishing on the next tick. It
// may be called from any goroutine; the flag itself is only ever read or
// cleared on the command loop.
func (b *Broker) markLoadDirty() {
	b.do(func() { b.loadDirty = true })
}

// publishLoad writes this broker's current load to the cluster's cz
// sorted set, used by pickBroker to favor less-loaded peers. Failures are
// logged and retried on the next dirty tick rather than blocking the
// command loop.
func (b *Broker) publishLoad(load int) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RPCTimeout)
	defer cancel()

	if err := b.reg.UpdateLoad(ctx, b.cfg.ClusterName, b.id, float64(load)); err != nil {
		b.log.WithError(err).Debug("failed to publish load")
	}
}

// runHealthCheck runs this broker's turn at probing its successor on the
// health-check ring, invalidating and salvaging it if it is found dead.
func (b *Broker) runHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RPCTimeout)
	defer cancel()

	res, err := b.reg.HealthCheck(ctx, b.id, b.cfg.ClusterName)
	if err != nil {
		b.log.WithError(err).Debug("health check failed")
		return
	}

	switch res.Code {
	case 0:
	case 1:
		b.log.Debug("health check issued a salvage for a dead peer")
	case 2:
		b.log.WithField("message", res.Message).Warn("health check ring entry was corrupt")
	}
}

// SetWorkerLoad updates workerID's reported load and pushes the changed
// aggregate to the cluster's load ranking.
func (b *Broker) SetWorkerLoad(workerID string, value int) error {
	w := b.getWorker(workerID)
	if w == nil {
		return nil
	}

	prev := w.Load()
	if err := w.SetLoad(value); err != nil {
		return err
	}

	delta := value - prev
	if delta != 0 {
		var total int
		b.do(func() {
			b.totalLoad += delta
			b.loadDirty = true
			total = b.totalLoad
		})
		go b.publishLoad(total)
	}
	return nil
}
