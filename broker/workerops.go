package broker

import (
	"context"

	"github.com/geoffjay/plantd/fleet/ferrors"
	"github.com/geoffjay/plantd/fleet/registry"
	"github.com/geoffjay/plantd/fleet/wire"
)

// WorkerInfo is a point-in-time snapshot of one local worker, exposed for a
// health endpoint and for tests.
type WorkerInfo struct {
	ID          string
	Name        string
	State       string
	Load        int
	Static      bool
	Recoverable bool
}

// WorkerInfo reports every worker this broker currently hosts.
func (b *Broker) WorkerInfo() []WorkerInfo {
	var infos []WorkerInfo
	b.do(func() {
		infos = make([]WorkerInfo, 0, len(b.workers))
		for _, w := range b.workers {
			infos = append(infos, WorkerInfo{
				ID:          w.ID(),
				Name:        w.Name(),
				State:       string(w.State()),
				Load:        w.Load(),
				Static:      w.Static(),
				Recoverable: w.Recoverable(),
			})
		}
	})
	return infos
}

// DestroyWorker runs the self-destroy path for a worker hosted on
// this broker: active workers invoke onDestroy(SELF) immediately; a worker
// still activating has its destroy deferred until onCreate finishes, and
// that deferred destroy uses the worker's own recoverable attribute instead
// of the argument. For an immediate destroy, recoverable=false discards the
// worker's registry record; recoverable=true parks it in the recovery set
// only if the worker's own recoverable attribute is also set, and discards
// it otherwise.
func (b *Broker) DestroyWorker(ctx context.Context, workerID string, recoverable bool) error {
	w := b.getWorker(workerID)
	if w == nil {
		return ferrors.NewNotFound(workerID, nil)
	}

	ready := w.RequestDestroy(wire.CauseSelf)
	if !ready {
		return nil
	}

	if err := w.InvokeOnDestroy(wire.CauseSelf); err != nil {
		b.log.WithError(err).WithField("workerId", workerID).Debug("onDestroy rejected, ignoring")
	}
	w.Destroyed()

	b.do(func() { delete(b.workers, workerID) })
	b.markLoadDirty()

	mode := registry.DestroyModeDiscard
	if recoverable {
		mode = registry.DestroyModeRecoverable
	}
	return b.reg.DestroyWorker(ctx, b.id, workerID, mode)
}
