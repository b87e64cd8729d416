package broker

import (
	"context"
	"time"

	"github.com/geoffjay/plantd/fleet/ferrors"
	"github.com/geoffjay/plantd/fleet/futil"
	"github.com/geoffjay/plantd/fleet/worker"
)

// Find runs findOrCreate in find-only mode (brokerId empty),
// retried with exponential backoff until a definitive answer arrives or the
// retry budget is exhausted. A nil, nil return means the worker genuinely
// does not exist.
func (b *Broker) Find(ctx context.Context, workerID string) (*worker.Agent, error) {
	bo := futil.NewBackoff(b.cfg.RetryInitialInterval, b.cfg.RetryMaxInterval, b.cfg.RetryDuration)

	for {
		res, err := b.reg.FindOrCreate(ctx, "", "", workerID, nil, b.registryNow(), b.cfg.TTL.Milliseconds(), false)
		if err != nil {
			return nil, err
		}

		switch res.Code {
		case 0:
			if !res.Found {
				return nil, nil
			}
			return b.agentFor(res.Name, workerID), nil

		case 1:
			if waitErr := b.awaitBackoff(ctx, bo); waitErr != nil {
				return nil, waitErr
			}

		default:
			b.log.WithField("code", res.Code).Warn("findOrCreate returned an unexpected code in find-only mode")
			return nil, nil
		}
	}
}

// awaitBackoff sleeps for bo's next interval, or returns a Timeout error if
// the retry budget is already spent, or ctx.Err() if cancelled first.
func (b *Broker) awaitBackoff(ctx context.Context, bo *futil.Backoff) error {
	if bo.Done() {
		return ferrors.NewTimeout("retries exhausted", nil)
	}

	timer := time.NewTimer(bo.Next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
