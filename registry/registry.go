// Package registry implements the shared coordination store: the eight
// atomic scripts from which the broker's placement, discovery, salvage, and
// recovery machinery is built, plus the small set of administrative
// key/value, sorted-set, and pub/sub primitives the scripts and the broker
// both need directly.
package registry

import "context"

// BrokerState is the lifecycle state recorded in a broker's bh entry.
type BrokerState string

const (
	// BrokerActive means the broker is eligible for placement and
	// discovery.
	BrokerActive BrokerState = "active"
	// BrokerInvalid means a liveness probe failed; the broker is being
	// salvaged and is no longer eligible.
	BrokerInvalid BrokerState = "invalid"
)

// BrokerRecord is the bh[brokerId] entry.
type BrokerRecord struct {
	Cluster string      `json:"cn"`
	State   BrokerState `json:"st"`
	Addr    string      `json:"addr"`
}

// WorkerRecord is the wh[workerId] entry. BrokerID is empty while the
// worker is under migration (between salvage and recovery).
type WorkerRecord struct {
	Name       string                 `json:"name"`
	BrokerID   string                 `json:"brokerId,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Static reports whether the worker's attributes mark it static (id equals
// class name, at most one instance per cluster).
func (w WorkerRecord) Static() bool {
	v, _ := w.Attributes["static"].(bool)
	return v
}

// Recoverable reports whether the worker's attributes mark it eligible for
// relocation into the recovery set when its owning broker dies.
func (w WorkerRecord) Recoverable() bool {
	v, _ := w.Attributes["recoverable"].(bool)
	return v
}

// FindOrCreateResult is the decoded result of the findOrCreate script.
type FindOrCreateResult struct {
	// Code is 0 for a definitive answer (Found may still be false) and 1
	// for "retry" (ferrors.Retry): the registry observed a transient,
	// racing condition the caller's backoff driver should absorb.
	Code     int
	Found    bool
	BrokerID string
	Name     string
	ID       string
}

// FindBrokerResult is the decoded result of the findBroker script.
type FindBrokerResult struct {
	// Code is 0 (found), 1 (not found / under recovery), or 2 (the
	// owning broker was just invalidated; BrokerID names it and the
	// caller should retry).
	Code     int
	BrokerID string
	Cluster  string
	State    BrokerState
	Addr     string
}

// HealthCheckResult is the decoded result of the healthCheck script.
type HealthCheckResult struct {
	// Code is 0 (ring healthy or solitary), 1 (next peer invalidated), or
	// 2 (ring entry was corrupt and has been cleaned up; Message
	// describes what).
	Code    int
	Message string
}

// SalvageMode selects which of the three salvage behaviors to run.
type SalvageMode int

const (
	// SalvageModePeer only proceeds if the target's record is already
	// Invalid, making repeated peer-triggered salvage idempotent.
	SalvageModePeer SalvageMode = 0
	// SalvageModeSelfRecoverable runs unconditionally and relocates
	// recoverable workers to the recovery set.
	SalvageModeSelfRecoverable SalvageMode = 1
	// SalvageModeSelfDiscard runs unconditionally and treats every
	// worker as non-recoverable.
	SalvageModeSelfDiscard SalvageMode = 2
)

// DestroyMode selects destroyWorker's recovery behavior.
type DestroyMode int

const (
	// DestroyModeDiscard deletes the worker record outright.
	DestroyModeDiscard DestroyMode = 0
	// DestroyModeRecoverable moves a recoverable worker to the recovery
	// set instead of deleting it.
	DestroyModeRecoverable DestroyMode = 1
)

// RecoveredWorker is one entry emitted by fetchForRecovery.
type RecoveredWorker struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Registry is the set of atomic, multi-key operations the broker core
// drives; every method corresponds to one of the eight server-side scripts.
type Registry interface {
	// Join runs the join script for brokerId: records chPrefix, salvages
	// any stale prior entry under the same id, and (re)registers the
	// broker as active in its cluster.
	Join(ctx context.Context, brokerID, chPrefix string, load float64, cluster, addr string, hashKey uint64) error

	// PickBroker returns the least-loaded live broker in cluster.
	PickBroker(ctx context.Context, cluster string) (brokerID, addr string, found bool, err error)

	// FindOrCreate locates or, in create mode (brokerID != ""), creates
	// workerID (deriving it from name/attributes if empty).
	FindOrCreate(ctx context.Context, brokerID, name, workerID string, attributes map[string]interface{}, now int64, ttl int64, forRecovery bool) (FindOrCreateResult, error)

	// FindBroker locates the broker currently owning workerID.
	FindBroker(ctx context.Context, selfBrokerID, workerID string) (FindBrokerResult, error)

	// HealthCheck probes selfBrokerID's successor in cluster's
	// health-check ring and salvages it if found dead.
	HealthCheck(ctx context.Context, selfBrokerID, cluster string) (HealthCheckResult, error)

	// Salvage relocates or discards targetBrokerID's workers per mode
	// and removes the broker's own registry entries.
	Salvage(ctx context.Context, targetBrokerID string, mode SalvageMode) error

	// FetchForRecovery drains up to maxFetch entries from the recovery
	// set and reports how many remain.
	FetchForRecovery(ctx context.Context, now int64, ttl int64, maxFetch int) (workers []RecoveredWorker, remaining int, err error)

	// DestroyWorker removes workerID from brokerID's worker set,
	// optionally relocating it to the recovery set per mode.
	DestroyWorker(ctx context.Context, brokerID, workerID string, mode DestroyMode) error

	// UpdateLoad writes a single-shot score update for brokerID in
	// cz:<cluster>, used by the broker's periodic load accounting
	// outside of any script.
	UpdateLoad(ctx context.Context, cluster, brokerID string, load float64) error

	// Publish delivers payload on channel and returns the number of
	// current subscribers.
	Publish(ctx context.Context, channel string, payload []byte) (subscribers int64, err error)

	// Subscribe opens a subscription to channel, returning a Subscription
	// the caller reads (channel, payload) notifications from.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Time returns the registry server's wall clock.
	Time(ctx context.Context) (seconds, microseconds int64, err error)

	// Close releases any underlying connection.
	Close() error
}

// Subscription is a live pub/sub subscription.
type Subscription interface {
	// Channel yields (channel, payload) pairs as they are delivered.
	Channel() <-chan Message
	Close() error
}

// Message is one pub/sub notification.
type Message struct {
	Channel string
	Payload []byte
}
