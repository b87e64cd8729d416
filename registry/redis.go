package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/geoffjay/plantd/fleet/ferrors"
)

// redisRegistry is the Registry implementation backed by go-redis, driving
// the eight embedded scripts through their content hash.
type redisRegistry struct {
	client   *redis.Client
	scripts  *scripts
	keys     keys
	chPrefix string
}

// NewRedisRegistry builds a Registry backed by a go-redis client. ns
// namespaces every registry key; chPrefix namespaces every pubsub channel.
func NewRedisRegistry(client *redis.Client, ns, chPrefix string) Registry {
	return &redisRegistry{
		client:   client,
		scripts:  newScripts(),
		keys:     keys{ns: ns},
		chPrefix: chPrefix,
	}
}

func (r *redisRegistry) Join(ctx context.Context, brokerID, chPrefix string, load float64, cluster, addr string, hashKey uint64) error {
	res, err := r.scripts.join.Run(ctx, r.client,
		[]string{r.keys.gh(), r.keys.wh(), r.keys.bh(), r.keys.cz(cluster), r.keys.bz(cluster), r.keys.wz(brokerID), r.keys.rz()},
		brokerID, chPrefix, load, cluster, addr, hashKey,
	).Result()
	if err != nil {
		return ferrors.NewRegistryFault("join script failed", err)
	}
	return checkCode0(res)
}

func (r *redisRegistry) PickBroker(ctx context.Context, cluster string) (string, string, bool, error) {
	res, err := r.scripts.pickBroker.Run(ctx, r.client,
		[]string{r.keys.cz(cluster), r.keys.bh(), r.keys.gh()},
		cluster, r.chPrefix, 100,
	).Result()
	if err != nil {
		return "", "", false, ferrors.NewRegistryFault("pickBroker script failed", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return "", "", false, ferrors.NewRegistryFault("pickBroker returned malformed result", nil)
	}

	code, err := toInt(arr[0])
	if err != nil {
		return "", "", false, ferrors.NewRegistryFault("pickBroker returned non-numeric code", err)
	}
	if code != 0 {
		return "", "", false, nil
	}
	if len(arr) < 4 {
		return "", "", false, ferrors.NewRegistryFault("pickBroker success result missing fields", nil)
	}

	brokerID, _ := arr[1].(string)
	addr, _ := arr[3].(string)
	return brokerID, addr, true, nil
}

func (r *redisRegistry) FindOrCreate(ctx context.Context, brokerID, name, workerID string, attributes map[string]interface{}, now int64, ttl int64, forRecovery bool) (FindOrCreateResult, error) {
	attrsJSON, err := json.Marshal(attributes)
	if err != nil {
		return FindOrCreateResult{}, ferrors.NewRegistryFault("attributes encode failed", err)
	}

	fr := "0"
	if forRecovery {
		fr = "1"
	}

	res, err := r.scripts.findOrCreate.Run(ctx, r.client,
		[]string{r.keys.wh(), r.keys.bh(), r.keys.wz(brokerID), r.keys.rz(), r.keys.gh()},
		brokerID, name, workerID, string(attrsJSON), now, ttl, fr, r.chPrefix,
	).Result()
	if err != nil {
		return FindOrCreateResult{}, ferrors.NewRegistryFault("findOrCreate script failed", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return FindOrCreateResult{}, ferrors.NewRegistryFault("findOrCreate returned malformed result", nil)
	}

	code, err := toInt(arr[0])
	if err != nil {
		return FindOrCreateResult{}, ferrors.NewRegistryFault("findOrCreate returned non-numeric code", err)
	}

	out := FindOrCreateResult{Code: code}
	if code != 0 || len(arr) < 2 {
		return out, nil
	}

	switch v := arr[1].(type) {
	case []interface{}:
		if len(v) < 3 {
			return out, ferrors.NewRegistryFault("findOrCreate success tuple malformed", nil)
		}
		out.Found = true
		out.BrokerID, _ = v[0].(string)
		out.Name, _ = v[1].(string)
		out.ID, _ = v[2].(string)
	default:
		out.Found = false
	}

	return out, nil
}

func (r *redisRegistry) FindBroker(ctx context.Context, selfBrokerID, workerID string) (FindBrokerResult, error) {
	res, err := r.scripts.findBroker.Run(ctx, r.client,
		[]string{r.keys.wh(), r.keys.bh()},
		selfBrokerID, workerID, r.chPrefix,
	).Result()
	if err != nil {
		return FindBrokerResult{}, ferrors.NewRegistryFault("findBroker script failed", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return FindBrokerResult{}, ferrors.NewRegistryFault("findBroker returned malformed result", nil)
	}

	code, err := toInt(arr[0])
	if err != nil {
		return FindBrokerResult{}, ferrors.NewRegistryFault("findBroker returned non-numeric code", err)
	}

	out := FindBrokerResult{Code: code}
	switch code {
	case 0:
		if len(arr) < 2 {
			return out, ferrors.NewRegistryFault("findBroker success tuple malformed", nil)
		}
		tuple, ok := arr[1].([]interface{})
		if !ok || len(tuple) < 4 {
			return out, ferrors.NewRegistryFault("findBroker success tuple malformed", nil)
		}
		out.BrokerID, _ = tuple[0].(string)
		out.Cluster, _ = tuple[1].(string)
		st, _ := tuple[2].(string)
		out.State = BrokerState(st)
		out.Addr, _ = tuple[3].(string)
	case 2:
		if len(arr) >= 2 {
			out.BrokerID, _ = arr[1].(string)
		}
	}

	return out, nil
}

func (r *redisRegistry) HealthCheck(ctx context.Context, selfBrokerID, cluster string) (HealthCheckResult, error) {
	res, err := r.scripts.healthCheck.Run(ctx, r.client,
		[]string{r.keys.bz(cluster), r.keys.bh(), r.keys.cz(cluster)},
		selfBrokerID, cluster, r.chPrefix,
	).Result()
	if err != nil {
		return HealthCheckResult{}, ferrors.NewRegistryFault("healthCheck script failed", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return HealthCheckResult{}, ferrors.NewRegistryFault("healthCheck returned malformed result", nil)
	}

	code, err := toInt(arr[0])
	if err != nil {
		return HealthCheckResult{}, ferrors.NewRegistryFault("healthCheck returned non-numeric code", err)
	}

	out := HealthCheckResult{Code: code}
	if code == 2 && len(arr) >= 2 {
		out.Message, _ = arr[1].(string)
	}
	return out, nil
}

func (r *redisRegistry) Salvage(ctx context.Context, targetBrokerID string, mode SalvageMode) error {
	// Salvage needs the target's cluster to scope cz/bz; resolve it first
	// from bh so callers only need to name the broker id.
	rec, err := r.client.HGet(ctx, r.keys.bh(), targetBrokerID).Result()
	cluster := ""
	if err == nil {
		var info BrokerRecord
		if json.Unmarshal([]byte(rec), &info) == nil {
			cluster = info.Cluster
		}
	}

	res, err := r.scripts.salvage.Run(ctx, r.client,
		[]string{r.keys.bh(), r.keys.wh(), r.keys.wz(targetBrokerID), r.keys.rz(), r.keys.cz(cluster), r.keys.bz(cluster), r.keys.gh()},
		targetBrokerID, int(mode), r.chPrefix,
	).Result()
	if err != nil {
		return ferrors.NewRegistryFault("salvage script failed", err)
	}
	return checkCode0(res)
}

func (r *redisRegistry) FetchForRecovery(ctx context.Context, now int64, ttl int64, maxFetch int) ([]RecoveredWorker, int, error) {
	res, err := r.scripts.fetchForRecovery.Run(ctx, r.client,
		[]string{r.keys.rz(), r.keys.wh()},
		now, ttl, maxFetch,
	).Result()
	if err != nil {
		return nil, 0, ferrors.NewRegistryFault("fetchForRecovery script failed", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return nil, 0, ferrors.NewRegistryFault("fetchForRecovery returned malformed result", nil)
	}

	rawRecords, _ := arr[0].([]interface{})
	workers := make([]RecoveredWorker, 0, len(rawRecords))
	for _, raw := range rawRecords {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var rw RecoveredWorker
		if err := json.Unmarshal([]byte(s), &rw); err == nil {
			workers = append(workers, rw)
		}
	}

	remaining, err := toInt(arr[1])
	if err != nil {
		return workers, 0, ferrors.NewRegistryFault("fetchForRecovery returned non-numeric remaining count", err)
	}

	return workers, remaining, nil
}

func (r *redisRegistry) DestroyWorker(ctx context.Context, brokerID, workerID string, mode DestroyMode) error {
	res, err := r.scripts.destroyWorker.Run(ctx, r.client,
		[]string{r.keys.wh(), r.keys.wz(brokerID), r.keys.rz()},
		workerID, int(mode), r.chPrefix,
	).Result()
	if err != nil {
		return ferrors.NewRegistryFault("destroyWorker script failed", err)
	}
	return checkCode0(res)
}

func (r *redisRegistry) UpdateLoad(ctx context.Context, cluster, brokerID string, load float64) error {
	if err := r.client.ZAdd(ctx, r.keys.cz(cluster), redis.Z{Score: load, Member: brokerID}).Err(); err != nil {
		return ferrors.NewRegistryFault("load update failed", err)
	}
	return nil
}

func (r *redisRegistry) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := r.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, ferrors.NewRegistryFault("publish failed", err)
	}
	return n, nil
}

func (r *redisRegistry) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, ferrors.NewRegistryFault("subscribe failed", err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()

	return &redisSubscription{pubsub: pubsub, ch: out}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
}

func (s *redisSubscription) Channel() <-chan Message { return s.ch }
func (s *redisSubscription) Close() error            { return s.pubsub.Close() }

func (r *redisRegistry) Time(ctx context.Context) (int64, int64, error) {
	t, err := r.client.Time(ctx).Result()
	if err != nil {
		return 0, 0, ferrors.NewRegistryFault("time failed", err)
	}
	return t.Unix(), int64(t.Nanosecond() / 1000), nil
}

func (r *redisRegistry) Close() error {
	return r.client.Close()
}

func checkCode0(res interface{}) error {
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return ferrors.NewRegistryFault("script returned malformed result", nil)
	}
	code, err := toInt(arr[0])
	if err != nil {
		return ferrors.NewRegistryFault("script returned non-numeric code", err)
	}
	if code != 0 {
		return ferrors.NewRegistryFault(fmt.Sprintf("script returned unexpected code %d", code), nil)
	}
	return nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
