package registry

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// zset is a minimal in-process stand-in for a Redis sorted set: a
// score-ordered, lexicographically-tied member index good enough to
// replicate ZRANGE/ZADD/ZREM/ZSCORE/ZCARD semantics.
type zset struct {
	scores map[string]float64
}

func newZSet() *zset { return &zset{scores: map[string]float64{}} }

func (z *zset) add(member string, score float64) { z.scores[member] = score }
func (z *zset) rem(member string)                { delete(z.scores, member) }
func (z *zset) score(member string) (float64, bool) {
	s, ok := z.scores[member]
	return s, ok
}
func (z *zset) card() int { return len(z.scores) }

type zmember struct {
	member string
	score  float64
}

func (z *zset) sorted() []zmember {
	out := make([]zmember, 0, len(z.scores))
	for m, s := range z.scores {
		out = append(out, zmember{member: m, score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].member < out[j].member
	})
	return out
}

// rangeIndex resolves Redis's inclusive, possibly-negative ZRANGE bounds
// against a slice of length n.
func rangeIndex(start, stop, n int) (int, int) {
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return 0, -1
	}
	return start, stop
}

func (z *zset) rangeAsc(start, stop int) []zmember {
	all := z.sorted()
	lo, hi := rangeIndex(start, stop, len(all))
	if hi < lo {
		return nil
	}
	return all[lo : hi+1]
}

// memWorker mirrors the wh[workerId] JSON document without serialization.
type memWorker struct {
	name       string
	brokerID   string
	attributes map[string]interface{}
}

func (w memWorker) recoverable() bool {
	v, _ := w.attributes["recoverable"].(bool)
	return v
}

// MemRegistry is an in-memory Registry implementation that replicates the
// eight Lua scripts' documented algorithms directly in Go. It backs the
// package's own test suite and any broker-level test that needs a Registry
// without a live Redis server; it is never the production registry.
type MemRegistry struct {
	mu sync.Mutex

	chPrefix string
	counters map[string]int64
	clock    func() time.Time

	wh map[string]*memWorker
	bh map[string]*BrokerRecord
	rz *zset
	cz map[string]*zset
	bz map[string]*zset
	wz map[string]*zset

	subs    map[string]map[int]chan Message
	nextSub int
}

// NewMemRegistry builds an empty in-memory Registry. chPrefix plays the same
// role as the chPrefix argument given to NewRedisRegistry: it scopes the
// liveness-probe and signal-broadcast channel names. No key namespace is
// needed since nothing is shared outside this value.
func NewMemRegistry(chPrefix string) *MemRegistry {
	return &MemRegistry{
		chPrefix: chPrefix,
		clock:    time.Now,
		counters: map[string]int64{},
		wh:       map[string]*memWorker{},
		bh:       map[string]*BrokerRecord{},
		rz:       newZSet(),
		cz:       map[string]*zset{},
		bz:       map[string]*zset{},
		wz:       map[string]*zset{},
		subs:     map[string]map[int]chan Message{},
	}
}

func (r *MemRegistry) czFor(cluster string) *zset {
	z, ok := r.cz[cluster]
	if !ok {
		z = newZSet()
		r.cz[cluster] = z
	}
	return z
}

func (r *MemRegistry) bzFor(cluster string) *zset {
	z, ok := r.bz[cluster]
	if !ok {
		z = newZSet()
		r.bz[cluster] = z
	}
	return z
}

func (r *MemRegistry) wzFor(brokerID string) *zset {
	z, ok := r.wz[brokerID]
	if !ok {
		z = newZSet()
		r.wz[brokerID] = z
	}
	return z
}

func (r *MemRegistry) incr(name string) int64 {
	r.counters[name]++
	return r.counters[name]
}

// publishLocked delivers payload to every subscriber of channel and returns
// the subscriber count, mirroring Redis PUBLISH's return value. Callers
// must hold r.mu.
func (r *MemRegistry) publishLocked(channel string, payload []byte) int64 {
	subs := r.subs[channel]
	for _, ch := range subs {
		select {
		case ch <- Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return int64(len(subs))
}

func sigPayload(sig, cluster, brokerID string) []byte {
	return []byte(`{"sig":"` + sig + `","clustername":"` + cluster + `","brokerId":"` + brokerID + `"}`)
}

// Join mirrors the join script.
func (r *MemRegistry) Join(ctx context.Context, brokerID, chPrefix string, load float64, cluster, addr string, hashKey uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bh[brokerID]; ok {
		wz := r.wzFor(brokerID)
		for _, m := range wz.sorted() {
			w, ok := r.wh[m.member]
			if !ok {
				continue
			}
			if w.recoverable() {
				w.brokerID = ""
				r.rz.add(m.member, m.score)
				r.incr("workersSalvaged")
			} else {
				delete(r.wh, m.member)
				r.incr("workersRemoved")
			}
		}
	}

	r.wz[brokerID] = newZSet()

	if r.rz.card() > 0 {
		r.publishLocked(r.chPrefix+":*", []byte(`{"sig":"recover"}`))
	}

	r.bh[brokerID] = &BrokerRecord{Cluster: cluster, State: BrokerActive, Addr: addr}
	r.czFor(cluster).add(brokerID, load)
	r.bzFor(cluster).add(brokerID, float64(hashKey))
	r.incr("brokersAdded")

	return nil
}

// PickBroker mirrors the pickBroker script, capped at 100 retries like it.
func (r *MemRegistry) PickBroker(ctx context.Context, cluster string) (string, string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cz := r.czFor(cluster)
	for i := 0; i < 100; i++ {
		members := cz.rangeAsc(0, 0)
		if len(members) == 0 {
			return "", "", false, nil
		}
		brokerID := members[0].member
		rec, ok := r.bh[brokerID]
		if !ok {
			cz.rem(brokerID)
			continue
		}
		if rec.State != BrokerActive {
			cz.rem(brokerID)
			continue
		}

		subs := r.publishLocked(r.chPrefix+":"+brokerID, nil)
		if subs >= 1 {
			return brokerID, rec.Addr, true, nil
		}

		rec.State = BrokerInvalid
		r.publishLocked(r.chPrefix+":*", sigPayload("salvage", cluster, brokerID))
		cz.rem(brokerID)
	}

	return "", "", false, nil
}

// FindOrCreate mirrors the findOrCreate script.
func (r *MemRegistry) FindOrCreate(ctx context.Context, brokerID, name, workerID string, attributes map[string]interface{}, now int64, ttl int64, forRecovery bool) (FindOrCreateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	createMode := brokerID != ""

	if createMode && workerID == "" {
		if static, _ := attributes["static"].(bool); static {
			workerID = name
		} else {
			n := r.incr(name)
			workerID = name + "#" + strconv.FormatInt(n, 10)
		}
	}

	freshCounter := "workersCreated"
	if forRecovery {
		freshCounter = "workersRecovered"
	}

	createFresh := func() FindOrCreateResult {
		r.wh[workerID] = &memWorker{name: name, brokerID: brokerID, attributes: attributes}
		r.wzFor(brokerID).add(workerID, float64(now))
		r.incr(freshCounter)
		return FindOrCreateResult{Code: 0, Found: true, BrokerID: brokerID, Name: name, ID: workerID}
	}

	existing, ok := r.wh[workerID]
	if !ok {
		if !createMode {
			return FindOrCreateResult{Code: 0, Found: false}, nil
		}
		return createFresh(), nil
	}

	if existing.brokerID != "" {
		brec, ok := r.bh[existing.brokerID]
		if !ok {
			r.incr("brokersBroken")
			if !createMode {
				return FindOrCreateResult{Code: 1}, nil
			}
			return createFresh(), nil
		}

		subs := r.publishLocked(r.chPrefix+":"+existing.brokerID, nil)
		if subs >= 1 {
			return FindOrCreateResult{Code: 0, Found: true, BrokerID: existing.brokerID, Name: existing.name, ID: workerID}, nil
		}

		brec.State = BrokerInvalid
		r.publishLocked(r.chPrefix+":*", sigPayload("salvage", brec.Cluster, existing.brokerID))
		return FindOrCreateResult{Code: 1}, nil
	}

	// No brokerId on the record: the worker is under migration.
	if !createMode {
		return FindOrCreateResult{Code: 1}, nil
	}

	if score, ok := r.rz.score(workerID); ok {
		if ttl == 0 || (now-int64(score)) <= ttl {
			existing.brokerID = brokerID
			r.wzFor(brokerID).add(workerID, score)
			r.rz.rem(workerID)
			r.incr("workersRecovered")
			return FindOrCreateResult{Code: 0, Found: true, BrokerID: brokerID, Name: existing.name, ID: workerID}, nil
		}
		// expired: the id must not stay in rz once it is recreated in wz
		r.rz.rem(workerID)
	}

	return createFresh(), nil
}

// FindBroker mirrors the findBroker script.
func (r *MemRegistry) FindBroker(ctx context.Context, selfBrokerID, workerID string) (FindBrokerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.wh[workerID]
	if !ok || w.brokerID == "" {
		return FindBrokerResult{Code: 1}, nil
	}

	ownerID := w.brokerID
	brec, ok := r.bh[ownerID]
	if !ok {
		return FindBrokerResult{Code: 1}, nil
	}

	subs := r.publishLocked(r.chPrefix+":"+ownerID, nil)
	if subs >= 1 {
		return FindBrokerResult{Code: 0, BrokerID: ownerID, Cluster: brec.Cluster, State: brec.State, Addr: brec.Addr}, nil
	}

	brec.State = BrokerInvalid
	w.brokerID = ""
	r.publishLocked(r.chPrefix+":*", sigPayload("salvage", brec.Cluster, ownerID))

	return FindBrokerResult{Code: 2, BrokerID: ownerID}, nil
}

// HealthCheck mirrors the healthCheck script.
func (r *MemRegistry) HealthCheck(ctx context.Context, selfBrokerID, cluster string) (HealthCheckResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bz := r.bzFor(cluster)
	ring := bz.sorted()
	n := len(ring)
	if n <= 1 {
		return HealthCheckResult{Code: 0}, nil
	}

	selfIdx := -1
	for i, m := range ring {
		if m.member == selfBrokerID {
			selfIdx = i
			break
		}
	}
	if selfIdx < 0 {
		return HealthCheckResult{Code: 0}, nil
	}

	nextID := ring[(selfIdx+1)%n].member

	cleanup := func(reason string) HealthCheckResult {
		delete(r.bh, nextID)
		r.czFor(cluster).rem(nextID)
		bz.rem(nextID)
		return HealthCheckResult{Code: 2, Message: reason}
	}

	rec, ok := r.bh[nextID]
	if !ok {
		return cleanup("next peer record missing"), nil
	}
	if rec.Addr == "" {
		return cleanup("next peer record corrupt or missing address"), nil
	}
	if rec.State != BrokerActive {
		return HealthCheckResult{Code: 0}, nil
	}

	subs := r.publishLocked(r.chPrefix+":"+nextID, nil)
	if subs >= 1 {
		return HealthCheckResult{Code: 0}, nil
	}

	rec.State = BrokerInvalid
	r.czFor(cluster).rem(nextID)
	bz.rem(nextID)
	r.publishLocked(r.chPrefix+":*", sigPayload("salvage", cluster, nextID))

	return HealthCheckResult{Code: 1}, nil
}

// Salvage mirrors the salvage script.
func (r *MemRegistry) Salvage(ctx context.Context, targetBrokerID string, mode SalvageMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.bh[targetBrokerID]
	if mode == SalvageModePeer {
		if !ok || rec.State != BrokerInvalid {
			return nil
		}
	}

	cluster := ""
	if ok {
		cluster = rec.Cluster
	}

	wz := r.wzFor(targetBrokerID)
	for _, m := range wz.sorted() {
		w, ok := r.wh[m.member]
		if !ok {
			continue
		}
		if mode != SalvageModeSelfDiscard && w.recoverable() {
			w.brokerID = ""
			r.rz.add(m.member, m.score)
			r.incr("workersSalvaged")
		} else {
			delete(r.wh, m.member)
			r.incr("workersRemoved")
		}
	}

	delete(r.bh, targetBrokerID)
	r.czFor(cluster).rem(targetBrokerID)
	r.bzFor(cluster).rem(targetBrokerID)

	if mode == SalvageModeSelfDiscard {
		r.wz[targetBrokerID] = newZSet()
	}

	if r.rz.card() > 0 {
		r.publishLocked(r.chPrefix+":*", []byte(`{"sig":"recover"}`))
	}

	return nil
}

// FetchForRecovery mirrors the fetchForRecovery script.
func (r *MemRegistry) FetchForRecovery(ctx context.Context, now int64, ttl int64, maxFetch int) ([]RecoveredWorker, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rz.rangeAsc(0, maxFetch-1)
	var out []RecoveredWorker
	for _, m := range members {
		w, ok := r.wh[m.member]
		if ok && w.recoverable() {
			if ttl == 0 || (now-int64(m.score)) <= ttl {
				out = append(out, RecoveredWorker{ID: m.member, Name: w.name, Attributes: w.attributes})
			}
		}
		r.rz.rem(m.member)
	}

	return out, r.rz.card(), nil
}

// DestroyWorker mirrors the destroyWorker script.
func (r *MemRegistry) DestroyWorker(ctx context.Context, brokerID, workerID string, mode DestroyMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wz := r.wzFor(brokerID)

	if w, ok := r.wh[workerID]; ok {
		if mode == DestroyModeRecoverable && w.recoverable() {
			score, ok := wz.score(workerID)
			if !ok {
				score = 0
			}
			w.brokerID = ""
			r.rz.add(workerID, score)
		} else {
			delete(r.wh, workerID)
		}
	}

	wz.rem(workerID)

	if r.rz.card() > 0 {
		r.publishLocked(r.chPrefix+":*", []byte(`{"sig":"recover"}`))
	}

	return nil
}

// UpdateLoad rewrites brokerID's score in cz:<cluster>.
func (r *MemRegistry) UpdateLoad(ctx context.Context, cluster, brokerID string, load float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.czFor(cluster).add(brokerID, load)
	return nil
}

// Publish delivers payload to channel's current subscribers.
func (r *MemRegistry) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishLocked(channel, payload), nil
}

// Subscribe opens a subscription to the given literal channel names. As
// with the real registry, "*" is not a wildcard here: chPrefix+":*" is a
// plain channel name that every broker subscribes to for broadcast signals.
func (r *MemRegistry) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan Message, 64)

	for _, c := range channels {
		if r.subs[c] == nil {
			r.subs[c] = map[int]chan Message{}
		}
		r.subs[c][id] = ch
	}

	return &memSubscription{reg: r, id: id, channels: channels, ch: ch}, nil
}

type memSubscription struct {
	reg      *MemRegistry
	id       int
	channels []string
	ch       chan Message
}

func (s *memSubscription) Channel() <-chan Message { return s.ch }

func (s *memSubscription) Close() error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	for _, c := range s.channels {
		delete(s.reg.subs[c], s.id)
	}
	close(s.ch)
	return nil
}

// SetClock overrides the function used to answer Time, so tests can pin the
// registry's wall clock instead of depending on real time.
func (r *MemRegistry) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// Time returns the registry's wall clock: real time by default, or whatever
// SetClock last installed.
func (r *MemRegistry) Time(ctx context.Context) (int64, int64, error) {
	r.mu.Lock()
	now := r.clock()
	r.mu.Unlock()
	return now.Unix(), int64(now.Nanosecond() / 1000), nil
}

// Close is a no-op; MemRegistry owns no external resource.
func (r *MemRegistry) Close() error { return nil }
