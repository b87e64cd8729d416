package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJoinAddsNewBroker covers scenario S1: a fresh broker id joins a
// cluster with no prior record.
func TestJoinAddsNewBroker(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	err := r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:6690", 3437877555704920)
	require.NoError(t, err)

	rec, ok := r.bh["br01"]
	require.True(t, ok)
	assert.Equal(t, BrokerRecord{Cluster: "pvp", State: BrokerActive, Addr: "1.2.3.4:6690"}, *rec)
	assert.Equal(t, int64(1), r.counters["brokersAdded"])

	score, ok := r.czFor("pvp").score("br01")
	require.True(t, ok)
	assert.Equal(t, float64(10), score)

	hashScore, ok := r.bzFor("pvp").score("br01")
	require.True(t, ok)
	assert.Equal(t, float64(3437877555704920), hashScore)
}

// TestJoinSalvagesRecoverableStaleWorker covers scenario S2.
func TestJoinSalvagesRecoverableStaleWorker(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:6690", 1))

	r.wh["MyWorker#1"] = &memWorker{
		name:       "MyWorker",
		brokerID:   "br01",
		attributes: map[string]interface{}{"recoverable": true},
	}
	r.wzFor("br01").add("MyWorker#1", 500)

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:6690", 1))

	assert.Equal(t, 0, r.wzFor("br01").card())
	score, ok := r.rz.score("MyWorker#1")
	require.True(t, ok)
	assert.Equal(t, float64(500), score)
	assert.Empty(t, r.wh["MyWorker#1"].brokerID)
}

// TestJoinDropsNonRecoverableStaleWorker covers scenario S3.
func TestJoinDropsNonRecoverableStaleWorker(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:6690", 1))

	r.wh["MyWorker#1"] = &memWorker{name: "MyWorker", brokerID: "br01", attributes: map[string]interface{}{}}
	r.wzFor("br01").add("MyWorker#1", 500)

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:6690", 1))

	assert.Equal(t, 0, r.wzFor("br01").card())
	assert.Equal(t, 0, r.rz.card())
	_, ok := r.wh["MyWorker#1"]
	assert.False(t, ok)
}

// TestJoinBroadcastsRecoverForSalvagedWorkers verifies a re-join that parks
// recoverable workers in the recovery set also tells the fleet to come pick
// them up.
func TestJoinBroadcastsRecoverForSalvagedWorkers(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:6690", 1))

	r.wh["MyWorker#1"] = &memWorker{
		name:       "MyWorker",
		brokerID:   "br01",
		attributes: map[string]interface{}{"recoverable": true},
	}
	r.wzFor("br01").add("MyWorker#1", 500)

	sub, err := r.Subscribe(ctx, "test:ch:*")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:6690", 1))

	msg := <-sub.Channel()
	assert.Contains(t, string(msg.Payload), `"sig":"recover"`)
}

// TestFindOrCreateExpiredRecoveryEntryLeavesRecoverySet verifies that a
// worker whose recovery window has lapsed is recreated fresh and its stale
// entry removed, so the id never sits in both a broker's worker set and the
// recovery set at once.
func TestFindOrCreateExpiredRecoveryEntryLeavesRecoverySet(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:1", 1))

	r.wh["Worker#1"] = &memWorker{name: "Worker", attributes: map[string]interface{}{"recoverable": true}}
	r.rz.add("Worker#1", 100)

	res, err := r.FindOrCreate(ctx, "br01", "Worker", "Worker#1", map[string]interface{}{"recoverable": true}, 5000, 1000, false)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "br01", res.BrokerID)

	_, inRZ := r.rz.score("Worker#1")
	assert.False(t, inRZ)
	_, inWZ := r.wzFor("br01").score("Worker#1")
	assert.True(t, inWZ)
	assert.Equal(t, int64(1), r.counters["workersCreated"])
	assert.Zero(t, r.counters["workersRecovered"])
}

// TestHealthCheckSoloRing covers scenario S5.
func TestHealthCheckSoloRing(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	r.czFor("pvp").add("br01", 10)
	r.bzFor("pvp").add("br01", 123)
	r.bh["br01"] = &BrokerRecord{Cluster: "pvp", State: BrokerActive, Addr: "1.2.3.4:1"}

	res, err := r.HealthCheck(ctx, "br01", "pvp")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
}

// TestHealthCheckSalvagesDeadNextPeer covers scenario S6.
func TestHealthCheckSalvagesDeadNextPeer(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	r.bzFor("pvp").add("br01", 123)
	r.bzFor("pvp").add("br02", 234)
	r.czFor("pvp").add("br01", 1)
	r.czFor("pvp").add("br02", 1)
	r.bh["br01"] = &BrokerRecord{Cluster: "pvp", State: BrokerActive, Addr: "127.0.0.1:1"}
	r.bh["br02"] = &BrokerRecord{Cluster: "pvp", State: BrokerActive, Addr: "127.0.0.1:5678"}

	sub, err := r.Subscribe(ctx, "test:ch:*")
	require.NoError(t, err)
	defer sub.Close()

	res, err := r.HealthCheck(ctx, "br01", "pvp")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Code)

	assert.Equal(t, BrokerInvalid, r.bh["br02"].State)
	_, inCz := r.czFor("pvp").score("br02")
	assert.False(t, inCz)
	_, inBz := r.bzFor("pvp").score("br02")
	assert.False(t, inBz)

	msg := <-sub.Channel()
	assert.Contains(t, string(msg.Payload), `"sig":"salvage"`)
	assert.Contains(t, string(msg.Payload), `"brokerId":"br02"`)
}

// TestSalvagePeerModeIsIdempotentAgainstLiveBroker exercises the round-trip
// property: mode 0 is a no-op unless the target's record is invalid.
func TestSalvagePeerModeIsIdempotentAgainstLiveBroker(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:1", 1))

	require.NoError(t, r.Salvage(ctx, "br01", SalvageModePeer))

	_, ok := r.bh["br01"]
	assert.True(t, ok, "peer-mode salvage must not touch an active broker")
}

// TestSalvagePeerModeRemovesInvalidBroker exercises the other half of the
// same property: once invalidated, peer-mode salvage proceeds.
func TestSalvagePeerModeRemovesInvalidBroker(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:1", 1))
	r.bh["br01"].State = BrokerInvalid

	require.NoError(t, r.Salvage(ctx, "br01", SalvageModePeer))

	_, ok := r.bh["br01"]
	assert.False(t, ok)
}

// TestDestroyThenFindOrCreateRecoversWithinTTL exercises the destroyWorker
// -> findOrCreate round-trip property for a recoverable worker still in rz.
func TestDestroyThenFindOrCreateRecoversWithinTTL(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:1", 1))

	created, err := r.FindOrCreate(ctx, "br01", "Worker", "", map[string]interface{}{"recoverable": true}, 100, 0, false)
	require.NoError(t, err)
	require.True(t, created.Found)

	require.NoError(t, r.DestroyWorker(ctx, "br01", created.ID, DestroyModeRecoverable))
	_, stillOwned := r.wh[created.ID]
	require.True(t, stillOwned)
	assert.Empty(t, r.wh[created.ID].brokerID)

	recovered, err := r.FindOrCreate(ctx, "br02", "Worker", created.ID, nil, 150, 1000, true)
	require.NoError(t, err)
	assert.True(t, recovered.Found)
	assert.Equal(t, "br02", recovered.BrokerID)
	assert.Equal(t, int64(1), r.counters["workersRecovered"])
}

// TestDestroyThenFindOrCreateCreatesFreshWhenDiscarded covers the other
// round-trip branch: a non-recoverable destroy leaves nothing to recover.
func TestDestroyThenFindOrCreateCreatesFreshWhenDiscarded(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:1", 1))

	created, err := r.FindOrCreate(ctx, "br01", "Worker", "", map[string]interface{}{}, 100, 0, false)
	require.NoError(t, err)

	require.NoError(t, r.DestroyWorker(ctx, "br01", created.ID, DestroyModeDiscard))
	_, ok := r.wh[created.ID]
	assert.False(t, ok)

	recreated, err := r.FindOrCreate(ctx, "br02", "Worker", created.ID, map[string]interface{}{}, 200, 0, false)
	require.NoError(t, err)
	assert.True(t, recreated.Found)
	assert.Equal(t, "br02", recreated.BrokerID)
}

// TestFindOrCreateStaticWorkerUsesClassNameAsID covers the static half of
// invariant 5: workerId equals the class name, not a counter-derived one.
func TestFindOrCreateStaticWorkerUsesClassNameAsID(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	res, err := r.FindOrCreate(ctx, "br01", "Singleton", "", map[string]interface{}{"static": true}, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, "Singleton", res.ID)
}

// TestFindOrCreateDynamicWorkerCounterIsMonotonic covers the dynamic half of
// invariant 5: successive dynamic workers of the same class get a strictly
// increasing counter suffix.
func TestFindOrCreateDynamicWorkerCounterIsMonotonic(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	first, err := r.FindOrCreate(ctx, "br01", "Worker", "", map[string]interface{}{}, 0, 0, false)
	require.NoError(t, err)
	second, err := r.FindOrCreate(ctx, "br01", "Worker", "", map[string]interface{}{}, 0, 0, false)
	require.NoError(t, err)

	assert.Equal(t, "Worker#1", first.ID)
	assert.Equal(t, "Worker#2", second.ID)
}

// TestPickBrokerSkipsInvalidatedBrokers verifies pickBroker removes a dead
// broker from the load ring and broadcasts salvage instead of returning it.
func TestPickBrokerSkipsInvalidatedBrokers(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:1", 1))
	require.NoError(t, r.Join(ctx, "br02", "test:ch", 20, "pvp", "1.2.3.4:2", 2))

	// br01 has the lowest load score and would be picked first, but only
	// br02 has a live subscriber: the dead br01 must be invalidated and
	// skipped in favor of br02.
	sub, err := r.Subscribe(ctx, "test:ch:br02")
	require.NoError(t, err)
	defer sub.Close()

	brokerID, addr, found, err := r.PickBroker(ctx, "pvp")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "br02", brokerID)
	assert.Equal(t, "1.2.3.4:2", addr)

	assert.Equal(t, BrokerInvalid, r.bh["br01"].State)
	_, stillInCZ := r.czFor("pvp").score("br01")
	assert.False(t, stillInCZ)
}

// TestFindBrokerInvalidatesDeadOwner verifies findBroker clears the owning
// broker link and reports code 2 when the owner does not answer its probe.
func TestFindBrokerInvalidatesDeadOwner(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:1", 1))
	r.wh["Worker#1"] = &memWorker{name: "Worker", brokerID: "br01"}

	res, err := r.FindBroker(ctx, "br02", "Worker#1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Code)
	assert.Equal(t, "br01", res.BrokerID)
	assert.Equal(t, BrokerInvalid, r.bh["br01"].State)
	assert.Empty(t, r.wh["Worker#1"].brokerID)
}

// TestInvariantWorkerExclusiveToOneWZOrRZ exercises invariant 1/2: a worker
// with a brokerId lives in exactly that broker's wz and never in rz, and a
// recoverable destroy moves it from wz to rz with its brokerId cleared.
func TestInvariantWorkerExclusiveToOneWZOrRZ(t *testing.T) {
	r := NewMemRegistry("test:ch")
	ctx := context.Background()

	require.NoError(t, r.Join(ctx, "br01", "test:ch", 10, "pvp", "1.2.3.4:1", 1))
	created, err := r.FindOrCreate(ctx, "br01", "Worker", "", map[string]interface{}{"recoverable": true}, 10, 0, false)
	require.NoError(t, err)

	_, inWZ := r.wzFor("br01").score(created.ID)
	assert.True(t, inWZ)
	_, inRZ := r.rz.score(created.ID)
	assert.False(t, inRZ)

	require.NoError(t, r.DestroyWorker(ctx, "br01", created.ID, DestroyModeRecoverable))

	_, inWZ = r.wzFor("br01").score(created.ID)
	assert.False(t, inWZ)
	_, inRZ = r.rz.score(created.ID)
	assert.True(t, inRZ)
	assert.Empty(t, r.wh[created.ID].brokerID)
}
