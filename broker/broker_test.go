package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoffjay/plantd/fleet/ferrors"
	"github.com/geoffjay/plantd/fleet/registry"
	"github.com/geoffjay/plantd/fleet/router"
	"github.com/geoffjay/plantd/fleet/wire"
	"github.com/geoffjay/plantd/fleet/worker"
)

// echoApp is a minimal Application used across this file's tests: OnAsk
// echoes its method and argument back unchanged in a map (or fails for the
// "fail" method), and the create, destroy and tell hooks are recorded for
// assertions.
type echoApp struct {
	mu        sync.Mutex
	onCreate  []wire.Cause
	onDestroy []wire.Cause
	onTell    []string
}

func (a *echoApp) OnCreate(info worker.CreateInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCreate = append(a.onCreate, info.Cause)
	return nil
}

func (a *echoApp) OnDestroy(info worker.DestroyInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDestroy = append(a.onDestroy, info.Cause)
	return nil
}

func (a *echoApp) OnAsk(method string, data interface{}) (interface{}, error) {
	if method == "fail" {
		return nil, assert.AnError
	}
	return map[string]interface{}{"method": method, "echo": data}, nil
}

func (a *echoApp) OnTell(method string, data interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onTell = append(a.onTell, method)
}

func (a *echoApp) tellCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.onTell)
}

func testConfig() Config {
	return Config{
		ClusterName:          "test",
		ChPrefix:             "fleet",
		RPCTimeout:           2 * time.Second,
		RetryInitialInterval: 20 * time.Millisecond,
		RetryMaxInterval:     100 * time.Millisecond,
		RetryDuration:        2 * time.Second,
	}.WithDefaults()
}

func startTestBroker(t *testing.T, id string, reg registry.Registry) *Broker {
	t.Helper()
	rt := router.New(time.Second)
	b := New(id, reg, rt, testConfig())

	b.RegisterClass("Echo", worker.Class{
		Name: "Echo",
		New: func(workerID string, attrs map[string]interface{}) worker.Application {
			return &echoApp{}
		},
	})

	require.NoError(t, b.Start(context.Background(), "127.0.0.1"))
	return b
}

func TestBrokerStartTransitionsToActive(t *testing.T) {
	reg := registry.NewMemRegistry("fleet")
	b := startTestBroker(t, "br1", reg)
	defer func() { _ = b.Destroy(context.Background(), false) }()

	assert.Equal(t, StateActive, b.State())
}

func TestCreateAndAskDispatchLocally(t *testing.T) {
	reg := registry.NewMemRegistry("fleet")
	b := startTestBroker(t, "br1", reg)
	defer func() { _ = b.Destroy(context.Background(), false) }()

	ctx := context.Background()
	agent, err := b.Create(ctx, "Echo", CreateOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, agent.ID())

	res, err := agent.Ask(ctx, "ping", "hello")
	require.NoError(t, err)

	m, ok := res.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ping", m["method"])
	assert.Equal(t, "hello", m["echo"])
}

func TestAskSurfacesApplicationError(t *testing.T) {
	reg := registry.NewMemRegistry("fleet")
	b := startTestBroker(t, "br1", reg)
	defer func() { _ = b.Destroy(context.Background(), false) }()

	ctx := context.Background()
	agent, err := b.Create(ctx, "Echo", CreateOptions{})
	require.NoError(t, err)

	_, err = agent.Ask(ctx, "fail", nil)
	require.Error(t, err)
}

func TestTellDispatchesWithoutResponse(t *testing.T) {
	reg := registry.NewMemRegistry("fleet")
	rt := router.New(time.Second)
	b := New("br1", reg, rt, testConfig())

	app := &echoApp{}
	b.RegisterClass("Echo", worker.Class{
		Name: "Echo",
		New: func(workerID string, attrs map[string]interface{}) worker.Application {
			return app
		},
	})
	require.NoError(t, b.Start(context.Background(), "127.0.0.1"))
	defer func() { _ = b.Destroy(context.Background(), false) }()

	ctx := context.Background()
	agent, err := b.Create(ctx, "Echo", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, agent.Tell(ctx, "nudge", nil))

	require.Eventually(t, func() bool { return app.tellCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestFindLocatesAnExistingWorker(t *testing.T) {
	reg := registry.NewMemRegistry("fleet")
	b := startTestBroker(t, "br1", reg)
	defer func() { _ = b.Destroy(context.Background(), false) }()

	ctx := context.Background()
	created, err := b.Create(ctx, "Echo", CreateOptions{ID: "fixed-1"})
	require.NoError(t, err)

	found, err := b.Find(ctx, created.ID())
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID(), found.ID())
}

func TestFindReturnsNilForUnknownWorker(t *testing.T) {
	reg := registry.NewMemRegistry("fleet")
	b := startTestBroker(t, "br1", reg)
	defer func() { _ = b.Destroy(context.Background(), false) }()

	found, err := b.Find(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, found)
}

// TestRemoteCreateAndAskRoutesAcrossBrokers builds two brokers sharing one
// MemRegistry, forces pickBroker to favor the second by reporting a lower
// load score for it, and confirms Create/Ask cross the router to the
// winning peer.
func TestRemoteCreateAndAskRoutesAcrossBrokers(t *testing.T) {
	reg := registry.NewMemRegistry("fleet")

	b1 := startTestBroker(t, "br1", reg)
	defer func() { _ = b1.Destroy(context.Background(), false) }()

	b2 := startTestBroker(t, "br2", reg)
	defer func() { _ = b2.Destroy(context.Background(), false) }()

	require.NoError(t, reg.UpdateLoad(context.Background(), "test", "br1", 100))
	require.NoError(t, reg.UpdateLoad(context.Background(), "test", "br2", 0))

	ctx := context.Background()
	agent, err := b1.Create(ctx, "Echo", CreateOptions{})
	require.NoError(t, err)

	res, err := agent.Ask(ctx, "ping", "remote")
	require.NoError(t, err)

	m, ok := res.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "remote", m["echo"])

	// The worker is also visible from br2: a find-only lookup through b2
	// resolves the same id.
	found, err := b2.Find(ctx, agent.ID())
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestDestroyRefusesWhileAlreadyDestroyed(t *testing.T) {
	reg := registry.NewMemRegistry("fleet")
	b := startTestBroker(t, "br1", reg)

	require.NoError(t, b.Destroy(context.Background(), false))
	err := b.Destroy(context.Background(), false)
	assert.Error(t, err)
}

func TestSelfDestroyWorkerRemovesItFromBroker(t *testing.T) {
	reg := registry.NewMemRegistry("fleet")
	b := startTestBroker(t, "br1", reg)
	defer func() { _ = b.Destroy(context.Background(), false) }()

	ctx := context.Background()
	agent, err := b.Create(ctx, "Echo", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, b.DestroyWorker(ctx, agent.ID(), false))

	infos := b.WorkerInfo()
	for _, info := range infos {
		assert.NotEqual(t, agent.ID(), info.ID)
	}
}

// TestAgentUnusableAfterBrokerDestroy verifies an Agent held across its
// broker's destroy reports InvalidState from both ask and tell rather than
// hanging on a router that no longer exists.
func TestAgentUnusableAfterBrokerDestroy(t *testing.T) {
	reg := registry.NewMemRegistry("fleet")
	b := startTestBroker(t, "br1", reg)

	ctx := context.Background()
	agent, err := b.Create(ctx, "Echo", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Destroy(ctx, false))

	var fe *ferrors.Error

	_, err = agent.Ask(ctx, "ping", nil)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ferrors.InvalidState, fe.Kind)

	err = agent.Tell(ctx, "ping", nil)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ferrors.InvalidState, fe.Kind)
}

func TestRestartAfterDestroyReachesActiveAgain(t *testing.T) {
	reg := registry.NewMemRegistry("fleet")
	b := startTestBroker(t, "br1", reg)

	require.NoError(t, b.Destroy(context.Background(), false))
	assert.Equal(t, StateDestroyed, b.State())

	require.NoError(t, b.Start(context.Background(), "127.0.0.1"))
	defer func() { _ = b.Destroy(context.Background(), false) }()

	assert.Equal(t, StateActive, b.State())
}
