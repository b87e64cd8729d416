package worker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoffjay/plantd/fleet/ferrors"
	"github.com/geoffjay/plantd/fleet/wire"
)

type stubApp struct {
	createCause  wire.Cause
	createCalled bool
	createErr    error
	destroyCause wire.Cause
	destroyCalls int
	askResult    interface{}
	askErr       error
	toldMethod   string
	toldData     interface{}
}

func (s *stubApp) OnCreate(info CreateInfo) error {
	s.createCalled = true
	s.createCause = info.Cause
	return s.createErr
}

func (s *stubApp) OnDestroy(info DestroyInfo) error {
	s.destroyCalls++
	s.destroyCause = info.Cause
	return nil
}

func (s *stubApp) OnAsk(method string, data interface{}) (interface{}, error) {
	return s.askResult, s.askErr
}

func (s *stubApp) OnTell(method string, data interface{}) {
	s.toldMethod = method
	s.toldData = data
}

func TestActivateRunsOnCreateAndSettlesActive(t *testing.T) {
	app := &stubApp{}
	w := New("Worker#1", "Worker", nil, "br01", app)

	require.NoError(t, w.Activate(wire.CauseNew))

	assert.Equal(t, StateActive, w.State())
	assert.True(t, app.createCalled)
	assert.Equal(t, wire.CauseNew, app.createCause)
}

func TestActivateRejectsWrongState(t *testing.T) {
	app := &stubApp{}
	w := New("Worker#1", "Worker", nil, "br01", app)
	require.NoError(t, w.Activate(wire.CauseNew))

	err := w.Activate(wire.CauseNew)
	require.Error(t, err)
	var fe *ferrors.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ferrors.InvalidState, fe.Kind)
}

func TestOnCreateRejectionIsSwallowed(t *testing.T) {
	app := &stubApp{createErr: errors.New("boom")}
	w := New("Worker#1", "Worker", nil, "br01", app)

	require.NoError(t, w.Activate(wire.CauseNew))
	assert.Equal(t, StateActive, w.State())
}

func TestRequestDestroyWhileActivatingDefers(t *testing.T) {
	app := &stubApp{}
	w := New("Worker#1", "Worker", nil, "br01", app)

	w.mu.Lock()
	w.state = StateActivating
	w.mu.Unlock()

	ready := w.RequestDestroy(wire.CauseSelf)
	assert.False(t, ready)

	cause, pending := w.TakePendingDestroy()
	assert.True(t, pending)
	assert.Equal(t, wire.CauseSelf, cause)

	_, pending = w.TakePendingDestroy()
	assert.False(t, pending)
}

func TestRequestDestroyFromActiveIsImmediate(t *testing.T) {
	app := &stubApp{}
	w := New("Worker#1", "Worker", nil, "br01", app)
	require.NoError(t, w.Activate(wire.CauseNew))

	ready := w.RequestDestroy(wire.CauseSystem)
	assert.True(t, ready)
	assert.Equal(t, StateDestroying, w.State())

	w.Destroyed()
	assert.Equal(t, StateDestroyed, w.State())
}

func TestRequestDestroyIsNoOpWhenAlreadyDestroying(t *testing.T) {
	app := &stubApp{}
	w := New("Worker#1", "Worker", nil, "br01", app)
	require.NoError(t, w.Activate(wire.CauseNew))
	require.True(t, w.RequestDestroy(wire.CauseSystem))

	assert.False(t, w.RequestDestroy(wire.CauseSelf))
}

func TestSetLoadRejectsNegativeAndDestroyed(t *testing.T) {
	app := &stubApp{}
	w := New("Worker#1", "Worker", nil, "br01", app)

	require.Error(t, w.SetLoad(-1))

	require.NoError(t, w.SetLoad(5))
	assert.Equal(t, 5, w.Load())

	require.NoError(t, w.Activate(wire.CauseNew))
	require.True(t, w.RequestDestroy(wire.CauseSystem))
	w.Destroyed()

	require.Error(t, w.SetLoad(1))
}

func TestAskWrapsApplicationError(t *testing.T) {
	app := &stubApp{askErr: errors.New("nope")}
	w := New("Worker#1", "Worker", nil, "br01", app)

	_, err := w.Ask("do", "x")
	require.Error(t, err)
	var fe *ferrors.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ferrors.ApplicationError, fe.Kind)
	assert.Equal(t, "do", fe.Context["name"])
}

func TestAskReturnsResultOnSuccess(t *testing.T) {
	app := &stubApp{askResult: 42}
	w := New("Worker#1", "Worker", nil, "br01", app)

	res, err := w.Ask("do", "x")
	require.NoError(t, err)
	assert.Equal(t, 42, res)
}

func TestTellInvokesHook(t *testing.T) {
	app := &stubApp{}
	w := New("Worker#1", "Worker", nil, "br01", app)

	w.Tell("ping", "data")
	assert.Equal(t, "ping", app.toldMethod)
	assert.Equal(t, "data", app.toldData)
}

func TestStaticAndRecoverableReadAttributes(t *testing.T) {
	w := New("Worker", "Worker", map[string]interface{}{"static": true, "recoverable": true}, "br01", &stubApp{})
	assert.True(t, w.Static())
	assert.True(t, w.Recoverable())
}
