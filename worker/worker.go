// Package worker implements the local worker instance lifecycle and the
// location-transparent Agent handle described by the broker's worker
// contract. It never talks to the registry or the router directly: a
// Broker drives every transition and owns the plumbing those calls need.
package worker

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/geoffjay/plantd/fleet/ferrors"
	"github.com/geoffjay/plantd/fleet/wire"
)

// State is a worker instance's lifecycle stage.
type State string

const (
	StateInactive   State = "inactive"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateDestroying State = "destroying"
	StateDestroyed  State = "destroyed"
)

// CreateInfo is passed to Application.OnCreate.
type CreateInfo struct {
	Cause wire.Cause
}

// DestroyInfo is passed to Application.OnDestroy.
type DestroyInfo struct {
	Cause wire.Cause
}

// Application is the user-supplied set of hooks a worker class implements.
// Rejections from OnCreate (logged by Worker.Activate) and OnDestroy
// (logged by the Broker) are swallowed; an error from OnAsk is wrapped as
// ferrors.ApplicationError and propagated to the requesting Agent.
type Application interface {
	OnCreate(info CreateInfo) error
	OnDestroy(info DestroyInfo) error
	OnAsk(method string, data interface{}) (interface{}, error)
	OnTell(method string, data interface{})
}

// Worker is a single local instance: immutable identity plus the mutable
// state and load the broker's periodic accounting and hook dispatch read
// and write.
type Worker struct {
	mu sync.Mutex

	id         string
	name       string
	attributes map[string]interface{}
	brokerID   string
	app        Application

	state          State
	load           int
	pendingDestroy bool
	destroyCause   wire.Cause
}

// New constructs a worker instance in StateInactive. The Broker transitions
// it through Activate once the registry has confirmed ownership.
func New(id, name string, attributes map[string]interface{}, brokerID string, app Application) *Worker {
	return &Worker{
		id:         id,
		name:       name,
		attributes: attributes,
		brokerID:   brokerID,
		app:        app,
		state:      StateInactive,
	}
}

// ID is the worker's system-wide unique identifier.
func (w *Worker) ID() string { return w.id }

// Name is the owning class name.
func (w *Worker) Name() string { return w.name }

// Attributes is the opaque bag supplied at creation.
func (w *Worker) Attributes() map[string]interface{} { return w.attributes }

// Static reports whether this worker's id is its class name.
func (w *Worker) Static() bool {
	v, _ := w.attributes["static"].(bool)
	return v
}

// Recoverable reports whether this worker is eligible for relocation to the
// recovery set when its owning broker dies.
func (w *Worker) Recoverable() bool {
	v, _ := w.attributes["recoverable"].(bool)
	return v
}

// State returns the worker's current lifecycle stage.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Load returns the worker's current non-negative load value.
func (w *Worker) Load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load
}

// SetLoad replaces the worker's load. Writes are rejected when
// the worker is destroyed or the new value is negative; the caller (the
// broker's load accounting) is responsible for marking its aggregate dirty
// on success.
func (w *Worker) SetLoad(v int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateDestroyed {
		return ferrors.NewInvalidState("setLoad", "destroyed")
	}
	if v < 0 {
		return ferrors.New(ferrors.InvalidState, "load must be non-negative", nil)
	}

	w.load = v
	return nil
}

// Activate runs the activating -> active transition: invoke OnCreate, then
// settle in StateActive. If a self-destroy was requested while activating,
// the caller (the broker's handleCreateWorker) must follow up with the
// deferred destroy;
// Activate reports whether one is now pending via Worker.TakePendingDestroy.
func (w *Worker) Activate(cause wire.Cause) error {
	w.mu.Lock()
	if w.state != StateInactive {
		w.mu.Unlock()
		return ferrors.NewInvalidState("activate", string(w.state))
	}
	w.state = StateActivating
	w.mu.Unlock()

	info := CreateInfo{Cause: cause}
	// OnCreate rejection is logged here and swallowed; Activate itself
	// never fails on the application's account.
	if err := w.app.OnCreate(info); err != nil {
		log.WithError(err).WithField("workerId", w.id).Debug("onCreate rejected, ignoring")
	}

	w.mu.Lock()
	w.state = StateActive
	w.mu.Unlock()

	return nil
}

// TakePendingDestroy reports and clears a destroy that was requested while
// the worker was still activating, along with the cause it was requested
// with.
func (w *Worker) TakePendingDestroy() (wire.Cause, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.pendingDestroy {
		return "", false
	}
	w.pendingDestroy = false
	return w.destroyCause, true
}

// RequestDestroy transitions the worker toward destroyed. If the worker is
// still StateActivating, the destroy is deferred: a pending flag is set and
// false is returned so the caller knows not to run OnDestroy yet. If the
// worker is already destroying or destroyed, this is a no-op reporting
// false. Otherwise the worker moves to StateDestroying and true is returned,
// meaning the caller should invoke OnDestroy and then Destroyed.
func (w *Worker) RequestDestroy(cause wire.Cause) (ready bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateActivating:
		w.pendingDestroy = true
		w.destroyCause = cause
		return false
	case StateDestroying, StateDestroyed:
		return false
	default:
		w.state = StateDestroying
		return true
	}
}

// Destroyed completes the destroying -> destroyed transition after the
// caller has run OnDestroy.
func (w *Worker) Destroyed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateDestroyed
}

// InvokeOnDestroy calls the application's OnDestroy hook. Its rejection is
// the caller's to log and swallow, per the worker contract.
func (w *Worker) InvokeOnDestroy(cause wire.Cause) error {
	return w.app.OnDestroy(DestroyInfo{Cause: cause})
}

// Ask dispatches method/data to the application's OnAsk hook, wrapping any
// returned error as a ferrors.ApplicationError named after the method, with
// the error's text as its message, so both survive the trip back to the
// requesting Agent.
func (w *Worker) Ask(method string, data interface{}) (interface{}, error) {
	res, err := w.app.OnAsk(method, data)
	if err != nil {
		return nil, ferrors.NewApplicationError(method, err.Error())
	}
	return res, nil
}

// Tell dispatches method/data to the application's OnTell hook. Tell never
// fails visibly: it completes once the frame is flushed by the caller.
func (w *Worker) Tell(method string, data interface{}) {
	w.app.OnTell(method, data)
}
