package broker

import "sync"

// State is the broker's lifecycle stage: inactive -> activating -> active
// -> destroying -> destroyed, with destroyed -> activating permitted via
// restart. Any other transition is rejected.
type State string

const (
	StateInactive   State = "inactive"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateDestroying State = "destroying"
	StateDestroyed  State = "destroyed"
)

// status tracks the broker's lifecycle state plus error telemetry a health
// endpoint can report, guarded by its own lock since it is read from
// outside the broker's serialized command loop (e.g. by an HTTP handler)
// while the loop itself is writing it.
type status struct {
	sync.RWMutex
	state      State
	errorCount int
	lastError  error
}

func (s *status) setState(v State) {
	s.Lock()
	s.state = v
	s.Unlock()
}

func (s *status) getState() State {
	s.RLock()
	defer s.RUnlock()
	return s.state
}

func (s *status) setLastError(err error) {
	if err == nil {
		return
	}
	s.Lock()
	s.lastError = err
	s.errorCount++
	s.Unlock()
}

func (s *status) getErrorCount() int {
	s.RLock()
	defer s.RUnlock()
	return s.errorCount
}

func (s *status) getLastError() error {
	s.RLock()
	defer s.RUnlock()
	return s.lastError
}

// State returns the broker's current lifecycle stage.
func (b *Broker) State() State { return b.status.getState() }

// ErrorCount returns the number of errors recorded since the broker was
// built, for a health endpoint to surface.
func (b *Broker) ErrorCount() int { return b.status.getErrorCount() }

// LastError returns the most recently recorded error, if any.
func (b *Broker) LastError() error { return b.status.getLastError() }
