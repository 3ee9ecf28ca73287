package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// allowedTransitions lists the only status edges the model accepts.
// error has no outgoing edge.
var allowedTransitions = map[ConnectionStatus][]ConnectionStatus{
	StatusStarting:     {StatusRunning},
	StatusRunning:      {StatusDisconnected, StatusError},
	StatusDisconnected: {StatusRunning, StatusError},
}

// canTransition reports whether moving from one status to another is a legal edge.
// Staying in the same status is always accepted.
func canTransition(from, to ConnectionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusModel holds the volatile health record of the relay.
// Counters are atomic; status, connection flag and last event share a lock.
// It is safe for concurrent use.
type StatusModel struct {
	startTime time.Time
	now       func() time.Time

	sent   atomic.Int64
	failed atomic.Int64

	mu        sync.RWMutex
	status    ConnectionStatus
	connected bool
	lastEvent *LastEvent
}

// NewStatusModel creates a model in the starting state with the start time fixed to now.
func NewStatusModel() *StatusModel {
	return newStatusModelWithClock(time.Now)
}

func newStatusModelWithClock(now func() time.Time) *StatusModel {
	return &StatusModel{
		startTime: now(),
		now:       now,
		status:    StatusStarting,
	}
}

// Transition moves the model to the given status if the edge is legal and records the
// transport link state. The link flag is updated even when the status change is rejected.
func (m *StatusModel) Transition(to ConnectionStatus, connected *bool) (from ConnectionStatus, accepted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if connected != nil {
		m.connected = *connected
	}

	from = m.status
	if !canTransition(from, to) {
		return from, false
	}
	m.status = to
	return from, true
}

// RecordEvent overwrites the last event summary with the given donation.
func (m *StatusModel) RecordEvent(event DonationEvent) LastEvent {
	last := LastEvent{
		Timestamp:       formatTimestamp(m.now()),
		DonatorNickname: event.DonatorNickname(),
		TotalAmount:     event.TotalAmount(),
		TransactionID:   event.TransactionID(),
	}

	m.mu.Lock()
	m.lastEvent = &last
	m.mu.Unlock()

	return last
}

func (m *StatusModel) IncrementSent() int64   { return m.sent.Add(1) }
func (m *StatusModel) IncrementFailed() int64 { return m.failed.Add(1) }

func (m *StatusModel) Status() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *StatusModel) StartTime() time.Time {
	return m.startTime
}

// Snapshot returns a copy that is safe to read without further locking.
func (m *StatusModel) Snapshot() StatusSnapshot {
	m.mu.RLock()
	snap := StatusSnapshot{
		Status:          m.status,
		PusherConnected: m.connected,
		StartTime:       m.startTime,
	}
	if m.lastEvent != nil {
		last := *m.lastEvent
		snap.LastEvent = &last
	}
	m.mu.RUnlock()

	snap.WebhooksSent = m.sent.Load()
	snap.WebhooksFailed = m.failed.Load()
	return snap
}

// Uptime returns the elapsed time since start, truncated to whole seconds.
func (m *StatusModel) Uptime(now time.Time) time.Duration {
	elapsed := now.Sub(m.startTime)
	if elapsed < 0 {
		return 0
	}
	return elapsed.Truncate(time.Second)
}
