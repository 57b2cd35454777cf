// Package session tracks the calls currently bridged by this process.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("call not found")

// Call is a snapshot of one bridged media stream.
type Call struct {
	ID                string     `json:"call_id"`
	Status            Status     `json:"status"`
	StreamSID         string     `json:"stream_sid,omitempty"`
	CallSID           string     `json:"call_sid,omitempty"`
	InterruptionCount int        `json:"interruption_count"`
	AppointmentCount  int        `json:"appointment_count"`
	EndReason         string     `json:"end_reason,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

type entry struct {
	call   Call
	cancel context.CancelFunc
}

// Manager is the process-wide call registry. It satisfies relay.Tracker.
type Manager struct {
	mu        sync.RWMutex
	calls     map[string]*entry
	retention time.Duration
}

// NewManager keeps ended calls visible for retention before the janitor drops
// them.
func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Manager{
		calls:     make(map[string]*entry),
		retention: retention,
	}
}

// Create registers a new active call. cancel is invoked by CloseAll.
func (m *Manager) Create(cancel context.CancelFunc) Call {
	now := time.Now().UTC()
	e := &entry{
		call: Call{
			ID:             uuid.NewString(),
			Status:         StatusActive,
			StartedAt:      now,
			LastActivityAt: now,
		},
		cancel: cancel,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[e.call.ID] = e
	return e.call
}

func (m *Manager) Get(callID string) (Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return e.call, nil
}

// List returns every tracked call, newest first.
func (m *Manager) List() []Call {
	m.mu.RLock()
	out := make([]Call, 0, len(m.calls))
	for _, e := range m.calls {
		out = append(out, e.call)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) AttachStream(callID, streamSID, callSID string) error {
	return m.update(callID, func(c *Call) {
		c.StreamSID = streamSID
		if callSID != "" {
			c.CallSID = callSID
		}
	})
}

func (m *Manager) RecordInterruption(callID string) error {
	return m.update(callID, func(c *Call) { c.InterruptionCount++ })
}

func (m *Manager) RecordAppointment(callID string) error {
	return m.update(callID, func(c *Call) { c.AppointmentCount++ })
}

func (m *Manager) End(callID, reason string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	if e.call.Status == StatusEnded {
		return e.call, nil
	}
	now := time.Now().UTC()
	e.call.Status = StatusEnded
	e.call.EndReason = reason
	e.call.EndedAt = &now
	e.call.LastActivityAt = now
	e.cancel = nil
	return e.call, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.calls {
		if e.call.Status == StatusActive {
			count++
		}
	}
	return count
}

// CloseAll cancels every active call. Used on shutdown.
func (m *Manager) CloseAll() int {
	m.mu.RLock()
	var cancels []context.CancelFunc
	for _, e := range m.calls {
		if e.call.Status == StatusActive && e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	m.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// WaitIdle blocks until no call is active or ctx ends.
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for m.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pruneEnded(time.Now().UTC())
			}
		}
	}()
}

func (m *Manager) pruneEnded(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, e := range m.calls {
		if e.call.EndedAt == nil || now.Sub(*e.call.EndedAt) < m.retention {
			continue
		}
		delete(m.calls, id)
		pruned++
	}
	return pruned
}

func (m *Manager) update(callID string, fn func(*Call)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	fn(&e.call)
	e.call.LastActivityAt = time.Now().UTC()
	return nil
}
