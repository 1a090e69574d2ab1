package engine

import (
	"sync"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
)

// SlotManager bounds live fetches to a fixed number of slots and tracks
// per-slot status for the progress view. Exactly Size() slots exist for the
// lifetime of the run; Acquire blocks until one is free and no slot is ever
// handed to two holders at once. Unblocking order is whatever the runtime
// gives us.
type SlotManager struct {
	free chan int

	mu     sync.Mutex
	states []domain.SlotState
}

// NewSlotManager creates n idle slots with ids 1..n.
func NewSlotManager(n int) *SlotManager {
	m := &SlotManager{
		free:   make(chan int, n),
		states: make([]domain.SlotState, n),
	}
	for i := 1; i <= n; i++ {
		m.free <- i
		m.states[i-1] = domain.SlotState{ID: i, Status: domain.SlotIdle}
	}
	return m
}

// Size returns the fixed slot count.
func (m *SlotManager) Size() int {
	return cap(m.free)
}

// Acquire blocks until a slot is free and returns its id.
func (m *SlotManager) Acquire() int {
	return <-m.free
}

// Release marks the slot idle and returns it to the pool.
func (m *SlotManager) Release(id int) {
	m.SetIdle(id)
	m.free <- id
}

// SetWorking marks the slot as fetching url.
func (m *SlotManager) SetWorking(id int, url string) {
	m.mu.Lock()
	m.states[id-1].Status = domain.SlotWorking
	m.states[id-1].URL = url
	m.mu.Unlock()
}

// SetIdle clears the slot's status.
func (m *SlotManager) SetIdle(id int) {
	m.mu.Lock()
	m.states[id-1].Status = domain.SlotIdle
	m.states[id-1].URL = ""
	m.mu.Unlock()
}

// Snapshot copies the current slot states, ordered by id.
func (m *SlotManager) Snapshot() []domain.SlotState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SlotState, len(m.states))
	copy(out, m.states)
	return out
}
