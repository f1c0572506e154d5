// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tokenbroker.
//
// go-tokenbroker is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package audit

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity is the number of events a MemoryJournal retains.
const DefaultMemoryCapacity = 1024

// MemoryJournal keeps the most recent events in a ring buffer.
type MemoryJournal struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
	closed bool
}

// NewMemoryJournal returns a journal that retains up to capacity events.
func NewMemoryJournal(capacity int) *MemoryJournal {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryJournal{events: make([]Event, capacity)}
}

func (m *MemoryJournal) Record(_ context.Context, event Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.events[m.next] = event
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

func (m *MemoryJournal) List(_ context.Context, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	count := m.next
	if m.full {
		count = len(m.events)
	}
	if limit <= 0 || limit > count {
		limit = count
	}

	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.events)) % len(m.events)
		out = append(out, m.events[idx])
	}
	return out, nil
}

func (m *MemoryJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
