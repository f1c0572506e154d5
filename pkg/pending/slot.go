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

// Package pending implements the single-entry rendezvous between an inbound
// request that needs user consent and the consent action that answers it.
//
// Each request kind owns one Slot. A slot holds at most one pending entry.
// Submitting while an entry is pending supersedes it: the old waiter's
// channel is closed without a value and the new entry takes its place.
// Completing takes the pending entry out of the slot and delivers the
// outcome to its waiter exactly once.
//
//	slot := pending.NewSlot[Request, []byte]("signing", nil)
//	ticket, ch := slot.Submit(req)
//	...
//	// consent side
//	_ = slot.CompleteTicket(ticket, pending.Ok(signature))
//	...
//	// inbound side
//	signature, err := pending.Await(ctx, ch)
package pending

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
)

// State is the lifecycle state of a slot entry.
type State int32

const (
	Idle State = iota
	Pending
	Fulfilled
	Superseded
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Superseded:
		return "superseded"
	default:
		return "idle"
	}
}

// Ticket identifies one submitted entry.
type Ticket string

// NewTicket returns a random ticket.
func NewTicket() Ticket {
	return Ticket(uuid.NewString())
}

// Outcome is what the consent action delivers to the waiter.
type Outcome[R any] struct {
	Value R
	Err   error
}

// Ok returns a successful outcome.
func Ok[R any](value R) Outcome[R] {
	return Outcome[R]{Value: value}
}

// Fail returns a failed outcome.
func Fail[R any](err error) Outcome[R] {
	return Outcome[R]{Err: err}
}

// Transition describes one state change of an entry.
type Transition struct {
	Kind   string
	Ticket Ticket
	From   State
	To     State
}

// Observer is notified of every transition after it has happened.
type Observer func(Transition)

type entry[D, R any] struct {
	ticket Ticket
	data   D
	ch     chan Outcome[R]
	state  atomic.Int32
}

func (e *entry[D, R]) transition(from, to State) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}

// historySize bounds how many retired tickets State can still answer for.
const historySize = 64

// Slot is the pending-request slot for one request kind. The zero value is
// not usable; call NewSlot.
type Slot[D, R any] struct {
	kind     string
	current  atomic.Pointer[entry[D, R]]
	observer Observer

	mu      sync.Mutex
	history [historySize]*entry[D, R]
	next    int
}

// NewSlot returns an idle slot for kind. observer may be nil.
func NewSlot[D, R any](kind string, observer Observer) *Slot[D, R] {
	return &Slot[D, R]{kind: kind, observer: observer}
}

// Kind returns the request kind this slot serves.
func (s *Slot[D, R]) Kind() string {
	return s.kind
}

// Submit registers data as the pending entry and returns its ticket and the
// channel the caller awaits. A previously pending entry is superseded and its
// channel closed without a value.
func (s *Slot[D, R]) Submit(data D) (Ticket, <-chan Outcome[R]) {
	e := &entry[D, R]{
		ticket: NewTicket(),
		data:   data,
		ch:     make(chan Outcome[R], 1),
	}
	e.state.Store(int32(Pending))

	old := s.current.Swap(e)
	s.notify(e.ticket, Idle, Pending)

	if old != nil && old.transition(Pending, Superseded) {
		close(old.ch)
		s.retire(old)
		s.notify(old.ticket, Pending, Superseded)
	}
	return e.ticket, e.ch
}

// Complete delivers outcome to whichever entry is pending.
// It returns types.ErrNoPendingRequest when the slot is empty.
func (s *Slot[D, R]) Complete(outcome Outcome[R]) error {
	for {
		e := s.current.Load()
		if e == nil {
			return types.ErrNoPendingRequest
		}
		if s.current.CompareAndSwap(e, nil) {
			s.fulfill(e, outcome)
			return nil
		}
	}
}

// CompleteTicket delivers outcome only if ticket is still the pending entry.
// An answer to a superseded prompt yields types.ErrNoPendingRequest.
func (s *Slot[D, R]) CompleteTicket(ticket Ticket, outcome Outcome[R]) error {
	e := s.current.Load()
	if e == nil || e.ticket != ticket {
		return types.ErrNoPendingRequest
	}
	if !s.current.CompareAndSwap(e, nil) {
		return types.ErrNoPendingRequest
	}
	s.fulfill(e, outcome)
	return nil
}

func (s *Slot[D, R]) fulfill(e *entry[D, R], outcome Outcome[R]) {
	// Only Submit can race us for e, and it has already swapped e out of
	// the slot if it won.
	if !e.transition(Pending, Fulfilled) {
		return
	}
	e.ch <- outcome
	s.retire(e)
	s.notify(e.ticket, Pending, Fulfilled)
}

// Peek returns the ticket and data of the pending entry without changing
// its state.
func (s *Slot[D, R]) Peek() (Ticket, D, bool) {
	e := s.current.Load()
	if e == nil {
		var zero D
		return "", zero, false
	}
	return e.ticket, e.data, true
}

// Pending reports whether an entry is waiting for consent.
func (s *Slot[D, R]) Pending() bool {
	return s.current.Load() != nil
}

// State returns the state of ticket. Tickets that are unknown or have aged
// out of the retained history report Idle.
func (s *Slot[D, R]) State(ticket Ticket) State {
	if e := s.current.Load(); e != nil && e.ticket == ticket {
		return State(e.state.Load())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.history {
		if e != nil && e.ticket == ticket {
			return State(e.state.Load())
		}
	}
	return Idle
}

func (s *Slot[D, R]) retire(e *entry[D, R]) {
	s.mu.Lock()
	s.history[s.next] = e
	s.next = (s.next + 1) % historySize
	s.mu.Unlock()
}

func (s *Slot[D, R]) notify(ticket Ticket, from, to State) {
	if s.observer != nil {
		s.observer(Transition{Kind: s.kind, Ticket: ticket, From: from, To: to})
	}
}

// Await blocks until the outcome for ch arrives or ctx is done. A channel
// closed without a value means the entry was superseded and yields
// types.ErrChannelClosed. Cancelling ctx abandons the wait without touching
// the slot.
func Await[R any](ctx context.Context, ch <-chan Outcome[R]) (R, error) {
	var zero R
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case outcome, ok := <-ch:
		if !ok {
			return zero, types.ErrChannelClosed
		}
		if outcome.Err != nil {
			return zero, outcome.Err
		}
		return outcome.Value, nil
	}
}
