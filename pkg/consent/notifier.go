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

package consent

import (
	"context"
	"sync"
)

// Prompt is one notification published by a Notifier. Exactly one of
// Certificate and Signing is set.
type Prompt struct {
	Kind        Kind
	Certificate *CertificateChoice
	Signing     *SigningSummary
}

// Notifier fans prompts out to subscribers, such as the consent event
// stream. Slow subscribers miss prompts rather than block the broker.
type Notifier struct {
	next Prompter

	mu          sync.RWMutex
	subscribers map[chan Prompt]struct{}
}

// NewNotifier returns a notifier that also forwards to next, which may be nil.
func NewNotifier(next Prompter) *Notifier {
	return &Notifier{
		next:        next,
		subscribers: make(map[chan Prompt]struct{}),
	}
}

func (n *Notifier) PresentCertificateChoice(ctx context.Context, choice CertificateChoice) error {
	n.publish(Prompt{Kind: KindCertificate, Certificate: &choice})
	if n.next != nil {
		return n.next.PresentCertificateChoice(ctx, choice)
	}
	return nil
}

func (n *Notifier) PresentSigningConsent(ctx context.Context, summary SigningSummary) error {
	n.publish(Prompt{Kind: KindSigning, Signing: &summary})
	if n.next != nil {
		return n.next.PresentSigningConsent(ctx, summary)
	}
	return nil
}

// Subscribe returns a channel of future prompts and a function that
// unsubscribes and closes it.
func (n *Notifier) Subscribe(buffer int) (<-chan Prompt, func()) {
	ch := make(chan Prompt, buffer)
	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subscribers, ch)
			n.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

func (n *Notifier) publish(p Prompt) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.subscribers {
		select {
		case ch <- p:
		default:
		}
	}
}
