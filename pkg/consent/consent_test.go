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
	"bytes"
	"context"
	"testing"

	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/correlation"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_FansOutToEverySubscriber(t *testing.T) {
	n := NewNotifier(nil)
	first, unsubscribeFirst := n.Subscribe(4)
	second, unsubscribeSecond := n.Subscribe(4)
	defer unsubscribeSecond()
	assert.Equal(t, 2, n.Subscribers())

	choice := CertificateChoice{
		Ticket:     "t1",
		Candidates: []types.CertificateSummary{{ID: []byte{0x01}, Label: "Signing"}},
	}
	require.NoError(t, n.PresentCertificateChoice(context.Background(), choice))

	for _, ch := range []<-chan Prompt{first, second} {
		prompt := <-ch
		assert.Equal(t, KindCertificate, prompt.Kind)
		require.NotNil(t, prompt.Certificate)
		assert.Equal(t, choice, *prompt.Certificate)
	}

	unsubscribeFirst()
	assert.Equal(t, 1, n.Subscribers())
	require.NoError(t, n.PresentSigningConsent(context.Background(), SigningSummary{Ticket: "t2", Digest: "abcd"}))
	prompt := <-second
	require.NotNil(t, prompt.Signing)
	assert.Equal(t, "t2", string(prompt.Signing.Ticket))
}

func TestNotifier_Subscribe(t *testing.T) {
	n := NewNotifier(nil)
	ch, unsubscribe := n.Subscribe(4)

	require.NoError(t, n.PresentSigningConsent(context.Background(), SigningSummary{Ticket: "t1"}))
	prompt := <-ch
	assert.Equal(t, KindSigning, prompt.Kind)
	require.NotNil(t, prompt.Signing)
	assert.Nil(t, prompt.Certificate)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel
	assert.NoError(t, n.PresentCertificateChoice(context.Background(), CertificateChoice{Ticket: "t2"}))
}

func TestNotifier_SlowSubscriberDoesNotBlock(t *testing.T) {
	n := NewNotifier(nil)
	_, unsubscribe := n.Subscribe(0)
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		assert.NoError(t, n.PresentSigningConsent(context.Background(), SigningSummary{}))
	}
}

type recordingPrompter struct {
	choices   int
	summaries int
}

func (r *recordingPrompter) PresentCertificateChoice(context.Context, CertificateChoice) error {
	r.choices++
	return nil
}

func (r *recordingPrompter) PresentSigningConsent(context.Context, SigningSummary) error {
	r.summaries++
	return nil
}

func TestNotifier_ForwardsToNext(t *testing.T) {
	next := &recordingPrompter{}
	n := NewNotifier(next)

	require.NoError(t, n.PresentCertificateChoice(context.Background(), CertificateChoice{}))
	require.NoError(t, n.PresentSigningConsent(context.Background(), SigningSummary{}))
	assert.Equal(t, 1, next.choices)
	assert.Equal(t, 1, next.summaries)
}

func TestLogPrompter(t *testing.T) {
	var buf bytes.Buffer
	p := &LogPrompter{Logger: logger.NewSlogAdapter(&logger.SlogConfig{Output: &buf, Level: logger.LevelInfo})}
	ctx := correlation.WithCorrelationID(context.Background(), "req-1")

	require.NoError(t, p.PresentCertificateChoice(ctx, CertificateChoice{
		Ticket:     "t1",
		Candidates: []types.CertificateSummary{{ID: []byte{0xab}}},
	}))
	require.NoError(t, p.PresentSigningConsent(ctx, SigningSummary{Ticket: "t2", Fingerprint: "01"}))

	out := buf.String()
	assert.Contains(t, out, "Certificate selection requested")
	assert.Contains(t, out, "Signing consent requested")
	assert.Contains(t, out, "req-1")
	assert.Contains(t, out, "ab")

	// A prompter without a logger is silent
	assert.NoError(t, (&LogPrompter{}).PresentSigningConsent(ctx, SigningSummary{}))
}
