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

package broker_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/jeremyhahn/go-tokenbroker/pkg/audit"
	"github.com/jeremyhahn/go-tokenbroker/pkg/broker"
	"github.com/jeremyhahn/go-tokenbroker/pkg/certdir"
	"github.com/jeremyhahn/go-tokenbroker/pkg/consent"
	"github.com/jeremyhahn/go-tokenbroker/pkg/correlation"
	"github.com/jeremyhahn/go-tokenbroker/pkg/signing"
	"github.com/jeremyhahn/go-tokenbroker/pkg/token"
	"github.com/jeremyhahn/go-tokenbroker/pkg/token/mocks"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/jeremyhahn/go-tokenbroker/pkg/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPIN = "1234"

type harness struct {
	broker  *broker.Broker
	mod     *mocks.MockModule
	tok     *mocks.Token
	ident   *mocks.Identity
	trusted *ecdsa.PrivateKey
	prompts <-chan consent.Prompt
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lib, err := mocks.WriteFakeLibrary(t.TempDir())
	require.NoError(t, err)
	mod := mocks.NewMockModule()
	tok := mod.AddToken(testPIN)
	ident, err := mocks.NewRSAIdentity([]byte{0x01}, "Alice Signing", x509.SHA256WithRSA)
	require.NoError(t, err)
	tok.AddIdentity(ident)

	trusted, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	auth, err := verification.NewAuthenticator(&verification.Config{
		TrustedKey: &trusted.PublicKey,
		Clock:      func() time.Time { return now },
	})
	require.NoError(t, err)

	gw := token.NewGateway(&token.Config{Library: lib, Loader: mod.Loader()})
	notifier := consent.NewNotifier(nil)
	prompts, unsubscribe := notifier.Subscribe(8)
	t.Cleanup(unsubscribe)

	b, err := broker.New(broker.Options{
		Directory:     certdir.New(gw, nil),
		Signer:        signing.NewEngine(gw, nil),
		Authenticator: auth,
		Prompter:      notifier,
		Journal:       audit.NewMemoryJournal(32),
	})
	require.NoError(t, err)

	return &harness{
		broker:  b,
		mod:     mod,
		tok:     tok,
		ident:   ident,
		trusted: trusted,
		prompts: prompts,
		now:     now,
	}
}

func (h *harness) counterSign(t *testing.T, certHex, timestamp string) string {
	t.Helper()
	digest := sha256.Sum256(verification.CanonicalMessage(certHex, timestamp))
	sig, err := ecdsa.SignASN1(rand.Reader, h.trusted, digest[:])
	require.NoError(t, err)
	return hex.EncodeToString(sig)
}

func (h *harness) waitPrompt(t *testing.T, kind consent.Kind) consent.Prompt {
	t.Helper()
	select {
	case p := <-h.prompts:
		require.Equal(t, kind, p.Kind)
		return p
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s prompt presented", kind)
		return consent.Prompt{}
	}
}

type signResult struct {
	signature string
	err       error
}

func (h *harness) requestSignature(ctx context.Context, certHex, digestHex, timestamp, counterSig string) <-chan signResult {
	out := make(chan signResult, 1)
	go func() {
		sig, err := h.broker.RequestSignature(ctx, certHex, digestHex, timestamp, counterSig)
		out <- signResult{sig, err}
	}()
	return out
}

func receive(t *testing.T, ch <-chan signResult) signResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("request did not return")
		return signResult{}
	}
}

func TestNew_MissingDependencies(t *testing.T) {
	_, err := broker.New(broker.Options{})
	assert.ErrorIs(t, err, broker.ErrMissingDependency)
}

func TestListCertificates_SingleRSACertificate(t *testing.T) {
	h := newHarness(t)

	certs, err := h.broker.ListCertificates(context.Background())
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "01", certs[0].HexID())
	assert.Equal(t, "Alice Signing", certs[0].Label)
	assert.True(t, h.broker.Status().Idle())
}

func TestRequestSignature_CorrectPIN(t *testing.T) {
	h := newHarness(t)
	ctx := correlation.WithCorrelationID(context.Background(), "req-42")

	certHex := hex.EncodeToString(h.ident.DER)
	digest := sha256.Sum256([]byte("contract.pdf"))
	ts := h.now.Format(time.RFC3339)

	result := h.requestSignature(ctx, certHex, hex.EncodeToString(digest[:]), ts, h.counterSign(t, certHex, ts))

	prompt := h.waitPrompt(t, consent.KindSigning)
	require.NotNil(t, prompt.Signing)
	assert.Equal(t, hex.EncodeToString(digest[:]), prompt.Signing.Digest)
	assert.Contains(t, prompt.Signing.Subject, "Alice Signing")
	assert.NotEmpty(t, prompt.Signing.Ticket)

	status := h.broker.Status()
	require.NotNil(t, status.Signing)
	assert.Equal(t, prompt.Signing.Ticket, status.Signing.Ticket)

	require.NoError(t, h.broker.CompleteSigning(context.Background(), testPIN))

	r := receive(t, result)
	require.NoError(t, r.err)
	require.NotEmpty(t, r.signature)

	sig, err := hex.DecodeString(r.signature)
	require.NoError(t, err)
	// CKM_SHA256_RSA_PKCS hashes the supplied bytes once more on the token
	signed := sha256.Sum256(digest[:])
	pub := h.ident.Certificate.PublicKey.(*rsa.PublicKey)
	assert.NoError(t, rsa.VerifyPKCS1v15(pub, crypto.SHA256, signed[:], sig))

	assert.True(t, h.broker.Status().Idle())
	assert.Equal(t, 0, h.mod.OpenSessions())

	events, err := h.broker.Journal().List(context.Background(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, audit.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, "signing", events[0].Kind)
	assert.Equal(t, "req-42", events[0].CorrelationID)
}

func TestRequestSignature_WrongPINKeepsPromptPending(t *testing.T) {
	h := newHarness(t)
	certHex := hex.EncodeToString(h.ident.DER)
	ts := h.now.Format(time.RFC3339)

	result := h.requestSignature(context.Background(), certHex, "abcd", ts, h.counterSign(t, certHex, ts))
	h.waitPrompt(t, consent.KindSigning)

	err := h.broker.CompleteSigning(context.Background(), "0000")
	assert.ErrorIs(t, err, types.ErrAuthFailure)
	assert.NotNil(t, h.broker.Status().Signing, "prompt must stay pending after a bad PIN")

	select {
	case r := <-result:
		t.Fatalf("request returned early: %+v", r)
	default:
	}

	require.NoError(t, h.broker.CompleteSigning(context.Background(), testPIN))
	r := receive(t, result)
	require.NoError(t, r.err)
	assert.NotEmpty(t, r.signature)
}

func TestRequestSignature_LockedPINCompletesRequest(t *testing.T) {
	h := newHarness(t)
	h.tok.MaxPINAttempts = 1
	certHex := hex.EncodeToString(h.ident.DER)
	ts := h.now.Format(time.RFC3339)

	result := h.requestSignature(context.Background(), certHex, "abcd", ts, h.counterSign(t, certHex, ts))
	h.waitPrompt(t, consent.KindSigning)

	err := h.broker.CompleteSigning(context.Background(), "0000")
	assert.ErrorIs(t, err, types.ErrAuthFailure)
	assert.NotErrorIs(t, err, types.ErrPINLocked)
	assert.NotNil(t, h.broker.Status().Signing)

	err = h.broker.CompleteSigning(context.Background(), testPIN)
	assert.ErrorIs(t, err, types.ErrPINLocked)

	r := receive(t, result)
	assert.ErrorIs(t, r.err, types.ErrPINLocked)
	assert.Empty(t, r.signature)
	assert.True(t, h.broker.Status().Idle(), "a locked token cannot be retried")
	assert.ErrorIs(t, h.broker.CompleteSigning(context.Background(), testPIN), types.ErrNoPendingRequest)
}

func TestRequestSignature_StaleRejectedBeforePrompt(t *testing.T) {
	h := newHarness(t)
	certHex := hex.EncodeToString(h.ident.DER)
	ts := h.now.Add(-400 * time.Second).Format(time.RFC3339)

	_, err := h.broker.RequestSignature(context.Background(), certHex, "abcd", ts, h.counterSign(t, certHex, ts))
	assert.ErrorIs(t, err, types.ErrStaleRequest)

	assert.Empty(t, h.prompts, "prompt presented for a rejected request")
	assert.True(t, h.broker.Status().Idle())
	assert.Equal(t, 0, h.mod.OpenSessionCalls, "token touched by a rejected request")
	assert.ErrorIs(t, h.broker.CompleteSigning(context.Background(), testPIN), types.ErrNoPendingRequest)

	events, err := h.broker.Journal().List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeRejected, events[0].Outcome)
	assert.Equal(t, "StaleRequest", events[0].ErrorKind)
}

func TestRequestSignature_AuthenticationFailures(t *testing.T) {
	h := newHarness(t)
	certHex := hex.EncodeToString(h.ident.DER)
	ts := h.now.Format(time.RFC3339)

	// Counter-signature over a different certificate identifier
	_, err := h.broker.RequestSignature(context.Background(), certHex, "abcd", ts, h.counterSign(t, "02", ts))
	assert.ErrorIs(t, err, types.ErrSignatureInvalid)

	_, err = h.broker.RequestSignature(context.Background(), certHex, "abcd", "not-a-time", "00")
	assert.ErrorIs(t, err, types.ErrMalformedTimestamp)

	assert.True(t, h.broker.Status().Idle())
}

func TestRequestSignature_InvalidHex(t *testing.T) {
	h := newHarness(t)
	ts := h.now.Format(time.RFC3339)

	_, err := h.broker.RequestSignature(context.Background(), "zz", "abcd", ts, h.counterSign(t, "zz", ts))
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	certHex := hex.EncodeToString(h.ident.DER)
	_, err = h.broker.RequestSignature(context.Background(), certHex, "xyz", ts, h.counterSign(t, certHex, ts))
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = h.broker.RequestSignature(context.Background(), certHex, "", ts, h.counterSign(t, certHex, ts))
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
	assert.True(t, h.broker.Status().Idle())
}

func TestRequestSignature_SupersededWaiterSeesChannelClosed(t *testing.T) {
	h := newHarness(t)
	certHex := hex.EncodeToString(h.ident.DER)
	ts := h.now.Format(time.RFC3339)
	sig := h.counterSign(t, certHex, ts)

	first := h.requestSignature(context.Background(), certHex, "aaaa", ts, sig)
	h.waitPrompt(t, consent.KindSigning)
	second := h.requestSignature(context.Background(), certHex, "bbbb", ts, sig)
	h.waitPrompt(t, consent.KindSigning)

	r := receive(t, first)
	assert.ErrorIs(t, r.err, types.ErrChannelClosed)

	status := h.broker.Status()
	require.NotNil(t, status.Signing)
	assert.Equal(t, "bbbb", status.Signing.Digest)

	require.NoError(t, h.broker.CompleteSigning(context.Background(), testPIN))
	r = receive(t, second)
	require.NoError(t, r.err)
	assert.NotEmpty(t, r.signature)
}

func TestRequestSignature_CertificateNotOnToken(t *testing.T) {
	h := newHarness(t)
	other, err := mocks.NewECIdentity([]byte{0x09}, "Elsewhere")
	require.NoError(t, err)
	certHex := hex.EncodeToString(other.DER)
	ts := h.now.Format(time.RFC3339)

	result := h.requestSignature(context.Background(), certHex, "abcd", ts, h.counterSign(t, certHex, ts))
	h.waitPrompt(t, consent.KindSigning)

	err = h.broker.CompleteSigning(context.Background(), testPIN)
	assert.ErrorIs(t, err, types.ErrCertificateMismatch)

	r := receive(t, result)
	assert.ErrorIs(t, r.err, types.ErrCertificateMismatch)
	assert.True(t, h.broker.Status().Idle())
}

func TestRequestSignature_CallerGoneLeavesSlotPending(t *testing.T) {
	h := newHarness(t)
	certHex := hex.EncodeToString(h.ident.DER)
	ts := h.now.Format(time.RFC3339)

	ctx, cancel := context.WithCancel(context.Background())
	result := h.requestSignature(ctx, certHex, "abcd", ts, h.counterSign(t, certHex, ts))
	h.waitPrompt(t, consent.KindSigning)
	cancel()

	r := receive(t, result)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.NotNil(t, h.broker.Status().Signing)

	// The consent side still completes without error
	assert.NoError(t, h.broker.CompleteSigning(context.Background(), testPIN))
	assert.True(t, h.broker.Status().Idle())
}

type failingPrompter struct{}

var errNoDisplay = errors.New("no display")

func (failingPrompter) PresentCertificateChoice(context.Context, consent.CertificateChoice) error {
	return errNoDisplay
}

func (failingPrompter) PresentSigningConsent(context.Context, consent.SigningSummary) error {
	return errNoDisplay
}

func TestRequestSignature_PrompterFailure(t *testing.T) {
	h := newHarness(t)
	auth, err := verification.NewAuthenticator(&verification.Config{
		TrustedKey: &h.trusted.PublicKey,
		Clock:      func() time.Time { return h.now },
	})
	require.NoError(t, err)
	gw := token.NewGateway(&token.Config{Loader: h.mod.Loader()})
	b, err := broker.New(broker.Options{
		Directory:     certdir.New(gw, nil),
		Signer:        signing.NewEngine(gw, nil),
		Authenticator: auth,
		Prompter:      failingPrompter{},
	})
	require.NoError(t, err)

	certHex := hex.EncodeToString(h.ident.DER)
	ts := h.now.Format(time.RFC3339)
	_, err = b.RequestSignature(context.Background(), certHex, "abcd", ts, h.counterSign(t, certHex, ts))
	assert.ErrorIs(t, err, errNoDisplay)
	assert.True(t, b.Status().Idle())
}

type certResult struct {
	record *types.CertificateRecord
	err    error
}

func TestRequestCertificate_Selection(t *testing.T) {
	h := newHarness(t)
	second, err := mocks.NewECIdentity([]byte{0x02}, "Bob")
	require.NoError(t, err)
	h.tok.AddIdentity(second)

	result := make(chan certResult, 1)
	go func() {
		rec, err := h.broker.RequestCertificate(context.Background())
		result <- certResult{rec, err}
	}()

	prompt := h.waitPrompt(t, consent.KindCertificate)
	require.NotNil(t, prompt.Certificate)
	require.Len(t, prompt.Certificate.Candidates, 2)
	assert.Equal(t, "01", prompt.Certificate.Candidates[0].HexID())
	assert.Equal(t, "02", prompt.Certificate.Candidates[1].HexID())

	// Mistakes go back to the consent UI and the prompt stays open
	assert.ErrorIs(t, h.broker.CompleteCertificateSelection(context.Background(), "ff"), types.ErrCertificateNotFound)
	assert.ErrorIs(t, h.broker.CompleteCertificateSelection(context.Background(), "not-hex"), types.ErrInvalidRequest)
	assert.NotNil(t, h.broker.Status().Certificate)

	require.NoError(t, h.broker.CompleteCertificateSelection(context.Background(), "02"))

	select {
	case r := <-result:
		require.NoError(t, r.err)
		assert.Equal(t, second.DER, r.record.DER)
		assert.Equal(t, "Bob", r.record.Label)
		assert.Equal(t, []byte{0x02}, r.record.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("certificate request did not return")
	}
	assert.True(t, h.broker.Status().Idle())
	assert.ErrorIs(t, h.broker.CompleteCertificateSelection(context.Background(), "02"), types.ErrNoPendingRequest)
}

func TestRequestCertificate_EmptyToken(t *testing.T) {
	lib, err := mocks.WriteFakeLibrary(t.TempDir())
	require.NoError(t, err)
	mod := mocks.NewMockModule()
	mod.AddToken(testPIN)
	gw := token.NewGateway(&token.Config{Library: lib, Loader: mod.Loader()})
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	auth, err := verification.NewAuthenticator(&verification.Config{TrustedKey: &key.PublicKey})
	require.NoError(t, err)

	b, err := broker.New(broker.Options{
		Directory:     certdir.New(gw, nil),
		Signer:        signing.NewEngine(gw, nil),
		Authenticator: auth,
	})
	require.NoError(t, err)

	_, err = b.RequestCertificate(context.Background())
	assert.ErrorIs(t, err, types.ErrCertificateNotFound)
	assert.True(t, b.Status().Idle())
}

func TestCompleteWithoutPendingRequest(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.broker.CompleteSigning(context.Background(), testPIN), types.ErrNoPendingRequest)
	assert.ErrorIs(t, h.broker.CompleteCertificateSelection(context.Background(), "01"), types.ErrNoPendingRequest)
	assert.Equal(t, 0, h.mod.OpenSessionCalls)
}
