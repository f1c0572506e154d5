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

package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsEnabled(t *testing.T) {
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled by default")
	}

	Disable()
	if IsEnabled() {
		t.Error("Expected metrics to be disabled after Disable()")
	}

	Enable()
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled after Enable()")
	}
}

func TestRecordOperation(t *testing.T) {
	Enable()
	OperationsTotal.Reset()
	OperationDuration.Reset()

	RecordOperation(OpRequestSignature, StatusSuccess, 0.5)
	RecordOperation(OpRequestSignature, StatusError, 0.1)
	RecordOperation(OpListCertificates, StatusSuccess, 0.01)

	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues(OpRequestSignature, StatusSuccess)); got != 1 {
		t.Errorf("Expected 1 successful signature request, got %v", got)
	}
	if count := testutil.CollectAndCount(OperationsTotal); count != 3 {
		t.Errorf("Expected 3 series, got %d", count)
	}
	if count := testutil.CollectAndCount(OperationDuration); count != 2 {
		t.Errorf("Expected 2 histogram series, got %d", count)
	}
}

func TestRecordOperationWhenDisabled(t *testing.T) {
	Disable()
	defer Enable()
	OperationsTotal.Reset()
	ErrorsTotal.Reset()

	RecordOperation(OpSign, StatusSuccess, 0.5)
	RecordError(OpSign, "AuthFailure")
	SetPending("signing", true)

	if count := testutil.CollectAndCount(OperationsTotal); count != 0 {
		t.Errorf("Expected 0 operations when disabled, got %d", count)
	}
	if count := testutil.CollectAndCount(ErrorsTotal); count != 0 {
		t.Errorf("Expected 0 errors when disabled, got %d", count)
	}
}

func TestStatus(t *testing.T) {
	if Status(nil) != StatusSuccess {
		t.Error("nil error should map to success")
	}
	if Status(errors.New("boom")) != StatusError {
		t.Error("non-nil error should map to error")
	}
}

func TestPendingGaugeAndSuperseded(t *testing.T) {
	Enable()
	PendingRequests.Reset()
	SupersededTotal.Reset()

	SetPending("signing", true)
	if got := testutil.ToFloat64(PendingRequests.WithLabelValues("signing")); got != 1 {
		t.Errorf("Expected pending gauge 1, got %v", got)
	}
	SetPending("signing", false)
	if got := testutil.ToFloat64(PendingRequests.WithLabelValues("signing")); got != 0 {
		t.Errorf("Expected pending gauge 0, got %v", got)
	}

	RecordSuperseded("certificate")
	RecordSuperseded("certificate")
	if got := testutil.ToFloat64(SupersededTotal.WithLabelValues("certificate")); got != 2 {
		t.Errorf("Expected 2 superseded, got %v", got)
	}
}

func TestSetTokenPresent(t *testing.T) {
	Enable()
	SetTokenPresent(true)
	if testutil.ToFloat64(TokenPresent) != 1 {
		t.Error("Expected token_present 1")
	}
	SetTokenPresent(false)
	if testutil.ToFloat64(TokenPresent) != 0 {
		t.Error("Expected token_present 0")
	}
}

func TestHTTPMiddleware_RouteLabel(t *testing.T) {
	Enable()
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/certificate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.Get("/list-certificates", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})

	for _, path := range []string{"/certificate", "/list-certificates", "/list-certificates"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/certificate", "409")); got != 1 {
		t.Errorf("Expected 1 conflict on /certificate, got %v", got)
	}
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/list-certificates", "200")); got != 2 {
		t.Errorf("Expected 2 OK on /list-certificates, got %v", got)
	}
	if got := testutil.ToFloat64(ActiveConnections); got != 0 {
		t.Errorf("Expected no in-flight requests, got %v", got)
	}
}

func TestHTTPMiddleware_Disabled(t *testing.T) {
	Disable()
	defer Enable()
	HTTPRequestsTotal.Reset()

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if count := testutil.CollectAndCount(HTTPRequestsTotal); count != 0 {
		t.Errorf("Expected no HTTP metrics when disabled, got %d", count)
	}
}

func TestResourceCollector(t *testing.T) {
	Enable()
	Goroutines.Set(0)

	rc := StartResourceCollector(context.Background(), time.Hour)
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(Goroutines) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	rc.Stop()

	if testutil.ToFloat64(Goroutines) == 0 {
		t.Error("Expected goroutine gauge to be sampled")
	}
}
