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

package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
)

var (
	ErrInternalError     = errors.New("internal server error")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrUnauthorized is returned by the consent listener when the bearer
	// token is missing or wrong.
	ErrUnauthorized = errors.New("missing or invalid consent token")

	// ErrBrowserRequest is returned by the consent listener for any request
	// that carries browser fetch metadata.
	ErrBrowserRequest = errors.New("consent API does not accept browser requests")

	ErrUnsupportedMediaType = errors.New("request body must be application/json")
)

// listenerErrors are raised by the HTTP layer itself. Their text is safe to
// show and they have their own kinds.
var listenerErrors = []struct {
	err  error
	kind string
}{
	{ErrRateLimitExceeded, "RateLimited"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrBrowserRequest, "Forbidden"},
	{ErrUnsupportedMediaType, "UnsupportedMediaType"},
}

func listenerKind(err error) (string, bool) {
	for _, e := range listenerErrors {
		if errors.Is(err, e.err) {
			return e.kind, true
		}
	}
	return "", false
}

// statusFor maps the broker error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrChannelClosed),
		errors.Is(err, types.ErrNoPendingRequest):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidRequest),
		errors.Is(err, types.ErrMalformedTimestamp):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrStaleRequest),
		errors.Is(err, types.ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrAuthFailure):
		return http.StatusForbidden
	case errors.Is(err, types.ErrCertificateNotFound),
		errors.Is(err, types.ErrCertificateMismatch),
		errors.Is(err, types.ErrPrivateKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnsupportedKeyType),
		errors.Is(err, types.ErrUnsupportedAlgorithm):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrModuleNotFound),
		errors.Is(err, types.ErrNoTokenPresent):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrTokenFailure):
		return http.StatusBadGateway
	case errors.Is(err, ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBrowserRequest):
		return http.StatusForbidden
	case errors.Is(err, ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage is the text shown to the client. A superseded waiter only
// learns that its request could not be completed.
func errorMessage(err error) string {
	if _, ok := listenerKind(err); ok {
		return err.Error()
	}
	switch {
	case errors.Is(err, types.ErrChannelClosed):
		return types.ErrChannelClosed.Error()
	case types.Kind(err) == "Internal":
		return ErrInternalError.Error()
	default:
		return err.Error()
	}
}

func errorKind(err error) string {
	if kind, ok := listenerKind(err); ok {
		return kind
	}
	return types.Kind(err)
}

// writeError writes err as an ErrorResponse with its mapped status code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), s.logger).Error("Request failed",
			logger.String("path", r.URL.Path),
			logger.Int("status", code),
			logger.Error(err))
	}
	s.writeJSON(w, ErrorResponse{
		Error: errorMessage(err),
		Kind:  errorKind(err),
		Code:  code,
	}, code)
}

// writeJSON writes data with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to encode JSON response", logger.Error(err))
	}
}

// decodeJSON reads a JSON request body into v. Bodies not declared as
// application/json are refused with ErrUnsupportedMediaType.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		return fmt.Errorf("%w, got %q", ErrUnsupportedMediaType, contentType)
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", types.ErrInvalidRequest, err)
	}
	return nil
}
