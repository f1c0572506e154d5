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

package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeremyhahn/go-tokenbroker/internal/rest"
	"github.com/jeremyhahn/go-tokenbroker/pkg/consent"
)

// consentClient answers prompts on a running broker's consent listener.
type consentClient struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
}

func newConsentClient(baseURL, token string) *consentClient {
	return &consentClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *consentClient) Pending(ctx context.Context) (rest.PendingResponse, error) {
	var pending rest.PendingResponse
	err := c.do(ctx, http.MethodGet, "/consent/pending", nil, &pending)
	return pending, err
}

func (c *consentClient) SelectCertificate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/consent/certificate", rest.SelectCertificateRequest{ID: id}, nil)
}

func (c *consentClient) Sign(ctx context.Context, pin string) error {
	return c.do(ctx, http.MethodPost, "/consent/signing", rest.SigningConsentRequest{PIN: pin}, nil)
}

// Watch streams prompts from /consent/events and calls fn with each one as
// a PendingResponse holding a single prompt. It returns when ctx is done,
// the broker closes the stream, or fn fails.
func (c *consentClient) Watch(ctx context.Context, fn func(rest.PendingResponse) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/consent/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.send(c.stream, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var name, data string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && data != "":
			prompt, err := decodePromptEvent(name, data)
			if err != nil {
				return err
			}
			if err := fn(prompt); err != nil {
				return err
			}
			name, data = "", ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream interrupted: %w", err)
	}
	return nil
}

func decodePromptEvent(name, data string) (rest.PendingResponse, error) {
	var prompt rest.PendingResponse
	var err error
	switch consent.Kind(name) {
	case consent.KindCertificate:
		prompt.Certificate = &rest.PendingCertificate{}
		err = json.Unmarshal([]byte(data), prompt.Certificate)
	case consent.KindSigning:
		prompt.Signing = &rest.PendingSigning{}
		err = json.Unmarshal([]byte(data), prompt.Signing)
	default:
		return prompt, fmt.Errorf("unknown consent event %q", name)
	}
	if err != nil {
		return prompt, fmt.Errorf("malformed %s event: %w", name, err)
	}
	return prompt, nil
}

func (c *consentClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(c.http, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// send authenticates req and turns error responses into a BrokerError.
func (c *consentClient) send(client *http.Client, req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker unreachable at %s: %w", c.baseURL, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		var e rest.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return nil, fmt.Errorf("broker returned %s", resp.Status)
		}
		return nil, &BrokerError{Status: resp.StatusCode, Kind: e.Kind, Message: e.Error}
	}
	return resp, nil
}

// BrokerError is an error response from the broker.
type BrokerError struct {
	Status  int
	Kind    string
	Message string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}
