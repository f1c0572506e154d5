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

// Package rest is the pair of local HTTP listeners of the broker.
//
// The inbound API is called by the web application on the server address:
//
//	GET  /list-certificates   certificates on the token, no consent
//	GET  /certificate         blocks until the user picks a certificate
//	POST /sign-document       authenticated, blocks until the user enters their PIN
//
// The consent API is called by whatever presents prompts to the user,
// normally the tokenbroker CLI, on a second loopback address:
//
//	GET  /consent/pending
//	GET  /consent/events        text/event-stream of prompts
//	POST /consent/certificate   {"id": "<hex CKA_ID>"}
//	POST /consent/signing       {"pin": "..."}
//	GET  /audit
//
// Every consent request must carry "Authorization: Bearer <token>" with the
// per-process token the broker writes to a 0600 file, and is refused if it
// carries an Origin or Sec-Fetch-Site header. The consent listener never
// sends CORS headers. JSON bodies on both listeners must be declared as
// application/json.
//
// Operational endpoints on the inbound listener are /health, /health/live,
// /health/ready and, when enabled, the Prometheus scrape endpoint.
//
// Requests that wait for consent have no server side deadline. A request
// superseded by a newer one of the same kind fails with 409 Conflict.
package rest
