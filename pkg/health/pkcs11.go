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

package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-tokenbroker/pkg/metrics"
	"github.com/jeremyhahn/go-tokenbroker/pkg/token"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
)

// LibraryCheck resolves the PKCS#11 library path. It never loads the
// library.
func LibraryCheck(override string) CheckFunc {
	return func(context.Context) CheckResult {
		path, err := token.ResolveLibrary(override)
		if err != nil {
			return CheckResult{Name: "pkcs11", Status: StatusUnhealthy, Error: err.Error()}
		}
		return CheckResult{Name: "pkcs11", Status: StatusHealthy, Message: path}
	}
}

// TokenCheck loads the library and looks for an inserted token. A missing
// token is degraded rather than unhealthy: listing works again as soon as
// one is inserted.
func TokenCheck(gateway *token.Gateway) CheckFunc {
	return func(ctx context.Context) CheckResult {
		tctx, err := gateway.Open(ctx)
		if err != nil {
			metrics.SetTokenPresent(false)
			return CheckResult{Name: "token", Status: StatusUnhealthy, Error: err.Error()}
		}
		defer tctx.Close()

		slots, err := tctx.Slots()
		switch {
		case errors.Is(err, types.ErrNoTokenPresent):
			metrics.SetTokenPresent(false)
			return CheckResult{Name: "token", Status: StatusDegraded, Message: "no token inserted"}
		case err != nil:
			metrics.SetTokenPresent(false)
			return CheckResult{Name: "token", Status: StatusUnhealthy, Error: err.Error()}
		}
		metrics.SetTokenPresent(true)
		return CheckResult{Name: "token", Status: StatusHealthy, Message: fmt.Sprintf("%d slot(s) with a token", len(slots))}
	}
}
