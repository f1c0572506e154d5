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
	"github.com/jeremyhahn/go-tokenbroker/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker listeners",
		Long: `Run the local HTTP listeners: the inbound API for the web application
and the loopback consent API. Consent prompts are logged and can be answered
with the consent commands from another terminal, which read the consent
token the broker writes on startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			opts.printVerbose(cmd, "listening on %s, consent on %s", cfg.Server.Addr(), cfg.Consent.Addr())

			srv, err := server.New(cfg, &server.Options{Loader: tokenLoader, Version: Version})
			if err != nil {
				return err
			}
			ctx, stop := server.SetupSignalHandler()
			defer stop()
			return srv.ListenAndServe(ctx)
		},
	}
}
