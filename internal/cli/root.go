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
	"fmt"

	"github.com/jeremyhahn/go-tokenbroker/internal/config"
	"github.com/jeremyhahn/go-tokenbroker/pkg/token"
	"github.com/spf13/cobra"
)

// Options holds the global flags.
type Options struct {
	// ConfigFile is the broker configuration. Empty uses the defaults and
	// TOKENBROKER_* environment variables only.
	ConfigFile string

	// Server is the base URL of a running broker's consent listener. Empty
	// uses the consent address from the configuration.
	Server string

	// TokenFile holds the consent token. Empty uses the configured path.
	TokenFile string

	// OutputFormat is text or json.
	OutputFormat string

	Verbose bool
}

// tokenLoader opens the PKCS#11 library for commands that read the token
// directly. Nil selects token.NativeLoader.
var tokenLoader token.Loader

// NewRootCommand builds the tokenbroker command tree.
func NewRootCommand() *cobra.Command {
	opts := &Options{}

	root := &cobra.Command{
		Use:   "tokenbroker",
		Short: "Hardware token signing broker",
		Long: `tokenbroker lets a web application list the certificates on a PKCS#11
token and request hash signatures with them. Every private key operation
waits for the user to pick a certificate or enter their PIN.

Run "tokenbroker serve" to start the local listener and use the consent
commands to answer the prompts it raises.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.ConfigFile, "config", "",
		"config file (YAML)")
	root.PersistentFlags().StringVar(&opts.Server, "server", "",
		"URL of the broker's consent listener (default from consent.host and consent.port)")
	root.PersistentFlags().StringVar(&opts.TokenFile, "token-file", "",
		"consent token written by the broker (default from consent.token_file)")
	root.PersistentFlags().StringVarP(&opts.OutputFormat, "output", "o", "text",
		"output format (text, json)")
	root.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false,
		"verbose output")

	root.AddCommand(
		newServeCmd(opts),
		newCertsCmd(opts),
		newConsentCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

func (o *Options) printer(cmd *cobra.Command) *Printer {
	return NewPrinter(o.OutputFormat, cmd.OutOrStdout())
}

func (o *Options) loadConfig() (*config.Config, error) {
	return config.Load(o.ConfigFile)
}

// printVerbose prints a message to stderr if verbose mode is enabled.
func (o *Options) printVerbose(cmd *cobra.Command, format string, args ...interface{}) {
	if o.Verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "[VERBOSE] "+format+"\n", args...)
	}
}
