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
	"context"
	"fmt"

	"github.com/jeremyhahn/go-tokenbroker/internal/server"
	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/certdir"
	"github.com/jeremyhahn/go-tokenbroker/pkg/token"
	"github.com/jeremyhahn/go-tokenbroker/pkg/validation"
	"github.com/spf13/cobra"
)

// newCertsCmd reads the token directly. list and show only read public
// objects; key and first log in with the token PIN.
func newCertsCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Inspect the certificates on the token",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the certificates on every inserted token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := opts.directory()
			if err != nil {
				return err
			}
			certs, err := dir.ListCertificates(commandContext(cmd))
			if err != nil {
				return err
			}
			return opts.printer(cmd).PrintCertificates(certs)
		},
	}

	var asPEM bool
	showCmd := &cobra.Command{
		Use:   "show <id-hex>",
		Short: "Show one certificate by its hex identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.DecodeHex("id", args[0], validation.MaxIdentifierBytes)
			if err != nil {
				return err
			}
			dir, err := opts.directory()
			if err != nil {
				return err
			}
			record, err := dir.Record(commandContext(cmd), id)
			if err != nil {
				return err
			}
			return opts.printer(cmd).PrintCertificate(record, asPEM)
		},
	}
	showCmd.Flags().BoolVar(&asPEM, "pem", false, "print the certificate as PEM")

	var keyPINStdin, withCertificate bool
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Print the public key paired with the first certificate",
		Long: `Log in to the first token with its PIN, read the first certificate and
the public key object sharing its identifier, and print the key as PEM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pin, err := readPIN(cmd.InOrStdin(), cmd.ErrOrStderr(), keyPINStdin)
			if err != nil {
				return err
			}
			dir, err := opts.directory()
			if err != nil {
				return err
			}
			key, err := dir.ExtractCertifiedKey(commandContext(cmd), pin)
			if err != nil {
				return err
			}
			pub, err := certdir.PublicKey(key.PublicKey)
			if err != nil {
				return err
			}
			if match, err := certdir.MatchesCertificate(key); err != nil {
				opts.printVerbose(cmd, "certificate not checked against the key: %v", err)
			} else if !match {
				fmt.Fprintln(cmd.ErrOrStderr(), "Warning: the public key object does not match the certificate subject key")
			}
			var certDER []byte
			if withCertificate {
				certDER = key.Certificate
			}
			return opts.printer(cmd).PrintPublicKey(pub, certDER)
		},
	}
	keyCmd.Flags().BoolVar(&keyPINStdin, "pin-stdin", false, "read the PIN from standard input")
	keyCmd.Flags().BoolVar(&withCertificate, "with-certificate", false, "also print the certificate")

	var firstPINStdin bool
	firstCmd := &cobra.Command{
		Use:   "first",
		Short: "Log in and print the first certificate on the token as PEM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pin, err := readPIN(cmd.InOrStdin(), cmd.ErrOrStderr(), firstPINStdin)
			if err != nil {
				return err
			}
			dir, err := opts.directory()
			if err != nil {
				return err
			}
			der, err := dir.ExtractFirstCertificate(commandContext(cmd), pin)
			if err != nil {
				return err
			}
			return opts.printer(cmd).PrintCertificatePEM(der)
		},
	}
	firstCmd.Flags().BoolVar(&firstPINStdin, "pin-stdin", false, "read the PIN from standard input")

	cmd.AddCommand(listCmd, showCmd, keyCmd, firstCmd)
	return cmd
}

func (o *Options) directory() (*certdir.Directory, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	var log logger.Logger = logger.Discard()
	if o.Verbose {
		if log, err = server.NewLogger(cfg.Logging, nil); err != nil {
			return nil, err
		}
	}
	gw := token.NewGateway(&token.Config{
		Library: cfg.PKCS11.Library,
		Loader:  tokenLoader,
		Logger:  log,
	})
	return certdir.New(gw, log), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
