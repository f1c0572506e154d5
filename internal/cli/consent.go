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
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jeremyhahn/go-tokenbroker/internal/rest"
	"github.com/jeremyhahn/go-tokenbroker/internal/server"
	"github.com/jeremyhahn/go-tokenbroker/pkg/validation"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newConsentCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Answer the prompts raised by a running broker",
		Long: `Answer the prompts raised by a running broker. The consent commands talk
to the broker's consent listener and authenticate with the token the broker
writes to consent.token_file on startup.`,
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "Show the prompts waiting for an answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.consentClient(cmd)
			if err != nil {
				return err
			}
			pending, err := client.Pending(commandContext(cmd))
			if err != nil {
				return err
			}
			return opts.printer(cmd).PrintPending(pending)
		},
	}

	selectCmd := &cobra.Command{
		Use:   "select <id-hex>",
		Short: "Answer the certificate prompt with the certificate <id-hex>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.consentClient(cmd)
			if err != nil {
				return err
			}
			if err := client.SelectCertificate(commandContext(cmd), args[0]); err != nil {
				return err
			}
			return opts.printer(cmd).PrintSuccess(fmt.Sprintf("Selected certificate %s", args[0]))
		},
	}

	var pinStdin bool
	signCmd := &cobra.Command{
		Use:   "sign",
		Short: "Approve the pending signature by entering the token PIN",
		Long: `Show the pending signing request and ask for the token PIN. A wrong
PIN leaves the request pending so the command can be run again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			client, err := opts.consentClient(cmd)
			if err != nil {
				return err
			}
			pending, err := client.Pending(ctx)
			if err != nil {
				return err
			}
			if pending.Signing == nil {
				return errors.New("no signing request is pending")
			}
			printer := NewPrinter(string(OutputFormatText), cmd.ErrOrStderr())
			printer.printSigning(pending.Signing)

			pin, err := readPIN(cmd.InOrStdin(), cmd.ErrOrStderr(), pinStdin)
			if err != nil {
				return err
			}
			if err := client.Sign(ctx, pin); err != nil {
				return err
			}
			return opts.printer(cmd).PrintSuccess("Signature approved")
		},
	}
	signCmd.Flags().BoolVar(&pinStdin, "pin-stdin", false, "read the PIN from standard input")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Print each prompt as the broker raises it",
		Long: `Stream prompts from the broker until interrupted. Prompts already waiting
are printed first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.consentClient(cmd)
			if err != nil {
				return err
			}
			printer := opts.printer(cmd)
			return client.Watch(commandContext(cmd), func(prompt rest.PendingResponse) error {
				return printer.PrintPending(prompt)
			})
		},
	}

	cmd.AddCommand(pendingCmd, selectCmd, signCmd, watchCmd)
	return cmd
}

// consentClient connects to the consent listener named by --server, or the
// configured one, with the token from --token-file or the configured path.
func (o *Options) consentClient(cmd *cobra.Command) (*consentClient, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	baseURL := o.Server
	if baseURL == "" {
		baseURL = "http://" + cfg.Consent.Addr()
	}
	tokenFile := o.TokenFile
	if tokenFile == "" {
		tokenFile = cfg.Consent.TokenPath()
	}
	token, err := server.ReadConsentToken(tokenFile)
	if err != nil {
		return nil, err
	}
	o.printVerbose(cmd, "Using consent listener %s", baseURL)
	return newConsentClient(baseURL, token), nil
}

// readPIN reads the PIN without echo when in is a terminal, otherwise the
// first line of in.
func readPIN(in io.Reader, prompt io.Writer, fromStdin bool) (string, error) {
	if f, ok := in.(*os.File); ok && !fromStdin && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "PIN: ")
		pin, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read PIN: %w", err)
		}
		return validatedPIN(string(pin))
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read PIN: %w", err)
	}
	return validatedPIN(strings.TrimRight(line, "\r\n"))
}

func validatedPIN(pin string) (string, error) {
	if err := validation.ValidatePIN(pin); err != nil {
		return "", err
	}
	return pin, nil
}
