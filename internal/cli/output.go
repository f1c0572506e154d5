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
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-tokenbroker/internal/rest"
	"github.com/jeremyhahn/go-tokenbroker/pkg/encoding"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintCertificates prints the certificates found on the token.
func (p *Printer) PrintCertificates(certs []types.CertificateSummary) error {
	switch p.format {
	case OutputFormatJSON:
		list := make([]rest.CertificateInfo, 0, len(certs))
		for _, c := range certs {
			list = append(list, rest.CertificateInfo{ID: c.HexID(), Label: c.Label})
		}
		return p.printJSON(rest.ListCertificatesResponse{Certificates: list})
	case OutputFormatText:
		if len(certs) == 0 {
			fmt.Fprintln(p.writer, "No certificates found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-20s %s\n", "ID", "LABEL")
		fmt.Fprintln(p.writer, strings.Repeat("-", 50))
		for _, c := range certs {
			fmt.Fprintf(p.writer, "%-20s %s\n", c.HexID(), c.Label)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintCertificate prints one certificate. With asPEM set only the PEM
// encoding is written, whatever the format.
func (p *Printer) PrintCertificate(record *types.CertificateRecord, asPEM bool) error {
	if asPEM {
		return p.PrintCertificatePEM(record.DER)
	}

	fingerprint := sha256.Sum256(record.DER)
	info := map[string]interface{}{
		"id":          hex.EncodeToString(record.ID),
		"label":       record.Label,
		"fingerprint": hex.EncodeToString(fingerprint[:]),
	}
	cert, parseErr := x509.ParseCertificate(record.DER)
	if parseErr == nil {
		info["subject"] = cert.Subject.String()
		info["issuer"] = cert.Issuer.String()
		info["serial"] = cert.SerialNumber.Text(16)
		info["not_before"] = cert.NotBefore
		info["not_after"] = cert.NotAfter
		info["signature_algorithm"] = cert.SignatureAlgorithm.String()
	}

	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(info)
	case OutputFormatText:
		fmt.Fprintln(p.writer, "Certificate:")
		fmt.Fprintf(p.writer, "  ID:          %s\n", info["id"])
		fmt.Fprintf(p.writer, "  Label:       %s\n", record.Label)
		fmt.Fprintf(p.writer, "  SHA-256:     %s\n", info["fingerprint"])
		if parseErr != nil {
			fmt.Fprintf(p.writer, "  (not parseable as X.509: %v)\n", parseErr)
			return nil
		}
		fmt.Fprintf(p.writer, "  Subject:     %s\n", cert.Subject)
		fmt.Fprintf(p.writer, "  Issuer:      %s\n", cert.Issuer)
		fmt.Fprintf(p.writer, "  Serial:      %s\n", info["serial"])
		fmt.Fprintf(p.writer, "  Valid:       %s to %s\n",
			cert.NotBefore.Format("2006-01-02"), cert.NotAfter.Format("2006-01-02"))
		fmt.Fprintf(p.writer, "  Algorithm:   %s\n", cert.SignatureAlgorithm)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintCertificatePEM writes der as a CERTIFICATE block, whatever the format.
func (p *Printer) PrintCertificatePEM(der []byte) error {
	data, err := encoding.EncodeCertificatePEM(der)
	if err != nil {
		return err
	}
	_, err = p.writer.Write(data)
	return err
}

// PrintPublicKey prints pub as a PKIX PEM block, followed by the
// certificate when certDER is set.
func (p *Printer) PrintPublicKey(pub crypto.PublicKey, certDER []byte) error {
	keyPEM, err := encoding.EncodePublicKeyPEM(pub)
	if err != nil {
		return err
	}
	var certPEM []byte
	if len(certDER) > 0 {
		if certPEM, err = encoding.EncodeCertificatePEM(certDER); err != nil {
			return err
		}
	}

	switch p.format {
	case OutputFormatJSON:
		out := map[string]string{"public_key": string(keyPEM)}
		if certPEM != nil {
			out["certificate"] = string(certPEM)
		}
		return p.printJSON(out)
	case OutputFormatText:
		if _, err := p.writer.Write(keyPEM); err != nil {
			return err
		}
		_, err := p.writer.Write(certPEM)
		return err
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintPending prints the prompts waiting for the user.
func (p *Printer) PrintPending(pending rest.PendingResponse) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(pending)
	case OutputFormatText:
		if pending.Certificate == nil && pending.Signing == nil {
			fmt.Fprintln(p.writer, "Nothing pending")
			return nil
		}
		if c := pending.Certificate; c != nil {
			fmt.Fprintf(p.writer, "Certificate selection requested at %s\n", c.Requested.Format("15:04:05"))
			for _, cand := range c.Candidates {
				fmt.Fprintf(p.writer, "  - %s  %s\n", cand.ID, cand.Label)
			}
			fmt.Fprintln(p.writer, `Answer with "tokenbroker consent select <id>"`)
		}
		if s := pending.Signing; s != nil {
			p.printSigning(s)
			fmt.Fprintln(p.writer, `Answer with "tokenbroker consent sign"`)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

func (p *Printer) printSigning(s *rest.PendingSigning) {
	fmt.Fprintf(p.writer, "Signature requested at %s\n", s.Requested.Format("15:04:05"))
	if s.Subject != "" {
		fmt.Fprintf(p.writer, "  Certificate: %s\n", s.Subject)
	}
	fmt.Fprintf(p.writer, "  SHA-256:     %s\n", s.Fingerprint)
	fmt.Fprintf(p.writer, "  Digest:      %s\n", s.Digest)
	fmt.Fprintf(p.writer, "  Timestamp:   %s\n", s.Timestamp)
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
