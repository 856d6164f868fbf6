package certbot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/nexus-proxy/pkg/certs"
	"github.com/cuemby/nexus-proxy/pkg/command"
	"github.com/cuemby/nexus-proxy/pkg/log"
)

// Request describes one certificate to obtain
type Request struct {
	CertificateName string
	Domains         []string
	Email           string

	// HTTPPort is where the HTTP-01 responder listens. The proxy forwards
	// challenge requests for the domains to this port.
	HTTPPort int
}

// Issued is the outcome of an issuance. PEM is empty when the issuer left
// the material somewhere this process cannot read.
type Issued struct {
	PEM string
}

// Issuer obtains certificates from an ACME CA
type Issuer interface {
	Issue(ctx context.Context, req Request) (*Issued, error)
}

const (
	DefaultCertbotBinary = "certbot"
	DefaultLiveDir       = "/etc/letsencrypt/live"

	// issueTimeout bounds one certbot run, including ACME validation
	issueTimeout = 10 * time.Minute
)

// ExecIssuer runs the certbot client in standalone mode
type ExecIssuer struct {
	Runner command.Runner
	Binary string

	// LiveDir is where certbot keeps issued lineages, one directory per
	// certificate name
	LiveDir string

	// Server overrides the ACME directory URL when set
	Server string
}

// NewExecIssuer creates an issuer running certbot through runner
func NewExecIssuer(runner command.Runner) *ExecIssuer {
	if runner == nil {
		runner = &command.ExecRunner{Timeout: issueTimeout}
	}
	return &ExecIssuer{
		Runner:  runner,
		Binary:  DefaultCertbotBinary,
		LiveDir: DefaultLiveDir,
	}
}

// Args returns the certbot command line for req
func (e *ExecIssuer) Args(req Request) []string {
	args := []string{
		e.Binary, "certonly",
		"--verbose", "--noninteractive", "--standalone",
		"--preferred-challenges", "http",
		"--http-01-port", strconv.Itoa(req.HTTPPort),
		"--agree-tos",
		"--email", req.Email,
		"--cert-name", req.CertificateName,
	}
	if e.Server != "" {
		args = append(args, "--server", e.Server)
	}
	for _, d := range req.Domains {
		args = append(args, "-d", d)
	}
	return args
}

// Issue runs certbot and reads back the issued lineage
func (e *ExecIssuer) Issue(ctx context.Context, req Request) (*Issued, error) {
	if err := e.Runner.Run(ctx, e.Args(req)); err != nil {
		return nil, fmt.Errorf("certbot failed: %w", err)
	}

	dir := filepath.Join(e.LiveDir, req.CertificateName)
	chain, err := os.ReadFile(filepath.Join(dir, "fullchain.pem"))
	if err == nil {
		var key []byte
		key, err = os.ReadFile(filepath.Join(dir, "privkey.pem"))
		if err == nil {
			return &Issued{PEM: certs.Bundle(chain, key)}, nil
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		logger := log.WithComponent("certbot")
		logger.Warn().Str("dir", dir).Msg("Issued certificate not found, store left without material")
		return &Issued{}, nil
	}
	return nil, fmt.Errorf("failed to read issued certificate: %w", err)
}
