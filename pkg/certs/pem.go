package certs

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

// PEMInfo summarizes the leaf certificate of a PEM bundle
type PEMInfo struct {
	Subject       string
	Issuer        string
	DNSNames      []string
	NotBefore     time.Time
	NotAfter      time.Time
	HasPrivateKey bool
}

// Expired reports whether the leaf certificate is past its validity window
func (i *PEMInfo) Expired(now time.Time) bool {
	return now.After(i.NotAfter)
}

// InspectPEM parses a bundle of concatenated PEM blocks (leaf, chain and
// optionally the private key, as HAProxy expects) and describes the leaf.
func InspectPEM(data []byte) (*PEMInfo, error) {
	var info *PEMInfo
	hasKey := false

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE" && info == nil:
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			info = &PEMInfo{
				Subject:   cert.Subject.CommonName,
				Issuer:    cert.Issuer.CommonName,
				DNSNames:  cert.DNSNames,
				NotBefore: cert.NotBefore,
				NotAfter:  cert.NotAfter,
			}
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			hasKey = true
		}
	}

	if info == nil {
		return nil, fmt.Errorf("no certificate found in PEM data")
	}
	info.HasPrivateKey = hasKey
	return info, nil
}

// Bundle concatenates certificate chain and private key into one PEM file
func Bundle(chain, key []byte) string {
	var b strings.Builder
	b.Write(chain)
	if len(chain) > 0 && chain[len(chain)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.Write(key)
	return b.String()
}
