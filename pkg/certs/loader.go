package certs

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cuemby/nexus-proxy/pkg/log"
	"github.com/cuemby/nexus-proxy/pkg/storage"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// legacyDataKey held PEM material before "data" was introduced
const legacyDataKey = "cert"

// modifiedLayouts are the ISO-8601 variants producers have written over time
var modifiedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseModified parses a stored modification timestamp. Unparsable or empty
// input yields the zero time, meaning "unknown".
func ParseModified(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range modifiedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// FormatModified renders a timestamp the way ParseModified reads it back
func FormatModified(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// Loader reads certificate records from the store
type Loader struct {
	store storage.Store
}

// NewLoader creates a certificate loader
func NewLoader(store storage.Store) *Loader {
	return &Loader{store: store}
}

// Metadata loads a certificate without keeping its PEM material. It returns
// nil and no error when no record exists under the name.
func (l *Loader) Metadata(ctx context.Context, name string) (*types.Certificate, error) {
	pairs, err := l.store.List(ctx, storage.CertificateDir(name)+"/")
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	cert := &types.Certificate{ID: name, Domains: []string{}}
	var hasPEM bool
	validity := ""
	for _, p := range pairs {
		attr := strings.TrimPrefix(p.Key, storage.CertificateDir(name)+"/")
		value := string(p.Value)
		switch attr {
		case "email":
			cert.Email = value
		case "modified":
			cert.Modified = ParseModified(value)
		case "is_valid":
			validity = value
		case "domains":
			if err := decodeDomains(p.Value, &cert.Domains); err != nil {
				logger := log.WithComponent("certs")
				logger.Warn().Err(err).Str("certificate", name).Msg("Ignoring malformed certificate domains")
			}
		case "data", legacyDataKey:
			if strings.TrimSpace(value) != "" {
				hasPEM = true
			}
		}
	}

	switch validity {
	case "true":
		cert.Valid = true
	case "false":
		cert.Valid = false
	default:
		cert.Valid = hasPEM
	}

	return cert, nil
}

func decodeDomains(raw []byte, out *[]string) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	var domains []string
	if err := json.Unmarshal(raw, &domains); err != nil {
		return err
	}
	*out = domains
	return nil
}

// Full loads a certificate including its PEM material
func (l *Loader) Full(ctx context.Context, name string) (*types.Certificate, error) {
	cert, err := l.Metadata(ctx, name)
	if err != nil || cert == nil {
		return cert, err
	}
	pem, err := l.LoadPEM(ctx, name)
	if err != nil {
		return nil, err
	}
	cert.PEM = pem
	return cert, nil
}

// LoadPEM reads only the PEM material of a certificate
func (l *Loader) LoadPEM(ctx context.Context, name string) (string, error) {
	data, err := storage.GetString(ctx, l.store, storage.CertificateKey(name, "data"), "")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(data) != "" {
		return data, nil
	}
	return storage.GetString(ctx, l.store, storage.CertificateKey(name, legacyDataKey), "")
}

// RegisterMetadata writes the email, domains and modification time of a
// certificate. Existing PEM material and validity are left untouched.
func RegisterMetadata(ctx context.Context, store storage.Store, name string, domains []string, email string, modified time.Time) error {
	if domains == nil {
		domains = []string{}
	}
	if err := store.Set(ctx, storage.CertificateKey(name, "email"), []byte(email)); err != nil {
		return err
	}
	if err := store.Set(ctx, storage.CertificateKey(name, "modified"), []byte(FormatModified(modified))); err != nil {
		return err
	}
	return storage.SetJSON(ctx, store, storage.CertificateKey(name, "domains"), domains)
}

// Register writes certificate metadata and PEM material. The record is
// valid only when material is present.
func Register(ctx context.Context, store storage.Store, name string, domains []string, email, data string, modified time.Time) error {
	if err := RegisterMetadata(ctx, store, name, domains, email, modified); err != nil {
		return err
	}
	if err := store.Set(ctx, storage.CertificateKey(name, "data"), []byte(data)); err != nil {
		return err
	}
	valid := "false"
	if strings.TrimSpace(data) != "" {
		valid = "true"
	}
	return store.Set(ctx, storage.CertificateKey(name, "is_valid"), []byte(valid))
}
