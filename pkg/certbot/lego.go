package certbot

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/cuemby/nexus-proxy/pkg/certs"
)

// LegoIssuer obtains certificates in-process, serving the HTTP-01
// challenge on the request's port
type LegoIssuer struct {
	directoryURL    string
	keyType         certcrypto.KeyType
	clientFactory   clientFactory
	accountKeyMaker func() (crypto.PrivateKey, error)
}

// LegoOption configures a LegoIssuer
type LegoOption func(*LegoIssuer)

// WithDirectoryURL overrides the ACME directory (Let's Encrypt production by default)
func WithDirectoryURL(url string) LegoOption {
	return func(l *LegoIssuer) {
		if url != "" {
			l.directoryURL = url
		}
	}
}

// WithKeyType overrides the key type of issued certificates
func WithKeyType(keyType certcrypto.KeyType) LegoOption {
	return func(l *LegoIssuer) {
		if keyType != "" {
			l.keyType = keyType
		}
	}
}

// NewLegoIssuer creates an in-process ACME issuer
func NewLegoIssuer(opts ...LegoOption) *LegoIssuer {
	l := &LegoIssuer{
		directoryURL:  lego.LEDirectoryProduction,
		keyType:       certcrypto.RSA2048,
		clientFactory: defaultClientFactory,
		accountKeyMaker: func() (crypto.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Issue registers an ACME account and obtains a certificate bundle with
// chain and private key
func (l *LegoIssuer) Issue(ctx context.Context, req Request) (*Issued, error) {
	if len(req.Domains) == 0 {
		return nil, errors.New("at least one domain is required")
	}
	if req.Email == "" {
		return nil, errors.New("email is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := l.accountKeyMaker()
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	user := &acmeUser{email: req.Email, key: key}

	cfg := lego.NewConfig(user)
	cfg.CADirURL = l.directoryURL
	cfg.Certificate.KeyType = l.keyType

	client, err := l.clientFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}

	provider := http01.NewProviderServer("", strconv.Itoa(req.HTTPPort))
	if err := client.SetHTTP01Provider(provider); err != nil {
		return nil, fmt.Errorf("configure http-01 provider: %w", err)
	}

	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("register account: %w", err)
	}
	user.registration = reg

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := client.Obtain(certificate.ObtainRequest{
		Domains: req.Domains,
		Bundle:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("obtain certificate: %w", err)
	}
	if res == nil || len(res.Certificate) == 0 {
		return nil, errors.New("empty certificate payload received from ACME server")
	}
	if len(res.PrivateKey) == 0 {
		return nil, errors.New("empty private key received from ACME server")
	}

	return &Issued{PEM: certs.Bundle(res.Certificate, res.PrivateKey)}, nil
}

type clientFactory func(*lego.Config) (acmeClient, error)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClient{client: client}, nil
}

type legoClient struct {
	client *lego.Client
}

func (c *legoClient) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return c.client.Registration.Register(options)
}

func (c *legoClient) SetHTTP01Provider(provider challenge.Provider) error {
	return c.client.Challenge.SetHTTP01Provider(provider)
}

func (c *legoClient) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return c.client.Certificate.Obtain(request)
}

// acmeUser implements registration.User
type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string {
	return u.email
}

func (u *acmeUser) GetRegistration() *registration.Resource {
	return u.registration
}

func (u *acmeUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}
