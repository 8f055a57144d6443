package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"golang.org/x/sync/singleflight"
)

// CA is the certificate authority intercepted TLS connections are signed
// with.
type CA struct {
	Cert       *x509.Certificate
	PrivateKey *rsa.PrivateKey
	CertPool   *x509.CertPool
}

// NewCA creates a self-signed certificate authority valid for a year.
func NewCA() (*CA, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Scalpel Puppet Interception CA"},
			CommonName:   "Scalpel Puppet CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return newCA(cert, privateKey), nil
}

func newCA(cert *x509.Certificate, key *rsa.PrivateKey) *CA {
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &CA{Cert: cert, PrivateKey: key, CertPool: pool}
}

// PEM encodes the certificate and its PKCS#8 key.
func (ca *CA) PEM() (certPEM, keyPEM []byte, err error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(ca.PrivateKey)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// ParseCA decodes a PEM certificate and RSA key pair.
func ParseCA(certPEM, keyPEM []byte) (*CA, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid CA certificate/key pair: %w", err)
	}
	if len(pair.Certificate) == 0 {
		return nil, errors.New("CA certificate chain is empty")
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	key, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("CA key must be an RSA key")
	}
	return newCA(cert, key), nil
}

// LoadOrCreateCA reads the CA from certPath and keyPath, creating and
// writing a new one when neither file exists.
func LoadOrCreateCA(certPath, keyPath string) (*CA, error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	switch {
	case certErr == nil && keyErr == nil:
		return ParseCA(certPEM, keyPEM)
	case !errors.Is(certErr, os.ErrNotExist) && certErr != nil:
		return nil, fmt.Errorf("reading CA certificate: %w", certErr)
	case !errors.Is(keyErr, os.ErrNotExist) && keyErr != nil:
		return nil, fmt.Errorf("reading CA key: %w", keyErr)
	case (certErr == nil) != (keyErr == nil):
		return nil, fmt.Errorf("only one of %s and %s exists", certPath, keyPath)
	}

	ca, err := NewCA()
	if err != nil {
		return nil, fmt.Errorf("generating CA: %w", err)
	}
	certPEM, keyPEM, err = ca.PEM()
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{{certPath, certPEM, 0o644}, {keyPath, keyPEM, 0o600}} {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(f.path, f.data, f.mode); err != nil {
			return nil, fmt.Errorf("writing %s: %w", f.path, err)
		}
	}
	return ca, nil
}

// tlsConfigFunc returns the per-host TLS configuration goproxy serves
// intercepted connections with, enforcing TLS 1.2 or later.
func (ca *CA) tlsConfigFunc() func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
	pair := tls.Certificate{
		Certificate: [][]byte{ca.Cert.Raw},
		PrivateKey:  ca.PrivateKey,
		Leaf:        ca.Cert,
	}
	base := goproxy.TLSConfigFromCA(&pair)
	return func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
		cfg, err := base(host, ctx)
		if err != nil {
			return nil, err
		}
		if cfg.MinVersion < tls.VersionTLS12 {
			cfg.MinVersion = tls.VersionTLS12
		}
		return cfg, nil
	}
}

// certStore caches leaf certificates per host. Concurrent requests for the
// same host share one signing operation.
type certStore struct {
	mu    sync.RWMutex
	certs map[string]*tls.Certificate
	group singleflight.Group
}

func newCertStore() *certStore {
	return &certStore{certs: make(map[string]*tls.Certificate)}
}

// Fetch implements goproxy.CertStorage.
func (s *certStore) Fetch(host string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	s.mu.RLock()
	c, ok := s.certs[host]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}
	v, err, _ := s.group.Do(host, func() (any, error) {
		s.mu.RLock()
		c, ok := s.certs[host]
		s.mu.RUnlock()
		if ok {
			return c, nil
		}
		c, err := gen()
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.certs[host] = c
		s.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}
