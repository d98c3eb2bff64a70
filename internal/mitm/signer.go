// Package mitm terminates client TLS sessions with per-host leaf certificates
// signed by a configured root CA.
package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

// ErrCAUnavailable reports that the CA files are missing, so TLS interception is off.
var ErrCAUnavailable = errors.New("root CA unavailable")

// Signer issues a certificate for host.
type Signer interface {
	Sign(host string) (*tls.Certificate, error)
}

// CASigner signs leaf certificates with a root CA loaded from disk.
type CASigner struct {
	cert     *x509.Certificate
	key      crypto.Signer
	validity time.Duration
	now      func() time.Time
}

// LoadCASigner reads a PEM certificate and private key. Missing files yield an
// error wrapping ErrCAUnavailable; the CA is never generated here.
func LoadCASigner(certPath, keyPath string, validity time.Duration) (*CASigner, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCAUnavailable, certPath)
		}
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCAUnavailable, keyPath)
		}
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	return NewCASigner(certPEM, keyPEM, validity)
}

// NewCASigner parses PEM material and validates that it can sign certificates.
func NewCASigner(certPEM, keyPEM []byte, validity time.Duration) (*CASigner, error) {
	cert, key, err := parseCA(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	if !cert.IsCA {
		return nil, errors.New("certificate is not a CA")
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, errors.New("CA certificate lacks cert-sign key usage")
	}
	if time.Now().After(cert.NotAfter) {
		return nil, fmt.Errorf("CA certificate expired at %s", cert.NotAfter.Format(time.RFC3339))
	}
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}
	return &CASigner{cert: cert, key: key, validity: validity, now: time.Now}, nil
}

// Certificate returns the CA certificate.
func (s *CASigner) Certificate() *x509.Certificate {
	return s.cert
}

// Sign implements Signer
func (s *CASigner) Sign(host string) (*tls.Certificate, error) {
	host = normalizeServerName(host)
	if host == "" {
		return nil, errors.New("host must not be empty")
	}

	now := s.now()
	notAfter := now.Add(s.validity)
	if notAfter.After(s.cert.NotAfter) {
		notAfter = s.cert.NotAfter
	}
	tpl := leafTemplate(host, now.Add(-time.Hour), notAfter)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, s.cert, &priv.PublicKey, s.key)
	if err != nil {
		return nil, fmt.Errorf("create host certificate: %w", err)
	}
	return keyPair(der, priv, s.cert.Raw)
}

// SelfSignedSigner issues self-signed leaves without any CA. Clients will not
// trust them unless verification is disabled; it exists for tests and dry runs.
type SelfSignedSigner struct{}

// Sign implements Signer
func (SelfSignedSigner) Sign(host string) (*tls.Certificate, error) {
	host = normalizeServerName(host)
	if host == "" {
		return nil, errors.New("host must not be empty")
	}
	now := time.Now()
	tpl := leafTemplate(host, now.Add(-time.Hour), now.Add(24*time.Hour))

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("create host certificate: %w", err)
	}
	return keyPair(der, priv, nil)
}

func leafTemplate(host string, notBefore, notAfter time.Time) *x509.Certificate {
	tpl := &x509.Certificate{
		SerialNumber: newSerialNumber(),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		tpl.IPAddresses = []net.IP{ip}
	} else {
		tpl.DNSNames = []string{host}
	}
	return tpl
}

func keyPair(der []byte, priv *rsa.PrivateKey, chain []byte) (*tls.Certificate, error) {
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse host certificate: %w", err)
	}
	cert := &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}
	if chain != nil {
		cert.Certificate = append(cert.Certificate, chain)
	}
	return cert, nil
}

func parseCA(certPEM, keyPEM []byte) (*x509.Certificate, crypto.Signer, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, errors.New("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("failed to decode CA key PEM")
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA private key: %w", err)
	}
	return cert, key, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.New("unsupported key format (want PKCS#1, PKCS#8 or SEC 1)")
	}
	switch key := parsed.(type) {
	case *rsa.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported CA key type %T", parsed)
	}
}

func newSerialNumber() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serial
}

func normalizeServerName(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}
