// Package mitmtest provides throwaway root CAs for tests.
package mitmtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// CA is a generated root certificate authority.
type CA struct {
	Cert     *x509.Certificate
	CertPEM  []byte
	KeyPEM   []byte
	CertPath string
	KeyPath  string
}

// Pool returns a cert pool trusting the CA.
func (ca *CA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	return pool
}

// NewCA generates an ECDSA root CA and writes it to t.TempDir().
func NewCA(t testing.TB) *CA {
	t.Helper()
	return newCA(t, true, time.Now().Add(24*time.Hour))
}

// NewLeafOnly generates a certificate that is not allowed to sign others.
func NewLeafOnly(t testing.TB) *CA {
	t.Helper()
	return newCA(t, false, time.Now().Add(24*time.Hour))
}

// NewExpiredCA generates a CA whose validity ended an hour ago.
func NewExpiredCA(t testing.TB) *CA {
	t.Helper()
	return newCA(t, true, time.Now().Add(-time.Hour))
}

func newCA(t testing.TB, isCA bool, notAfter time.Time) *CA {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	tpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "mitmtap test CA"},
		NotBefore:             time.Now().Add(-2 * time.Hour),
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		tpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	} else {
		tpl.KeyUsage = x509.KeyUsageDigitalSignature
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse CA certificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal CA key: %v", err)
	}

	ca := &CA{
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}

	dir := t.TempDir()
	ca.CertPath = filepath.Join(dir, "ca-cert.pem")
	ca.KeyPath = filepath.Join(dir, "ca-key.pem")
	if err := os.WriteFile(ca.CertPath, ca.CertPEM, 0o644); err != nil {
		t.Fatalf("write CA certificate: %v", err)
	}
	if err := os.WriteFile(ca.KeyPath, ca.KeyPEM, 0o600); err != nil {
		t.Fatalf("write CA key: %v", err)
	}
	return ca
}
