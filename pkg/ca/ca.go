// Package ca implements the Ed25519 certificate authority that issues and
// verifies listener client certificates for the join protocol.
package ca

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/terrapod/terrapod/internal/apierr"
)

const (
	rootLifetime = 10 * 365 * 24 * time.Hour
	leafLifetime = 365 * 24 * time.Hour
)

// Authority is the single persistent root: its cert and key are stored in
// the database (authoritative) and best-effort mirrored to the filesystem
// cache directory.
type Authority struct {
	CertPEM   []byte
	KeyPEM    []byte
	CreatedAt time.Time

	cert *x509.Certificate
	key  ed25519.PrivateKey
}

// Generate creates a fresh 10-year Ed25519 root CA.
func Generate() (*Authority, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}

	serial, err := randSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "terrapod-root-ca"},
		NotBefore:             now,
		NotAfter:              now.Add(rootLifetime),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing generated CA certificate: %w", err)
	}

	a := &Authority{
		CertPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:    pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: marshalEd25519(priv)}),
		CreatedAt: now,
		cert:      cert,
		key:       priv,
	}
	return a, nil
}

// Load reconstructs an Authority from persisted PEM material.
func Load(certPEM, keyPEM []byte, createdAt time.Time) (*Authority, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("decoding CA cert PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("decoding CA key PEM")
	}
	key, err := unmarshalEd25519(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}

	return &Authority{
		CertPEM:   certPEM,
		KeyPEM:    keyPEM,
		CreatedAt: createdAt,
		cert:      cert,
		key:       key,
	}, nil
}

// CacheToDisk writes the CA cert (not the key) to dir, best-effort. The
// database remains authoritative; a failure here is logged by the caller,
// never fatal.
func (a *Authority) CacheToDisk(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "ca.pem"), a.CertPEM, 0o600)
}

// IssuedCert is a newly-issued listener leaf certificate and private key.
type IssuedCert struct {
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	Fingerprint    string // hex SHA-256 of the leaf DER
	ExpiresAt      time.Time
}

// IssueListenerCert issues an Ed25519 client-auth leaf bound to a listener
// name and its pool, per the CN/SAN/usage rules in the certificate design.
func (a *Authority) IssueListenerCert(listenerName, poolName string) (*IssuedCert, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}

	serial, err := randSerial()
	if err != nil {
		return nil, err
	}

	listenerURI, err := url.Parse(fmt.Sprintf("terrapod://listener/%s", listenerName))
	if err != nil {
		return nil, fmt.Errorf("building listener SAN URI: %w", err)
	}
	poolURI, err := url.Parse(fmt.Sprintf("terrapod://pool/%s", poolName))
	if err != nil {
		return nil, fmt.Errorf("building pool SAN URI: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(leafLifetime)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: listenerName},
		NotBefore:             now,
		NotAfter:              expiresAt,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		URIs:                  []*url.URL{listenerURI, poolURI},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, pub, a.key)
	if err != nil {
		return nil, fmt.Errorf("issuing leaf certificate: %w", err)
	}

	sum := sha256.Sum256(der)

	return &IssuedCert{
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: marshalEd25519(priv)}),
		Fingerprint:    fmt.Sprintf("%x", sum),
		ExpiresAt:      expiresAt,
	}, nil
}

// VerifiedIdentity is the result of successfully verifying a client cert.
type VerifiedIdentity struct {
	CommonName  string
	Fingerprint string
	NotAfter    time.Time
}

// VerifyClientCertHeader parses and verifies a base64-encoded PEM leaf
// presented in the X-Terrapod-Client-Cert header, per §4.3 steps 1–3. The
// caller (listener lookup) performs steps 4–5 (CN lookup, fingerprint match).
func (a *Authority) VerifyClientCertHeader(headerValue string) (*VerifiedIdentity, error) {
	if headerValue == "" {
		return nil, apierr.New(apierr.KindUnauthenticated, "missing client certificate")
	}

	derPEM, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUnauthenticated, "malformed client certificate encoding", err)
	}

	block, _ := pem.Decode(derPEM)
	if block == nil {
		return nil, apierr.New(apierr.KindUnauthenticated, "malformed client certificate PEM")
	}

	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUnauthenticated, "unparsable client certificate", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		return nil, apierr.Wrap(apierr.KindUnauthenticated, "client certificate not signed by this CA", err)
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return nil, apierr.New(apierr.KindUnauthenticated, "client certificate is expired or not yet valid")
	}

	sum := sha256.Sum256(block.Bytes)

	return &VerifiedIdentity{
		CommonName:  leaf.Subject.CommonName,
		Fingerprint: fmt.Sprintf("%x", sum),
		NotAfter:    leaf.NotAfter,
	}, nil
}

func randSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}

func marshalEd25519(priv ed25519.PrivateKey) []byte {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		// ed25519 keys always marshal successfully via MarshalPKCS8PrivateKey.
		panic(err)
	}
	return der
}

func unmarshalEd25519(der []byte) (ed25519.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ed25519")
	}
	return priv, nil
}
