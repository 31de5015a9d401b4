package main

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
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// certAuthority holds the root key/cert pair and mints leaf certificates for
// intercepted authorities. Leaves are cached for the process lifetime, keyed
// by the lower-cased authority with default ports elided. The root pair is
// immutable after initialization.
type certAuthority struct {
	root    *x509.Certificate
	rootKey *rsa.PrivateKey
	rootPEM []byte

	mu    sync.Mutex
	cache map[string]*tls.Config
}

// newCertAuthority loads the root pair from dir, generating and persisting a
// fresh one when none exists, so client trust survives restarts.
func newCertAuthority(dir string) (*certAuthority, error) {
	cert, key, err := loadOrCreateRootCA(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca.key"))
	if err != nil {
		return nil, err
	}
	return &certAuthority{
		root:    cert,
		rootKey: key,
		rootPEM: encodeCertPEM(cert.Raw),
		cache:   make(map[string]*tls.Config),
	}, nil
}

// caCertPEM returns the root certificate PEM served by the cert-install site.
func (ca *certAuthority) caCertPEM() []byte { return ca.rootPEM }

// genServerConfig returns a TLS server configuration presenting a leaf
// certificate for the authority, minting and caching one on first use.
func (ca *certAuthority) genServerConfig(authority string) (*tls.Config, error) {
	key := normalizeAuthority(authority)
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if cfg, ok := ca.cache[key]; ok {
		return cfg, nil
	}
	host := key
	if h, _, err := net.SplitHostPort(key); err == nil {
		host = h
	}
	leaf, leafKey, err := ca.mintLeaf(host)
	if err != nil {
		return nil, fmt.Errorf("mint leaf for %s: %w", host, err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{leaf.Raw, ca.root.Raw},
			PrivateKey:  leafKey,
			Leaf:        leaf,
		}},
		NextProtos: []string{"h2", "http/1.1"},
	}
	ca.cache[key] = cfg
	return cfg, nil
}

// mintLeaf derives a server certificate for host, signed by the root. The
// SAN list carries the host as a DNS name or IP address.
func (ca *certAuthority) mintLeaf(host string) (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, err
	}
	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tpl.IPAddresses = []net.IP{ip}
	} else {
		tpl.DNSNames = []string{host}
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, ca.root, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// normalizeAuthority lower-cases the authority and elides default ports.
func normalizeAuthority(authority string) string {
	a := strings.ToLower(authority)
	if host, port, err := net.SplitHostPort(a); err == nil && (port == "443" || port == "80") {
		return host
	}
	return a
}

func loadOrCreateRootCA(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	if cert, key, err := loadRootCA(certPath, keyPath); err == nil {
		return cert, key, nil
	}
	cert, key, err := createRootCA()
	if err != nil {
		return nil, nil, err
	}
	if err := saveRootCA(cert, key, certPath, keyPath); err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func loadRootCA(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	cb, _ := pem.Decode(certPEM)
	if cb == nil || cb.Type != "CERTIFICATE" {
		return nil, nil, errors.New("invalid CA cert PEM")
	}
	kb, _ := pem.Decode(keyPEM)
	if kb == nil || kb.Type != "RSA PRIVATE KEY" {
		return nil, nil, errors.New("invalid CA key PEM")
	}
	cert, err := x509.ParseCertificate(cb.Bytes)
	if err != nil {
		return nil, nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(kb.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func saveRootCA(cert *x509.Certificate, key *rsa.PrivateKey, certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, encodeCertPEM(cert.Raw), 0o644); err != nil {
		return err
	}
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return os.WriteFile(keyPath, keyOut, 0o600)
}

func createRootCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, err
	}
	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"proxyfor"},
			CommonName:   "proxyfor CA",
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
