// Package cert generates and refreshes the self-signed TLS certificate
// used by the out-of-scope dashboard HTTP listener. It is a small subset
// of the certificate lifecycle the teacher's lnd/cert module implements:
// generate once, detect staleness, regenerate.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// DefaultValidity is how long a generated certificate remains valid
// before IsOutdated reports it as stale.
const DefaultValidity = 14 * 24 * time.Hour

// SelfSigned holds a freshly generated certificate/key pair in PEM form,
// ready to be written to disk or loaded directly via tls.X509KeyPair.
type SelfSigned struct {
	CertPEM []byte
	KeyPEM  []byte
	NotAfter time.Time
}

// Generate creates a self-signed ECDSA certificate covering the given
// hosts/IPs, suitable for bootstrapping the dashboard's HTTPS listener
// before any operator-supplied certificate exists.
func Generate(organization string, hosts []string, ips []net.IP, validity time.Duration) (*SelfSigned, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(validity)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{organization}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		DNSNames:     hosts,
		IPAddresses:  ips,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	return &SelfSigned{CertPEM: certPEM, KeyPEM: keyPEM, NotAfter: notAfter}, nil
}

// WriteTo persists the cert/key pair to the given paths with restrictive
// permissions on the key file.
func (s *SelfSigned) WriteTo(certPath, keyPath string) error {
	if err := os.WriteFile(certPath, s.CertPEM, 0644); err != nil {
		return fmt.Errorf("writing cert: %w", err)
	}
	if err := os.WriteFile(keyPath, s.KeyPEM, 0600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	return nil
}

// IsOutdated reports whether the certificate at certPath has expired or
// no longer covers the given hosts/IPs, mirroring the staleness check
// the dashboard bootstrap runs before reusing a cached certificate.
func IsOutdated(certPath string, hosts []string, ips []net.IP, now time.Time) bool {
	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		return true
	}

	block, _ := pem.Decode(certBytes)
	if block == nil {
		return true
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return true
	}

	if now.After(cert.NotAfter) {
		return true
	}

	wantHosts := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		wantHosts[h] = struct{}{}
	}
	for _, h := range cert.DNSNames {
		delete(wantHosts, h)
	}
	if len(wantHosts) > 0 {
		return true
	}

	wantIPs := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		wantIPs[ip.String()] = struct{}{}
	}
	for _, ip := range cert.IPAddresses {
		delete(wantIPs, ip.String())
	}
	return len(wantIPs) > 0
}

// LoadKeyPair reads a cert/key pair from disk as a tls.Certificate for
// direct use by an http.Server's TLSConfig.
func LoadKeyPair(certPath, keyPath string) (tls.Certificate, error) {
	return tls.LoadX509KeyPair(certPath, keyPath)
}
