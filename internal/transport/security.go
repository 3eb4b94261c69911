package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// SecurityMode selects how DTLS and TLS peers authenticate.
type SecurityMode string

const (
	ModePSK  SecurityMode = "PSK"
	ModeRPK  SecurityMode = "RPK"
	ModeX509 SecurityMode = "X509"
)

// ParseSecurityMode parses a mode name, case-insensitive.
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch m := SecurityMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModePSK, ModeRPK, ModeX509:
		return m, nil
	}
	return "", fmt.Errorf("unknown security mode %q", s)
}

const (
	// PSKIdentityPrefix is prepended to the device id to form the PSK identity.
	PSKIdentityPrefix = "cali."
	// DefaultPSKSecret is the sandbox server's shared secret.
	DefaultPSKSecret = ".fornium"
)

// Credentials are the certificate material of the client.
type Credentials struct {
	Certificates []tls.Certificate
	RootCAs      *x509.CertPool
}

// LoadCredentials loads a key pair and a trust store. Empty paths are skipped.
func LoadCredentials(certFile, keyFile, caFile string) (Credentials, error) {
	var creds Credentials
	if certFile != "" && keyFile != "" {
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return creds, fmt.Errorf("load key pair: %w", err)
		}
		creds.Certificates = []tls.Certificate{pair}
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return creds, fmt.Errorf("read trust store: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return creds, fmt.Errorf("read trust store: no certificates in %s", caFile)
		}
		creds.RootCAs = pool
	}
	return creds, nil
}

// Security is the effective security configuration of the secure engines.
type Security struct {
	Mode        SecurityMode
	PSKIdentity string
	PSKSecret   []byte
	Credentials
}

// NewSecurity derives the effective configuration. Without certificates the
// mode falls back to PSK, without a trust store X509 falls back to RPK.
func NewSecurity(mode SecurityMode, uniqueID string, pskSecret string, creds Credentials) Security {
	effective := mode
	switch {
	case len(creds.Certificates) == 0:
		effective = ModePSK
	case creds.RootCAs == nil && mode == ModeX509:
		effective = ModeRPK
	}
	if pskSecret == "" {
		pskSecret = DefaultPSKSecret
	}
	return Security{
		Mode:        effective,
		PSKIdentity: PSKIdentityPrefix + uniqueID,
		PSKSecret:   []byte(pskSecret),
		Credentials: creds,
	}
}

// peerIdentity describes the authenticated peer of a secure connection.
func peerIdentity(sec Security, certs [][]byte) string {
	if len(certs) > 0 {
		if cert, err := x509.ParseCertificate(certs[0]); err == nil {
			return cert.Subject.String()
		}
		return "certificate"
	}
	if sec.Mode == ModePSK {
		return "psk:" + sec.PSKIdentity
	}
	return ""
}
