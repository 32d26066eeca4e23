package security

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

var ErrPinMismatch = errors.New("certificate pinning validation failed")

// NewPinnedHTTPClient returns a client that only accepts server certificates
// whose SPKI SHA-256 matches one of pins. With no pins it behaves like a
// normal verifying client.
func NewPinnedHTTPClient(pins []string, timeout time.Duration) *http.Client {
	normalized := make([]string, 0, len(pins))
	for _, p := range pins {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			normalized = append(normalized, p)
		}
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				return verifyPins(rawCerts, normalized)
			},
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 30 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

func verifyPins(rawCerts [][]byte, pins []string) error {
	if len(pins) == 0 {
		return nil
	}
	for _, rawCert := range rawCerts {
		cert, err := x509.ParseCertificate(rawCert)
		if err != nil {
			continue
		}
		fp := SPKIFingerprint(cert)
		for _, pinned := range pins {
			if fp == pinned {
				return nil
			}
		}
	}
	return ErrPinMismatch
}

// SPKIFingerprint is the hex SHA-256 of the certificate's public key info
func SPKIFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}
