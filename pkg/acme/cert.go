package acme

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

// Certificate is an issued certificate chain paired with its private key.
type Certificate struct {
	PrivateKeyPEM  []byte
	CertificatePEM []byte
}

// CertificatesDER parses the PEM chain into DER certificates, leaf first.
func (c *Certificate) CertificatesDER() ([][]byte, error) {
	certs, err := certcrypto.ParsePEMBundle(c.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("acme: parse certificate chain: %w", err)
	}

	ders := make([][]byte, 0, len(certs))
	for _, cert := range certs {
		ders = append(ders, cert.Raw)
	}
	return ders, nil
}

// PrivateKeyDER returns the private key as PKCS#8 DER.
func (c *Certificate) PrivateKeyDER() ([]byte, error) {
	block, _ := pem.Decode(c.PrivateKeyPEM)
	if block == nil {
		return nil, errors.New("acme: private key is not PEM")
	}
	return block.Bytes, nil
}

// ValidDaysLeft reports the number of whole days the leaf certificate is
// still valid for. It is negative once the certificate has expired.
func (c *Certificate) ValidDaysLeft(now time.Time) (int, error) {
	certs, err := certcrypto.ParsePEMBundle(c.CertificatePEM)
	if err != nil {
		return 0, fmt.Errorf("acme: parse certificate chain: %w", err)
	}
	return DaysUntilExpiry(certs[0], now), nil
}

// DaysUntilExpiry is the integer floor of (notAfter - now) in days. It is
// negative for expired certificates.
func DaysUntilExpiry(cert *x509.Certificate, now time.Time) int {
	return int(math.Floor(cert.NotAfter.Sub(now).Seconds() / 86400))
}

// LeafFromDER parses the first certificate of a DER chain.
func LeafFromDER(chain [][]byte) (*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, errors.New("acme: empty certificate chain")
	}
	return x509.ParseCertificate(chain[0])
}
