package certstore

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
)

// parsePrivateKey accepts PKCS#8, PKCS#1 and SEC1 DER keys, which covers
// everything the ACME client and older persisted bundles produce.
func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("certstore: private key does not implement crypto.Signer")
		}
		return signer, nil
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("certstore: unsupported private key encoding: %w", err)
	}
	return key, nil
}
