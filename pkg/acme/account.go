package acme

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

const customerKeyBits = 2048

// Account is a registered ACME account. The ES256 key signs the JWS
// envelope of every ACME request; the RSA customer key signs CSRs and
// becomes the private key of every issued certificate.
type Account struct {
	Email       string
	URL         string
	Directory   Directory
	ESKey       *ecdsa.PrivateKey
	CustomerKey *rsa.PrivateKey

	// Polling budget for authorization and order status. The defaults match
	// the original controller; real-world CAs may need a larger budget.
	PollAttempts int
	PollInterval time.Duration

	client *http.Client
}

// NewAccount generates fresh account material and registers it with the
// ACME server.
func NewAccount(ctx context.Context, client *http.Client, dir Directory, email string) (*Account, error) {
	esKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("acme: generate ES256 key: %w", err)
	}

	customerKey, err := rsa.GenerateKey(rand.Reader, customerKeyBits)
	if err != nil {
		return nil, fmt.Errorf("acme: generate customer key: %w", err)
	}

	return register(ctx, client, dir, email, esKey, customerKey)
}

// RecoverAccount reconstructs an account from persisted material and
// re-registers. The ACME server treats new-account with a known key as a
// lookup, so the same account URL comes back.
func RecoverAccount(ctx context.Context, client *http.Client, dir Directory, email string, esKeyBytes, customerKeyPEM []byte) (*Account, error) {
	esKey, err := esKeyFromBytes(esKeyBytes)
	if err != nil {
		return nil, err
	}

	customerKey, err := customerKeyFromPEM(customerKeyPEM)
	if err != nil {
		return nil, err
	}

	return register(ctx, client, dir, email, esKey, customerKey)
}

func register(ctx context.Context, client *http.Client, dir Directory, email string, esKey *ecdsa.PrivateKey, customerKey *rsa.PrivateKey) (*Account, error) {
	account := &Account{
		Email:        email,
		Directory:    dir,
		ESKey:        esKey,
		CustomerKey:  customerKey,
		PollAttempts: 6,
		PollInterval: time.Second,
		client:       client,
	}

	payload, err := json.Marshal(map[string]any{
		"termsOfServiceAgreed": true,
		"contact":              []string{"mailto:" + email},
	})
	if err != nil {
		return nil, fmt.Errorf("acme: marshal registration payload: %w", err)
	}

	resp, err := account.signedPost(ctx, dir.NewAccountURL, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, unexpectedResponse(dir.NewAccountURL, resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, ErrMissingLocation
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("acme: decode account response: %w", err)
	}
	if body.Status != "valid" {
		return nil, fmt.Errorf("%w: status %q", ErrAccountNotValid, body.Status)
	}

	account.URL = location
	return account, nil
}

// signedPost performs one signed ACME request. A fresh nonce is fetched
// for every request; before the account exists the JWS carries the full
// JWK, afterwards the account URL as kid.
func (a *Account) signedPost(ctx context.Context, url string, payload []byte) (*http.Response, error) {
	nonce, err := a.nonce(ctx)
	if err != nil {
		return nil, err
	}

	protected := protectedHeader{
		Alg:   "ES256",
		Nonce: nonce,
		URL:   url,
	}
	if a.URL == "" {
		jwk := jwkFor(a.ESKey)
		protected.JWK = &jwk
	} else {
		protected.Kid = a.URL
	}

	body, err := signJWS(a.ESKey, protected, payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("acme: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/jose+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acme: post %s: %w", url, err)
	}
	return resp, nil
}

// postAsGet fetches a resource with an empty-payload signed POST.
func (a *Account) postAsGet(ctx context.Context, url string) (*http.Response, error) {
	return a.signedPost(ctx, url, nil)
}

// nonce fetches a fresh anti-replay nonce from the new-nonce endpoint.
func (a *Account) nonce(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.Directory.NewNonceURL, nil)
	if err != nil {
		return "", fmt.Errorf("acme: build nonce request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("acme: fetch nonce: %w", err)
	}
	defer resp.Body.Close()

	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", ErrNoNonce
	}
	return nonce, nil
}

// ESKeyBytes returns the ES256 key's raw scalar for persistence.
func (a *Account) ESKeyBytes() []byte {
	return a.ESKey.D.FillBytes(make([]byte, 32))
}

// CustomerKeyPEM returns the RSA customer key as PKCS#8 PEM for persistence.
func (a *Account) CustomerKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(a.CustomerKey)
	if err != nil {
		return nil, fmt.Errorf("acme: marshal customer key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func esKeyFromBytes(raw []byte) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, errors.New("acme: ES256 key scalar out of range")
	}

	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         d,
	}
	key.X, key.Y = curve.ScalarBaseMult(d.Bytes())
	return key, nil
}

func customerKeyFromPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("acme: customer key is not PEM")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("acme: customer key is not RSA")
		}
		return rsaKey, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("acme: parse customer key: %w", err)
	}
	return key, nil
}
