package acme

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

type orderResponse struct {
	Status         string   `json:"status"`
	Authorizations []string `json:"authorizations"`
	Finalize       string   `json:"finalize"`
	Certificate    string   `json:"certificate"`
}

// newOrder creates an order for the given domains and returns its URL.
func (a *Account) newOrder(ctx context.Context, domains []string) (string, error) {
	identifiers := make([]identifier, 0, len(domains))
	for _, domain := range domains {
		identifiers = append(identifiers, identifier{Type: "dns", Value: domain})
	}

	payload, err := json.Marshal(map[string]any{"identifiers": identifiers})
	if err != nil {
		return "", fmt.Errorf("acme: marshal order payload: %w", err)
	}

	resp, err := a.signedPost(ctx, a.Directory.NewOrderURL, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", unexpectedResponse(a.Directory.NewOrderURL, resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", ErrMissingLocation
	}
	return location, nil
}

// getOrder fetches the order resource with POST-as-GET.
func (a *Account) getOrder(ctx context.Context, orderURL string) (*orderResponse, error) {
	resp, err := a.postAsGet(ctx, orderURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, unexpectedResponse(orderURL, resp)
	}

	var order orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("acme: decode order: %w", err)
	}
	return &order, nil
}

// solveAuthorizations walks the order's authorizations: each http-01
// challenge is handed to the solver (which replicates it across replicas),
// then the CA is told to validate, then the authorization is polled until
// it leaves pending.
func (a *Account) solveAuthorizations(ctx context.Context, order *orderResponse, solver ChallengeSolver) error {
	for _, authorizationURL := range order.Authorizations {
		challenge, err := a.http01ChallengeFor(ctx, authorizationURL)
		if err != nil {
			return err
		}

		if err := solver.Prepare(ctx, challenge); err != nil {
			return fmt.Errorf("acme: prepare challenge for %s: %w", challenge.Domain, err)
		}

		// tell the CA to validate
		resp, err := a.signedPost(ctx, challenge.ChallengeURL, []byte("{}"))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err := unexpectedResponse(challenge.ChallengeURL, resp)
			resp.Body.Close()
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if err := a.awaitAuthorization(ctx, authorizationURL, challenge.Domain); err != nil {
			return err
		}
	}
	return nil
}

func (a *Account) awaitAuthorization(ctx context.Context, authorizationURL, domain string) error {
	for attempt := 1; attempt <= a.PollAttempts; attempt++ {
		auth, err := a.getAuthorization(ctx, authorizationURL)
		if err != nil {
			return err
		}

		switch auth.Status {
		case "valid", "ready":
			return nil
		case "pending":
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.PollInterval):
			}
		default:
			return &ChallengeValidationError{Domain: domain, Attempts: attempt}
		}
	}
	return &ChallengeValidationError{Domain: domain, Attempts: a.PollAttempts}
}

// GenerateCertificate drives a full order for the given domains: order,
// http-01 authorization via solver, CSR finalization and certificate
// download.
func (a *Account) GenerateCertificate(ctx context.Context, domains []string, solver ChallengeSolver) (*Certificate, error) {
	orderURL, err := a.newOrder(ctx, domains)
	if err != nil {
		return nil, err
	}

	order, err := a.getOrder(ctx, orderURL)
	if err != nil {
		return nil, err
	}

	if err := a.solveAuthorizations(ctx, order, solver); err != nil {
		return nil, err
	}

	// re-read for the finalize URL in case the order advanced
	order, err = a.getOrder(ctx, orderURL)
	if err != nil {
		return nil, err
	}

	csr, err := a.generateCSR(domains)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{"csr": base64URL(csr)})
	if err != nil {
		return nil, fmt.Errorf("acme: marshal finalize payload: %w", err)
	}

	resp, err := a.signedPost(ctx, order.Finalize, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := unexpectedResponse(order.Finalize, resp)
		resp.Body.Close()
		return nil, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	certificateURL, err := a.awaitOrderValid(ctx, orderURL)
	if err != nil {
		return nil, err
	}

	return a.downloadCertificate(ctx, certificateURL)
}

func (a *Account) awaitOrderValid(ctx context.Context, orderURL string) (string, error) {
	for attempt := 1; attempt <= a.PollAttempts; attempt++ {
		order, err := a.getOrder(ctx, orderURL)
		if err != nil {
			return "", err
		}

		if order.Status == "valid" {
			if order.Certificate == "" {
				return "", ErrCouldNotFinaliseOrder
			}
			return order.Certificate, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.PollInterval):
		}
	}
	return "", ErrCouldNotFinaliseOrder
}

func (a *Account) downloadCertificate(ctx context.Context, certificateURL string) (*Certificate, error) {
	resp, err := a.postAsGet(ctx, certificateURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, unexpectedResponse(certificateURL, resp)
	}

	chain, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("acme: read certificate chain: %w", err)
	}

	keyPEM, err := a.CustomerKeyPEM()
	if err != nil {
		return nil, err
	}

	return &Certificate{
		PrivateKeyPEM:  keyPEM,
		CertificatePEM: chain,
	}, nil
}

// generateCSR builds a DER-encoded CSR with the domains as SAN entries,
// signed by the RSA customer key.
func (a *Account) generateCSR(domains []string) ([]byte, error) {
	template := &x509.CertificateRequest{
		DNSNames:           domains,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, template, a.CustomerKey)
	if err != nil {
		return nil, fmt.Errorf("acme: create CSR: %w", err)
	}
	return csr, nil
}
