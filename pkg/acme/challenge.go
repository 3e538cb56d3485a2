package acme

import (
	"context"
	"encoding/json"
	"fmt"
)

// Http01Challenge is one prepared http-01 challenge: the well-known path
// the validator will probe, the key authorization it expects as the body,
// and the URL we tell the CA to start validating at.
type Http01Challenge struct {
	Domain       string `json:"domain"`
	Path         string `json:"path"`
	Contents     string `json:"contents"`
	ChallengeURL string `json:"challenge_url"`
}

// ChallengeSolver makes an http-01 challenge servable before the CA is
// told to validate it. Drawbridge's leadership system implements this by
// replicating the challenge to every replica first.
type ChallengeSolver interface {
	Prepare(ctx context.Context, challenge Http01Challenge) error
}

type authorizationResponse struct {
	Status     string                       `json:"status"`
	Identifier identifier                   `json:"identifier"`
	Challenges []map[string]json.RawMessage `json:"challenges"`
}

type identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// getAuthorization fetches an authorization resource with POST-as-GET.
func (a *Account) getAuthorization(ctx context.Context, url string) (*authorizationResponse, error) {
	resp, err := a.postAsGet(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, unexpectedResponse(url, resp)
	}

	var auth authorizationResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, fmt.Errorf("acme: decode authorization: %w", err)
	}
	return &auth, nil
}

// http01ChallengeFor fetches the authorization and picks out its http-01
// challenge, computing the key authorization the validator will expect.
func (a *Account) http01ChallengeFor(ctx context.Context, authorizationURL string) (Http01Challenge, error) {
	auth, err := a.getAuthorization(ctx, authorizationURL)
	if err != nil {
		return Http01Challenge{}, err
	}

	for _, challenge := range auth.Challenges {
		var challengeType string
		if err := json.Unmarshal(challenge["type"], &challengeType); err != nil || challengeType != "http-01" {
			continue
		}

		var token, url string
		if err := json.Unmarshal(challenge["token"], &token); err != nil {
			return Http01Challenge{}, fmt.Errorf("acme: decode challenge token: %w", err)
		}
		if err := json.Unmarshal(challenge["url"], &url); err != nil {
			return Http01Challenge{}, fmt.Errorf("acme: decode challenge url: %w", err)
		}

		keyAuth, err := keyAuthorization(a.ESKey, token)
		if err != nil {
			return Http01Challenge{}, err
		}

		return Http01Challenge{
			Domain:       auth.Identifier.Value,
			Path:         "/.well-known/acme-challenge/" + token,
			Contents:     keyAuth,
			ChallengeURL: url,
		}, nil
	}

	return Http01Challenge{}, ErrNoHTTP01Challenge
}
