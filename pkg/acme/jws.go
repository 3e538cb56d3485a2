package acme

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// esJWK is the public half of the account's P-256 key in JWK form.
// Field order matters: the RFC 7638 thumbprint is computed over the JSON
// serialization with the members in lexical order and no whitespace, which
// is exactly what encoding/json produces for this declaration order.
type esJWK struct {
	Crv string `json:"crv"`
	Kty string `json:"kty"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// jwkFor builds the JWK for the public key, with coordinates padded to the
// curve size.
func jwkFor(key *ecdsa.PrivateKey) esJWK {
	size := (key.Curve.Params().BitSize + 7) / 8
	return esJWK{
		Crv: "P-256",
		Kty: "EC",
		X:   base64URL(key.X.FillBytes(make([]byte, size))),
		Y:   base64URL(key.Y.FillBytes(make([]byte, size))),
	}
}

// protectedHeader is the JWS protected header. Exactly one of JWK and Kid
// is set: JWK before the account exists, Kid (the account URL) afterwards.
type protectedHeader struct {
	Alg   string `json:"alg"`
	JWK   *esJWK `json:"jwk,omitempty"`
	Kid   string `json:"kid,omitempty"`
	Nonce string `json:"nonce"`
	URL   string `json:"url"`
}

// jws is the compact-serialized envelope posted to ACME endpoints.
type jws struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// signJWS signs payload under the protected header with ES256. A nil
// payload produces the empty payload segment used for POST-as-GET.
func signJWS(key *ecdsa.PrivateKey, protected protectedHeader, payload []byte) ([]byte, error) {
	protectedJSON, err := json.Marshal(protected)
	if err != nil {
		return nil, fmt.Errorf("acme: marshal protected header: %w", err)
	}

	protectedB64 := base64URL(protectedJSON)
	payloadB64 := ""
	if payload != nil {
		payloadB64 = base64URL(payload)
	}

	digest := sha256.Sum256([]byte(protectedB64 + "." + payloadB64))

	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("acme: sign JWS: %w", err)
	}

	// signature is R||S with each half padded to the curve size
	size := (key.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])

	return json.Marshal(jws{
		Protected: protectedB64,
		Payload:   payloadB64,
		Signature: base64URL(sig),
	})
}

// keyAuthorization computes the http-01 key authorization for a challenge
// token: <token>.<base64url(SHA256(canonical JWK JSON))>.
func keyAuthorization(key *ecdsa.PrivateKey, token string) (string, error) {
	jwkJSON, err := json.Marshal(jwkFor(key))
	if err != nil {
		return "", fmt.Errorf("acme: marshal JWK thumbprint: %w", err)
	}
	digest := sha256.Sum256(jwkJSON)
	return token + "." + base64URL(digest[:]), nil
}

func base64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
