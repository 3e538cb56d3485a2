package kube

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iter-org/drawbridge/pkg/certstore"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	accountSecretPrefix = "letsencrypt-account-"
	certsSecretPrefix   = "letsencrypt-certs-"
)

// AccountMaterial is the persisted ACME account state.
type AccountMaterial struct {
	Email         string
	ESKey         []byte
	PrivateKeyPEM []byte
}

// SecretStore persists ACME account material and issued certificate
// bundles as Kubernetes Secrets in the ingress namespace, so every
// DaemonSet replica can bootstrap from the API server.
type SecretStore struct {
	client      kubernetes.Interface
	namespace   string
	environment string
}

// NewSecretStore creates a store scoped to one namespace and ACME
// environment (production or staging).
func NewSecretStore(client kubernetes.Interface, namespace, environment string) *SecretStore {
	return &SecretStore{
		client:      client,
		namespace:   namespace,
		environment: environment,
	}
}

func (s *SecretStore) accountSecretName() string {
	return accountSecretPrefix + s.environment
}

func (s *SecretStore) certsSecretName() string {
	return certsSecretPrefix + s.environment
}

// LoadAccount reads the persisted account material. A Kubernetes NotFound
// error passes through so callers can fall back to creating a new account.
func (s *SecretStore) LoadAccount(ctx context.Context) (*AccountMaterial, error) {
	secret, err := s.client.CoreV1().Secrets(s.namespace).Get(ctx, s.accountSecretName(), metav1.GetOptions{})
	if err != nil {
		return nil, err
	}

	email, ok := secret.Data["email"]
	if !ok {
		return nil, fmt.Errorf("kube: account secret %s has no email field", s.accountSecretName())
	}
	esKey, ok := secret.Data["es_key"]
	if !ok {
		return nil, fmt.Errorf("kube: account secret %s has no es_key field", s.accountSecretName())
	}
	privateKey, ok := secret.Data["private_key"]
	if !ok {
		return nil, fmt.Errorf("kube: account secret %s has no private_key field", s.accountSecretName())
	}

	return &AccountMaterial{
		Email:         string(email),
		ESKey:         esKey,
		PrivateKeyPEM: privateKey,
	}, nil
}

// SaveAccount stores freshly provisioned account material.
func (s *SecretStore) SaveAccount(ctx context.Context, material *AccountMaterial) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.accountSecretName(),
			Namespace: s.namespace,
		},
		Data: map[string][]byte{
			"email":       []byte(material.Email),
			"es_key":      material.ESKey,
			"private_key": material.PrivateKeyPEM,
		},
	}

	if _, err := s.client.CoreV1().Secrets(s.namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("kube: create account secret: %w", err)
	}
	return nil
}

// LoadCertBundle reads the persisted certificate bundle into store entries.
// An empty map comes back when the secret does not exist yet.
func (s *SecretStore) LoadCertBundle(ctx context.Context) (map[string]*certstore.Entry, error) {
	entries := make(map[string]*certstore.Entry)

	secret, err := s.client.CoreV1().Secrets(s.namespace).Get(ctx, s.certsSecretName(), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("kube: get certs secret: %w", err)
	}

	raw, ok := secret.Data["certs"]
	if !ok {
		return entries, nil
	}

	decoded, err := decodeCertBundle(raw)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

// SaveCertBundle writes the full certificate map, creating the secret on
// first use and replacing it (preserving resourceVersion) afterwards.
func (s *SecretStore) SaveCertBundle(ctx context.Context, entries map[string]*certstore.Entry) error {
	raw, err := encodeCertBundle(entries)
	if err != nil {
		return err
	}

	secrets := s.client.CoreV1().Secrets(s.namespace)

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.certsSecretName(),
			Namespace: s.namespace,
		},
		Data: map[string][]byte{"certs": raw},
	}

	existing, err := secrets.Get(ctx, s.certsSecretName(), metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("kube: get certs secret: %w", err)
		}
		if _, err := secrets.Create(ctx, secret, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("kube: create certs secret: %w", err)
		}
		return nil
	}

	secret.ResourceVersion = existing.ResourceVersion
	if _, err := secrets.Update(ctx, secret, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("kube: replace certs secret: %w", err)
	}
	return nil
}

// The bundle is a JSON list of [host, entry] pairs.

func encodeCertBundle(entries map[string]*certstore.Entry) ([]byte, error) {
	pairs := make([][2]any, 0, len(entries))
	for host, entry := range entries {
		pairs = append(pairs, [2]any{host, entry})
	}

	raw, err := json.Marshal(pairs)
	if err != nil {
		return nil, fmt.Errorf("kube: encode cert bundle: %w", err)
	}
	return raw, nil
}

func decodeCertBundle(raw []byte) (map[string]*certstore.Entry, error) {
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("kube: decode cert bundle: %w", err)
	}

	entries := make(map[string]*certstore.Entry, len(pairs))
	for _, pair := range pairs {
		var host string
		if err := json.Unmarshal(pair[0], &host); err != nil {
			return nil, fmt.Errorf("kube: decode cert bundle host: %w", err)
		}

		entry := &certstore.Entry{}
		if err := json.Unmarshal(pair[1], entry); err != nil {
			return nil, fmt.Errorf("kube: decode cert bundle entry for %s: %w", host, err)
		}
		entries[host] = entry
	}
	return entries, nil
}
