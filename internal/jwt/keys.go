package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/moneygrid/identity/internal/domain"
)

// KeyStore holds the signing keys loaded at process start. It is immutable
// after construction and safe for shared reads; rotation means loading a new
// store and swapping the reference during a coordinated restart.
type KeyStore struct {
	signers   map[string]ed25519.PrivateKey
	verifiers map[string]ed25519.PublicKey
	activeKID string
}

// NewKeyStore builds a store from persisted keys. Exactly one non-retired key
// must be active; retired keys are dropped entirely, so tokens signed under
// them stop verifying.
func NewKeyStore(keys []domain.SigningKey) (*KeyStore, error) {
	store := &KeyStore{
		signers:   make(map[string]ed25519.PrivateKey),
		verifiers: make(map[string]ed25519.PublicKey),
	}
	for _, key := range keys {
		if key.RetiredAt != nil {
			continue
		}
		pub, err := x509.ParsePKIXPublicKey(key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("parse public key %s: %w", key.KID, err)
		}
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key %s: unsupported public key type", key.KID)
		}
		store.verifiers[key.KID] = edPub

		if len(key.PrivateKey) > 0 {
			priv, err := x509.ParsePKCS8PrivateKey(key.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("parse private key %s: %w", key.KID, err)
			}
			edPriv, ok := priv.(ed25519.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("key %s: unsupported private key type", key.KID)
			}
			store.signers[key.KID] = edPriv
		}

		if key.Active {
			if store.activeKID != "" {
				return nil, fmt.Errorf("multiple active signing keys (%s, %s)", store.activeKID, key.KID)
			}
			store.activeKID = key.KID
		}
	}
	if store.activeKID == "" {
		return nil, fmt.Errorf("no active signing key")
	}
	if _, ok := store.signers[store.activeKID]; !ok {
		return nil, fmt.Errorf("active key %s has no private material", store.activeKID)
	}
	return store, nil
}

// ActiveKID returns the key id used for new signatures.
func (s *KeyStore) ActiveKID() string {
	return s.activeKID
}

func (s *KeyStore) signer() (string, ed25519.PrivateKey) {
	return s.activeKID, s.signers[s.activeKID]
}

func (s *KeyStore) verifier(kid string) (ed25519.PublicKey, bool) {
	pub, ok := s.verifiers[kid]
	return pub, ok
}

// JWKS exports the public half of every verifiable key.
func (s *KeyStore) JWKS() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(s.verifiers))}
	for kid, pub := range s.verifiers {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			KeyID:     kid,
			Use:       "sig",
			Algorithm: string(jose.EdDSA),
			Key:       pub,
		})
	}
	return set
}

// GenerateSigningKey mints a fresh Ed25519 pair in persistable form.
func GenerateSigningKey() (domain.SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("marshal public key: %w", err)
	}
	return domain.SigningKey{
		KID:        uuid.NewString(),
		Algorithm:  string(jose.EdDSA),
		PrivateKey: privDER,
		PublicKey:  pubDER,
		Active:     true,
	}, nil
}
