package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/moneygrid/identity/internal/domain"
)

// Well-known opaque token prefixes. The prefix lets the verifier decide the
// token kind before touching the store.
const (
	PrefixPAT     = "mgp"
	PrefixRefresh = "mgr"
	PrefixCode    = "mgc"
)

const (
	idBytes     = 8
	secretBytes = 32

	envelopeAlgorithm = "hmac-sha256"
)

// Opaque is a freshly generated two-part bearer credential. The Secret exists
// only in memory at issuance; everything persisted goes through Hash.
type Opaque struct {
	Prefix string
	ID     string
	Secret string
}

// String renders the wire form handed to the caller.
func (o Opaque) String() string {
	return o.Prefix + "_" + o.ID + "." + o.Secret
}

// Codec generates, splits, and verifies opaque tokens. Hashing is keyed so a
// leaked database cannot be used to mint verifiable secrets; keys are named
// by id and rotate server-side without touching stored rows.
type Codec struct {
	keys      map[string][]byte
	activeKID string
}

// NewCodec builds a codec over the named HMAC keys. Every key id that ever
// hashed a live token must stay in the map until those tokens expire.
func NewCodec(keys map[string][]byte, activeKID string) (*Codec, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("opaque codec: no hash keys configured")
	}
	if _, ok := keys[activeKID]; !ok {
		return nil, fmt.Errorf("opaque codec: active key %q not in key set", activeKID)
	}
	copied := make(map[string][]byte, len(keys))
	for kid, key := range keys {
		if len(key) < 16 {
			return nil, fmt.Errorf("opaque codec: key %q shorter than 16 bytes", kid)
		}
		copied[kid] = append([]byte(nil), key...)
	}
	return &Codec{keys: copied, activeKID: activeKID}, nil
}

// Generate produces a new token under the given prefix from crypto/rand.
func (c *Codec) Generate(prefix string) (Opaque, error) {
	id := make([]byte, idBytes)
	if _, err := rand.Read(id); err != nil {
		return Opaque{}, fmt.Errorf("generate token id: %w", err)
	}
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return Opaque{}, fmt.Errorf("generate token secret: %w", err)
	}
	return Opaque{
		Prefix: prefix,
		ID:     hex.EncodeToString(id),
		Secret: base64.RawURLEncoding.EncodeToString(secret),
	}, nil
}

// Decode splits a wire value into id and secret. A false return means "not a
// token of this kind", letting callers fall through to other credential
// types cheaply; it is not an error.
func Decode(value, prefix string) (Opaque, bool) {
	rest, ok := strings.CutPrefix(value, prefix+"_")
	if !ok {
		return Opaque{}, false
	}
	idx := strings.LastIndexByte(rest, '.')
	if idx <= 0 || idx == len(rest)-1 {
		return Opaque{}, false
	}
	return Opaque{Prefix: prefix, ID: rest[:idx], Secret: rest[idx+1:]}, true
}

// FormatID renders a stored primary key as the public token id part.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 36)
}

// ParseID reverses FormatID.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 36, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("parse token id %q", s)
	}
	return id, nil
}

// Hash wraps the secret in an envelope keyed by the active hash key.
func (c *Codec) Hash(secret string) domain.SecretEnvelope {
	mac := hmac.New(sha256.New, c.keys[c.activeKID])
	mac.Write([]byte(secret))
	return domain.SecretEnvelope{
		Algorithm: envelopeAlgorithm,
		KeyID:     c.activeKID,
		Hash:      base64.RawURLEncoding.EncodeToString(mac.Sum(nil)),
		CreatedAt: time.Now().UTC(),
	}
}

// Verify recomputes the envelope hash under its recorded key id and compares
// in constant time. Unknown key ids and foreign algorithms verify false.
func (c *Codec) Verify(secret string, envelope domain.SecretEnvelope) bool {
	if envelope.Algorithm != envelopeAlgorithm {
		return false
	}
	key, ok := c.keys[envelope.KeyID]
	if !ok {
		return false
	}
	stored, err := base64.RawURLEncoding.DecodeString(envelope.Hash)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(secret))
	return hmac.Equal(mac.Sum(nil), stored)
}
