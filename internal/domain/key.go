package domain

import "time"

// SigningKey is one asymmetric key pair for access-token signatures. The
// private half is present only on nodes that sign. Several keys coexist
// during rotation; exactly one is active for new signatures and every
// non-retired public key keeps verifying old tokens.
type SigningKey struct {
	ID         int64
	KID        string
	Algorithm  string
	PrivateKey []byte // PKCS#8 DER, empty on verify-only nodes
	PublicKey  []byte // PKIX DER
	Active     bool
	CreatedAt  time.Time
	RetiredAt  *time.Time
}
