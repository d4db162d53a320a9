package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// BlindIndexer computes deterministic keyed digests of secret values so they
// can be stored in a unique, indexable column and looked up by exact match
// without the store ever holding the value itself.
type BlindIndexer struct {
	key []byte
}

// NewBlindIndexer returns an indexer keyed with key, which must be at
// least 32 bytes.
func NewBlindIndexer(key []byte) (*BlindIndexer, error) {
	if len(key) < KeySize {
		return nil, fmt.Errorf("blind index key must be at least %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &BlindIndexer{key: k}, nil
}

// Index returns the digest of value within domain. Equal (domain, value)
// pairs always yield the same index; the same value under different
// domains does not.
func (b *BlindIndexer) Index(domain, value string) string {
	mac := hmac.New(sha256.New, b.key)
	mac.Write([]byte(domain))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Equal reports whether value hashes to index within domain, in constant time.
func (b *BlindIndexer) Equal(domain, value, index string) bool {
	return hmac.Equal([]byte(b.Index(domain, value)), []byte(index))
}

// DeriveKey derives a purpose-specific 32-byte key from a master secret.
func DeriveKey(master []byte, purpose string) []byte {
	mac := hmac.New(sha256.New, master)
	mac.Write([]byte("authz-server/" + purpose))
	return mac.Sum(nil)
}
