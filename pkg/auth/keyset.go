package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxRetiredKeys bounds how many rotated-out keys stay verifiable.
const maxRetiredKeys = 10

// KeySet signs tokens with the current key and verifies tokens signed by
// retired keys, so rotation never invalidates outstanding tokens at once.
type KeySet interface {
	Sign(claims jwt.Claims) (string, error)
	KeyFunc() jwt.Keyfunc
}

// MemoryKeySet keeps Ed25519 keys in process.
type MemoryKeySet struct {
	mu      sync.RWMutex
	current string
	order   []string
	keys    map[string]ed25519.PrivateKey
}

// NewMemoryKeySet generates the initial signing key.
func NewMemoryKeySet() (*MemoryKeySet, error) {
	ks := &MemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate generates a fresh signing key and retires the previous one. The
// oldest retired key is dropped past the retention bound.
func (ks *MemoryKeySet) Rotate() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("auth: generate key: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.keys[kid] = priv
	ks.order = append(ks.order, kid)
	ks.current = kid

	for len(ks.order) > maxRetiredKeys {
		oldest := ks.order[0]
		ks.order = ks.order[1:]
		delete(ks.keys, oldest)
	}
	return nil
}

// Sign issues a token under the current key, recording the key id in the
// header for verification.
func (ks *MemoryKeySet) Sign(claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.current
	key := ks.keys[kid]
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("auth: no active signing key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// KeyFunc resolves the verification key from the token's kid header and
// pins the signing method to Ed25519.
func (ks *MemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("auth: token has no kid header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, ok := ks.keys[kid]
		if !ok {
			return nil, fmt.Errorf("auth: unknown key %s", kid)
		}
		return key.Public(), nil
	}
}
