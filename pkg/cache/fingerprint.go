// Package cache implements the two-tier decision cache: an in-process LRU in
// front of a shared Redis store. Entries are keyed by a fingerprint of the
// decision context so identical contexts within one TTL window observe
// identical decisions.
package cache

import (
	"github.com/vorion-labs/vorion/core/pkg/canonicalize"
	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// fingerprintInput is the canonical shape hashed into a cache key. The
// intent id is part of the key, so retries of one intent share an entry but
// semantically identical intents with fresh ids do not; kept as-is pending
// review of the cross-intent dedup question.
type fingerprintInput struct {
	TenantID    string `json:"tenant_id"`
	IntentID    string `json:"intent_id"`
	EntityID    string `json:"entity_id"`
	IntentType  string `json:"intent_type"`
	TrustTier   int    `json:"trust_tier"`
	ContextHash string `json:"context_hash"`
}

// Fingerprint derives the cache key for a decision context: the first 16 hex
// characters of the SHA-256 of the canonicalized key fields, with the
// intent's opaque context reduced to its own stable hash first.
func Fingerprint(intent contracts.Intent, entityID string, tier contracts.TrustTier) (string, error) {
	ctxHash, err := canonicalize.CanonicalHash(intent.Context)
	if err != nil {
		return "", err
	}
	return canonicalize.Fingerprint16(fingerprintInput{
		TenantID:    intent.TenantID,
		IntentID:    intent.ID,
		EntityID:    entityID,
		IntentType:  intent.Type,
		TrustTier:   int(tier),
		ContextHash: ctxHash,
	})
}
