// Package fingerprint provides the deterministic identities that make the
// dispatch pipeline idempotent: per-recipient fingerprints, per-message
// queue IDs, and per-chunk batch IDs. Same inputs produce the same values
// across nodes and restarts.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Length of the truncated hex fingerprint. 96 bits is plenty to keep the
// collision probability negligible at any realistic recipient cardinality.
const fingerprintHexLen = 24

// NormalizeEmail canonicalizes an address for fingerprinting and
// suppression matching: surrounding whitespace trimmed, lowercased.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Fingerprint returns the stable 24-hex identity of (campaignID, email).
// The email is normalized first, so Fingerprint(c, " A@x.COM ") equals
// Fingerprint(c, "a@x.com"). Used as the work-record primary key, the
// per-recipient queue identity, and the worker-side idempotency key.
func Fingerprint(campaignID, email string) string {
	h := sha256.Sum256([]byte(campaignID + ":" + NormalizeEmail(email)))
	return hex.EncodeToString(h[:])[:fingerprintHexLen]
}

// MessageID returns the per-message wire ID, email_{24-hex}.
func MessageID(campaignID, email string) string {
	return "email_" + Fingerprint(campaignID, email)
}

// BatchID returns the deterministic queue job ID for one enqueue chunk.
// Redriving materialization produces the same IDs, and the queue
// deduplicates on them.
func BatchID(campaignID string, chunkIndex int) string {
	return fmt.Sprintf("batch_%s_%d", campaignID, chunkIndex)
}
