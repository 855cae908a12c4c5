// Package runkey normalizes workflow run keys and composes the deterministic
// keys used by auto-materialized runs. A run key is a caller-provided logical
// identity: the store enforces at most one non-terminal run per
// (workflowDefinitionId, normalized key).
package runkey

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// MaxLength is the length the normalized form is clipped to.
const MaxLength = 48

var (
	whitespace = regexp.MustCompile(`\s+`)
	disallowed = regexp.MustCompile(`[^a-z0-9_.-]`)
)

// Normalize lowercases the key, collapses whitespace runs to a single "-",
// replaces every character outside [a-z0-9_.-] with "-", and clips the result
// to MaxLength. Normalization is idempotent.
func Normalize(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = whitespace.ReplaceAllString(k, "-")
	k = disallowed.ReplaceAllString(k, "-")
	if len(k) > MaxLength {
		k = k[:MaxLength]
	}
	return k
}

// Compose joins the non-empty parts with "--" to build a deterministic run
// key. Auto-materialization composes keys from
// ("asset", assetID|workflowSlug, partitionKey?, reason, upstreamRunID|expiryReason).
func Compose(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		kept = append(kept, strings.ReplaceAll(p, "--", "-"))
	}
	return strings.Join(kept, "--")
}

// Hash returns a short stable digest of the key, used where a fixed-width
// identity is needed (queue job ids embedding long run keys).
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}
