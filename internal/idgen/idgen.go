// Package idgen generates the two classes of identifier the control
// plane needs: random opaque IDs for entities that never need to be
// re-derived (signals, risk events, audit rows), and the deterministic
// plan/order fingerprints idempotent execution depends on.
package idgen

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// New generates a random opaque ID, optionally prefixed.
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return fmt.Sprintf("%s_%s", prefix, id)
}

// PlanClientID is the 24-char deterministic fingerprint of a trade plan:
//
//	sha1("{symbol}|{side}|{entry}|{stop}|{tp}|{qty}|{strategy}|{config_sha}")[:24]
//
// Replaying the same plan shape always yields the same string, which is
// the basis for idempotent order placement.
func PlanClientID(symbol, side string, entry, stop, tp, qty decimal.Decimal, strategy, configSha string) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s",
		symbol, side, entry.String(), stop.String(), tp.String(), qty.String(), strategy, configSha)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])[:24]
}

// OrderClientID derives the per-leg client_order_id from a plan
// fingerprint, a leg tag, and an optional group suffix (used to keep
// IDs deterministic-but-distinct across a cancel+replace, e.g. when a
// partial fill is re-priced or a stop is trailed).
func OrderClientID(planClientID, tag string, groupSuffix ...string) string {
	id := planClientID + ":" + tag
	for _, s := range groupSuffix {
		if s != "" {
			id += ":" + s
		}
	}
	return id
}
