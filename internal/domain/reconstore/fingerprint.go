package reconstore

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Fingerprint hashes the identifying parts of a raw payload into the content
// idempotency key used by the raw mirror tables. Parts are length-delimited
// so concatenation ambiguity cannot collide two distinct payloads.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OrderContentFingerprint builds the raw-order dedupe key. The dispatcher and
// the reconciler must derive the same key for the same snapshot, otherwise a
// reconciliation pass re-mirrors responses the dispatcher already stored.
func OrderContentFingerprint(accountID int64, exchangeOrderID, status, filledQty string, updatedAt time.Time) string {
	return Fingerprint(
		strconv.FormatInt(accountID, 10),
		exchangeOrderID,
		status,
		filledQty,
		updatedAt.UTC().Format(time.RFC3339Nano),
	)
}

// TradeContentFingerprint builds the raw-trade dedupe key. Trades are
// immutable, so account and exchange trade id identify the content fully.
func TradeContentFingerprint(accountID int64, exchangeTradeID string) string {
	return Fingerprint(strconv.FormatInt(accountID, 10), exchangeTradeID)
}
