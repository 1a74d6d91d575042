// Package fingerprint normalizes failure messages into comparable signatures.
//
// Two messages that differ only in volatile substrings (timestamps,
// generated identifiers, addresses, offsets) produce the same Fingerprint,
// so a retry loop hitting the same failure can be recognized as such.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Placeholders substituted for volatile substrings.
const (
	PlaceholderUUID      = "<uuid>"
	PlaceholderTimestamp = "<ts>"
	PlaceholderHex       = "<hex>"
	PlaceholderNumber    = "<n>"
)

// Fingerprint is the normalized form of a raw message.
// The zero value is the fingerprint of the empty string.
type Fingerprint string

// Patterns run on lowercased input. UUIDs go first because their digit
// groups would otherwise be eaten by the timestamp and number rules.
var (
	uuidPattern = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

	// 2026-02-23, 2026-02-23t12:00:00z, 2026-02-23 12:00:00.123+02:00
	isoPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}(?:[t ]\d{1,2}:\d{2}(?::\d{2}(?:[.,]\d+)?)?(?:z|[+-]\d{2}:?\d{2})?)?`)

	// 10:03, 10:03:15, 10:03:15.250
	clockPattern = regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2}(?:[.,]\d+)?)?\b`)

	hexPattern    = regexp.MustCompile(`\b0x[0-9a-f]+\b`)
	numberPattern = regexp.MustCompile(`\d{3,}`)
)

// Of returns the fingerprint of raw. It is pure and deterministic.
func Of(raw string) Fingerprint {
	s := strings.ToLower(raw)
	s = uuidPattern.ReplaceAllString(s, PlaceholderUUID)
	s = isoPattern.ReplaceAllString(s, PlaceholderTimestamp)
	s = clockPattern.ReplaceAllString(s, PlaceholderTimestamp)
	s = hexPattern.ReplaceAllString(s, PlaceholderHex)
	s = numberPattern.ReplaceAllString(s, PlaceholderNumber)
	return Fingerprint(strings.Join(strings.Fields(s), " "))
}

// Equal reports whether a and b normalize to the same fingerprint.
func Equal(a, b string) bool {
	return Of(a) == Of(b)
}

// String returns the normalized text.
func (f Fingerprint) String() string {
	return string(f)
}

// Short returns a 12-character hex digest, suitable for logs and audit rows.
func (f Fingerprint) Short() string {
	h := sha256.Sum256([]byte(f))
	return hex.EncodeToString(h[:])[:12]
}
