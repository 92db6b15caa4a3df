package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/habitcore/internal/calendar"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainSnapshot = "habitcore/snapshot/v1"
	DomainAward    = "habitcore/award/v1"
	DomainEvent    = "habitcore/event/v1"
)

// HashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// AwardID is the deterministic id of the award for (userID, day). Two awards
// for the same key would share an id, which the invariant pass reports.
func AwardID(userID string, day calendar.DayKey) string {
	return HashWithDomain(DomainAward, []byte(userID+"\x00"+string(day)))[:32]
}

// NormalizeName trims whitespace and applies Unicode NFC so visually
// identical names compare equal.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.Join(strings.Fields(name), " "))
}
