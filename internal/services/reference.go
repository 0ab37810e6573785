package services

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

const referencePrefix = "TXN"

var routingNumberPattern = regexp.MustCompile(`^[1-9][0-9]{9}$`)

// NewReference returns a deposit reference of the form TXN_<unix millis>_<16 hex>.
// The unique index on ledger_entries.reference is the final backstop.
func NewReference() (string, error) {
	return newReferenceAt(time.Now())
}

func newReferenceAt(now time.Time) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return fmt.Sprintf("%s_%d_%s", referencePrefix, now.UnixMilli(), hex.EncodeToString(b)), nil
}

var (
	routingNumberMin   = big.NewInt(1_000_000_000)
	routingNumberRange = big.NewInt(9_000_000_000)
)

// NewRoutingNumber returns a random 10-digit number in [1000000000, 9999999999].
func NewRoutingNumber() (string, error) {
	n, err := rand.Int(rand.Reader, routingNumberRange)
	if err != nil {
		return "", fmt.Errorf("failed to generate routing number: %w", err)
	}
	return n.Add(n, routingNumberMin).String(), nil
}

// ValidRoutingNumber reports whether s is a well-formed routing number.
func ValidRoutingNumber(s string) bool {
	return routingNumberPattern.MatchString(s)
}
