package registry

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// uidPrefix is the UID root under which pseudo study UIDs are minted.
const uidPrefix = "1.2.826.0.1.3680043.8.498."

// maxUIDLength is the DICOM limit for a UI value.
const maxUIDLength = 64

// NewPseudoStudyUID mints a random, syntactically valid DICOM UID of at most
// 64 characters. Uniqueness across the registry is enforced by the caller
// under a transaction; collisions are retried.
func NewPseudoStudyUID() string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	s := uidPrefix + n.String()
	if len(s) > maxUIDLength {
		s = s[:maxUIDLength]
	}
	// A UID component must not end with a trailing dot.
	return strings.TrimRight(s, ".")
}

// ValidUID reports whether s is a structurally valid DICOM UID.
func ValidUID(s string) bool {
	if s == "" || len(s) > maxUIDLength {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		if len(part) > 1 && part[0] == '0' {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
