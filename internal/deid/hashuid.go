package deid

import (
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// uidRootSegments is the number of leading dot-separated segments of a UID
// preserved verbatim so the organisational root stays recognisable.
const uidRootSegments = 4

// HashUID deterministically pseudonymises a DICOM UID. The root segments
// pass through unchanged; every later segment is replaced by the digits of
// its salted SHA-512 digest, trimmed back to the segment's original length
// so the result remains a conformant UID of the same shape.
func HashUID(uid string, salt []byte) string {
	segments := strings.Split(uid, ".")
	for i, seg := range segments {
		if i < uidRootSegments || seg == "" {
			continue
		}
		segments[i] = hashSegment(seg, salt)
	}
	return strings.Join(segments, ".")
}

func hashSegment(seg string, salt []byte) string {
	h := sha512.New()
	h.Write([]byte(seg))
	h.Write(salt)
	digest := hex.EncodeToString(h.Sum(nil))

	var b strings.Builder
	for _, r := range digest {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	// A multi-digit UID component must not carry leading zeros; a single
	// "0" component is legal as-is.
	if len(seg) > 1 {
		digits = strings.TrimLeft(digits, "0")
	}
	if len(digits) > len(seg) {
		digits = digits[:len(seg)]
	}
	if digits == "" {
		digits = "0"
	}
	return digits
}
