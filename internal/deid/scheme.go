// Package deid implements the anonymisation engine: a project-configured
// table of per-tag operations applied recursively over a DICOM dataset,
// with whitelist enforcement, deterministic UID pseudonymisation and
// registry-backed pseudo study UID minting.
package deid

import (
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/UCLH-Foundry/PIXL/internal/config"
	"github.com/UCLH-Foundry/PIXL/internal/errs"
)

// Op is one tag operation from the closed set supported by project schemes.
type Op string

const (
	OpKeep       Op = "keep"
	OpDelete     Op = "delete"
	OpHashUID    Op = "hash-uid"
	OpTimeShift  Op = "time-shift"
	OpFixed      Op = "fixed"
	OpNumRange   Op = "num-range"
	OpSecureHash Op = "secure-hash"
)

// Scheme is the per-project operation table. Tags not present in the table
// are deleted by whitelist enforcement.
type Scheme map[tag.Tag]Op

// NewScheme validates the merged tag operation entries and builds the table.
// An unknown op is a configuration error, fatal to the worker task.
func NewScheme(entries []config.TagSchemeEntry) (Scheme, error) {
	scheme := make(Scheme, len(entries))
	for _, e := range entries {
		op := Op(e.Op)
		switch op {
		case OpKeep, OpDelete, OpHashUID, OpTimeShift, OpFixed, OpNumRange, OpSecureHash:
		default:
			return nil, errs.Configf("unknown tag op %q for (%#04x,%#04x)", e.Op, e.Group, e.Element)
		}
		scheme[tag.Tag{Group: e.Group, Element: e.Element}] = op
	}
	return scheme, nil
}

// Keeps reports whether the tag survives whitelist enforcement.
func (s Scheme) Keeps(t tag.Tag) bool {
	op, ok := s[t]
	return ok && op != OpDelete
}
