package deid

import "strconv"

const (
	minAgeYears = 18
	maxAgeYears = 89
)

// BoundAge clamps a DICOM Age String (AS, "nnnU") into the 18-89 year band.
// Ages expressed in days, weeks or months, and any malformed value, collapse
// to the lower bound.
func BoundAge(age string) string {
	if len(age) != 4 || age[3] != 'Y' {
		return "018Y"
	}
	years, err := strconv.Atoi(age[:3])
	if err != nil {
		return "018Y"
	}
	switch {
	case years < minAgeYears:
		return "018Y"
	case years > maxAgeYears:
		return "089Y"
	default:
		return age
	}
}
