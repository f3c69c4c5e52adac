package deid

import (
	"fmt"
	"strings"
	"time"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// datePair couples a DA tag with its TM counterpart so a shift applies to the
// combined instant rather than to date and time independently.
type datePair struct {
	date tag.Tag
	time tag.Tag
}

// shiftedPairs is the fixed set of date/time tags covered by the time-shift
// op: study, series, acquisition and image content timestamps.
var shiftedPairs = []datePair{
	{date: tag.StudyDate, time: tag.StudyTime},
	{date: tag.SeriesDate, time: tag.SeriesTime},
	{date: tag.AcquisitionDate, time: tag.AcquisitionTime},
	{date: tag.ContentDate, time: tag.ContentTime},
}

const (
	daFormat = "20060102"
	tmFormat = "150405"
)

// shiftDateTime moves a DA value, and optionally its paired TM value, by the
// given offset. An empty tm shifts the date alone. Fractional seconds on the
// TM value are preserved verbatim.
func shiftDateTime(da, tm string, offset time.Duration) (string, string, error) {
	da = strings.TrimSpace(da)
	tm = strings.TrimSpace(tm)
	if da == "" {
		return da, tm, nil
	}

	var frac string
	base := tm
	if i := strings.IndexByte(tm, '.'); i >= 0 {
		base, frac = tm[:i], tm[i:]
	}
	// TM permits truncated components (HH, HHMM); pad to full seconds.
	for len(base) > 0 && len(base) < len(tmFormat) {
		base += "00"[:min(2, len(tmFormat)-len(base))]
	}

	layout := daFormat
	value := da
	if base != "" {
		layout += tmFormat
		value += base
	}
	t, err := time.Parse(layout, value)
	if err != nil {
		return da, tm, fmt.Errorf("parse date/time %q: %w", value, err)
	}
	t = t.Add(offset)

	outDA := t.Format(daFormat)
	outTM := tm
	if base != "" {
		outTM = t.Format(tmFormat) + frac
	}
	return outDA, outTM, nil
}
