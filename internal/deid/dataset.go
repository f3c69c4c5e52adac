package deid

import (
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// elementString flattens an element's value to its backslash-joined string
// form, or "" when the element holds no string data.
func elementString(e *dicom.Element) string {
	if e == nil || e.Value == nil {
		return ""
	}
	if vs, ok := e.Value.GetValue().([]string); ok {
		return strings.Join(vs, `\`)
	}
	return ""
}

// findString looks up a top-level tag and returns its string value, trimmed
// of the padding DICOM writers append.
func findString(ds *dicom.Dataset, t tag.Tag) string {
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(elementString(e))
}

// replaceString rebuilds a string-valued element in place within the element
// slice. Multi-valued elements collapse to the single replacement value.
func replaceString(elements []*dicom.Element, i int, value string) error {
	e, err := dicom.NewElement(elements[i].Tag, []string{value})
	if err != nil {
		return fmt.Errorf("rebuild (%04x,%04x): %w", elements[i].Tag.Group, elements[i].Tag.Element, err)
	}
	elements[i] = e
	return nil
}

// sequenceItems unpacks a SQ element into its per-item element slices.
func sequenceItems(e *dicom.Element) ([][]*dicom.Element, bool) {
	if e.Value == nil || e.Value.ValueType() != dicom.Sequences {
		return nil, false
	}
	items, ok := e.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return nil, false
	}
	out := make([][]*dicom.Element, 0, len(items))
	for _, item := range items {
		els, ok := item.GetValue().([]*dicom.Element)
		if !ok {
			return nil, false
		}
		out = append(out, els)
	}
	return out, true
}

// isOverlayGroup reports whether the tag sits in one of the repeating
// overlay-plane groups 0x6000 through 0x601E.
func isOverlayGroup(t tag.Tag) bool {
	return t.Group >= 0x6000 && t.Group <= 0x601E && t.Group%2 == 0
}
