package deid

import (
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// vrMaxLengths are the character limits for the string representations the
// engine rewrites. Other VRs are not length-checked.
var vrMaxLengths = map[string]int{
	"AE": 16,
	"AS": 4,
	"CS": 16,
	"DA": 8,
	"LO": 64,
	"PN": 64,
	"SH": 16,
	"TM": 16,
	"UI": 64,
}

// ValidateDataset runs a conformance check over the dataset and returns one
// message per violation. Validation never fails the instance; callers diff
// the messages before and after anonymisation.
func ValidateDataset(ds *dicom.Dataset) []string {
	return validateElements(ds.Elements)
}

func validateElements(elements []*dicom.Element) []string {
	var msgs []string
	for _, el := range elements {
		msgs = append(msgs, validateElement(el)...)
		if items, ok := sequenceItems(el); ok {
			for _, item := range items {
				msgs = append(msgs, validateElements(item)...)
			}
		}
	}
	return msgs
}

func validateElement(el *dicom.Element) []string {
	var msgs []string
	ref := fmt.Sprintf("(%04x,%04x)", el.Tag.Group, el.Tag.Element)

	info, err := tag.Find(el.Tag)
	if err != nil {
		if el.Tag.Group%2 == 1 {
			// Private tags are not in the public dictionary.
			return nil
		}
		return []string{fmt.Sprintf("%s: not in dictionary", ref)}
	}
	vr := el.RawValueRepresentation
	if info.VR != "" && vr != "" && info.VR != vr && info.VR != "US or SS" {
		msgs = append(msgs, fmt.Sprintf("%s %s: VR %s, dictionary says %s", ref, info.Name, vr, info.VR))
	}
	if limit, ok := vrMaxLengths[vr]; ok {
		for _, v := range strings.Split(elementString(el), `\`) {
			if len(v) > limit {
				msgs = append(msgs, fmt.Sprintf("%s %s: value exceeds %s limit of %d", ref, info.Name, vr, limit))
			}
		}
	}
	return msgs
}

// introducedErrors returns validation messages present after anonymisation
// but not before.
func introducedErrors(before, after []string) []string {
	seen := make(map[string]struct{}, len(before))
	for _, m := range before {
		seen[m] = struct{}{}
	}
	var introduced []string
	for _, m := range after {
		if _, ok := seen[m]; !ok {
			introduced = append(introduced, m)
		}
	}
	return introduced
}
