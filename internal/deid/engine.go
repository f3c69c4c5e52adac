package deid

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/config"
	"github.com/UCLH-Foundry/PIXL/internal/dicomtags"
	"github.com/UCLH-Foundry/PIXL/internal/errs"
	"github.com/UCLH-Foundry/PIXL/internal/hasher"
	"github.com/UCLH-Foundry/PIXL/internal/registry"
)

// UIDAssigner mints or fetches the stable pseudo study UID for a study.
// Satisfied by *registry.Registry.
type UIDAssigner interface {
	AssignOrFetchPseudoUID(ctx context.Context, slug string, info registry.StudyInfo) (string, error)
}

// Engine anonymises DICOM instances per the project configuration carried in
// the instance's private project tag.
type Engine struct {
	configDir string
	salt      []byte
	uids      UIDAssigner
	hasher    hasher.Client
	logger    *zap.Logger
}

func NewEngine(configDir string, salt []byte, uids UIDAssigner, h hasher.Client, logger *zap.Logger) *Engine {
	return &Engine{configDir: configDir, salt: salt, uids: uids, hasher: h, logger: logger}
}

// AnonymiseInstance runs the full per-instance pipeline and returns the
// anonymised DICOM bytes. Gate failures and unidentifiable studies return a
// discard error; broken project configuration returns a config error.
func (e *Engine) AnonymiseInstance(ctx context.Context, raw []byte) ([]byte, error) {
	ds, err := dicom.Parse(bytes.NewReader(raw), int64(len(raw)), nil)
	if err != nil {
		return nil, errs.Discardf("parse instance: %v", err)
	}

	slug := findString(&ds, tag.Tag{Group: dicomtags.ProjectNameGroup, Element: dicomtags.ProjectNameElement})
	if slug == "" {
		return nil, errs.Discardf("instance carries no project tag")
	}
	cfg, err := config.LoadProjectConfig(e.configDir, slug)
	if err != nil {
		return nil, err
	}

	modality := findString(&ds, tag.Modality)
	if !cfg.ModalityAllowed(modality) {
		return nil, errs.Discardf("project %s does not accept modality %q", slug, modality)
	}
	if desc := findString(&ds, tag.SeriesDescription); cfg.SeriesExcluded(desc) {
		return nil, errs.Discardf("project %s excludes series %q", slug, desc)
	}

	entries, err := config.LoadTagScheme(e.configDir, cfg)
	if err != nil {
		return nil, err
	}
	scheme, err := NewScheme(entries)
	if err != nil {
		return nil, err
	}

	// Identification must happen before the scheme rewrites the tags.
	info := registry.StudyInfo{
		MRN:             findString(&ds, tag.PatientID),
		AccessionNumber: findString(&ds, tag.AccessionNumber),
		StudyUID:        findString(&ds, tag.StudyInstanceUID),
	}

	before := ValidateDataset(&ds)

	offset := time.Duration(cfg.Project.TimeShiftHours) * time.Hour
	if err := e.shiftTimestamps(&ds, scheme, offset); err != nil {
		return nil, errs.Discardf("time shift: %v", err)
	}

	elements, err := e.applyScheme(ctx, ds.Elements, scheme, slug)
	if err != nil {
		return nil, err
	}
	ds.Elements = elements

	pseudoUID, err := e.uids.AssignOrFetchPseudoUID(ctx, slug, info)
	if err != nil {
		return nil, err
	}
	if err := setTopLevelString(&ds, tag.StudyInstanceUID, pseudoUID); err != nil {
		return nil, err
	}

	after := ValidateDataset(&ds)
	for _, msg := range introducedErrors(before, after) {
		e.logger.Warn("validation error introduced by anonymisation",
			zap.String("project", slug), zap.String("error", msg))
	}

	var out bytes.Buffer
	if err := dicom.Write(&out, ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()); err != nil {
		return nil, errs.Discardf("write anonymised instance: %v", err)
	}
	e.logger.Info("anonymised instance",
		zap.String("project", slug), zap.String("pseudo_study_uid", pseudoUID))
	return out.Bytes(), nil
}

// shiftTimestamps moves every configured date/time pair by the project
// offset. Only pairs whose date tag the scheme marks time-shift move.
func (e *Engine) shiftTimestamps(ds *dicom.Dataset, scheme Scheme, offset time.Duration) error {
	for _, pair := range shiftedPairs {
		if scheme[pair.date] != OpTimeShift {
			continue
		}
		da := findString(ds, pair.date)
		if da == "" {
			continue
		}
		tm := findString(ds, pair.time)
		newDA, newTM, err := shiftDateTime(da, tm, offset)
		if err != nil {
			return err
		}
		if err := setTopLevelString(ds, pair.date, newDA); err != nil {
			return err
		}
		if tm != "" {
			if err := setTopLevelString(ds, pair.time, newTM); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyScheme enforces the whitelist and applies per-tag ops, recursing into
// sequence items so nested elements see the same table.
func (e *Engine) applyScheme(ctx context.Context, elements []*dicom.Element, scheme Scheme, slug string) ([]*dicom.Element, error) {
	out := make([]*dicom.Element, 0, len(elements))
	for _, el := range elements {
		if isOverlayGroup(el.Tag) {
			continue
		}
		// File meta elements travel with the dataset in this library and
		// are required to rewrite it.
		if el.Tag.Group == 0x0002 {
			out = append(out, el)
			continue
		}
		op, listed := scheme[el.Tag]
		if !listed || op == OpDelete {
			continue
		}

		if items, ok := sequenceItems(el); ok {
			rebuilt := make([][]*dicom.Element, 0, len(items))
			for _, item := range items {
				kept, err := e.applyScheme(ctx, item, scheme, slug)
				if err != nil {
					return nil, err
				}
				rebuilt = append(rebuilt, kept)
			}
			seq, err := dicom.NewElement(el.Tag, rebuilt)
			if err != nil {
				return nil, errs.Discardf("rebuild sequence (%04x,%04x): %v", el.Tag.Group, el.Tag.Element, err)
			}
			out = append(out, seq)
			continue
		}

		out = append(out, el)
		i := len(out) - 1
		switch op {
		case OpKeep, OpTimeShift:
			// time-shift values were rewritten in the pair pass.
		case OpHashUID:
			if err := replaceString(out, i, HashUID(strings.TrimSpace(elementString(el)), e.salt)); err != nil {
				return nil, err
			}
		case OpFixed:
			if err := replaceString(out, i, ""); err != nil {
				return nil, err
			}
		case OpNumRange:
			if err := replaceString(out, i, BoundAge(strings.TrimSpace(elementString(el)))); err != nil {
				return nil, err
			}
		case OpSecureHash:
			hashed, err := e.secureHash(ctx, el, slug)
			if err != nil {
				return nil, err
			}
			if err := replaceString(out, i, hashed); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// secureHash substitutes the value via the hashing service. Only the LO and
// SH representations are hashable; the hash is trimmed to the VR's limit.
func (e *Engine) secureHash(ctx context.Context, el *dicom.Element, slug string) (string, error) {
	var length int
	switch el.RawValueRepresentation {
	case "LO":
		length = 64
	case "SH":
		length = 16
	default:
		// A scheme can only ask for this through a bad entry; surface it to
		// the operator rather than dropping instances.
		return "", errs.Configf("cannot secure-hash (%04x,%04x) with VR %s",
			el.Tag.Group, el.Tag.Element, el.RawValueRepresentation)
	}
	value := strings.TrimSpace(elementString(el))
	hashed, err := e.hasher.Hash(ctx, slug, value, length)
	if err != nil {
		return "", err
	}
	if len(hashed) > length {
		hashed = hashed[:length]
	}
	return hashed, nil
}

// setTopLevelString rewrites a top-level string element in place.
func setTopLevelString(ds *dicom.Dataset, t tag.Tag, value string) error {
	for i, el := range ds.Elements {
		if el.Tag == t {
			return replaceString(ds.Elements, i, value)
		}
	}
	el, err := dicom.NewElement(t, []string{value})
	if err != nil {
		return errs.Discardf("create (%04x,%04x): %v", t.Group, t.Element, err)
	}
	ds.Elements = append(ds.Elements, el)
	return nil
}
