package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/UCLH-Foundry/PIXL/internal/errs"
)

// Destination selects the upload transport for a project.
type Destination string

const (
	DestinationFTPS     Destination = "ftps"
	DestinationDICOMWeb Destination = "dicomweb"
	DestinationXNAT     Destination = "xnat"
)

// ProjectConfig is the per-project configuration keyed by project slug.
type ProjectConfig struct {
	Project struct {
		Name string `yaml:"name"`
		// Modalities allowed through the anonymisation engine.
		Modalities []string `yaml:"modalities"`
		// SeriesExclusions are regular expressions matched against
		// SeriesDescription; matching series are discarded.
		SeriesExclusions []string `yaml:"series_exclusions"`
		// TimeShiftHours is the signed offset applied by the time-shift op.
		TimeShiftHours int `yaml:"time_shift_hours"`
	} `yaml:"project"`

	Destination struct {
		DICOM Destination `yaml:"dicom"`
	} `yaml:"destination"`

	// TagOperationFiles are applied in order; later files override earlier
	// entries for the same tag.
	TagOperationFiles []string `yaml:"tag_operation_files"`

	excluded []*regexp.Regexp
}

// LoadProjectConfig reads <dir>/<slug>.yaml. A missing file is a
// configuration error, fatal to the worker task.
func LoadProjectConfig(dir, slug string) (*ProjectConfig, error) {
	path := filepath.Join(dir, slug+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Configf("project config for %q: %v", slug, err)
	}
	var cfg ProjectConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.Configf("project config %s: %v", path, err)
	}
	if len(cfg.Project.Modalities) == 0 {
		return nil, errs.Configf("project %q allows no modalities", slug)
	}
	for _, pattern := range cfg.Project.SeriesExclusions {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errs.Configf("project %q series exclusion %q: %v", slug, pattern, err)
		}
		cfg.excluded = append(cfg.excluded, re)
	}
	return &cfg, nil
}

// ModalityAllowed reports whether the project accepts the given modality.
func (c *ProjectConfig) ModalityAllowed(modality string) bool {
	for _, m := range c.Project.Modalities {
		if m == modality {
			return true
		}
	}
	return false
}

// SeriesExcluded reports whether a SeriesDescription matches any of the
// configured exclusion patterns.
func (c *ProjectConfig) SeriesExcluded(description string) bool {
	for _, re := range c.excluded {
		if re.MatchString(description) {
			return true
		}
	}
	return false
}

// TagSchemeEntry is one record of a project tag scheme.
type TagSchemeEntry struct {
	Group   uint16 `yaml:"group"`
	Element uint16 `yaml:"element"`
	Op      string `yaml:"op"`
	Name    string `yaml:"name,omitempty"`
}

// LoadTagScheme reads and merges the project's tag operation files in order.
// A later entry for the same (group, element) replaces the earlier one.
func LoadTagScheme(dir string, cfg *ProjectConfig) ([]TagSchemeEntry, error) {
	if len(cfg.TagOperationFiles) == 0 {
		return nil, errs.Configf("project %q has no tag operation files", cfg.Project.Name)
	}

	merged := make([]TagSchemeEntry, 0, 128)
	index := make(map[[2]uint16]int)
	for _, file := range cfg.TagOperationFiles {
		raw, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return nil, errs.Configf("tag scheme %s: %v", file, err)
		}
		var entries []TagSchemeEntry
		if err := yaml.Unmarshal(raw, &entries); err != nil {
			return nil, errs.Configf("tag scheme %s: %v", file, err)
		}
		for _, e := range entries {
			if e.Op == "" {
				return nil, errs.Configf("tag scheme %s: (%#04x,%#04x) has no op", file, e.Group, e.Element)
			}
			key := [2]uint16{e.Group, e.Element}
			if at, seen := index[key]; seen {
				merged[at] = e
				continue
			}
			index[key] = len(merged)
			merged = append(merged, e)
		}
	}
	if len(merged) == 0 {
		return nil, errs.Configf("tag scheme for %q is empty", cfg.Project.Name)
	}
	return merged, nil
}

// String implements fmt.Stringer for log lines.
func (e TagSchemeEntry) String() string {
	return fmt.Sprintf("(%#04x,%#04x) %s", e.Group, e.Element, e.Op)
}
