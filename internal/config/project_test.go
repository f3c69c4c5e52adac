package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UCLH-Foundry/PIXL/internal/errs"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const sampleProject = `project:
  name: proj-x
  modalities: ["CT", "MR"]
  series_exclusions: ["(?i)localizer", "SECRET.*"]
  time_shift_hours: 5
destination:
  dicom: ftps
tag_operation_files: ["base.yaml", "override.yaml"]
`

func TestLoadProjectConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "proj-x.yaml", sampleProject)

	cfg, err := LoadProjectConfig(dir, "proj-x")
	require.NoError(t, err)

	assert.Equal(t, "proj-x", cfg.Project.Name)
	assert.Equal(t, 5, cfg.Project.TimeShiftHours)
	assert.Equal(t, DestinationFTPS, cfg.Destination.DICOM)

	assert.True(t, cfg.ModalityAllowed("CT"))
	assert.False(t, cfg.ModalityAllowed("US"))

	assert.True(t, cfg.SeriesExcluded("Sagittal LOCALIZER"))
	assert.True(t, cfg.SeriesExcluded("SECRET series"))
	assert.False(t, cfg.SeriesExcluded("T1 axial"))
}

func TestLoadProjectConfigMissingFileIsConfigError(t *testing.T) {
	_, err := LoadProjectConfig(t.TempDir(), "nope")
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))
}

func TestLoadProjectConfigRejectsNoModalities(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "p.yaml", "project:\n  name: p\n")

	_, err := LoadProjectConfig(dir, "p")
	assert.True(t, errs.IsConfig(err))
}

func TestLoadTagSchemeMergesFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "proj-x.yaml", sampleProject)
	writeFile(t, dir, "base.yaml", `
- group: 0x0010
  element: 0x0020
  op: secure-hash
  name: PatientID
- group: 0x0008
  element: 0x0050
  op: keep
`)
	writeFile(t, dir, "override.yaml", `
- group: 0x0008
  element: 0x0050
  op: delete
`)

	cfg, err := LoadProjectConfig(dir, "proj-x")
	require.NoError(t, err)
	entries, err := LoadTagScheme(dir, cfg)
	require.NoError(t, err)

	require.Len(t, entries, 2)
	assert.Equal(t, "secure-hash", entries[0].Op)
	// The override file wins for the accession number tag.
	assert.Equal(t, uint16(0x0050), entries[1].Element)
	assert.Equal(t, "delete", entries[1].Op)
}

func TestLoadTagSchemeRequiresFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := &ProjectConfig{}
	cfg.Project.Name = "p"

	_, err := LoadTagScheme(dir, cfg)
	assert.True(t, errs.IsConfig(err))
}
