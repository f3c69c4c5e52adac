package export

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/UCLH-Foundry/PIXL/internal/registry"
)

func testExtractTime() time.Time {
	return time.Date(2023, 4, 21, 16, 30, 0, 0, time.UTC)
}

func TestParquetExportLayout(t *testing.T) {
	p := NewParquetExport(t.TempDir(), "Some Project", testExtractTime(), zaptest.NewLogger(t))

	assert.Equal(t, "some-project", p.ProjectSlug)
	assert.Contains(t, p.ExtractTimeSlug, "2023-04-21")
}

func TestExportRadiologyWritesParquetAndSymlink(t *testing.T) {
	root := t.TempDir()
	p := NewParquetExport(root, "Some Project", testExtractTime(), zaptest.NewLogger(t))

	rows := []registry.RadiologyRow{
		{ProcedureOccurrenceID: 1, ImageIdentifier: "abc", PseudoStudyUID: "1.2.3"},
		{ProcedureOccurrenceID: 2, ImageIdentifier: "def", PseudoStudyUID: ""},
	}
	outDir, err := p.ExportRadiology(rows)
	require.NoError(t, err)

	file := filepath.Join(outDir, "radiology.parquet")
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	link := filepath.Join(root, "exports", "some-project", "latest", "omop", "radiology.parquet")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, file, target)
}

func TestExportRadiologyRelinksLatest(t *testing.T) {
	root := t.TempDir()
	first := NewParquetExport(root, "p", testExtractTime(), zaptest.NewLogger(t))
	_, err := first.ExportRadiology(nil)
	require.NoError(t, err)

	second := NewParquetExport(root, "p", testExtractTime().Add(time.Hour), zaptest.NewLogger(t))
	outDir, err := second.ExportRadiology(nil)
	require.NoError(t, err)

	link := filepath.Join(root, "exports", "p", "latest", "omop", "radiology.parquet")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "radiology.parquet"), target)
}

func TestCopyToExports(t *testing.T) {
	root := t.TempDir()
	omop := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(omop, "public"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(omop, "public", "PROCEDURE_OCCURRENCE.parquet"), []byte("x"), 0o644))

	p := NewParquetExport(root, "p", testExtractTime(), zaptest.NewLogger(t))
	require.NoError(t, p.CopyToExports(omop))

	copied := filepath.Join(root, "exports", "p", "all_extracts", "omop",
		p.ExtractTimeSlug, "public", "PROCEDURE_OCCURRENCE.parquet")
	_, err := os.Stat(copied)
	assert.NoError(t, err)

	link := filepath.Join(root, "exports", "p", "latest", "omop", "public")
	_, err = os.Readlink(link)
	assert.NoError(t, err)
}

func TestCopyToExportsMissingPublicDir(t *testing.T) {
	p := NewParquetExport(t.TempDir(), "p", testExtractTime(), zaptest.NewLogger(t))
	assert.Error(t, p.CopyToExports(t.TempDir()))
}
