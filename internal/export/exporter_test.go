package export

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/UCLH-Foundry/PIXL/internal/config"
	"github.com/UCLH-Foundry/PIXL/internal/errs"
	"github.com/UCLH-Foundry/PIXL/internal/orthanc"
)

type fakeStore struct {
	orthanc.Client

	studies map[string]orthanc.Resource
	stowed  []string
}

func (f *fakeStore) GetStudy(_ context.Context, id string) (orthanc.Resource, error) {
	r, ok := f.studies[id]
	if !ok {
		return orthanc.Resource{}, errs.Discardf("no study %s", id)
	}
	return r, nil
}

func (f *fakeStore) ListStudies(context.Context) ([]orthanc.Resource, error) {
	var out []orthanc.Resource
	for _, r := range f.studies {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) StudyArchive(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("zipbytes")), nil
}

func (f *fakeStore) StowStudy(_ context.Context, server, studyID string) error {
	f.stowed = append(f.stowed, server+"/"+studyID)
	return nil
}

type fakeRegistry struct {
	slugs    map[string]string
	exported map[string]bool
	recorded []string
}

func (f *fakeRegistry) AlreadyExported(_ context.Context, uid string) (bool, error) {
	if _, ok := f.slugs[uid]; !ok {
		return false, errs.Discardf("no image row for %s", uid)
	}
	return f.exported[uid], nil
}

func (f *fakeRegistry) ProjectSlugForPseudoUID(_ context.Context, uid string) (string, error) {
	slug, ok := f.slugs[uid]
	if !ok {
		return "", errs.Discardf("no image row for %s", uid)
	}
	return slug, nil
}

func (f *fakeRegistry) RecordExport(_ context.Context, uid string, _ time.Time) error {
	if f.exported[uid] {
		return errs.ErrAlreadyExported
	}
	f.exported[uid] = true
	f.recorded = append(f.recorded, uid)
	return nil
}

type fakeCreds struct{}

func (fakeCreds) ProjectUploadCredentials(string) (config.UploadCredentials, error) {
	return config.UploadCredentials{Host: "dsh", Port: 21, Username: "u", Password: "p"}, nil
}

func writeProjectConfig(t *testing.T, dir, slug, destination string) {
	t.Helper()
	cfg := `project:
  name: ` + slug + `
  modalities: ["CT", "MR"]
destination:
  dicom: ` + destination + `
tag_operation_files: ["base.yaml"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, slug+".yaml"), []byte(cfg), 0o644))
}

func newTestExporter(t *testing.T, store *fakeStore, reg *fakeRegistry, configDir string) *Exporter {
	t.Helper()
	e := NewExporter(store, reg, fakeCreds{}, configDir, "dsh-stow", zaptest.NewLogger(t))
	e.now = func() time.Time { return time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func TestExportStudyStowsAndRecords(t *testing.T) {
	dir := t.TempDir()
	writeProjectConfig(t, dir, "some-project", "dicomweb")
	store := &fakeStore{studies: map[string]orthanc.Resource{
		"abc": {ID: "abc", MainDicomTags: map[string]string{
			"StudyInstanceUID": "1.2.3", "PatientID": "hashed-id",
		}},
	}}
	reg := &fakeRegistry{
		slugs:    map[string]string{"1.2.3": "some-project"},
		exported: map[string]bool{},
	}

	err := newTestExporter(t, store, reg, dir).ExportStudy(context.Background(), "abc")
	require.NoError(t, err)

	assert.Equal(t, []string{"dsh-stow/abc"}, store.stowed)
	assert.Equal(t, []string{"1.2.3"}, reg.recorded)
}

func TestExportStudyAlreadyExportedIsSuccess(t *testing.T) {
	dir := t.TempDir()
	writeProjectConfig(t, dir, "some-project", "dicomweb")
	store := &fakeStore{studies: map[string]orthanc.Resource{
		"abc": {ID: "abc", MainDicomTags: map[string]string{"StudyInstanceUID": "1.2.3"}},
	}}
	reg := &fakeRegistry{
		slugs:    map[string]string{"1.2.3": "some-project"},
		exported: map[string]bool{"1.2.3": true},
	}

	err := newTestExporter(t, store, reg, dir).ExportStudy(context.Background(), "abc")
	require.NoError(t, err)

	assert.Empty(t, store.stowed)
	assert.Empty(t, reg.recorded)
}

func TestExportStudyUnknownUIDDiscards(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{studies: map[string]orthanc.Resource{
		"abc": {ID: "abc", MainDicomTags: map[string]string{"StudyInstanceUID": "9.9.9"}},
	}}
	reg := &fakeRegistry{slugs: map[string]string{}, exported: map[string]bool{}}

	err := newTestExporter(t, store, reg, dir).ExportStudy(context.Background(), "abc")
	assert.True(t, errs.IsDiscard(err))
}

func TestPendingStudiesSkipsExportedAndForeign(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{studies: map[string]orthanc.Resource{
		"a": {ID: "a", MainDicomTags: map[string]string{"StudyInstanceUID": "1.1"}},
		"b": {ID: "b", MainDicomTags: map[string]string{"StudyInstanceUID": "1.2"}},
		"c": {ID: "c", MainDicomTags: map[string]string{"StudyInstanceUID": "9.9"}},
	}}
	reg := &fakeRegistry{
		slugs:    map[string]string{"1.1": "p", "1.2": "p"},
		exported: map[string]bool{"1.2": true},
	}

	ids, err := newTestExporter(t, store, reg, dir).pendingStudies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}
