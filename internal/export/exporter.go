package export

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/config"
	"github.com/UCLH-Foundry/PIXL/internal/errs"
	"github.com/UCLH-Foundry/PIXL/internal/orthanc"
)

// ExportRegistry is the registry surface the exporter needs. Satisfied by
// *registry.Registry.
type ExportRegistry interface {
	AlreadyExported(ctx context.Context, pseudoStudyUID string) (bool, error)
	ProjectSlugForPseudoUID(ctx context.Context, pseudoStudyUID string) (string, error)
	RecordExport(ctx context.Context, pseudoStudyUID string, when time.Time) error
}

// Exporter packages stable anonymised studies and pushes them to the
// project's destination, recording the export exactly once.
type Exporter struct {
	anon           orthanc.Client
	reg            ExportRegistry
	creds          CredentialSource
	configDir      string
	dicomwebServer string
	logger         *zap.Logger

	now func() time.Time
}

func NewExporter(anon orthanc.Client, reg ExportRegistry, creds CredentialSource, configDir, dicomwebServer string, logger *zap.Logger) *Exporter {
	return &Exporter{
		anon:           anon,
		reg:            reg,
		creds:          creds,
		configDir:      configDir,
		dicomwebServer: dicomwebServer,
		logger:         logger,
		now:            time.Now,
	}
}

// ExportStudy delivers one anonymised study out of the store. A study whose
// Image row is already marked exported is treated as success and not
// re-uploaded.
func (e *Exporter) ExportStudy(ctx context.Context, studyID string) error {
	study, err := e.anon.GetStudy(ctx, studyID)
	if err != nil {
		return err
	}
	pseudoUID := study.MainDicomTags["StudyInstanceUID"]
	if pseudoUID == "" {
		return errs.Discardf("study %s has no StudyInstanceUID", studyID)
	}

	slug, err := e.reg.ProjectSlugForPseudoUID(ctx, pseudoUID)
	if err != nil {
		return err
	}
	exported, err := e.reg.AlreadyExported(ctx, pseudoUID)
	if err != nil {
		return err
	}
	if exported {
		e.logger.Info("study already exported, skipping upload",
			zap.String("project", slug), zap.String("pseudo_study_uid", pseudoUID))
		return nil
	}

	cfg, err := config.LoadProjectConfig(e.configDir, slug)
	if err != nil {
		return err
	}
	uploader, err := NewUploader(cfg, e.creds, e.anon, e.dicomwebServer, e.logger)
	if err != nil {
		return err
	}

	archive, err := e.anon.StudyArchive(ctx, studyID)
	if err != nil {
		return err
	}
	defer archive.Close()

	up := StudyUpload{
		ProjectSlug:    slug,
		PseudoStudyUID: pseudoUID,
		PatientID:      study.MainDicomTags["PatientID"],
		StudyID:        studyID,
		Archive:        archive,
	}
	if err := uploader.UploadStudy(ctx, up); err != nil {
		return err
	}

	if err := e.reg.RecordExport(ctx, pseudoUID, e.now()); err != nil {
		if errs.IsAlreadyExported(err) {
			e.logger.Warn("another worker recorded the export first",
				zap.String("pseudo_study_uid", pseudoUID))
			return nil
		}
		return err
	}
	e.logger.Info("exported study",
		zap.String("project", slug), zap.String("pseudo_study_uid", pseudoUID))
	return nil
}

// pendingStudies lists studies in the anonymising store whose Image rows are
// not yet marked exported. Used by the catch-up sweep.
func (e *Exporter) pendingStudies(ctx context.Context) ([]string, error) {
	studies, err := e.anon.ListStudies(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, s := range studies {
		uid := s.MainDicomTags["StudyInstanceUID"]
		if uid == "" {
			continue
		}
		exported, err := e.reg.AlreadyExported(ctx, uid)
		if err != nil {
			// Studies unknown to the registry are not ours to export.
			if errs.IsDiscard(err) {
				continue
			}
			return nil, err
		}
		if !exported {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}
