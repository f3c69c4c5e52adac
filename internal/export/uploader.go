// Package export packages anonymised studies and delivers them, plus the
// linked radiology report data, to a project's data safe haven.
package export

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/config"
	"github.com/UCLH-Foundry/PIXL/internal/errs"
	"github.com/UCLH-Foundry/PIXL/internal/orthanc"
)

// StudyUpload carries one archived study to a destination transport.
type StudyUpload struct {
	ProjectSlug    string
	PseudoStudyUID string
	// PatientID is the anonymised subject identifier, needed by XNAT.
	PatientID string
	// StudyID is the anonymising store's resource id, needed by DICOMweb.
	StudyID string
	Archive io.Reader
}

// Uploader delivers one study archive to a project destination.
type Uploader interface {
	UploadStudy(ctx context.Context, up StudyUpload) error
}

// CredentialSource resolves per-project destination credentials.
// Satisfied by *config.SecretManager via a thin adapter in cmd.
type CredentialSource interface {
	ProjectUploadCredentials(projectSlug string) (config.UploadCredentials, error)
}

// NewUploader selects the transport from the project's destination setting.
func NewUploader(cfg *config.ProjectConfig, creds CredentialSource, anon orthanc.Client, dicomwebServer string, logger *zap.Logger) (Uploader, error) {
	switch cfg.Destination.DICOM {
	case config.DestinationFTPS:
		return &ftpsUploader{creds: creds, logger: logger}, nil
	case config.DestinationDICOMWeb:
		return &dicomWebUploader{anon: anon, server: dicomwebServer, logger: logger}, nil
	case config.DestinationXNAT:
		return newXNATUploader(creds, logger), nil
	default:
		return nil, errs.Configf("project %q: unknown destination %q", cfg.Project.Name, cfg.Destination.DICOM)
	}
}
