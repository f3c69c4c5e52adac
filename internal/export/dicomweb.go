package export

import (
	"context"

	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/orthanc"
)

// dicomWebUploader delegates delivery to the anonymising store's STOW
// forwarding, so the archive stream is unused.
type dicomWebUploader struct {
	anon   orthanc.Client
	server string
	logger *zap.Logger
}

func (u *dicomWebUploader) UploadStudy(ctx context.Context, up StudyUpload) error {
	if err := u.anon.StowStudy(ctx, u.server, up.StudyID); err != nil {
		return err
	}
	u.logger.Info("stowed study to dicomweb server",
		zap.String("project", up.ProjectSlug),
		zap.String("server", u.server),
		zap.String("pseudo_study_uid", up.PseudoStudyUID))
	return nil
}
