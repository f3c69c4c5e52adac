package export

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/errs"
)

const ftpDialTimeout = 30 * time.Second

// ftpsUploader delivers archives over FTP with an explicit TLS control
// channel, storing them as <project_slug>/<pseudo_study_uid>.zip.
type ftpsUploader struct {
	creds  CredentialSource
	logger *zap.Logger
}

func (u *ftpsUploader) UploadStudy(ctx context.Context, up StudyUpload) error {
	creds, err := u.creds.ProjectUploadCredentials(up.ProjectSlug)
	if err != nil {
		return errs.Configf("ftps credentials for %s: %v", up.ProjectSlug, err)
	}

	addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(ftpDialTimeout),
		ftp.DialWithExplicitTLS(&tls.Config{ServerName: creds.Host}),
	)
	if err != nil {
		return errs.Requeuef("ftps dial %s: %v", addr, err)
	}
	defer conn.Quit()

	if err := conn.Login(creds.Username, creds.Password); err != nil {
		return errs.Configf("ftps login for %s: %v", up.ProjectSlug, err)
	}

	// MakeDir fails when the directory exists; ChangeDir is the check.
	if err := conn.ChangeDir(up.ProjectSlug); err != nil {
		if err := conn.MakeDir(up.ProjectSlug); err != nil {
			return errs.Requeuef("ftps mkdir %s: %v", up.ProjectSlug, err)
		}
		if err := conn.ChangeDir(up.ProjectSlug); err != nil {
			return errs.Requeuef("ftps cwd %s: %v", up.ProjectSlug, err)
		}
	}

	name := up.PseudoStudyUID + ".zip"
	if err := conn.Stor(name, up.Archive); err != nil {
		return errs.Requeuef("ftps stor %s/%s: %v", up.ProjectSlug, name, err)
	}
	u.logger.Info("uploaded study over ftps",
		zap.String("project", up.ProjectSlug), zap.String("file", name))
	return nil
}
