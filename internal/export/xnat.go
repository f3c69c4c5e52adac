package export

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/errs"
)

// xnatUploader imports a study archive into an XNAT project, with the
// anonymised PatientID as subject and a session labelled from the pseudo
// study UID. Authentication is a JSESSIONID obtained per upload.
type xnatUploader struct {
	creds  CredentialSource
	http   *http.Client
	logger *zap.Logger
}

func newXNATUploader(creds CredentialSource, logger *zap.Logger) *xnatUploader {
	return &xnatUploader{
		creds:  creds,
		http:   &http.Client{Timeout: 5 * time.Minute},
		logger: logger,
	}
}

func (u *xnatUploader) UploadStudy(ctx context.Context, up StudyUpload) error {
	creds, err := u.creds.ProjectUploadCredentials(up.ProjectSlug)
	if err != nil {
		return errs.Configf("xnat credentials for %s: %v", up.ProjectSlug, err)
	}
	base := fmt.Sprintf("https://%s:%d", creds.Host, creds.Port)

	session, err := u.openSession(ctx, base, creds.Username, creds.Password)
	if err != nil {
		return err
	}
	defer u.closeSession(base, session)

	// XNAT session labels reject dots; the UID keeps its digits.
	label := strings.ReplaceAll(up.PseudoStudyUID, ".", "_")
	importURL := base + "/data/services/import?" + url.Values{
		"project":        {up.ProjectSlug},
		"subject":        {up.PatientID},
		"session":        {label},
		"dest":           {"/archive"},
		"import-handler": {"DICOM-zip"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, importURL, up.Archive)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/zip")
	req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: session})

	resp, err := u.http.Do(req)
	if err != nil {
		return errs.Requeuef("xnat import: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errs.Requeuef("xnat import returned %d: %s", resp.StatusCode, body)
	}
	u.logger.Info("imported study into xnat",
		zap.String("project", up.ProjectSlug), zap.String("session", label))
	return nil
}

func (u *xnatUploader) openSession(ctx context.Context, base, user, pass string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/data/JSESSIONID", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(user, pass)
	resp, err := u.http.Do(req)
	if err != nil {
		return "", errs.Requeuef("xnat session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errs.Requeuef("xnat session returned %d", resp.StatusCode)
	}
	token, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(token)), nil
}

func (u *xnatUploader) closeSession(base, session string) {
	req, err := http.NewRequest(http.MethodDelete, base+"/data/JSESSIONID", nil)
	if err != nil {
		return
	}
	req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: session})
	if resp, err := u.http.Do(req); err == nil {
		resp.Body.Close()
	}
}
