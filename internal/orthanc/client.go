// Package orthanc is a typed facade over the staging image store's REST
// surface: local find, remote C-FIND/C-MOVE, private-tag modification, job
// polling and routing to the anonymising sibling. The client is stateless;
// both store instances (raw and anonymising) are plain configurations of the
// same concrete type.
package orthanc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/config"
	"github.com/UCLH-Foundry/PIXL/internal/errs"
)

// Query is the body of a local or remote find.
type Query struct {
	Level         string            `json:"Level"`
	Query         map[string]string `json:"Query"`
	RequestedTags []string          `json:"RequestedTags,omitempty"`
	Expand        bool              `json:"Expand,omitempty"`
}

// Resource is one expanded study returned by a local find.
type Resource struct {
	ID            string            `json:"ID"`
	LastUpdate    string            `json:"LastUpdate"`
	Series        []string          `json:"Series"`
	MainDicomTags map[string]string `json:"MainDicomTags"`
	RequestedTags map[string]string `json:"RequestedTags"`
}

// JobState values reported by the store's job API.
const (
	JobPending = "Pending"
	JobRunning = "Running"
	JobSuccess = "Success"
	JobFailure = "Failure"
)

// Client is the operation surface the coordinator and exporter consume.
// An interface so tests can swap in a fake store.
type Client interface {
	// QueryLocal runs a find against the store's own content.
	QueryLocal(ctx context.Context, q Query) ([]Resource, error)

	// QueryRemote runs a C-FIND against the named modality, returning the
	// query id, or "" when the remote has no matches.
	QueryRemote(ctx context.Context, q Query, modality string) (string, error)

	// Retrieve starts an asynchronous C-MOVE of a remote query's answers
	// towards this store's AET and returns the job id.
	Retrieve(ctx context.Context, queryID string) (string, error)

	// WaitForJob polls the job until Success. Failure or the deadline yield
	// a discard error for this attempt.
	WaitForJob(ctx context.Context, jobID string, deadline time.Duration) error

	// PendingJobs counts jobs in the Pending state; used for back-pressure.
	PendingJobs(ctx context.Context) (int, error)

	// ModifyPrivateTag rewrites the project private tag on a study in place.
	ModifyPrivateTag(ctx context.Context, studyID, privateCreator string, replace map[string]string) error

	// SendToAnon commands the raw store to push a study to the anonymising
	// sibling.
	SendToAnon(ctx context.Context, resourceID string) error

	// DeleteStudy removes a study from the store.
	DeleteStudy(ctx context.Context, studyID string) error

	// GetStudy fetches one expanded study resource.
	GetStudy(ctx context.Context, studyID string) (Resource, error)

	// ListStudies returns every expanded study in the store.
	ListStudies(ctx context.Context) ([]Resource, error)

	// StudyArchive streams the study as a zip archive. The caller closes
	// the reader.
	StudyArchive(ctx context.Context, studyID string) (io.ReadCloser, error)

	// StowStudy commands the store to push a study to the named DICOMweb
	// server.
	StowStudy(ctx context.Context, server, studyID string) error

	// Heartbeat verifies the store is reachable.
	Heartbeat(ctx context.Context) error
}

// httpClient is the production implementation. Control-plane calls share a
// client with an overall timeout; archive downloads stream for as long as
// the upload reading them takes, so their client bounds only the wait for
// response headers and leaves body-read time to the caller's context.
type httpClient struct {
	cfg    config.OrthancConfig
	http   *http.Client
	stream *http.Client
	logger *zap.Logger
}

// NewClient builds a Client for one store instance.
func NewClient(cfg config.OrthancConfig, logger *zap.Logger) Client {
	return &httpClient{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		stream: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
		},
		logger: logger,
	}
}

func (c *httpClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("orthanc client: marshal request body: %w", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, buf)
	if err != nil {
		return nil, fmt.Errorf("orthanc client: build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do runs the request and decodes the JSON response into out (when non-nil).
// 5xx responses map to the requeue kind, 4xx to plain errors.
func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Requeuef("orthanc %s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errs.Requeuef("orthanc %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("orthanc %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("orthanc %s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func (c *httpClient) QueryLocal(ctx context.Context, q Query) ([]Resource, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/tools/find", q)
	if err != nil {
		return nil, err
	}
	var resources []Resource
	if err := c.do(req, &resources); err != nil {
		return nil, err
	}
	return resources, nil
}

func (c *httpClient) QueryRemote(ctx context.Context, q Query, modality string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/modalities/"+modality+"/query", q)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"ID"`
	}
	if err := c.do(req, &created); err != nil {
		return "", err
	}

	req, err = c.newRequest(ctx, http.MethodGet, "/queries/"+created.ID+"/answers", nil)
	if err != nil {
		return "", err
	}
	var answers []json.RawMessage
	if err := c.do(req, &answers); err != nil {
		return "", err
	}
	if len(answers) == 0 {
		return "", nil
	}
	return created.ID, nil
}

func (c *httpClient) Retrieve(ctx context.Context, queryID string) (string, error) {
	body := map[string]any{"TargetAet": c.cfg.AET, "Synchronous": false}
	req, err := c.newRequest(ctx, http.MethodPost, "/queries/"+queryID+"/retrieve", body)
	if err != nil {
		return "", err
	}
	var job struct {
		ID string `json:"ID"`
	}
	if err := c.do(req, &job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (c *httpClient) jobState(ctx context.Context, jobID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs/"+jobID, nil)
	if err != nil {
		return "", err
	}
	var job struct {
		State string `json:"State"`
	}
	if err := c.do(req, &job); err != nil {
		return "", err
	}
	return job.State, nil
}

func (c *httpClient) WaitForJob(ctx context.Context, jobID string, deadline time.Duration) error {
	start := time.Now()
	for {
		state, err := c.jobState(ctx, jobID)
		if err != nil {
			return err
		}
		switch state {
		case JobSuccess:
			return nil
		case JobFailure:
			return errs.Discardf("job %s failed", jobID)
		}
		if time.Since(start) > deadline {
			return errs.Discardf("job %s did not complete within %s", jobID, deadline)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *httpClient) PendingJobs(ctx context.Context) (int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs?expand", nil)
	if err != nil {
		return 0, err
	}
	var jobs []struct {
		State string `json:"State"`
	}
	if err := c.do(req, &jobs); err != nil {
		return 0, err
	}
	pending := 0
	for _, j := range jobs {
		if j.State == JobPending {
			pending++
		}
	}
	return pending, nil
}

func (c *httpClient) ModifyPrivateTag(ctx context.Context, studyID, privateCreator string, replace map[string]string) error {
	// KeepSource:false rewrites the study in place rather than copying it;
	// tag edits go through the studies API because the store does not allow
	// instance-level modification.
	body := map[string]any{
		"PrivateCreator": privateCreator,
		"Permissive":     false,
		"KeepSource":     false,
		"Replace":        replace,
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/studies/"+studyID+"/modify", body)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *httpClient) SendToAnon(ctx context.Context, resourceID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/send-to-anon", map[string]string{"ResourceId": resourceID})
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *httpClient) DeleteStudy(ctx context.Context, studyID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/studies/"+studyID, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *httpClient) GetStudy(ctx context.Context, studyID string) (Resource, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/studies/"+studyID, nil)
	if err != nil {
		return Resource{}, err
	}
	var res Resource
	if err := c.do(req, &res); err != nil {
		return Resource{}, err
	}
	return res, nil
}

func (c *httpClient) ListStudies(ctx context.Context) ([]Resource, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/studies?expand", nil)
	if err != nil {
		return nil, err
	}
	var res []Resource
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *httpClient) StudyArchive(ctx context.Context, studyID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/studies/"+studyID+"/archive", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, errs.Requeuef("orthanc archive %s: %v", studyID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("orthanc archive %s: status %d", studyID, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *httpClient) StowStudy(ctx context.Context, server, studyID string) error {
	body := map[string]any{"Resources": []string{studyID}, "Synchronous": false}
	req, err := c.newRequest(ctx, http.MethodPost, "/dicom-web/servers/"+server+"/stow", body)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *httpClient) Heartbeat(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/heart-beat", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("orthanc heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("orthanc heartbeat: status %d", resp.StatusCode)
	}
	return nil
}
