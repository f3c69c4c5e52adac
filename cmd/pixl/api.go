package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiClient talks to the worker control endpoints. Non-2xx responses are
// surfaced verbatim so operators see the worker's own error text.
type apiClient struct {
	imagingURL string
	exportURL  string
	http       *http.Client
}

func newAPIClient(imagingURL, exportURL string) *apiClient {
	return &apiClient{
		imagingURL: strings.TrimRight(imagingURL, "/"),
		exportURL:  strings.TrimRight(exportURL, "/"),
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// baseFor routes per-queue calls: the export worker owns the export queue's
// token bucket, the imaging worker owns the rest.
func (a *apiClient) baseFor(queue string) string {
	if queue == "export" {
		return a.exportURL
	}
	return a.imagingURL
}

func (a *apiClient) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s: %s", url, resp.Status, strings.TrimSpace(string(text)))
	}
	return nil
}

// SetRate updates one queue's token bucket refresh rate.
func (a *apiClient) SetRate(ctx context.Context, queue string, rate float64) error {
	payload := map[string]any{"rate": rate, "queue": queue}
	return a.postJSON(ctx, a.baseFor(queue)+"/token-bucket-refresh-rate", payload)
}

// Heartbeat probes one worker's liveness endpoint.
func (a *apiClient) Heartbeat(ctx context.Context, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/heart-beat", nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s/heart-beat: %s", base, resp.Status)
	}
	return nil
}

// ExportPatientData asks the export worker to build the radiology linker
// parquet for one extract.
func (a *apiClient) ExportPatientData(ctx context.Context, projectName string, extractDatetime time.Time) error {
	payload := map[string]any{
		"project_name":     projectName,
		"extract_datetime": extractDatetime.Format(time.RFC3339),
	}
	return a.postJSON(ctx, a.exportURL+"/export-patient-data", payload)
}
