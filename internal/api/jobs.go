package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/receipts-go/internal/job"
)

// maxUploadBytes bounds an in-memory receipt upload.
const maxUploadBytes = 32 << 20

// ErrUploadTooLarge is returned when a receipt exceeds maxUploadBytes.
var ErrUploadTooLarge = errors.New("api: upload exceeds size limit")

// CreateJob uploads a receipt file and returns the server-side processing job.
// The body is buffered so the upload can be replayed after a renewal.
func (c *Client) CreateJob(ctx context.Context, name string, r io.Reader) (job.Created, error) {
	body, contentType, err := multipartBody(name, r)
	if err != nil {
		return job.Created{}, err
	}

	req := &Request{
		Method:      http.MethodPost,
		Path:        PathUpload,
		Body:        body,
		ContentType: contentType,
		Timeout:     c.uploadTimeout,
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return job.Created{}, fmt.Errorf("api: uploading %s: %w", name, err)
	}

	var created job.Created
	if err := resp.Decode(&created); err != nil {
		return job.Created{}, err
	}

	if created.JobID == "" {
		return job.Created{}, errors.New("api: upload response missing jobId")
	}

	if created.InitialStatus == "" {
		created.InitialStatus = job.StatePending
	}

	return created, nil
}

// multipartBody encodes r as a single "file" part. The file name is NFC
// normalized so the server sees one spelling regardless of the client OS.
func multipartBody(name string, r io.Reader) ([]byte, string, error) {
	var buf bytes.Buffer

	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", norm.NFC.String(filepath.Base(name)))
	if err != nil {
		return nil, "", fmt.Errorf("api: creating multipart part: %w", err)
	}

	n, err := io.Copy(part, io.LimitReader(r, maxUploadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("api: reading %s: %w", name, err)
	}

	if n > maxUploadBytes {
		return nil, "", fmt.Errorf("%w: %s", ErrUploadTooLarge, name)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("api: finishing multipart body: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

// statusResponse is the job-status endpoint body.
type statusResponse struct {
	State   string          `json:"state"`
	Payload json.RawMessage `json:"payload"`
}

// JobStatus queries one job. A 404 surfaces as ErrNotFound.
func (c *Client) JobStatus(ctx context.Context, jobID string) (job.Status, error) {
	req := &Request{
		Method:  http.MethodGet,
		Path:    PathJobs + url.PathEscape(jobID),
		Timeout: c.statusTimeout,
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return job.Status{}, fmt.Errorf("api: job %s status: %w", jobID, err)
	}

	var sr statusResponse
	if err := resp.Decode(&sr); err != nil {
		return job.Status{}, err
	}

	state, err := job.ParseState(sr.State)
	if err != nil {
		return job.Status{}, err
	}

	return job.Status{
		JobID:      jobID,
		State:      state,
		Payload:    sr.Payload,
		Source:     job.SourcePoll,
		ObservedAt: time.Now(),
	}, nil
}
