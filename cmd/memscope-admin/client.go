package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/target/memscope/internal/domain/model"
)

// apiError is a non-2xx answer from the memscope API.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// jobView is a job as served by the status endpoints.
type jobView struct {
	model.Job
	HasResult        bool `json:"has_result"`
	HasPartialResult bool `json:"has_partial_result,omitempty"`
	Evicted          bool `json:"evicted,omitempty"`
}

type jobList struct {
	Jobs  []jobView      `json:"jobs"`
	Stats model.JobStats `json:"stats"`
}

type archiveList struct {
	Jobs   []jobView `json:"jobs"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

type capabilities struct {
	Tools map[string]struct {
		Binary    string `json:"binary"`
		Path      string `json:"path"`
		Available bool   `json:"available"`
		Error     string `json:"error"`
	} `json:"tools"`
	Missing  []string  `json:"missing"`
	ProbedAt time.Time `json:"probed_at"`
	Disks    []struct {
		Name      string `json:"name"`
		Path      string `json:"path"`
		FreeBytes uint64 `json:"free_bytes"`
		Error     string `json:"error"`
	} `json:"disks"`
	Memory *struct {
		TotalBytes     uint64 `json:"total_bytes"`
		AvailableBytes uint64 `json:"available_bytes"`
	} `json:"memory"`
}

// report is a rendered report with its format.
type report struct {
	Format      string
	ContentType string
	Body        []byte
}

// apiClient talks to the memscope HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// do sends the request and returns the response for 2xx statuses. Other statuses are decoded into
// an *apiError and the body is closed.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &apiError{Status: resp.StatusCode}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); decodeErr == nil {
		apiErr.Code = payload.Error
		apiErr.Message = payload.Message
	}
	return nil, apiErr
}

func (c *apiClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.sendJSON(ctx, http.MethodGet, path, query, nil, out)
}

func (c *apiClient) sendJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func jobPath(id string, suffix ...string) string {
	p := "/api/jobs/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

func (c *apiClient) Submit(ctx context.Context, req model.SubmitJobRequest) (*jobView, error) {
	var out jobView
	if err := c.sendJSON(ctx, http.MethodPost, "/api/jobs", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Status(ctx context.Context, id string) (*jobView, error) {
	var out jobView
	if err := c.getJSON(ctx, jobPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) List(ctx context.Context, state, instanceID string) (*jobList, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if instanceID != "" {
		q.Set("instance_id", instanceID)
	}
	var out jobList
	if err := c.getJSON(ctx, "/api/jobs", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Result(ctx context.Context, id string, partial bool) (*model.ResultDocument, error) {
	q := url.Values{}
	if partial {
		q.Set("partial", "true")
	}
	var out model.ResultDocument
	if err := c.getJSON(ctx, jobPath(id, "result"), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Report(ctx context.Context, id, format string) (*report, error) {
	q := url.Values{}
	if format != "" {
		q.Set("format", format)
	}
	resp, err := c.do(ctx, http.MethodGet, jobPath(id, "report"), q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	return &report{
		Format:      resp.Header.Get("X-Report-Format"),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (c *apiClient) Cancel(ctx context.Context, id string) (*jobView, error) {
	var out jobView
	if err := c.sendJSON(ctx, http.MethodPost, jobPath(id, "cancel"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete cancels a job and removes it once it is terminal. A job that is still stopping comes back
// with Evicted unset.
func (c *apiClient) Delete(ctx context.Context, id string) (*jobView, error) {
	resp, err := c.do(ctx, http.MethodDelete, jobPath(id), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out jobView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Watch long-polls for a version newer than since. A nil job means the wait elapsed unchanged.
func (c *apiClient) Watch(ctx context.Context, id string, since uint64, wait time.Duration) (*jobView, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	resp, err := c.do(ctx, http.MethodGet, jobPath(id, "watch"), q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var out jobView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Follow watches a job until it is terminal, calling onChange for every new version.
func (c *apiClient) Follow(ctx context.Context, id string, wait time.Duration, onChange func(*jobView)) (*jobView, error) {
	var since uint64
	for {
		job, err := c.Watch(ctx, id, since, wait)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}
		onChange(job)
		if job.State.Terminal() {
			return job, nil
		}
		if job.Version <= since {
			return nil, errors.New("watch returned a stale version")
		}
		since = job.Version
	}
}

func (c *apiClient) Capabilities(ctx context.Context) (*capabilities, error) {
	var out capabilities
	if err := c.getJSON(ctx, "/api/capabilities", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) ArchiveList(ctx context.Context, state, instanceID string, limit, offset int) (*archiveList, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if instanceID != "" {
		q.Set("instance_id", instanceID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out archiveList
	if err := c.getJSON(ctx, "/api/archive/jobs", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) ArchiveGet(ctx context.Context, id string) (*model.Job, error) {
	var out model.Job
	if err := c.getJSON(ctx, "/api/archive/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
