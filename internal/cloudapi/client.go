// Package cloudapi implements the cloud service operations consumed by
// the upload pipeline: chunked-session upload, single-shot upload, folder
// listing, folder creation, batch delete, and revision restore. It treats
// the service as an HTTP/JSON API authenticated with a bearer token and
// retried with github.com/hashicorp/go-retryablehttp.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to the cloud service's HTTP API.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	token   string
	logger  log.Logger
}

// New creates a Client. httpClient is expected to already carry the
// transport-level retry policy (cmd/dbxuploader builds it with
// retryablehttp.NewClient and RetryMax = 4); this package layers request
// construction and JSON framing on top of it.
func New(httpClient *retryablehttp.Client, baseURL, token string, logger log.Logger) *Client {
	return &Client{http: httpClient, baseURL: baseURL, token: token, logger: logger}
}

type sessionStartRequest struct {
	ContentHash string `json:"content_hash,omitempty"`
}

type sessionStartResponse struct {
	SessionID string `json:"session_id"`
}

// SessionStart uploads the first chunk of a file and opens a session.
func (c *Client) SessionStart(ctx context.Context, chunk []byte, contentHash string) (SessionStartResult, error) {
	meta, err := json.Marshal(sessionStartRequest{ContentHash: contentHash})
	if err != nil {
		return SessionStartResult{}, Persistent("session_start", "marshal request", err)
	}

	resp, err := c.doUpload(ctx, "session_start", "/upload/session/start", meta, chunk)
	if err != nil {
		return SessionStartResult{}, err
	}
	defer closeBody(c.logger, resp.Body)

	var out sessionStartResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SessionStartResult{}, Persistent("session_start", "decode response", err)
	}
	return SessionStartResult{SessionID: out.SessionID}, nil
}

type sessionAppendRequest struct {
	SessionID   string `json:"session_id"`
	Offset      int64  `json:"offset"`
	ContentHash string `json:"content_hash,omitempty"`
}

// SessionAppend appends the next chunk at offset to an open session.
func (c *Client) SessionAppend(ctx context.Context, sessionID string, offset int64, chunk []byte, contentHash string) error {
	meta, err := json.Marshal(sessionAppendRequest{SessionID: sessionID, Offset: offset, ContentHash: contentHash})
	if err != nil {
		return Persistent("session_append", "marshal request", err)
	}

	resp, err := c.doUpload(ctx, "session_append", "/upload/session/append", meta, chunk)
	if err != nil {
		return err
	}
	defer closeBody(c.logger, resp.Body)
	return nil
}

type sessionFinishRequest struct {
	SessionID   string     `json:"session_id"`
	Offset      int64      `json:"offset"`
	ContentHash string     `json:"content_hash,omitempty"`
	Commit      CommitInfo `json:"commit"`
}

// SessionFinish uploads the final chunk and commits the file.
func (c *Client) SessionFinish(ctx context.Context, sessionID string, offset int64, commit CommitInfo, chunk []byte, contentHash string) error {
	meta, err := json.Marshal(sessionFinishRequest{SessionID: sessionID, Offset: offset, ContentHash: contentHash, Commit: commit})
	if err != nil {
		return Persistent("session_finish", "marshal request", err)
	}

	resp, err := c.doUpload(ctx, "session_finish", "/upload/session/finish", meta, chunk)
	if err != nil {
		return err
	}
	defer closeBody(c.logger, resp.Body)
	return nil
}

type simpleUploadRequest struct {
	ContentHash string     `json:"content_hash,omitempty"`
	Commit      CommitInfo `json:"commit"`
}

// SimpleUpload performs a single-shot upload for files small enough to fit
// in one chunk.
func (c *Client) SimpleUpload(ctx context.Context, commit CommitInfo, data []byte, contentHash string) error {
	meta, err := json.Marshal(simpleUploadRequest{ContentHash: contentHash, Commit: commit})
	if err != nil {
		return Persistent("simple_upload", "marshal request", err)
	}

	resp, err := c.doUpload(ctx, "simple_upload", "/upload", meta, data)
	if err != nil {
		return err
	}
	defer closeBody(c.logger, resp.Body)
	return nil
}

// doUpload issues a multipart-free "metadata header + raw body" upload
// request, the shape the teacher's chunked uploader uses for its archive
// chunk PUTs, and classifies the response into the cloudapi error
// taxonomy.
func (c *Client) doUpload(ctx context.Context, op, path string, meta, body []byte) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, Transient(op, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Dropbox-API-Arg", string(meta))

	c.dumpRequest(op, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Transient(op, "transport error", err)
	}

	c.dumpResponse(op, resp)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return resp, nil
	}
	defer closeBody(c.logger, resp.Body)

	if resp.StatusCode == http.StatusConflict {
		payload, _ := io.ReadAll(resp.Body)
		if bytes.Contains(payload, []byte("session_not_found")) || bytes.Contains(payload, []byte("not_found")) {
			return nil, ResumeFailed(op, "session not found")
		}
		return nil, Persistent(op, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, payload), nil)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		payload, _ := io.ReadAll(resp.Body)
		return nil, Transient(op, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, payload), nil)
	}

	payload, _ := io.ReadAll(resp.Body)
	return nil, Persistent(op, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, payload), nil)
}

// CreateFolder idempotently creates a remote folder; the cloud service's
// own "already exists" error is swallowed per spec.
func (c *Client) CreateFolder(ctx context.Context, path string) error {
	body, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return Persistent("create_folder", "marshal request", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/create_folder_v2", body)
	if err != nil {
		return Transient("create_folder", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Transient("create_folder", "transport error", err)
	}
	defer closeBody(c.logger, resp.Body)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusConflict {
		return nil
	}
	payload, _ := io.ReadAll(resp.Body)
	return Persistent("create_folder", fmt.Sprintf("HTTP %d: %s", resp.StatusCode, payload), nil)
}

func (c *Client) dumpRequest(op string, req *retryablehttp.Request) {
	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("%s: error while dumping request: %s", op, err)
		return
	}
	c.logger.Debugf("%s request dump: %s", op, string(dump))
}

func (c *Client) dumpResponse(op string, resp *http.Response) {
	dump, err := httputil.DumpResponse(resp, false)
	if err != nil {
		c.logger.Warnf("%s: error while dumping response: %s", op, err)
		return
	}
	c.logger.Debugf("%s response dump: %s", op, string(dump))
}

func closeBody(logger log.Logger, body io.ReadCloser) {
	if err := body.Close(); err != nil {
		logger.Warnf("error closing response body: %s", err)
	}
}
