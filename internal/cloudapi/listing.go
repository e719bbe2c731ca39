package cloudapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type listFolderRequest struct {
	Path            string `json:"path"`
	Recursive       bool   `json:"recursive"`
	Limit           int    `json:"limit,omitempty"`
	IncludeDeleted  bool   `json:"include_deleted"`
}

type entryWire struct {
	Tag            string    `json:".tag"`
	PathLower      string    `json:"path_lower"`
	ClientModified time.Time `json:"client_modified"`
	ServerDeleted  time.Time `json:"server_deleted"`
	Size           int64     `json:"size"`
	Rev            string    `json:"rev"`
}

type listFolderResponse struct {
	Entries []entryWire `json:"entries"`
	Cursor  string      `json:"cursor"`
	HasMore bool        `json:"has_more"`
}

func (r listFolderResponse) toResult() ListFolderResult {
	out := ListFolderResult{Cursor: r.Cursor, HasMore: r.HasMore}
	for _, e := range r.Entries {
		out.Entries = append(out.Entries, Entry{
			Path:           e.PathLower,
			IsFolder:       e.Tag == "folder",
			IsDeleted:      e.Tag == "deleted",
			ClientModified: e.ClientModified,
			ServerDeleted:  e.ServerDeleted,
			Size:           e.Size,
			Revision:       e.Rev,
		})
	}
	return out
}

// ListFolder retrieves the first page of a recursive folder listing,
// including deleted entries when includeDeleted is set.
func (c *Client) ListFolder(ctx context.Context, path string, recursive bool, limit int, includeDeleted bool) (ListFolderResult, error) {
	body, err := json.Marshal(listFolderRequest{Path: path, Recursive: recursive, Limit: limit, IncludeDeleted: includeDeleted})
	if err != nil {
		return ListFolderResult{}, Persistent("list_folder", "marshal request", err)
	}
	var out listFolderResponse
	if err := c.postJSON(ctx, "list_folder", "/files/list_folder", body, &out); err != nil {
		return ListFolderResult{}, err
	}
	return out.toResult(), nil
}

// ListFolderContinue retrieves the next page using a cursor from a prior
// ListFolder/ListFolderContinue call.
func (c *Client) ListFolderContinue(ctx context.Context, cursor string) (ListFolderResult, error) {
	body, err := json.Marshal(map[string]string{"cursor": cursor})
	if err != nil {
		return ListFolderResult{}, Persistent("list_folder_continue", "marshal request", err)
	}
	var out listFolderResponse
	if err := c.postJSON(ctx, "list_folder_continue", "/files/list_folder/continue", body, &out); err != nil {
		return ListFolderResult{}, err
	}
	return out.toResult(), nil
}

type revisionWire struct {
	Rev            string    `json:"rev"`
	ClientModified time.Time `json:"client_modified"`
	Size           int64     `json:"size"`
}

type listRevisionsResponse struct {
	Entries []revisionWire `json:"entries"`
}

// ListRevisions retrieves the revision history of a path.
func (c *Client) ListRevisions(ctx context.Context, path string, mode ListRevisionsMode, limit int) ([]Revision, error) {
	body, err := json.Marshal(map[string]any{"path": path, "mode": mode, "limit": limit})
	if err != nil {
		return nil, Persistent("list_revisions", "marshal request", err)
	}
	var out listRevisionsResponse
	if err := c.postJSON(ctx, "list_revisions", "/files/list_revisions", body, &out); err != nil {
		return nil, err
	}
	revisions := make([]Revision, 0, len(out.Entries))
	for _, e := range out.Entries {
		revisions = append(revisions, Revision{Rev: e.Rev, ClientModified: e.ClientModified, Size: e.Size})
	}
	return revisions, nil
}

// Restore restores path to revision rev.
func (c *Client) Restore(ctx context.Context, path, rev string) error {
	body, err := json.Marshal(map[string]string{"path": path, "rev": rev})
	if err != nil {
		return Persistent("restore", "marshal request", err)
	}
	return c.postJSON(ctx, "restore", "/files/restore", body, nil)
}

type deleteBatchResponse struct {
	JobID string `json:"async_job_id"`
}

// DeleteBatch submits an asynchronous batch delete and returns its job id.
func (c *Client) DeleteBatch(ctx context.Context, paths []string) (DeleteBatchJobID, error) {
	entries := make([]map[string]string, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, map[string]string{"path": p})
	}
	body, err := json.Marshal(map[string]any{"entries": entries})
	if err != nil {
		return "", Persistent("delete_batch", "marshal request", err)
	}
	var out deleteBatchResponse
	if err := c.postJSON(ctx, "delete_batch", "/files/delete_batch", body, &out); err != nil {
		return "", err
	}
	return DeleteBatchJobID(out.JobID), nil
}

type deleteBatchCheckResponse struct {
	Tag string `json:"\".tag\""`
}

// DeleteBatchCheck polls a delete_batch job for completion.
func (c *Client) DeleteBatchCheck(ctx context.Context, job DeleteBatchJobID) (DeleteBatchStatus, error) {
	body, err := json.Marshal(map[string]string{"async_job_id": string(job)})
	if err != nil {
		return DeleteBatchStatus{}, Persistent("delete_batch_check", "marshal request", err)
	}
	var out struct {
		Tag string `json:".tag"`
	}
	if err := c.postJSON(ctx, "delete_batch_check", "/files/delete_batch/check", body, &out); err != nil {
		return DeleteBatchStatus{}, err
	}
	return DeleteBatchStatus{Complete: out.Tag == "complete"}, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, body []byte, out any) error {
	req, err := newJSONRequest(ctx, c.baseURL+path, body)
	if err != nil {
		return Transient(op, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	c.dumpRequest(op, req)
	resp, err := c.http.Do(req)
	if err != nil {
		return Transient(op, "transport error", err)
	}
	defer closeBody(c.logger, resp.Body)
	c.dumpResponse(op, resp)

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return Transient(op, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, payload), nil)
		}
		return Persistent(op, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, payload), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Persistent(op, "decode response", err)
	}
	return nil
}
