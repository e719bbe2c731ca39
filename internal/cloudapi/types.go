package cloudapi

import "time"

// CommitInfo carries the destination metadata the cloud service needs to
// finalize an upload.
type CommitInfo struct {
	Path           string    `json:"path"`
	Overwrite      bool      `json:"overwrite"`
	Autorename     bool      `json:"autorename"`
	ClientModified time.Time `json:"client_modified"`
}

// SessionStartResult is the outcome of session_start.
type SessionStartResult struct {
	SessionID string
}

// Entry is one directory-listing row, used by the sync planner and the
// recycler.
type Entry struct {
	Path           string
	IsFolder       bool
	IsDeleted      bool
	ClientModified time.Time
	ServerDeleted  time.Time
	Size           int64
	Revision       string
}

// ListFolderResult is one page of a folder listing.
type ListFolderResult struct {
	Entries []Entry
	Cursor  string
	HasMore bool
}

// Revision is one entry in a file's revision history.
type Revision struct {
	Rev            string
	ClientModified time.Time
	Size           int64
}

// ListRevisionsMode selects whether list_revisions tracks a path or an id;
// the core only ever uses path-mode, but the type mirrors the service's
// actual parameter so a future extension doesn't need a breaking change.
type ListRevisionsMode string

const (
	ListRevisionsModePath ListRevisionsMode = "path"
	ListRevisionsModeID   ListRevisionsMode = "id"
)

// DeleteBatchJobID is the opaque async job handle returned by delete_batch.
type DeleteBatchJobID string

// DeleteBatchStatus is the outcome of polling a delete_batch job.
type DeleteBatchStatus struct {
	Complete bool
}
