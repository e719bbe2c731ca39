// Package job holds the immutable unit of work the pipeline uploads.
package job

import (
	"fmt"
	"strings"
	"time"
)

// FileJob is one file queued for upload. Immutable after creation.
type FileJob struct {
	// SourcePath is the absolute local path of the file to read.
	SourcePath string
	// RemotePath is forward-slash normalized and already carries the
	// archive suffix when encryption is enabled.
	RemotePath string
	// TotalSize is the byte length of the source file at plan time.
	TotalSize int64
	// ClientModified is the source file's modification time, UTC,
	// millisecond precision.
	ClientModified time.Time
}

// New builds a FileJob, normalizing the remote path to forward slashes and
// appending the archive suffix when encrypt is true.
func New(sourcePath, remotePath string, totalSize int64, modified time.Time, encrypt bool) FileJob {
	normalized := strings.ReplaceAll(remotePath, "\\", "/")
	if encrypt && !strings.HasSuffix(normalized, ".zip") {
		normalized += ".zip"
	}
	return FileJob{
		SourcePath:     sourcePath,
		RemotePath:     normalized,
		TotalSize:      totalSize,
		ClientModified: modified.UTC().Truncate(time.Millisecond),
	}
}

// CommitInfo carries the metadata the cloud service needs to finalize an
// upload: destination path, overwrite semantics, and client-modified time.
type CommitInfo struct {
	Path           string
	Overwrite      bool
	Autorename     bool
	ClientModified time.Time
}

// String implements fmt.Stringer for log lines.
func (f FileJob) String() string {
	return fmt.Sprintf("%s -> %s (%d bytes)", f.SourcePath, f.RemotePath, f.TotalSize)
}
