// Package recycler implements the storage-recycling subsystem that runs
// after all uploads: restoring accidentally-deleted files that fall
// within a retention window, then re-deleting them in batches.
package recycler

import (
	"context"
	"sort"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/cloudsync/dbxuploader/internal/cloudapi"
)

// minAge and maxAge bound the recycling window, inclusive on both ends:
// entries younger than 15 days or older than 29 days are left alone.
const (
	minAge = 15 * 24 * time.Hour
	maxAge = 29 * 24 * time.Hour

	// flushThreshold is the accumulated re-delete batch size that
	// triggers a flush, and the restored-entry size at or above which a
	// restore is re-deleted immediately instead of batched.
	flushThreshold = 32 * 1024 * 1024 * 1024 // 32 GiB
)

// Client is the subset of cloudapi.Client the recycler consumes.
type Client interface {
	ListRevisions(ctx context.Context, path string, mode cloudapi.ListRevisionsMode, limit int) ([]cloudapi.Revision, error)
	Restore(ctx context.Context, path, rev string) error
	DeleteBatch(ctx context.Context, paths []string) (cloudapi.DeleteBatchJobID, error)
	DeleteBatchCheck(ctx context.Context, job cloudapi.DeleteBatchJobID) (cloudapi.DeleteBatchStatus, error)
}

// Recycler restores and re-deletes entries deleted within the recycling
// window, for deleted entries whose parent folder still exists and which
// no local file replaced.
type Recycler struct {
	client Client
	logger log.Logger

	now func() time.Time

	pending      []string
	pendingBytes int64
}

// New creates a Recycler. now is injectable for tests; pass nil to use
// time.Now.
func New(client Client, logger log.Logger, now func() time.Time) *Recycler {
	if now == nil {
		now = time.Now
	}
	return &Recycler{client: client, logger: logger, now: now}
}

// Eligible reports whether entry qualifies for recycling: its parent
// folder still exists remotely, no local file replaced it, and its
// deletion age falls in [15, 29] days inclusive.
func (r *Recycler) Eligible(entry cloudapi.Entry, existingFiles, existingFolders map[string]struct{}) bool {
	if _, present := existingFiles[entry.Path]; present {
		return false
	}
	parent := parentFolder(entry.Path)
	if _, present := existingFolders[parent]; !present {
		return false
	}

	age := r.now().Sub(entry.ServerDeleted)
	return age >= minAge && age <= maxAge
}

// Run restores and re-deletes every eligible entry among candidates.
func (r *Recycler) Run(ctx context.Context, candidates []cloudapi.Entry, existingFiles, existingFolders map[string]struct{}) error {
	for _, entry := range candidates {
		if !r.Eligible(entry, existingFiles, existingFolders) {
			continue
		}
		if err := r.restoreAndRequeue(ctx, entry); err != nil {
			r.logger.Warnf("recycler: %s: %s", entry.Path, err)
		}
	}
	return r.flush(ctx)
}

func (r *Recycler) restoreAndRequeue(ctx context.Context, entry cloudapi.Entry) error {
	revisions, err := r.client.ListRevisions(ctx, entry.Path, cloudapi.ListRevisionsModePath, 10)
	if err != nil {
		return err
	}
	if len(revisions) == 0 {
		return nil
	}

	sort.Slice(revisions, func(i, j int) bool {
		return revisions[i].ClientModified.After(revisions[j].ClientModified)
	})
	newest := revisions[0]

	if err := r.client.Restore(ctx, entry.Path, newest.Rev); err != nil {
		return err
	}

	if newest.Size >= flushThreshold && len(r.pending) == 0 {
		_, err := r.client.DeleteBatch(ctx, []string{entry.Path})
		return err
	}

	r.pending = append(r.pending, entry.Path)
	r.pendingBytes += newest.Size
	if r.pendingBytes >= flushThreshold {
		return r.flush(ctx)
	}
	return nil
}

func (r *Recycler) flush(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	paths := r.pending
	r.pending = nil
	r.pendingBytes = 0

	_, err := r.client.DeleteBatch(ctx, paths)
	return err
}

func parentFolder(path string) string {
	idx := lastSlash(path)
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i
		}
	}
	return -1
}
