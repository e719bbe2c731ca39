// Package planner gives the sync-planning subsystem a minimal concrete
// body: it walks the local directory tree, compares local modification
// times against the remote entries already known to the caller, and
// produces the ordered FileJob queue plus the delete/existing sets the
// pipeline and recycler consume. The directory-diff algorithm itself is
// out of scope; this is the smallest producer the pipeline needs to run
// end-to-end.
package planner

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cloudsync/dbxuploader/internal/cloudapi"
	"github.com/cloudsync/dbxuploader/internal/job"
)

// modifiedTolerance is the window within which local and remote
// modification times are considered equal, per the remote comparison
// rule.
const modifiedTolerance = time.Second

// Plan is the ordered set of work the pipeline and recycler need: the
// FileJobs to upload, the remote paths to delete, and the existing
// remote files/folders (both lowercase) used by the recycler's
// restore-eligibility check.
type Plan struct {
	Jobs             []job.FileJob
	DeletePaths      []string
	ExistingFiles    map[string]struct{}
	ExistingFolders  map[string]struct{}
}

// Options configures one planning pass.
type Options struct {
	LocalRoot    string
	RemoteRoot   string
	Encrypt      bool
	IgnoreGlobs  []string
	RemoteEntries []cloudapi.Entry
}

// Build walks opts.LocalRoot and diffs it against opts.RemoteEntries,
// producing the ordered FileJob queue plus the delete/existing sets.
func Build(opts Options) (Plan, error) {
	remoteByPath := make(map[string]cloudapi.Entry, len(opts.RemoteEntries))
	existingFiles := make(map[string]struct{})
	existingFolders := map[string]struct{}{"": {}}

	for _, e := range opts.RemoteEntries {
		lower := strings.ToLower(e.Path)
		remoteByPath[lower] = e
		if e.IsDeleted {
			continue
		}
		if e.IsFolder {
			existingFolders[lower] = struct{}{}
		} else {
			existingFiles[lower] = struct{}{}
		}
	}

	var jobs []job.FileJob
	var localPaths []string

	err := filepath.WalkDir(opts.LocalRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(opts.LocalRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if matchesAny(opts.IgnoreGlobs, rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		remotePath := remoteJoin(opts.RemoteRoot, rel)
		if opts.Encrypt && !strings.HasSuffix(remotePath, ".zip") {
			remotePath += ".zip"
		}
		localPaths = append(localPaths, strings.ToLower(remotePath))

		if skip := upToDate(remoteByPath, remotePath, info.ModTime()); skip {
			return nil
		}

		jobs = append(jobs, job.New(path, remotePath, info.Size(), info.ModTime(), opts.Encrypt))
		return nil
	})
	if err != nil {
		return Plan{}, err
	}

	sort.Slice(jobs, func(i, j2 int) bool { return jobs[i].RemotePath < jobs[j2].RemotePath })

	localSet := make(map[string]struct{}, len(localPaths))
	for _, p := range localPaths {
		localSet[p] = struct{}{}
	}

	var deletePaths []string
	for lower, entry := range remoteByPath {
		if entry.IsFolder || entry.IsDeleted {
			continue
		}
		if _, present := localSet[lower]; !present {
			deletePaths = append(deletePaths, entry.Path)
		}
	}
	sort.Strings(deletePaths)

	return Plan{
		Jobs:            jobs,
		DeletePaths:     deletePaths,
		ExistingFiles:   existingFiles,
		ExistingFolders: existingFolders,
	}, nil
}

// upToDate reports whether the remote entry at remotePath already
// reflects localModified within the tolerance window (case-insensitive
// path comparison on the remote side).
func upToDate(remoteByPath map[string]cloudapi.Entry, remotePath string, localModified time.Time) bool {
	entry, ok := remoteByPath[strings.ToLower(remotePath)]
	if !ok || entry.IsFolder || entry.IsDeleted {
		return false
	}
	diff := entry.ClientModified.Sub(localModified)
	if diff < 0 {
		diff = -diff
	}
	return diff <= modifiedTolerance
}

func remoteJoin(root, rel string) string {
	root = strings.TrimSuffix(strings.ReplaceAll(root, "\\", "/"), "/")
	if root == "" {
		return "/" + rel
	}
	return root + "/" + rel
}

func matchesAny(globs []string, rel string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
	}
	return false
}
