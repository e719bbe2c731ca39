// Command dbxuploader is the operator surface for the upload pipeline:
// given an API token, a local path, and a remote path, it plans the
// sync, uploads every changed file (optionally AES-256 encrypted), and
// runs the storage recycler. Exit code 0 on success, non-zero otherwise.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/cloudsync/dbxuploader/internal/cloudapi"
	"github.com/cloudsync/dbxuploader/internal/config"
	"github.com/cloudsync/dbxuploader/internal/job"
	"github.com/cloudsync/dbxuploader/internal/pipeline"
	"github.com/cloudsync/dbxuploader/internal/planner"
	"github.com/cloudsync/dbxuploader/internal/recycler"
	"github.com/cloudsync/dbxuploader/internal/session"
	"github.com/cloudsync/dbxuploader/internal/upload"
)

// apiBaseURL is the cloud service's fixed API root.
const apiBaseURL = "https://api.dropboxapi.com/2"

// defaultChunkSize matches the ChunkAccumulator's default capacity.
const defaultChunkSize = 90 * 1024 * 1024

func main() {
	logger := log.NewLogger()

	if err := run(logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parse inputs: %w", err)
	}

	ctx := context.Background()

	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	httpClient.RetryMax = 4

	client := cloudapi.New(httpClient, apiBaseURL, string(cfg.Token), logger)

	if err := session.ScanAndPrune("", logger); err != nil {
		logger.Warnf("session retention scan: %s", err)
	}

	store, err := session.NewStore(cfg.LocalPath, "", logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	mirror, err := session.NewMirror(ctx, mirrorConfigFromEnv(), cfg.LocalPath, logger)
	if err != nil {
		logger.Warnf("session mirror disabled: %s", err)
	}

	listing, err := listRemote(ctx, client, cfg.RemotePath)
	if err != nil {
		return fmt.Errorf("list remote folder: %w", err)
	}

	plan, err := planner.Build(planner.Options{
		LocalRoot:     cfg.LocalPath,
		RemoteRoot:    cfg.RemotePath,
		Encrypt:       cfg.Encrypt,
		RemoteEntries: listing,
	})
	if err != nil {
		return fmt.Errorf("plan sync: %w", err)
	}

	logger.Infof("planned %d upload(s), %d deletion(s)", len(plan.Jobs), len(plan.DeletePaths))

	driver := upload.NewDriver(client, store, logger).WithMirror(mirror)
	runner := pipeline.New(driver, defaultChunkSize, string(cfg.Password), logger)

	for _, j := range plan.Jobs {
		commit := jobCommit(j)
		if err := runner.RunFile(ctx, j, commit); err != nil {
			return fmt.Errorf("upload %s: %w", j.SourcePath, err)
		}
	}

	if len(plan.DeletePaths) > 0 {
		if _, err := client.DeleteBatch(ctx, plan.DeletePaths); err != nil {
			logger.Warnf("delete_batch: %s", err)
		}
	}

	rec := recycler.New(client, logger, nil)
	deleted := deletedEntries(listing)
	if err := rec.Run(ctx, deleted, plan.ExistingFiles, plan.ExistingFolders); err != nil {
		logger.Warnf("recycler: %s", err)
	}

	logger.Donef("sync of %s complete", cfg.LocalPath)
	return nil
}

func jobCommit(j job.FileJob) job.CommitInfo {
	return job.CommitInfo{
		Path:           j.RemotePath,
		Overwrite:      true,
		ClientModified: j.ClientModified,
	}
}

func mirrorConfigFromEnv() session.MirrorConfig {
	return session.MirrorConfig{
		Bucket:          os.Getenv("DBXUPLOADER_MIRROR_BUCKET"),
		Region:          os.Getenv("DBXUPLOADER_MIRROR_REGION"),
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}
}

func listRemote(ctx context.Context, client *cloudapi.Client, remotePath string) ([]cloudapi.Entry, error) {
	result, err := client.ListFolder(ctx, remotePath, true, 0, true)
	if err != nil {
		return nil, err
	}
	entries := result.Entries
	for result.HasMore {
		result, err = client.ListFolderContinue(ctx, result.Cursor)
		if err != nil {
			return nil, err
		}
		entries = append(entries, result.Entries...)
	}
	return entries, nil
}

func deletedEntries(entries []cloudapi.Entry) []cloudapi.Entry {
	var out []cloudapi.Entry
	for _, e := range entries {
		if e.IsDeleted {
			out = append(out, e)
		}
	}
	return out
}
