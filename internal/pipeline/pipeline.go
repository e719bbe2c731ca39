// Package pipeline wires FileReader, EncryptStage, ChunkAccumulator,
// UploadDriver, and SessionStore into the single cooperative run loop
// that moves one file's bytes from disk to the cloud service, plus the
// outer per-file retry controller around it.
package pipeline

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	units "github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/cloudsync/dbxuploader/internal/archive"
	"github.com/cloudsync/dbxuploader/internal/chunk"
	"github.com/cloudsync/dbxuploader/internal/job"
	"github.com/cloudsync/dbxuploader/internal/reader"
	"github.com/cloudsync/dbxuploader/internal/upload"
)

// outerRetryAttempts is the number of additional attempts the controller
// re-invokes prepare()+upload for after the first attempt fails.
const outerRetryAttempts = 3

// Runner owns the pipeline's components and drives one file at a time
// through them.
type Runner struct {
	driver   *upload.Driver
	bufSize  int64
	encrypt  bool
	password string
	logger   log.Logger
}

// New creates a Runner. bufSize is the FileReader/ChunkAccumulator
// chunk size (0 selects the defaults); password enables the EncryptStage
// when non-empty.
func New(driver *upload.Driver, bufSize int64, password string, logger log.Logger) *Runner {
	return &Runner{
		driver:   driver,
		bufSize:  bufSize,
		encrypt:  password != "",
		password: password,
		logger:   logger,
	}
}

// RunFile drives j through the pipeline, retrying up to outerRetryAttempts
// additional times on failure. Each retry re-opens the file from the
// beginning; the resume protocol inside UploadDriver decides whether to
// skip, verify, and continue, or restart.
func (r *Runner) RunFile(ctx context.Context, j job.FileJob, commit job.CommitInfo) error {
	correlationID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= outerRetryAttempts; attempt++ {
		if attempt > 0 {
			r.logger.Warnf("[%s] retrying %s (attempt %d/%d): %s", correlationID, j.SourcePath, attempt+1, outerRetryAttempts+1, lastErr)
		}

		if err := r.driver.Prepare(ctx, j); err != nil {
			lastErr = err
			continue
		}

		if err := r.runOnce(ctx, j, commit, correlationID); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("pipeline: %s: all attempts failed: %w", j.SourcePath, lastErr)
}

// chunkSink feeds producer output (plaintext for direct uploads,
// ciphertext for encrypted ones) into the ChunkAccumulator and dispatches
// each emitted chunk to the UploadDriver as soon as it is ready, so the
// archive container's streaming Write calls never need to buffer beyond
// the accumulator's own arena.
type chunkSink struct {
	ctx    context.Context
	acc    *chunk.Accumulator
	driver *upload.Driver
	salt   []byte
}

func (s *chunkSink) Write(p []byte) (int, error) {
	out, err := s.acc.Write(p)
	if err != nil {
		return 0, err
	}
	if out != nil {
		if err := s.driver.UploadChunk(s.ctx, out, len(out), s.salt); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (r *Runner) runOnce(ctx context.Context, j job.FileJob, commit job.CommitInfo, correlationID string) error {
	r.logger.Infof("[%s] uploading %s (%s)", correlationID, j.SourcePath, units.HumanSizeWithPrecision(float64(j.TotalSize), 3))

	fr := reader.New(r.bufSize)
	defer fr.Close()

	if err := fr.OpenNext(j.SourcePath); err != nil {
		return fmt.Errorf("open source file: %w", err)
	}

	// Headroom stays at chunk.DefaultHeadroom regardless of bufSize: it
	// only needs to absorb the archive container's fixed-size framing
	// bytes landing inside one accumulated chunk, not scale with bufSize.
	acc := chunk.New(int(r.bufSize), 0)

	var salt []byte
	if r.encrypt {
		if resumed := r.driver.ResumeSalt(); len(resumed) == 16 {
			salt = resumed
		} else {
			s, err := freshSalt()
			if err != nil {
				return fmt.Errorf("generate salt: %w", err)
			}
			salt = s
		}
	}

	sink := &chunkSink{ctx: ctx, acc: acc, driver: r.driver, salt: salt}

	var archiveWriter *archive.Writer
	if r.encrypt {
		w, err := archive.NewWriter(sink, j.SourcePath, r.password, archive.NewFixedSaltSource(salt))
		if err != nil {
			return fmt.Errorf("open archive writer: %w", err)
		}
		archiveWriter = w
	}

	for {
		block, n, err := fr.ReadBlock()
		if err != nil {
			return fmt.Errorf("read block: %w", err)
		}
		if n == 0 {
			break
		}

		if archiveWriter != nil {
			if _, err := archiveWriter.Write(block[:n]); err != nil {
				return fmt.Errorf("encrypt block: %w", err)
			}
		} else {
			if _, err := sink.Write(block[:n]); err != nil {
				return err
			}
		}
	}

	if archiveWriter != nil {
		if _, err := archiveWriter.Close(); err != nil {
			return fmt.Errorf("close archive writer: %w", err)
		}
	}

	final := acc.Flush()
	if err := r.driver.Finish(ctx, commit, final, len(final)); err != nil {
		return err
	}

	r.logger.Donef("[%s] upload of %s complete", correlationID, j.SourcePath)
	return nil
}

func freshSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
