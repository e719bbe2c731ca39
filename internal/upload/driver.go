// Package upload implements the chunked-upload session state machine: the
// per-file driver that hashes, verifies, dispatches, and persists progress
// for one file's journey through the cloud service.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/cloudsync/dbxuploader/internal/cloudapi"
	"github.com/cloudsync/dbxuploader/internal/job"
	"github.com/cloudsync/dbxuploader/internal/session"
)

// CloudClient is the subset of cloudapi.Client the driver consumes. A
// narrow interface here, rather than depending on the concrete type,
// keeps the driver's tests free of any real HTTP transport.
type CloudClient interface {
	SessionStart(ctx context.Context, chunk []byte, contentHash string) (cloudapi.SessionStartResult, error)
	SessionAppend(ctx context.Context, sessionID string, offset int64, chunk []byte, contentHash string) error
	SessionFinish(ctx context.Context, sessionID string, offset int64, commit cloudapi.CommitInfo, chunk []byte, contentHash string) error
	SimpleUpload(ctx context.Context, commit cloudapi.CommitInfo, data []byte, contentHash string) error
}

// Driver drives one file's bytes through the cloud service's chunked
// upload session state machine, handling retries and resume.
type Driver struct {
	client CloudClient
	store  *session.Store
	mirror *session.Mirror
	retry  RetryPolicy
	logger log.Logger

	job   job.FileJob
	state PipelineState
}

// NewDriver creates a Driver. store is the SessionStore scoped to the
// local-directory being synced.
func NewDriver(client CloudClient, store *session.Store, logger log.Logger) *Driver {
	return &Driver{
		client: client,
		store:  store,
		retry:  NewRetryPolicy(),
		logger: logger,
	}
}

// WithMirror attaches an optional cross-machine SessionRecord mirror. A
// nil mirror (the zero value from session.NewMirror when unconfigured)
// is a valid, inert argument: Mirror's methods no-op on a nil receiver.
func (d *Driver) WithMirror(mirror *session.Mirror) *Driver {
	d.mirror = mirror
	return d
}

// State returns the current per-file state, mostly useful for tests and
// diagnostic logging.
func (d *Driver) State() State {
	return d.state.State
}

// ResumeSalt returns the encryption salt recalled from a loaded
// SessionRecord after Prepare, or nil for a fresh upload. The caller must
// reuse this salt (rather than generating a new random one) so the
// re-encrypted archive's first N bytes stay byte-identical to the
// original run.
func (d *Driver) ResumeSalt() []byte {
	return d.state.EncryptionSalt
}

// IsResuming reports whether Prepare found a matching SessionRecord to
// resume from.
func (d *Driver) IsResuming() bool {
	return d.state.resuming()
}

// Prepare clears transient state, loads any existing SessionRecord, and
// validates it against j. Idempotent: calling it twice on the same
// FileJob with no chunks uploaded in between yields the same transient
// state (P6), since it always re-derives from scratch rather than
// mutating incrementally.
//
// If no local record exists, Prepare falls back to the mirror (if
// configured) so a resume can continue on a machine other than the one
// that started the upload.
func (d *Driver) Prepare(ctx context.Context, j job.FileJob) error {
	d.job = j
	d.state = PipelineState{State: StateIdle}

	rec, ok := d.store.Load()
	if !ok {
		rec, ok = d.mirror.Pull(ctx)
	}
	if !ok {
		d.state.State = StatePrepared
		return nil
	}

	if !rec.Valid() || !rec.MatchesJob(j.SourcePath, j.TotalSize, j.ClientModified) {
		d.store.Delete()
		d.state.State = StatePrepared
		return nil
	}

	d.state.ResumeOffset = rec.CurrentOffset
	d.state.ActiveSession = rec.SessionID
	d.state.UploadOffset = rec.CurrentOffset
	d.state.LocalOffset = 0
	d.state.HashState = [32]byte{}
	d.state.HashVerified = false
	d.state.savedContentHash = rec.ContentHash
	d.state.EncryptionSalt = rec.EncryptionSalt
	d.state.State = StatePrepared
	return nil
}

// chunkOutcome is what the shared hash-chain/resume-verification step
// decided for one chunk.
type chunkOutcome struct {
	send bool
}

// processChunk runs the chain-hash-and-resume-verification steps shared
// by UploadChunk and Finish (steps 1–3 of the chunk algorithm). It
// returns whether the chunk should be dispatched to the cloud service.
func (d *Driver) processChunk(chunk []byte) (chunkOutcome, error) {
	if len(chunk) == 0 {
		return chunkOutcome{send: false}, nil
	}

	combined := make([]byte, 0, len(d.state.HashState)+len(chunk))
	combined = append(combined, d.state.HashState[:]...)
	combined = append(combined, chunk...)
	d.state.HashState = sha256.Sum256(combined)
	d.state.LocalOffset += int64(len(chunk))

	if d.state.resuming() && d.state.State == StatePrepared {
		d.state.State = StateChunkingBeforeResume
	}

	if d.state.resuming() && !d.state.HashVerified && d.state.LocalOffset >= d.state.ResumeOffset {
		computed := hex.EncodeToString(d.state.HashState[:])
		if !strings.EqualFold(computed, d.state.savedContentHash) {
			d.store.Delete()
			d.state = PipelineState{State: StateFailed}
			return chunkOutcome{}, cloudapi.ResumeFailed("upload_chunk", "hash verification failed")
		}
		d.state.HashVerified = true
		d.state.State = StateVerified
	}

	if d.state.LocalOffset <= d.state.ResumeOffset {
		return chunkOutcome{send: false}, nil
	}

	return chunkOutcome{send: true}, nil
}

// UploadChunk processes one non-final chunk from the accumulator: hashes
// it into the chain, verifies the resume point at most once, skips
// bytes the server already has, and otherwise dispatches it via
// session_start or session_append.
func (d *Driver) UploadChunk(ctx context.Context, chunkView []byte, length int, saltForThisRun []byte) error {
	chunk := chunkView[:length]

	outcome, err := d.processChunk(chunk)
	if err != nil {
		return err
	}
	if !outcome.send {
		return nil
	}

	d.state.State = StateUploading

	if err := d.dispatchChunk(ctx, chunk, cloudapi.ContentHash(chunk)); err != nil {
		return d.classifyDispatchError(err)
	}

	d.state.UploadOffset += int64(length)
	d.rememberSalt(saltForThisRun)
	d.persist(ctx)

	return nil
}

func (d *Driver) dispatchChunk(ctx context.Context, chunk []byte, contentHex string) error {
	return d.retry.Do(ctx, func(attempt int) error {
		if d.state.ActiveSession == "" {
			result, err := d.client.SessionStart(ctx, chunk, contentHex)
			if err != nil {
				return err
			}
			d.state.ActiveSession = result.SessionID
			return nil
		}
		return d.client.SessionAppend(ctx, d.state.ActiveSession, d.state.UploadOffset, chunk, contentHex)
	})
}

func (d *Driver) classifyDispatchError(err error) error {
	if cloudapi.IsKind(err, cloudapi.KindResumeFailed) {
		d.store.Delete()
		d.state = PipelineState{State: StateFailed}
	}
	return err
}

func (d *Driver) rememberSalt(saltForThisRun []byte) {
	if len(saltForThisRun) > 0 {
		d.state.EncryptionSalt = saltForThisRun
	}
}

func (d *Driver) persist(ctx context.Context) {
	d.state.savedContentHash = hex.EncodeToString(d.state.HashState[:])
	rec := session.Record{
		SessionID:      d.state.ActiveSession,
		FilePath:       d.job.SourcePath,
		ClientModified: d.job.ClientModified,
		TotalSize:      d.job.TotalSize,
		CurrentOffset:  d.state.LocalOffset,
		EncryptionSalt: d.state.EncryptionSalt,
		ContentHash:    d.state.savedContentHash,
	}
	d.store.Save(rec)
	d.mirror.Push(ctx, rec)
}

// Finish finalizes the session with the last chunk of bytes: a single-shot
// upload if no session was ever opened, otherwise session_finish. On
// success the SessionRecord is deleted and transient state cleared. A
// resume failure (chain-hash mismatch or session not found) also deletes
// the record; any other failure leaves it intact for a future retry.
func (d *Driver) Finish(ctx context.Context, commit job.CommitInfo, finalView []byte, finalLength int) error {
	finalChunk := finalView[:finalLength]

	if _, err := d.processChunk(finalChunk); err != nil {
		return err
	}

	info := cloudapi.CommitInfo{
		Path:           commit.Path,
		Overwrite:      commit.Overwrite,
		Autorename:     commit.Autorename,
		ClientModified: commit.ClientModified,
	}

	contentHex := cloudapi.ContentHash(finalChunk)

	err := d.retry.Do(ctx, func(attempt int) error {
		if d.state.ActiveSession == "" {
			return d.client.SimpleUpload(ctx, info, finalChunk, contentHex)
		}
		return d.client.SessionFinish(ctx, d.state.ActiveSession, d.state.UploadOffset, info, finalChunk, contentHex)
	})
	if err != nil {
		return d.classifyDispatchError(err)
	}

	d.store.Delete()
	d.state = PipelineState{State: StateFinished}
	return nil
}
