package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsync/dbxuploader/internal/cloudapi"
	"github.com/cloudsync/dbxuploader/internal/job"
	"github.com/cloudsync/dbxuploader/internal/session"
)

type call struct {
	op          string
	id          string
	offset      int64
	data        []byte
	contentHash string
}

type fakeClient struct {
	calls          []call
	nextSessionID  string
	appendErr      error
	finishErr      error
	simpleErr      error
	startErr       error
	appendOffsets  []int64
}

func (f *fakeClient) SessionStart(ctx context.Context, chunk []byte, contentHash string) (cloudapi.SessionStartResult, error) {
	f.calls = append(f.calls, call{op: "start", data: append([]byte{}, chunk...), contentHash: contentHash})
	if f.startErr != nil {
		return cloudapi.SessionStartResult{}, f.startErr
	}
	id := f.nextSessionID
	if id == "" {
		id = "sess-1"
	}
	return cloudapi.SessionStartResult{SessionID: id}, nil
}

func (f *fakeClient) SessionAppend(ctx context.Context, sessionID string, offset int64, chunk []byte, contentHash string) error {
	f.calls = append(f.calls, call{op: "append", id: sessionID, offset: offset, data: append([]byte{}, chunk...), contentHash: contentHash})
	f.appendOffsets = append(f.appendOffsets, offset)
	return f.appendErr
}

func (f *fakeClient) SessionFinish(ctx context.Context, sessionID string, offset int64, commit cloudapi.CommitInfo, chunk []byte, contentHash string) error {
	f.calls = append(f.calls, call{op: "finish", id: sessionID, offset: offset, data: append([]byte{}, chunk...), contentHash: contentHash})
	return f.finishErr
}

func (f *fakeClient) SimpleUpload(ctx context.Context, commit cloudapi.CommitInfo, data []byte, contentHash string) error {
	f.calls = append(f.calls, call{op: "simple_upload", data: append([]byte{}, data...), contentHash: contentHash})
	return f.simpleErr
}

func newTestDriver(t *testing.T, client CloudClient) (*Driver, *session.Store) {
	t.Helper()
	store, err := session.NewStore("/local/dir", t.TempDir(), log.NewLogger())
	require.NoError(t, err)
	return NewDriver(client, store, log.NewLogger()), store
}

func testJob(size int64) job.FileJob {
	return job.New("/local/dir/file.bin", "file.bin", size, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), false)
}

// Scenario 1: fresh direct upload, single chunk.
func TestScenario1_FreshSingleChunk(t *testing.T) {
	client := &fakeClient{}
	d, store := newTestDriver(t, client)

	j := testJob(100)
	require.NoError(t, d.Prepare(context.Background(), j))

	data := make([]byte, 100)
	err := d.Finish(context.Background(), job.CommitInfo{Path: "/file.bin"}, data, 100)
	require.NoError(t, err)

	require.Len(t, client.calls, 1)
	assert.Equal(t, "simple_upload", client.calls[0].op)

	_, ok := store.Load()
	assert.False(t, ok, "no SessionRecord should be left behind")
}

// P: the content hash dispatched per call is the block-SHA-256 of the
// bytes in that call, not the resume chain hash accumulated so far.
func TestDispatchedContentHash_IsBlockHashNotChainHash(t *testing.T) {
	client := &fakeClient{}
	d, _ := newTestDriver(t, client)

	j := testJob(300)
	require.NoError(t, d.Prepare(context.Background(), j))

	chunk0 := make([]byte, 100)
	for i := range chunk0 {
		chunk0[i] = 0x01
	}
	ctx := context.Background()
	require.NoError(t, d.UploadChunk(ctx, chunk0, len(chunk0), nil))

	chunk1 := make([]byte, 100)
	for i := range chunk1 {
		chunk1[i] = 0x02
	}
	require.NoError(t, d.UploadChunk(ctx, chunk1, len(chunk1), nil))

	require.Len(t, client.calls, 2)
	assert.Equal(t, cloudapi.ContentHash(chunk0), client.calls[0].contentHash)
	assert.NotEqual(t, client.calls[0].contentHash, client.calls[1].contentHash)

	zeros := [32]byte{}
	chainAfterFirst := sha256Sum(append(append([]byte{}, zeros[:]...), chunk0...))
	assert.NotEqual(t, hex.EncodeToString(chainAfterFirst[:]), client.calls[0].contentHash,
		"dispatched hash must not be the chain hash")
}

// Scenario 2: fresh direct upload, three 100-byte chunks.
func TestScenario2_FreshThreeChunks(t *testing.T) {
	client := &fakeClient{}
	d, store := newTestDriver(t, client)

	j := testJob(300)
	require.NoError(t, d.Prepare(context.Background(), j))

	chunk0 := make([]byte, 100)
	chunk1 := make([]byte, 100)
	chunk2 := make([]byte, 100)
	for i := range chunk0 {
		chunk0[i] = 0x01
		chunk1[i] = 0x02
		chunk2[i] = 0x03
	}

	ctx := context.Background()
	require.NoError(t, d.UploadChunk(ctx, chunk0, len(chunk0), nil))
	_, ok := store.Load()
	require.True(t, ok, "record saved after first chunk")

	require.NoError(t, d.UploadChunk(ctx, chunk1, len(chunk1), nil))
	_, ok = store.Load()
	require.True(t, ok, "record saved after second chunk")

	require.NoError(t, d.Finish(ctx, job.CommitInfo{Path: "/file.bin"}, chunk2, len(chunk2)))

	require.Len(t, client.calls, 3)
	assert.Equal(t, "start", client.calls[0].op)
	assert.Equal(t, "append", client.calls[1].op)
	assert.Equal(t, int64(100), client.calls[1].offset)
	assert.Equal(t, "finish", client.calls[2].op)
	assert.Equal(t, int64(200), client.calls[2].offset)

	_, ok = store.Load()
	assert.False(t, ok, "record deleted after finish")
}

// Scenario 3: resumed upload, aligned boundaries.
func TestScenario3_ResumedAlignedBoundaries(t *testing.T) {
	client := &fakeClient{}
	d, store := newTestDriver(t, client)

	chunk0 := make([]byte, 100)
	for i := range chunk0 {
		chunk0[i] = 0xAA
	}
	zeros := [32]byte{}
	combined := append(append([]byte{}, zeros[:]...), chunk0...)
	chainHash := sha256Sum(combined)

	store.Save(session.Record{
		SessionID:      "sess-old",
		FilePath:       "/local/dir/file.bin",
		ClientModified: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TotalSize:      200,
		CurrentOffset:  100,
		ContentHash:    hex.EncodeToString(chainHash[:]),
	})

	j := testJob(200)
	require.NoError(t, d.Prepare(context.Background(), j))
	assert.Equal(t, int64(100), d.state.ResumeOffset)

	require.NoError(t, d.UploadChunk(context.Background(), chunk0, 100, nil))

	chunk1 := make([]byte, 100)
	for i := range chunk1 {
		chunk1[i] = 0xBB
	}

	require.NoError(t, d.Finish(context.Background(), job.CommitInfo{Path: "/file.bin"}, chunk1, 100))

	require.Len(t, client.calls, 1, "first chunk is skipped, not resent; no new session started")
	assert.Equal(t, "finish", client.calls[0].op)
	assert.Equal(t, "sess-old", client.calls[0].id)
	assert.Equal(t, int64(100), client.calls[0].offset)
}

// Scenario 4: resumed upload, misaligned boundaries.
func TestScenario4_ResumedMisalignedBoundaries(t *testing.T) {
	client := &fakeClient{}
	d, store := newTestDriver(t, client)

	zeros := [32]byte{}
	first150 := make([]byte, 150)
	for i := range first150 {
		first150[i] = 0xCC
	}
	combined := append(append([]byte{}, zeros[:]...), first150...)
	chainHash := sha256Sum(combined)

	store.Save(session.Record{
		FilePath:       "/local/dir/file.bin",
		ClientModified: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TotalSize:      300,
		CurrentOffset:  150,
		ContentHash:    hex.EncodeToString(chainHash[:]),
	})

	j := testJob(300)
	require.NoError(t, d.Prepare(context.Background(), j))

	chunk0 := make([]byte, 100)
	for i := range chunk0 {
		chunk0[i] = 0xDD // different content than the original first 100 bytes
	}
	chunk1 := make([]byte, 100)

	ctx := context.Background()
	err := d.UploadChunk(ctx, chunk0, 100, nil)
	require.NoError(t, err, "boundary at 100 < resume offset 150, still below verification point")

	err = d.UploadChunk(ctx, chunk1, 100, nil)
	require.Error(t, err)
	assert.True(t, cloudapi.IsKind(err, cloudapi.KindResumeFailed))

	_, ok := store.Load()
	assert.False(t, ok, "mismatched record must be deleted")
}

// Scenario 5: expired server session on resume.
func TestScenario5_ExpiredServerSession(t *testing.T) {
	client := &fakeClient{appendErr: cloudapi.ResumeFailed("session_append", "session not found")}
	d, store := newTestDriver(t, client)

	zeros := [32]byte{}
	first100 := make([]byte, 100)
	combined := append(append([]byte{}, zeros[:]...), first100...)
	chainHash := sha256Sum(combined)

	store.Save(session.Record{
		SessionID:      "sess-old",
		FilePath:       "/local/dir/file.bin",
		ClientModified: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TotalSize:      200,
		CurrentOffset:  100,
		ContentHash:    hex.EncodeToString(chainHash[:]),
	})

	j := testJob(200)
	require.NoError(t, d.Prepare(context.Background(), j))

	require.NoError(t, d.UploadChunk(context.Background(), first100, 100, nil), "replayed first chunk is verified and skipped")

	chunk1 := make([]byte, 100)
	err := d.UploadChunk(context.Background(), chunk1, 100, nil)
	require.Error(t, err)
	assert.True(t, cloudapi.IsKind(err, cloudapi.KindResumeFailed))

	_, ok := store.Load()
	assert.False(t, ok)
}

// Scenario 6 (partial): fresh encrypted upload carries the salt into the
// saved record.
func TestScenario6_SaltCarriedIntoRecord(t *testing.T) {
	client := &fakeClient{}
	d, store := newTestDriver(t, client)

	j := testJob(200)
	require.NoError(t, d.Prepare(context.Background(), j))

	salt := make([]byte, 16)
	for i := range salt {
		salt[i] = byte(i)
	}

	chunk0 := make([]byte, 100)
	require.NoError(t, d.UploadChunk(context.Background(), chunk0, 100, salt))

	rec, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, salt, rec.EncryptionSalt)
}

// P5: after finish() completes successfully, no SessionRecord exists.
func TestP5_NoRecordAfterSuccessfulFinish(t *testing.T) {
	client := &fakeClient{}
	d, store := newTestDriver(t, client)

	j := testJob(10)
	require.NoError(t, d.Prepare(context.Background(), j))
	require.NoError(t, d.Finish(context.Background(), job.CommitInfo{}, make([]byte, 10), 10))

	_, ok := store.Load()
	assert.False(t, ok)
}

// P6: idempotence of prepare().
func TestP6_PrepareIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	d, _ := newTestDriver(t, client)

	j := testJob(50)
	require.NoError(t, d.Prepare(context.Background(), j))
	first := d.state

	require.NoError(t, d.Prepare(context.Background(), j))
	second := d.state

	assert.Equal(t, first, second)
}

// P2: server-reported offset equals the sum of lengths of preceding
// successful appends.
func TestP2_UploadOffsetTracksSuccessfulAppends(t *testing.T) {
	client := &fakeClient{}
	d, _ := newTestDriver(t, client)

	j := testJob(300)
	require.NoError(t, d.Prepare(context.Background(), j))

	ctx := context.Background()
	require.NoError(t, d.UploadChunk(ctx, make([]byte, 100), 100, nil))
	assert.Equal(t, int64(100), d.state.UploadOffset)

	require.NoError(t, d.UploadChunk(ctx, make([]byte, 100), 100, nil))
	assert.Equal(t, int64(200), d.state.UploadOffset)
}

// Persistent (non-resume) failures on append do not delete the record.
func TestPersistentFailureKeepsRecord(t *testing.T) {
	client := &fakeClient{appendErr: cloudapi.Persistent("session_append", "quota exceeded", nil)}
	d, store := newTestDriver(t, client)

	j := testJob(300)
	require.NoError(t, d.Prepare(context.Background(), j))

	ctx := context.Background()
	require.NoError(t, d.UploadChunk(ctx, make([]byte, 100), 100, nil))

	err := d.UploadChunk(ctx, make([]byte, 100), 100, nil)
	require.Error(t, err)
	assert.True(t, cloudapi.IsKind(err, cloudapi.KindPersistent))

	_, ok := store.Load()
	assert.True(t, ok, "persistent errors must not delete the SessionRecord")
}

func sha256Sum(data []byte) [32]byte {
	return sha256.Sum256(data)
}
