package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsync/dbxuploader/internal/cloudapi"
	"github.com/cloudsync/dbxuploader/internal/job"
	"github.com/cloudsync/dbxuploader/internal/session"
	"github.com/cloudsync/dbxuploader/internal/upload"
)

type fakeClient struct {
	chunks [][]byte
	simple []byte
}

func (f *fakeClient) SessionStart(ctx context.Context, chunk []byte, contentHash string) (cloudapi.SessionStartResult, error) {
	f.chunks = append(f.chunks, append([]byte{}, chunk...))
	return cloudapi.SessionStartResult{SessionID: "sess"}, nil
}

func (f *fakeClient) SessionAppend(ctx context.Context, sessionID string, offset int64, chunk []byte, contentHash string) error {
	f.chunks = append(f.chunks, append([]byte{}, chunk...))
	return nil
}

func (f *fakeClient) SessionFinish(ctx context.Context, sessionID string, offset int64, commit cloudapi.CommitInfo, chunk []byte, contentHash string) error {
	f.chunks = append(f.chunks, append([]byte{}, chunk...))
	return nil
}

func (f *fakeClient) SimpleUpload(ctx context.Context, commit cloudapi.CommitInfo, data []byte, contentHash string) error {
	f.simple = append([]byte{}, data...)
	return nil
}

func (f *fakeClient) totalBytes() int {
	total := len(f.simple)
	for _, c := range f.chunks {
		total += len(c)
	}
	return total
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "source.bin")
	data := bytes.Repeat([]byte{0x5A}, size)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// P1: the sum of chunk lengths equals the file length for direct uploads.
func TestRunFile_DirectUpload_ChunkLengthsSumToFileLength(t *testing.T) {
	const size = 250
	path := writeTempFile(t, size)

	client := &fakeClient{}
	store, err := session.NewStore(filepath.Dir(path), t.TempDir(), log.NewLogger())
	require.NoError(t, err)
	driver := upload.NewDriver(client, store, log.NewLogger())
	runner := New(driver, 100, "", log.NewLogger())

	info, err := os.Stat(path)
	require.NoError(t, err)
	j := job.New(path, "remote.bin", info.Size(), info.ModTime(), false)

	err = runner.RunFile(context.Background(), j, job.CommitInfo{Path: "/remote.bin"})
	require.NoError(t, err)

	assert.Equal(t, size, client.totalBytes())

	_, ok := store.Load()
	assert.False(t, ok)
}

// An encrypted upload completes and sends more bytes than the plaintext
// (the container's framing overhead).
func TestRunFile_EncryptedUpload_ProducesMoreBytesThanPlaintext(t *testing.T) {
	const size = 250
	path := writeTempFile(t, size)

	info, err := os.Stat(path)
	require.NoError(t, err)

	runEncrypted := func() []byte {
		client := &fakeClient{}
		store, err := session.NewStore(filepath.Dir(path), t.TempDir(), log.NewLogger())
		require.NoError(t, err)
		driver := upload.NewDriver(client, store, log.NewLogger())
		runner := New(driver, 100, "correct horse battery staple", log.NewLogger())

		j := job.New(path, "remote.bin", info.Size(), info.ModTime(), true)
		require.NoError(t, runner.RunFile(context.Background(), j, job.CommitInfo{Path: "/remote.bin.zip"}))

		var out []byte
		for _, c := range client.chunks {
			out = append(out, c...)
		}
		out = append(out, client.simple...)
		return out
	}

	// Determinism here is necessarily approximate across independent runs
	// since each run generates its own random salt for a fresh upload;
	// what P3 actually requires is that re-encryption with the SAME salt
	// is deterministic, which is covered directly in internal/archive.
	// This test instead checks that an encrypted upload completes and
	// produces strictly more bytes than the plaintext (container framing
	// overhead), matching P1's bookkeeping expectation.
	ciphertext := runEncrypted()
	assert.Greater(t, len(ciphertext), size)
}

func TestRunFile_RemotePathGetsZipSuffixWhenEncrypted(t *testing.T) {
	j := job.New("/local/f.txt", "remote/f.txt", 10, time.Now(), true)
	assert.Equal(t, "remote/f.txt.zip", j.RemotePath)
}
