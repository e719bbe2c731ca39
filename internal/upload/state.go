package upload

// State is one node of the per-file upload state machine: Idle →
// Prepared → ChunkingBeforeResume → Verified → Uploading → Finished
// (terminal), with failure edges from any non-terminal state to Failed.
// Direct uploads (no saved session to resume) skip ChunkingBeforeResume
// and Verified, entering Uploading immediately.
type State int

const (
	StateIdle State = iota
	StatePrepared
	StateChunkingBeforeResume
	StateVerified
	StateUploading
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateChunkingBeforeResume:
		return "chunking_before_resume"
	case StateVerified:
		return "verified"
	case StateUploading:
		return "uploading"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PipelineState is the transient, per-file state created by Prepare and
// cleared by Finish or on fatal error exit.
type PipelineState struct {
	State State

	// UploadOffset is the number of bytes the cloud service has
	// acknowledged in the current session so far.
	UploadOffset int64
	// LocalOffset is the number of source bytes processed through the
	// hash chain so far.
	LocalOffset int64
	// ResumeOffset is the snapshot of the loaded record's CurrentOffset
	// at the start of this file; zero for fresh uploads.
	ResumeOffset int64
	// ActiveSession is the cloud service's session id, or "" if no
	// session has been opened yet.
	ActiveSession string
	// HashState is the running 32-byte chain value, h_0 = zeros(32).
	HashState [32]byte
	// HashVerified gates the at-most-once resume verification.
	HashVerified bool
	// EncryptionSalt is the salt recorded for this file, carried forward
	// from a loaded record or set on the first encrypted chunk.
	EncryptionSalt []byte

	// savedContentHash is the chain-hash hex string loaded from the
	// resumed SessionRecord, compared against at the resume point.
	savedContentHash string
}

// resuming reports whether this file is continuing a previously saved
// session rather than starting fresh.
func (s PipelineState) resuming() bool {
	return s.ResumeOffset > 0
}
