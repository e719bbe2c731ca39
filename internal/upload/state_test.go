package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateIdle:                 "idle",
		StatePrepared:             "prepared",
		StateChunkingBeforeResume: "chunking_before_resume",
		StateVerified:             "verified",
		StateUploading:            "uploading",
		StateFinished:             "finished",
		StateFailed:               "failed",
		State(99):                 "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestPipelineState_Resuming(t *testing.T) {
	assert.False(t, PipelineState{ResumeOffset: 0}.resuming())
	assert.True(t, PipelineState{ResumeOffset: 1}.resuming())
}
