package archive

import "errors"

// ErrSaltSourceExhausted is returned when a FixedSaltSource is read more
// than once. A container writer that asks for the salt twice indicates a
// behavior drift worth failing loudly on (spec.md §4.2, §9).
var ErrSaltSourceExhausted = errors.New("archive: salt source already consumed")

// ErrSaltSourceBadLength is returned when anything asks a FixedSaltSource
// for a length other than 16 bytes.
var ErrSaltSourceBadLength = errors.New("archive: salt source requires exactly 16 bytes")

// FixedSaltSource is a single-use io.Reader that yields exactly one
// caller-supplied 16-byte salt and then refuses further reads.
//
// It exists so the container writer never has to trust a general-purpose
// rand.Reader for something that must be reproducible across a resumed
// run: the caller decides the salt (freshly random for a new upload, or
// recalled from a SessionRecord for a resume) and the source's job is only
// to hand it over exactly once, refusing any second use or mismatched
// length as a sign that something upstream drifted from the one-shot
// contract.
type FixedSaltSource struct {
	salt []byte
	used bool
}

// NewFixedSaltSource wraps salt, which must be exactly 16 bytes.
func NewFixedSaltSource(salt []byte) *FixedSaltSource {
	return &FixedSaltSource{salt: salt}
}

// Read implements io.Reader. It only ever satisfies a single 16-byte read.
func (f *FixedSaltSource) Read(p []byte) (int, error) {
	if f.used {
		return 0, ErrSaltSourceExhausted
	}
	if len(p) != 16 || len(f.salt) != 16 {
		return 0, ErrSaltSourceBadLength
	}
	copy(p, f.salt)
	f.used = true
	return 16, nil
}
