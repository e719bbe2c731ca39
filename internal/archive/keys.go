package archive

import (
	"crypto/sha1" //nolint:gosec // required by the WinZip AE-2 key derivation scheme
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize       = 16 // AES-256
	aesKeySize     = 32 // AES-256
	macKeySize     = 32 // HMAC-SHA1 key, same length as the AES key per AE-2
	verifierSize   = 2
	pbkdf2Rounds   = 1000
	authCodeLength = 10 // truncated HMAC-SHA1, per AE-2
)

type derivedKeys struct {
	aesKey   []byte
	macKey   []byte
	verifier []byte
}

// deriveKeys implements the WinZip AE-2 key schedule: PBKDF2-HMAC-SHA1 over
// the password and salt produces the AES key, the HMAC-SHA1 authentication
// key, and a 2-byte password-verification value, concatenated in that order.
func deriveKeys(password string, salt []byte) (derivedKeys, error) {
	if len(salt) != saltSize {
		return derivedKeys{}, fmt.Errorf("archive: salt must be %d bytes, got %d", saltSize, len(salt))
	}

	material := pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, aesKeySize+macKeySize+verifierSize, sha1.New)

	return derivedKeys{
		aesKey:   material[:aesKeySize],
		macKey:   material[aesKeySize : aesKeySize+macKeySize],
		verifier: material[aesKeySize+macKeySize:],
	}, nil
}
