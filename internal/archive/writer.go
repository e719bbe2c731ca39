// Package archive implements the EncryptStage's container: a single-entry,
// store-only, password-protected AES-256 archive whose ciphertext is
// streamed to a destination writer without ever materializing the whole
// archive in memory. The wire format follows the WinZip AE-2 convention
// (PBKDF2-derived key + HMAC-SHA1 authentication code over AES-CTR
// ciphertext) laid out inside a hand-written, Zip64-enabled local/central
// directory pair, since stdlib archive/zip has no hook for AES entries.
package archive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // HMAC-SHA1 is the authentication primitive mandated by AE-2
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"
)

const (
	aesVendorVersionAE2  = 2
	aesVendorID          = "AE"
	aesStrength256       = 3
	methodAES            = 99 // zip "compression method" value reserved for AES entries
	methodStoreInside    = 0  // actual compression method carried inside the AES extra field
	versionNeededZip64   = 45
	zip64ExtraID         = 0x0001
	aesExtraID           = 0x9901
	localFileHeaderSig   = 0x04034b50
	dataDescriptorSig    = 0x08074b50
	centralDirHeaderSig  = 0x02014b50
	zip64EOCDRecordSig   = 0x06064b50
	zip64EOCDLocatorSig  = 0x07064b50
	endOfCentralDirSig   = 0x06054b50
	generalPurposeFlags  = 0x0808 // bit 3: data descriptor follows; bit 11: UTF-8 name
)

// Writer streams a file's plaintext through AES-256-CTR encryption into a
// single zip entry on dst, computing the HMAC-SHA1 authentication code as
// it goes. Call Write repeatedly with source bytes, then Close to flush the
// authentication code and the central directory.
type Writer struct {
	dst       io.Writer
	entryName string

	salt     []byte
	keys     derivedKeys
	stream   cipher.Stream
	mac      hmac0
	written  int64 // total bytes written to dst so far (position counter)
	plainLen int64 // plaintext bytes consumed so far

	localHeaderOffset int64
	dataStartOffset   int64
	closed            bool
}

type hmac0 = hmacWriter

// NewWriter creates a Writer that encrypts entryBaseName (the source file's
// basename; the entry name on disk is "/" + entryBaseName per spec.md §4.2)
// with password, using exactly one 16-byte salt read from saltSource.
// saltSource is expected to be a FixedSaltSource so that a drifting library
// behavior (asking for the salt twice, or the wrong length) fails loudly
// instead of silently producing non-reproducible ciphertext.
func NewWriter(dst io.Writer, entryBaseName, password string, saltSource io.Reader) (*Writer, error) {
	salt := make([]byte, saltSize)
	n, err := saltSource.Read(salt)
	if err != nil {
		return nil, fmt.Errorf("archive: read salt: %w", err)
	}
	if n != saltSize {
		return nil, fmt.Errorf("archive: short salt read: got %d bytes, want %d", n, saltSize)
	}

	keys, err := deriveKeys(password, salt)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(keys.aesKey)
	if err != nil {
		return nil, fmt.Errorf("archive: new cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	iv[len(iv)-1] = 1 // CTR counter starts at 1
	stream := cipher.NewCTR(block, iv)

	entryName := "/" + strings.TrimPrefix(path.Base(entryBaseName), "/")

	w := &Writer{
		dst:       dst,
		entryName: entryName,
		salt:      salt,
		keys:      keys,
		stream:    stream,
		mac:       newHMACWriter(keys.macKey),
	}

	if err := w.writeLocalHeader(); err != nil {
		return nil, err
	}
	if err := w.writeSaltAndVerifier(); err != nil {
		return nil, err
	}

	return w, nil
}

// Write encrypts p and writes the ciphertext to the destination, also
// feeding it into the running authentication code. It never buffers more
// than the caller-provided slice.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	ciphertext := make([]byte, len(p))
	w.stream.XORKeyStream(ciphertext, p)

	if _, err := w.mac.Write(ciphertext); err != nil {
		return 0, err
	}
	n, err := w.dst.Write(ciphertext)
	w.written += int64(n)
	w.plainLen += int64(len(p))
	if err != nil {
		return n, fmt.Errorf("archive: write ciphertext: %w", err)
	}
	return len(p), nil
}

// Close writes the authentication code, data descriptor, central directory,
// and Zip64 end-of-central-directory records, and returns the total number
// of bytes written to dst for this entry (the archive's total length, since
// the container holds exactly one entry).
func (w *Writer) Close() (int64, error) {
	if w.closed {
		return w.written, nil
	}
	w.closed = true

	authCode := w.mac.Sum()[:authCodeLength]
	if err := w.writeRaw(authCode); err != nil {
		return w.written, err
	}

	compressedSize := w.written - w.dataStartOffset // salt+verifier+ciphertext+authcode already counted
	if err := w.writeDataDescriptor(compressedSize); err != nil {
		return w.written, err
	}

	centralDirOffset := w.written
	if err := w.writeCentralDirectory(compressedSize); err != nil {
		return w.written, err
	}
	centralDirSize := w.written - centralDirOffset

	if err := w.writeZip64EOCD(centralDirOffset, centralDirSize); err != nil {
		return w.written, err
	}

	return w.written, nil
}

func (w *Writer) writeRaw(p []byte) error {
	n, err := w.dst.Write(p)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("archive: write: %w", err)
	}
	return nil
}

func (w *Writer) writeLocalHeader() error {
	w.localHeaderOffset = w.written

	nameBytes := []byte(w.entryName)
	aesExtra := buildAESExtra()
	zip64Extra := buildZip64ExtraLocal()
	extra := append(append([]byte{}, zip64Extra...), aesExtra...)

	buf := make([]byte, 0, 30+len(nameBytes)+len(extra))
	buf = appendU32(buf, localFileHeaderSig)
	buf = appendU16(buf, versionNeededZip64)
	buf = appendU16(buf, generalPurposeFlags)
	buf = appendU16(buf, methodAES)
	buf = appendU16(buf, 0) // mod time
	buf = appendU16(buf, 0) // mod date
	buf = appendU32(buf, 0) // crc32 (AE-2: authenticity via HMAC, not CRC)
	buf = appendU32(buf, 0xFFFFFFFF) // compressed size (zip64 placeholder)
	buf = appendU32(buf, 0xFFFFFFFF) // uncompressed size (zip64 placeholder)
	buf = appendU16(buf, uint16(len(nameBytes)))
	buf = appendU16(buf, uint16(len(extra)))
	buf = append(buf, nameBytes...)
	buf = append(buf, extra...)

	return w.writeRaw(buf)
}

func (w *Writer) writeSaltAndVerifier() error {
	w.dataStartOffset = w.written
	if err := w.writeRaw(w.salt); err != nil {
		return err
	}
	return w.writeRaw(w.keys.verifier)
}

func (w *Writer) writeDataDescriptor(compressedSize int64) error {
	buf := make([]byte, 0, 24)
	buf = appendU32(buf, dataDescriptorSig)
	buf = appendU32(buf, 0) // crc32
	buf = appendU64(buf, uint64(compressedSize))
	buf = appendU64(buf, uint64(w.plainLen))
	return w.writeRaw(buf)
}

func (w *Writer) writeCentralDirectory(compressedSize int64) error {
	nameBytes := []byte(w.entryName)
	aesExtra := buildAESExtra()
	zip64Extra := buildZip64ExtraCentral(w.plainLen, compressedSize, w.localHeaderOffset)
	extra := append(append([]byte{}, zip64Extra...), aesExtra...)

	buf := make([]byte, 0, 46+len(nameBytes)+len(extra))
	buf = appendU32(buf, centralDirHeaderSig)
	buf = appendU16(buf, versionNeededZip64) // version made by
	buf = appendU16(buf, versionNeededZip64) // version needed
	buf = appendU16(buf, generalPurposeFlags)
	buf = appendU16(buf, methodAES)
	buf = appendU16(buf, 0) // mod time
	buf = appendU16(buf, 0) // mod date
	buf = appendU32(buf, 0) // crc32
	buf = appendU32(buf, 0xFFFFFFFF)
	buf = appendU32(buf, 0xFFFFFFFF)
	buf = appendU16(buf, uint16(len(nameBytes)))
	buf = appendU16(buf, uint16(len(extra)))
	buf = appendU16(buf, 0) // comment length
	buf = appendU16(buf, 0) // disk number start
	buf = appendU16(buf, 0) // internal attrs
	buf = appendU32(buf, 0) // external attrs
	buf = appendU32(buf, 0xFFFFFFFF) // relative offset of local header (zip64 placeholder)
	buf = append(buf, nameBytes...)
	buf = append(buf, extra...)

	return w.writeRaw(buf)
}

func (w *Writer) writeZip64EOCD(centralDirOffset, centralDirSize int64) error {
	eocd64 := make([]byte, 0, 56)
	eocd64 = appendU32(eocd64, zip64EOCDRecordSig)
	eocd64 = appendU64(eocd64, 44) // size of this record, excluding sig+size field
	eocd64 = appendU16(eocd64, versionNeededZip64) // version made by
	eocd64 = appendU16(eocd64, versionNeededZip64) // version needed
	eocd64 = appendU32(eocd64, 0)                  // number of this disk
	eocd64 = appendU32(eocd64, 0)                  // disk with central dir start
	eocd64 = appendU64(eocd64, 1) // entries on this disk
	eocd64 = appendU64(eocd64, 1) // total entries
	eocd64 = appendU64(eocd64, uint64(centralDirSize))
	eocd64 = appendU64(eocd64, uint64(centralDirOffset))
	if err := w.writeRaw(eocd64); err != nil {
		return err
	}

	zip64EOCDOffset := w.written - 56 // the record just written above
	locator := make([]byte, 0, 20)
	locator = appendU32(locator, zip64EOCDLocatorSig)
	locator = appendU32(locator, 0) // disk with zip64 EOCD record
	locator = appendU64(locator, uint64(zip64EOCDOffset))
	locator = appendU32(locator, 1) // total number of disks
	if err := w.writeRaw(locator); err != nil {
		return err
	}

	eocd := make([]byte, 0, 22)
	eocd = appendU32(eocd, endOfCentralDirSig)
	eocd = appendU16(eocd, 0)      // disk number
	eocd = appendU16(eocd, 0)      // disk with central dir start
	eocd = appendU16(eocd, 0xFFFF) // entries on this disk (zip64 placeholder)
	eocd = appendU16(eocd, 0xFFFF) // total entries (zip64 placeholder)
	eocd = appendU32(eocd, 0xFFFFFFFF) // central dir size (zip64 placeholder)
	eocd = appendU32(eocd, 0xFFFFFFFF) // central dir offset (zip64 placeholder)
	eocd = appendU16(eocd, 0)          // comment length
	return w.writeRaw(eocd)
}

func buildAESExtra() []byte {
	buf := make([]byte, 0, 11)
	buf = appendU16(buf, aesExtraID)
	buf = appendU16(buf, 7) // data size
	buf = appendU16(buf, aesVendorVersionAE2)
	buf = append(buf, []byte(aesVendorID)...)
	buf = append(buf, byte(aesStrength256))
	buf = appendU16(buf, methodStoreInside)
	return buf
}

func buildZip64ExtraLocal() []byte {
	buf := make([]byte, 0, 20)
	buf = appendU16(buf, zip64ExtraID)
	buf = appendU16(buf, 16) // data size: two 8-byte sizes
	buf = appendU64(buf, 0)  // uncompressed size placeholder
	buf = appendU64(buf, 0)  // compressed size placeholder
	return buf
}

func buildZip64ExtraCentral(plainLen, compressedLen, localOffset int64) []byte {
	buf := make([]byte, 0, 28)
	buf = appendU16(buf, zip64ExtraID)
	buf = appendU16(buf, 24) // data size: three 8-byte fields
	buf = appendU64(buf, uint64(plainLen))
	buf = appendU64(buf, uint64(compressedLen))
	buf = appendU64(buf, uint64(localOffset))
	return buf
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// hmacWriter accumulates an HMAC-SHA1 over everything written to it.
type hmacWriter struct {
	h interface {
		io.Writer
		Sum([]byte) []byte
	}
}

func newHMACWriter(key []byte) hmacWriter {
	return hmacWriter{h: hmac.New(sha1.New, key)}
}

func (h hmacWriter) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

func (h hmacWriter) Sum() []byte {
	return h.h.Sum(nil)
}
