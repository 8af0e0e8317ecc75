// Package crypto implements the Decryptor collaborator: wrapping an
// encrypted segment byte stream into a plaintext byte stream.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"io"

	"hlsdl/internal/herrors"
	"hlsdl/internal/playlist"
)

// Decryptor turns a ciphertext stream into a plaintext stream. The
// returned stream owns the ciphertext stream: closing it closes the
// underlying stream too.
type Decryptor interface {
	Decrypt(ciphertext io.ReadCloser, keyBytes []byte, spec *playlist.EncryptionSpec, segmentIndex int) (io.ReadCloser, error)
}

// AES128CBC is the default Decryptor: AES-128-CBC with PKCS#7 padding,
// streamed block-by-block so a segment is never buffered whole. Go's
// standard library has no streaming-with-padding primitive comparable to
// a CipherInputStream, so this hand-rolls the equivalent pipe over
// cipher.BlockMode.
type AES128CBC struct{}

// Decrypt implements Decryptor.
func (AES128CBC) Decrypt(ciphertext io.ReadCloser, keyBytes []byte, spec *playlist.EncryptionSpec, segmentIndex int) (io.ReadCloser, error) {
	if len(keyBytes) != 16 {
		ciphertext.Close()
		return nil, herrors.WrapSegment(herrors.KindDecryptionFailed, segmentIndex, nil, "AES-128 key must be 16 bytes")
	}

	iv, err := resolveIV(spec, segmentIndex)
	if err != nil {
		ciphertext.Close()
		return nil, herrors.WrapSegment(herrors.KindDecryptionFailed, segmentIndex, err, "invalid IV")
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		ciphertext.Close()
		return nil, herrors.WrapSegment(herrors.KindDecryptionFailed, segmentIndex, err, "failed to create AES cipher")
	}

	mode := cipher.NewCBCDecrypter(block, iv)
	return &cbcReader{ciphertext: ciphertext, mode: mode, blockSize: block.BlockSize()}, nil
}

// resolveIV derives the CBC initialization vector: an explicit spec.IVHex
// decodes to 16 bytes; otherwise the IV is the full big-endian 128-bit
// representation of the segment index, so indices above 255 fill more
// than the low byte instead of silently wrapping.
func resolveIV(spec *playlist.EncryptionSpec, segmentIndex int) ([]byte, error) {
	if spec != nil && spec.IVHex != "" {
		decoded, err := hex.DecodeString(spec.IVHex)
		if err != nil {
			return nil, err
		}
		if len(decoded) != 16 {
			return nil, errInvalidIVLength(len(decoded))
		}
		return decoded, nil
	}

	iv := make([]byte, 16)
	idx := uint64(segmentIndex)
	for i := 15; i >= 0 && idx > 0; i-- {
		iv[i] = byte(idx & 0xFF)
		idx >>= 8
	}
	return iv, nil
}

type invalidIVLengthError int

func (e invalidIVLengthError) Error() string {
	return "IV must decode to 16 bytes"
}

func errInvalidIVLength(n int) error { return invalidIVLengthError(n) }

// cbcReader decrypts a CBC ciphertext stream one block at a time and
// strips PKCS#7 padding from the final block once the underlying stream
// is exhausted. It buffers at most one plaintext block ahead of the
// caller, so a segment is never held whole in memory.
type cbcReader struct {
	ciphertext io.ReadCloser
	mode       cipher.BlockMode
	blockSize  int

	pending []byte // decrypted bytes not yet returned to the caller
	nextCT  []byte // next ciphertext block, read one block ahead to detect EOF
	haveNext bool
	done    bool
}

func (r *cbcReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if err := r.advance(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// advance decrypts the next block, using one block of lookahead so the
// final (padded) block can be detected and unpadded correctly.
func (r *cbcReader) advance() error {
	if !r.haveNext {
		buf := make([]byte, r.blockSize)
		if _, err := io.ReadFull(r.ciphertext, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				r.done = true
				return io.EOF
			}
			return err
		}
		r.nextCT = buf
		r.haveNext = true
	}

	current := r.nextCT
	r.haveNext = false

	lookahead := make([]byte, r.blockSize)
	n, err := io.ReadFull(r.ciphertext, lookahead)
	isLast := false
	switch {
	case err == nil:
		r.nextCT = lookahead
		r.haveNext = true
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		if n != 0 {
			return herrors.New(herrors.KindDecryptionFailed, "ciphertext length is not a multiple of the block size")
		}
		isLast = true
	default:
		return err
	}

	plain := make([]byte, r.blockSize)
	r.mode.CryptBlocks(plain, current)

	if isLast {
		unpadded, err := stripPKCS7(plain, r.blockSize)
		if err != nil {
			return herrors.New(herrors.KindDecryptionFailed, err.Error())
		}
		r.pending = unpadded
		r.done = true
		return nil
	}

	r.pending = plain
	return nil
}

func stripPKCS7(block []byte, blockSize int) ([]byte, error) {
	if len(block) == 0 {
		return nil, errPadding
	}
	padLen := int(block[len(block)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(block) {
		return nil, errPadding
	}
	for _, b := range block[len(block)-padLen:] {
		if int(b) != padLen {
			return nil, errPadding
		}
	}
	return block[:len(block)-padLen], nil
}

var errPadding = paddingError{}

type paddingError struct{}

func (paddingError) Error() string { return "invalid PKCS#7 padding" }

func (r *cbcReader) Close() error {
	return r.ciphertext.Close()
}
