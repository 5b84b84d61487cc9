// Package digest computes the content identifier of an upload: the SHA-256 digest of the whole file.
package digest

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// Size is the length of a digest in bytes.
const Size = sha256.Size

// Digest is the SHA-256 digest of a file.
type Digest [Size]byte

// Base64 returns the standard base64 encoding used on the wire as fileHash.
func (d Digest) Base64() string {
	return base64.StdEncoding.EncodeToString(d[:])
}

// Hex returns the lower case hex encoding.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return "sha256:" + d.Hex()
}

// IsZero reports whether the digest was never computed.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Hasher computes the digest of a stream.
type Hasher interface {
	Hash(ctx context.Context, r io.Reader) (Digest, error)
}

// SHA256Hasher streams content through SHA-256 without buffering it.
type SHA256Hasher struct{}

// Hash reads r until EOF. A cancelled context stops hashing at the next read.
func (SHA256Hasher) Hash(ctx context.Context, r io.Reader) (Digest, error) {
	hash := sha256.New()

	if _, err := io.Copy(hash, contextReader{ctx: ctx, r: r}); err != nil {
		return Digest{}, fmt.Errorf("hash content: %w", err)
	}

	var d Digest
	copy(d[:], hash.Sum(nil))
	return d, nil
}

// OfBytes returns the digest of an in-memory byte slice.
func OfBytes(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
