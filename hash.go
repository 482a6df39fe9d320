// Package offlinecache holds the primitives shared across the offline cache:
// content digests for stored response bodies and pending-operation payloads.
package offlinecache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrDigestMismatch is returned by Verify when content does not hash to the
// recorded digest.
var ErrDigestMismatch = errors.New("digest mismatch")

const algorithm = "blake3"

// Hash is a BLAKE3-256 digest.
type Hash [32]byte

// HashBytes hashes data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Digest returns the "blake3:<hex>" form persisted next to stored bodies.
func (h Hash) Digest() string {
	return algorithm + ":" + h.String()
}

// ParseDigest parses the form produced by Digest. Only lowercase hex is
// accepted so a digest has exactly one spelling.
func ParseDigest(s string) (Hash, error) {
	alg, hexPart, ok := strings.Cut(s, ":")
	if !ok || alg != algorithm {
		return Hash{}, fmt.Errorf("unsupported digest %q", s)
	}
	if len(hexPart) != 2*len(Hash{}) || strings.ToLower(hexPart) != hexPart {
		return Hash{}, fmt.Errorf("malformed digest %q", s)
	}

	var h Hash
	if _, err := hex.Decode(h[:], []byte(hexPart)); err != nil {
		return Hash{}, fmt.Errorf("malformed digest %q: %w", s, err)
	}
	return h, nil
}

// Verify checks data against digest. An empty digest means none was recorded
// and always verifies.
func Verify(data []byte, digest string) error {
	if digest == "" {
		return nil
	}
	want, err := ParseDigest(digest)
	if err != nil {
		return err
	}
	if got := HashBytes(data); got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, got.Digest(), digest)
	}
	return nil
}
