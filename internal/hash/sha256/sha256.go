// Package sha256 computes the checksum recorded for every stored artifact.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher implements crawler.Hasher. Digests are lower-case hex, the form
// written to the checksum_sha256 object metadata and the job record.
type Hasher struct{}

// New returns an artifact Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash digests an in-memory artifact.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader digests a streamed artifact and reports how many bytes it read.
func (h *Hasher) HashReader(r io.Reader) (string, int64, error) {
	d := sha256.New()
	n, err := io.Copy(d, r)
	if err != nil {
		return "", n, fmt.Errorf("read artifact: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), n, nil
}
