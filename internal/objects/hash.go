package objects

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

var ErrInvalidHash = errors.New("invalid object hash")

// Hash is the lowercase hex BLAKE3-256 digest of an object's bytes.
type Hash string

const hashLen = 64

// EmptyHash is the digest of zero bytes.
var EmptyHash = HashBytes(nil)

func (h Hash) String() string {
	return string(h)
}

// Short returns the first 12 hex characters, for logs and tables.
func (h Hash) Short() string {
	if len(h) < 12 {
		return string(h)
	}
	return string(h[:12])
}

func (h Hash) Valid() bool {
	if len(h) != hashLen {
		return false
	}
	if strings.ToLower(string(h)) != string(h) {
		return false
	}
	_, err := hex.DecodeString(string(h))
	return err == nil
}

func ParseHash(s string) (Hash, error) {
	h := Hash(s)
	if !h.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}
	return h, nil
}

func HashBytes(data []byte) Hash {
	sum := blake3.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

func HashReader(r io.Reader) (Hash, int64, error) {
	hasher := blake3.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", n, err
	}
	return digest(hasher), n, nil
}

// HashFile hashes a file on disk without storing it.
func HashFile(path string) (Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return HashReader(f)
}

func digest(hasher *blake3.Hasher) Hash {
	return Hash(hex.EncodeToString(hasher.Sum(nil)))
}
