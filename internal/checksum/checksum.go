package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

type Algorithm string

const (
	BLAKE3      Algorithm = "blake3"
	BLAKE2B_256 Algorithm = "blake2b256" //revive:disable-line
	SHA256      Algorithm = "sha256"
)

// Default is the digest used when a peer does not name one.
const Default = BLAKE3

var Algorithms = map[Algorithm]func() hash.Hash{
	BLAKE3: func() hash.Hash { return blake3.New() },
	BLAKE2B_256: func() hash.Hash {
		h, err := blake2b.New256(nil)
		if err != nil {
			// only fails for oversized keys
			panic(err)
		}
		return h
	},
	SHA256: sha256.New,
}

// GetAlgorithm normalizes name ("BLAKE-3", "sha_256", ...) and looks it up.
func GetAlgorithm(name string) (algo Algorithm, ok bool) {
	if name == "" {
		return Default, true
	}
	res := strings.Builder{}
	for _, r := range name {
		if unicode.IsUpper(r) {
			res.WriteRune(unicode.ToLower(r))
		} else if unicode.IsLetter(r) || unicode.IsDigit(r) {
			res.WriteRune(r)
		}
	}
	algo = Algorithm(res.String())
	_, ok = Algorithms[algo]
	return
}

// New returns a fresh hasher for algo.
func New(algo Algorithm) (hash.Hash, error) {
	fn, ok := Algorithms[algo]
	if !ok {
		return nil, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	return fn(), nil
}

// Sum returns the hex digest of data.
func Sum(algo Algorithm, data []byte) (string, error) {
	h, err := New(algo)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumReader hashes everything read from r.
func SumReader(algo Algorithm, r io.Reader) (string, error) {
	h, err := New(algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equal compares two hex digests case-insensitively.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}
