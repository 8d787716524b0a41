// Package hashing computes content hashes and deterministic cache keys.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
)

const partSeparator = "\x1f"

// New returns the hash used for every content checksum.
func New() hash.Hash {
	return sha256.New()
}

// Sum returns the hex digest of h.
func Sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader streams r through SHA-256 and returns the digest and byte count.
func HashReader(r io.Reader) (string, int64, error) {
	h := New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return Sum(h), n, nil
}

// HashFile returns the hex SHA-256 of the file contents.
func HashFile(path string) (string, error) {
	sum, _, err := HashFileSize(path)
	return sum, err
}

// HashFileSize is HashFile that also reports the number of bytes read.
func HashFileSize(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return HashReader(f)
}

// Key derives a cache key from ordered parts. Each part is written with a
// type tag and length prefix so distinct inputs never collide by
// concatenation ("ab","c" vs "a","bc").
func Key(parts ...any) string {
	h := New()
	for i, p := range parts {
		if i > 0 {
			io.WriteString(h, partSeparator)
		}
		io.WriteString(h, encodePart(p))
	}
	return Sum(h)
}

func encodePart(p any) string {
	switch v := p.(type) {
	case nil:
		return "n:"
	case string:
		return "s" + strconv.Itoa(len(v)) + ":" + v
	case int:
		return "i:" + strconv.Itoa(v)
	case int64:
		return "i:" + strconv.FormatInt(v, 10)
	case bool:
		return "b:" + strconv.FormatBool(v)
	case *int:
		if v == nil {
			return "n:"
		}
		return "i:" + strconv.Itoa(*v)
	case *string:
		if v == nil {
			return "n:"
		}
		return encodePart(*v)
	case fmt.Stringer:
		return encodePart(v.String())
	default:
		s := fmt.Sprintf("%T:%v", v, v)
		return "v" + strconv.Itoa(len(s)) + ":" + s
	}
}
