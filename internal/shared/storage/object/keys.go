package object

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidFileName is returned for names that are empty or try to traverse paths.
var ErrInvalidFileName = errors.New("invalid file name")

const sniffLen = 512

// OwnerPrefix returns a path-safe namespace for an owner id.
func OwnerPrefix(ownerID string) string {
	sum := sha256.Sum256([]byte(ownerID))
	return hex.EncodeToString(sum[:])
}

// CleanFileName removes path separators and rejects traversal patterns.
func CleanFileName(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", ErrInvalidFileName
	}
	s := strings.TrimSpace(name)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" {
		return "", ErrInvalidFileName
	}
	return s, nil
}

// NewKey builds a unique storage key "<owner prefix>/<uuid>_<file name>".
func NewKey(ownerID, fileName string) (string, error) {
	clean, err := CleanFileName(fileName)
	if err != nil {
		return "", err
	}
	return path.Join(OwnerPrefix(ownerID), fmt.Sprintf("%s_%s", uuid.NewString(), clean)), nil
}

// Sniff detects the content type from the first bytes of r and returns a reader
// that still yields the full stream.
func Sniff(r io.Reader) (string, io.Reader, error) {
	var head [sniffLen]byte
	n, err := io.ReadFull(r, head[:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", nil, fmt.Errorf("read sniff: %w", err)
	}
	mimeType := http.DetectContentType(head[:n])
	return mimeType, io.MultiReader(bytes.NewReader(head[:n]), r), nil
}

// CountingReader counts bytes read through it.
type CountingReader struct {
	R io.Reader
	N int64
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	c.N += int64(n)
	return n, err
}
