package aab

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"
)

// BundleDigest returns the hex BLAKE3-256 digest of the file at path.
func BundleDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	buf := make([]byte, 1024*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// WriteDigestFile writes "<digest>  <name>" next to path as path.b3 and
// returns the digest.
func WriteDigestFile(path string) (string, error) {
	sum, err := BundleDigest(path)
	if err != nil {
		return "", err
	}
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(path))
	if err := os.WriteFile(path+".b3", []byte(line), 0o644); err != nil {
		return "", fmt.Errorf("write digest: %w", err)
	}
	return sum, nil
}
