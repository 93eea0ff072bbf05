package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// autoV2Window is the byte span the short hash is computed over.
const autoV2Window = 1 << 20

// AutoV2Hash computes the 10-hex-character short identifier over the first
// megabyte of the file. Files shorter than the window hash whatever is there.
func AutoV2Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, autoV2Window)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:10], nil
}

// SHA256Hash computes the full-file hash, 64 hex characters.
func SHA256Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// validateHashes checks lengths for hashes arriving from sidecar metadata.
func validateHashes(autoV2, sha string) error {
	if autoV2 != "" && len(autoV2) != 10 {
		return fmt.Errorf("autov2 hash has %d chars, want 10", len(autoV2))
	}
	if sha != "" && len(sha) != 64 {
		return fmt.Errorf("sha256 hash has %d chars, want 64", len(sha))
	}
	return nil
}
