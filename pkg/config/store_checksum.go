package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// VerifyChecksum compares data with the pinned SHA256 digest of the store,
// if one is configured. The digest may carry a "sha256:" prefix.
func (s StoreSpec) VerifyChecksum(data []byte) error {
	if strings.TrimSpace(s.SHA256) == "" {
		return nil
	}

	expected := strings.TrimSpace(strings.ToLower(s.SHA256))
	expected = strings.TrimPrefix(expected, "sha256:")
	digest := sha256.Sum256(data)
	actual := hex.EncodeToString(digest[:])
	if actual != expected {
		return fmt.Errorf("store %s: checksum mismatch", s.Path)
	}
	return nil
}
