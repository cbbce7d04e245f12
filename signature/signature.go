// Package signature signs and verifies flow packages with HMAC-SHA256
// detached signatures stored alongside the file as "<name>.sig".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

func sigPath(path string) string {
	return path + ".sig"
}

// Sign writes a hex HMAC-SHA256 signature for the file at path next to it
// and returns the signature string.
func Sign(path string, key []byte) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	sig := hex.EncodeToString(mac.Sum(nil))
	if err := os.WriteFile(sigPath(path), []byte(sig), 0o644); err != nil {
		return "", err
	}
	return sig, nil
}

// Verify reports whether the detached signature of the file at path matches
// key. A missing or unreadable signature file counts as a failed verification.
func Verify(path string, key []byte) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	expected, err := os.ReadFile(sigPath(path))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	actual := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.TrimSpace(string(expected))), []byte(actual))
}
