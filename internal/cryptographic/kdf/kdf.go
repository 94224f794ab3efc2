package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey stretches secret into size bytes with HKDF-SHA256. info
// separates keys derived from the same secret for different purposes.
func DeriveKey(secret, salt, info []byte, size int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("kdf: empty secret")
	}
	out := make([]byte, size)
	h := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("kdf: %w", err)
	}
	return out, nil
}
