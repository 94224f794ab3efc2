// Package payload encrypts message content for a single peer using the
// NIP-04 shared-secret scheme. Either side derives the same key from its own
// secret key and the other side's public key.
package payload

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/telemetry"

	"github.com/nbd-wtf/go-nostr/nip04"
)

var errBadPadding = errors.New("bad padding")

const (
	category = "cipher"

	// EncryptedTag marks a message whose content is ciphertext.
	EncryptedTag = "encrypted"
)

type (
	Cipher interface {
		Encrypt(secretKey, peerPublicKey, plaintext string) (string, error)
		Decrypt(secretKey, peerPublicKey, ciphertext string) (string, error)
	}

	NIP04 struct {
		tracker *telemetry.Tracker
	}
)

func New(tracker *telemetry.Tracker) *NIP04 {
	return &NIP04{tracker: tracker}
}

// IsEncrypted reports whether msg carries the encrypted marker. Only such
// messages may be passed to Decrypt.
func IsEncrypted(msg *model.SignedMessage) bool {
	return msg != nil && model.HasTag(msg.Tags, EncryptedTag)
}

func (c *NIP04) Encrypt(secretKey, peerPublicKey, plaintext string) (string, error) {
	const op = "payload.Encrypt"

	key, err := sharedSecret(secretKey, peerPublicKey)
	if err != nil {
		c.tracker.Track(category, "encrypt_error", telemetry.WithLabel(err.Error()))
		return "", errs.Wrap(errs.Encrypt, op, "compute shared secret", err)
	}

	ciphertext, err := nip04.Encrypt(plaintext, key)
	if err != nil {
		c.tracker.Track(category, "encrypt_error", telemetry.WithLabel(err.Error()))
		return "", errs.Wrap(errs.Encrypt, op, "encrypt payload", err)
	}

	c.tracker.Track(category, "encrypt", telemetry.WithValue(float64(len(plaintext))))
	return ciphertext, nil
}

func (c *NIP04) Decrypt(secretKey, peerPublicKey, ciphertext string) (plaintext string, err error) {
	const op = "payload.Decrypt"
	defer func() {
		if err != nil {
			c.tracker.Track(category, "decrypt_error", telemetry.WithLabel(err.Error()))
		}
	}()

	key, err := sharedSecret(secretKey, peerPublicKey)
	if err != nil {
		return "", errs.Wrap(errs.Decrypt, op, "compute shared secret", err)
	}

	ct, iv, err := parseContent(ciphertext)
	if err != nil {
		return "", errs.Wrap(errs.Decrypt, op, "malformed ciphertext", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errs.Wrap(errs.Decrypt, op, "init cipher", err)
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	// NIP-04 has no MAC, so strict padding plus UTF-8 is the only check that
	// the key pair was right.
	out, err = unpad(out)
	if err != nil || !utf8.Valid(out) {
		return "", errs.New(errs.Decrypt, op, "wrong key pair or tampered ciphertext")
	}

	c.tracker.Track(category, "decrypt", telemetry.WithValue(float64(len(out))))
	return string(out), nil
}

func sharedSecret(secretKey, peerPublicKey string) ([]byte, error) {
	if err := keys.ValidateSecretKey(secretKey); err != nil {
		return nil, err
	}
	if err := keys.ValidatePublicKey(peerPublicKey); err != nil {
		return nil, err
	}
	return nip04.ComputeSharedSecret(peerPublicKey, secretKey)
}

// parseContent splits "<base64 ciphertext>?iv=<base64 iv>" and checks the
// sizes the block cipher needs.
func parseContent(content string) (ct, iv []byte, err error) {
	ctPart, ivPart, ok := strings.Cut(content, "?iv=")
	if !ok {
		return nil, nil, fmt.Errorf("missing iv")
	}

	iv, err = base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return nil, nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}

	ct, err = base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return nil, nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ct))
	}
	return ct, iv, nil
}

// unpad strips PKCS#7 padding, requiring every padding byte to match.
func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errBadPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}
