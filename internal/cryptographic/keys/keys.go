package keys

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"

	"github.com/nbd-wtf/go-nostr"
)

// Generate a new single-use secp256k1 key pair
func Generate() (model.EphemeralIdentity, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return model.EphemeralIdentity{}, fmt.Errorf("failed to derive public key: %w", err)
	}
	return model.EphemeralIdentity{
		SecretKey: sk,
		PublicKey: pk,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func PublicKey(secretKey string) (string, error) {
	if err := ValidateSecretKey(secretKey); err != nil {
		return "", err
	}
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return "", errs.Wrap(errs.InvalidInput, "keys.PublicKey", "derive public key", err)
	}
	return pk, nil
}

func ValidateSecretKey(secretKey string) error {
	if !isHex32(secretKey) {
		return errs.New(errs.InvalidInput, "keys", "secret key must be 64 hex characters")
	}
	return nil
}

func ValidatePublicKey(publicKey string) error {
	if !isHex32(publicKey) {
		return errs.New(errs.InvalidInput, "keys", "public key must be 64 hex characters")
	}
	return nil
}

// ValidateID checks the shape of a message id.
func ValidateID(id string) error {
	if !isHex32(id) {
		return errs.New(errs.InvalidInput, "keys", "event id must be 64 hex characters")
	}
	return nil
}

// Sign turns a template into a signed message authored by secretKey's public key.
func Sign(secretKey string, tmpl model.Template) (*model.SignedMessage, error) {
	if err := ValidateSecretKey(secretKey); err != nil {
		return nil, err
	}

	msg := &model.SignedMessage{
		Kind:      tmpl.Kind,
		CreatedAt: tmpl.CreatedAt,
		Tags:      tmpl.Tags,
		Content:   tmpl.Content,
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = nostr.Now()
	}
	if msg.Tags == nil {
		msg.Tags = nostr.Tags{}
	}

	if err := msg.Sign(secretKey); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "keys.Sign", "sign message", err)
	}
	return msg, nil
}

// Verify recomputes the id and checks the signature against the author.
func Verify(msg *model.SignedMessage) error {
	if msg == nil {
		return errs.New(errs.Protocol, "keys.Verify", "nil message")
	}
	if msg.GetID() != msg.ID {
		return errs.New(errs.Protocol, "keys.Verify", "id does not match content")
	}
	ok, err := msg.CheckSignature()
	if err != nil {
		return errs.Wrap(errs.Protocol, "keys.Verify", "check signature", err)
	}
	if !ok {
		return errs.New(errs.Protocol, "keys.Verify", "invalid signature")
	}
	return nil
}

func isHex32(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
