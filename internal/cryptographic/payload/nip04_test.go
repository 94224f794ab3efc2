package payload

import (
	"bytes"
	"strings"
	"testing"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/telemetry"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyPair(t *testing.T) model.EphemeralIdentity {
	t.Helper()
	id, err := keys.Generate()
	require.NoError(t, err)
	return id
}

func TestSharedSecretSymmetry(t *testing.T) {
	c := New(nil)
	a, b := keyPair(t), keyPair(t)

	for _, plaintext := range []string{"hello", `[["i","hello","text"]]`, strings.Repeat("long payload ", 40), "ünïcödé ✓"} {
		ct, err := c.Encrypt(a.SecretKey, b.PublicKey, plaintext)
		require.NoError(t, err)
		got, err := c.Decrypt(b.SecretKey, a.PublicKey, ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)

		ct, err = c.Encrypt(b.SecretKey, a.PublicKey, plaintext)
		require.NoError(t, err)
		got, err = c.Decrypt(a.SecretKey, b.PublicKey, ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptInvalidKey(t *testing.T) {
	c := New(nil)
	a := keyPair(t)

	_, err := c.Encrypt(a.SecretKey, "not-a-key", "secret plaintext")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Encrypt))
	assert.NotContains(t, err.Error(), "secret plaintext")

	_, err = c.Encrypt("bad", a.PublicKey, "secret plaintext")
	assert.True(t, errs.Is(err, errs.Encrypt))
}

func TestDecryptFailures(t *testing.T) {
	c := New(nil)
	a, b, eve := keyPair(t), keyPair(t), keyPair(t)

	ct, err := c.Encrypt(a.SecretKey, b.PublicKey, strings.Repeat("the quick brown fox jumps over the lazy dog ", 4))
	require.NoError(t, err)

	cases := map[string]struct {
		sk, pk, content string
	}{
		"wrong key pair":   {eve.SecretKey, a.PublicKey, ct},
		"missing iv":       {b.SecretKey, a.PublicKey, "aGVsbG8="},
		"bad base64":       {b.SecretKey, a.PublicKey, "!!!?iv=AAAAAAAAAAAAAAAAAAAAAA=="},
		"short iv":         {b.SecretKey, a.PublicKey, strings.SplitN(ct, "?iv=", 2)[0] + "?iv=AAAA"},
		"partial block":    {b.SecretKey, a.PublicKey, "AAAA?iv=AAAAAAAAAAAAAAAAAAAAAA=="},
		"invalid peer key": {b.SecretKey, "00", ct},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decrypt(tc.sk, tc.pk, tc.content)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.Decrypt), err.Error())
		})
	}
}

func TestCipherEmitsTelemetry(t *testing.T) {
	var actions []string
	c := New(telemetry.NewTracker(telemetry.SinkFunc(func(ev telemetry.Event) error {
		actions = append(actions, ev.Category+"/"+ev.Action)
		return nil
	})))
	a, b := keyPair(t), keyPair(t)

	ct, err := c.Encrypt(a.SecretKey, b.PublicKey, "x")
	require.NoError(t, err)
	_, err = c.Decrypt(b.SecretKey, a.PublicKey, ct)
	require.NoError(t, err)
	_, _ = c.Decrypt(b.SecretKey, a.PublicKey, "garbage")

	assert.Equal(t, []string{"cipher/encrypt", "cipher/decrypt", "cipher/decrypt_error"}, actions)
}

func TestIsEncrypted(t *testing.T) {
	assert.True(t, IsEncrypted(&model.SignedMessage{Tags: nostr.Tags{{"p", "x"}, {"encrypted"}}}))
	assert.False(t, IsEncrypted(&model.SignedMessage{Tags: nostr.Tags{{"p", "x"}}}))
	assert.False(t, IsEncrypted(nil))
}

func TestDecryptShortPayloadWithWrongKey(t *testing.T) {
	c := New(nil)
	a, b := keyPair(t), keyPair(t)

	ct, err := c.Encrypt(a.SecretKey, b.PublicKey, "ok")
	require.NoError(t, err)

	accepted := 0
	for range 2000 {
		wrong := keyPair(t)
		got, err := c.Decrypt(wrong.SecretKey, a.PublicKey, ct)
		if err == nil {
			accepted++
			t.Logf("wrong key accepted, plaintext %q", got)
			continue
		}
		require.True(t, errs.Is(err, errs.Decrypt), err.Error())
	}
	assert.Zero(t, accepted)
}

func TestUnpad(t *testing.T) {
	block := func(tail ...byte) []byte {
		b := make([]byte, 16-len(tail), 16)
		for i := range b {
			b[i] = 'a'
		}
		return append(b, tail...)
	}

	got, err := unpad(block(2, 2))
	require.NoError(t, err)
	assert.Len(t, got, 14)

	got, err = unpad(bytes.Repeat([]byte{16}, 16))
	require.NoError(t, err)
	assert.Empty(t, got)

	for name, b := range map[string][]byte{
		"zero pad":       block(0),
		"pad too large":  block(17),
		"mismatched pad": block(3, 2, 3),
		"empty":          nil,
	} {
		_, err := unpad(b)
		assert.ErrorIs(t, err, errBadPadding, name)
	}
}
