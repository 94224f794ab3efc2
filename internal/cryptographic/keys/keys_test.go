package keys

import (
	"strings"
	"testing"

	"github.com/OpenAgentsInc/commander/internal/errs"
	"github.com/OpenAgentsInc/commander/internal/model"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDerivesPublicKey(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	pk, err := PublicKey(id.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey, pk)

	other, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, id.SecretKey, other.SecretKey)
}

func TestSignDerivesIDAndSignature(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	msg, err := Sign(id.SecretKey, model.Template{
		Kind:      1,
		CreatedAt: nostr.Timestamp(1700000000),
		Tags:      nostr.Tags{{"t", "test"}},
		Content:   "hi",
	})
	require.NoError(t, err)

	assert.Equal(t, id.PublicKey, msg.PubKey)
	assert.Len(t, msg.ID, 64)
	assert.NotEmpty(t, msg.Sig)
	require.NoError(t, Verify(msg))

	msg.Content = "changed after signing"
	err = Verify(msg)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Protocol))
}

func TestInvalidKeys(t *testing.T) {
	for _, sk := range []string{"", "zz", strings.Repeat("g", 64)} {
		_, err := PublicKey(sk)
		assert.True(t, errs.Is(err, errs.InvalidInput), "key %q", sk)

		_, err = Sign(sk, model.Template{Kind: 1})
		assert.True(t, errs.Is(err, errs.InvalidInput), "key %q", sk)
	}
	assert.Error(t, ValidatePublicKey("abc"))
	assert.NoError(t, ValidateID(strings.Repeat("a", 64)))
}
