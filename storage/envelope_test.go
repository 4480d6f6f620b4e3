package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/formkey/internal/util"
)

func TestEnvelope(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)
	plain := []byte(`{"challenges":{}}`)
	aad := []byte("session:abc")

	env, err := SealRecord(key, plain, aad)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Ver)
	assert.Equal(t, SchemeAESGCM, env.Scheme)
	assert.Len(t, env.Nonce, util.GCMNonceSize)

	got, err := OpenRecord(key, env, aad)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := OpenRecord(key, env, []byte("session:other"))
		assert.Error(t, err)
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, err := util.NewAESKey()
		require.NoError(t, err)
		_, err = OpenRecord(other, env, aad)
		assert.Error(t, err)
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		bad := *env
		bad.Ver = 99
		_, err := OpenRecord(key, &bad, aad)
		assert.Error(t, err)
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		bad := *env
		bad.Scheme = "raw"
		_, err := OpenRecord(key, &bad, aad)
		assert.Error(t, err)
	})

	t.Run("Nil", func(t *testing.T) {
		_, err := OpenRecord(key, nil, aad)
		assert.Error(t, err)
	})
}
