package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	require.Len(t, id.ID(), 16)
	require.Equal(t, IDFromPublicKey(id.PublicKey()), id.ID())

	msg := []byte(`"QueryAll"`)
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, Verify(id.PublicKey(), msg, sig))
	require.NoError(t, VerifyFrom(id.ID(), id.PublicKey(), msg, sig))
}

func TestVerifyRejectsTampering(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	other, err := Generate()
	require.NoError(t, err)

	msg := []byte(`"QueryLatest"`)
	sig, err := id.Sign(msg)
	require.NoError(t, err)

	require.ErrorIs(t, Verify(id.PublicKey(), []byte(`"QueryAll"`), sig), ErrBadSignature)
	require.ErrorIs(t, Verify(other.PublicKey(), msg, sig), ErrBadSignature)
	require.ErrorIs(t, Verify([]byte{1, 2, 3}, msg, sig), ErrBadPublicKey)
	require.ErrorIs(t, VerifyFrom(other.ID(), id.PublicKey(), msg, sig), ErrBadPublicKey)
}

func TestIdentitiesAreDistinct(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())
}
