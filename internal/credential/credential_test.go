package credential

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMintThenOpenRoundTrips(t *testing.T) {
	signer := NewHMACSigner([]byte("device-secret"))
	keyID := make([]byte, keyIDLen)
	rpHash := make([]byte, rpHashLen)
	for i := range keyID {
		keyID[i] = byte(i)
	}
	for i := range rpHash {
		rpHash[i] = byte(i + 1)
	}

	handle, err := Mint(signer, keyID, rpHash)
	require.NoError(t, err)
	require.Len(t, handle, HandleSize)

	decoded, err := Open(signer, handle)
	require.NoError(t, err)
	require.EqualValues(t, keyID, decoded.KeyID[:])
	require.EqualValues(t, rpHash, decoded.RPIDHash[:])
}

func TestOpenRejectsTamperedTag(t *testing.T) {
	signer := NewHMACSigner([]byte("device-secret"))
	handle, err := Mint(signer, make([]byte, keyIDLen), make([]byte, rpHashLen))
	require.NoError(t, err)

	handle[len(handle)-1] ^= 0xff

	_, err = Open(signer, handle)
	require.Error(t, err)
}

func TestOpenRejectsWrongSigner(t *testing.T) {
	handle, err := Mint(NewHMACSigner([]byte("secret-a")), make([]byte, keyIDLen), make([]byte, rpHashLen))
	require.NoError(t, err)

	_, err = Open(NewHMACSigner([]byte("secret-b")), handle)
	require.Error(t, err)
}

func TestMintRejectsWrongLengths(t *testing.T) {
	signer := NewHMACSigner([]byte("device-secret"))

	_, err := Mint(signer, make([]byte, keyIDLen-1), make([]byte, rpHashLen))
	require.Error(t, err)

	_, err = Mint(signer, make([]byte, keyIDLen), make([]byte, rpHashLen+1))
	require.Error(t, err)
}

func TestOpenRejectsWrongSize(t *testing.T) {
	signer := NewHMACSigner([]byte("device-secret"))
	_, err := Open(signer, []byte{1, 2, 3})
	require.Error(t, err)
}
