package pkcs11token

import (
	"encoding/asn1"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

// rawECDSAtoASN1 is the only pure function in this package; everything
// else requires an open PKCS#11 session, and no softhsm or real token is
// available in this test environment.
func TestRawECDSAtoASN1RoundTrips(t *testing.T) {
	r := new(big.Int).SetUint64(12345)
	s := new(big.Int).SetUint64(67890)

	raw := make([]byte, 64)
	r.FillBytes(raw[:32])
	s.FillBytes(raw[32:])

	der, err := rawECDSAtoASN1(raw)
	require.NoError(t, err)
	require.NotEmpty(t, der)

	var sig struct{ R, S *big.Int }
	_, err = asn1.Unmarshal(der, &sig)
	require.NoError(t, err)
	require.Equal(t, r, sig.R)
	require.Equal(t, s, sig.S)
}

func TestRawECDSAtoASN1RejectsOddLength(t *testing.T) {
	_, err := rawECDSAtoASN1([]byte{1, 2, 3})
	require.Error(t, err)
}
