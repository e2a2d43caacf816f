package ctap2

import "encoding/binary"

// authData flag bits (WebAuthn §6.1).
const (
	flagUP byte = 1 << 0
	flagUV byte = 1 << 2
	flagAT byte = 1 << 6
)

// buildAuthData assembles authenticatorData: rpIdHash(32) || flags(1) ||
// signCount(4) || attestedCredentialData (present only when non-nil).
func buildAuthData(rpIDHash []byte, up, uv bool, signCount uint32, attestedCredentialData []byte) []byte {
	flags := byte(0)
	if up {
		flags |= flagUP
	}
	if uv {
		flags |= flagUV
	}
	if attestedCredentialData != nil {
		flags |= flagAT
	}

	out := make([]byte, 0, 32+1+4+len(attestedCredentialData))
	out = append(out, rpIDHash...)
	out = append(out, flags)
	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, signCount)
	out = append(out, count...)
	out = append(out, attestedCredentialData...)
	return out
}

// attestedCredentialData is aaguid(16) || credIdLen(2) || credId ||
// credentialPublicKey (a COSE_Key, CBOR-encoded).
func attestedCredentialData(aaguid [16]byte, credID []byte, pub *coseKey) []byte {
	out := make([]byte, 0, 16+2+len(credID))
	out = append(out, aaguid[:]...)
	idLen := make([]byte, 2)
	binary.BigEndian.PutUint16(idLen, uint16(len(credID)))
	out = append(out, idLen...)
	out = append(out, credID...)
	out = append(out, marshalCBOR(pub)...)
	return out
}
