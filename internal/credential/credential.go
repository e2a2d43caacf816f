// Package credential implements the opaque, integrity-protected credential
// handle: a wrapped reference to a key held in the external PKCS#11 token,
// bound to the relying party that requested it, and tamper-evident so a
// later Assertion can detect a forged or replayed handle.
package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/ctapgo/vhid/internal/vherr"
)

const (
	version    = 1
	keyIDLen   = 32
	rpHashLen  = 32
	tagLen     = 32
	HandleSize = 1 + keyIDLen + rpHashLen + tagLen
)

// Handle is the decoded form of an opaque credential handle: which backend
// key it names, and which relying party it was minted for.
type Handle struct {
	KeyID    [keyIDLen]byte
	RPIDHash [rpHashLen]byte
}

// Signer derives the device-wide secret used to tag (and later verify)
// credential handles. It is satisfied by HMACSigner, which cmd/vhid keys
// with the secret *pkcs11token.Token.DeviceSecret derives; how the secret is
// produced is kept out of this package.
type Signer interface {
	// Tag returns HMAC-SHA-256(deviceSecret, msg).
	Tag(msg []byte) []byte
}

// Mint produces a new opaque handle for keyID bound to rpIDHash.
func Mint(signer Signer, keyID, rpIDHash []byte) ([]byte, error) {
	if len(keyID) != keyIDLen {
		return nil, fmt.Errorf("%w: key id must be %d bytes, got %d", vherr.ErrAuthenticator, keyIDLen, len(keyID))
	}
	if len(rpIDHash) != rpHashLen {
		return nil, fmt.Errorf("%w: rp id hash must be %d bytes, got %d", vherr.ErrAuthenticator, rpHashLen, len(rpIDHash))
	}

	body := make([]byte, 0, 1+keyIDLen+rpHashLen)
	body = append(body, version)
	body = append(body, keyID...)
	body = append(body, rpIDHash...)

	tag := signer.Tag(body)

	out := make([]byte, 0, HandleSize)
	out = append(out, body...)
	out = append(out, tag...)
	return out, nil
}

// Open verifies and decodes an opaque handle, returning ErrAuthenticator if
// the tag does not match (forged, corrupted, or minted by a different
// device secret) or the handle is malformed.
func Open(signer Signer, encoded []byte) (*Handle, error) {
	if len(encoded) != HandleSize {
		return nil, fmt.Errorf("%w: credential handle wrong size: %d", vherr.ErrAuthenticator, len(encoded))
	}
	if encoded[0] != version {
		return nil, fmt.Errorf("%w: unsupported credential handle version %d", vherr.ErrAuthenticator, encoded[0])
	}

	body := encoded[:1+keyIDLen+rpHashLen]
	gotTag := encoded[1+keyIDLen+rpHashLen:]
	wantTag := signer.Tag(body)

	if !hmac.Equal(gotTag, wantTag) {
		return nil, fmt.Errorf("%w: credential handle integrity check failed", vherr.ErrAuthenticator)
	}

	h := &Handle{}
	copy(h.KeyID[:], encoded[1:1+keyIDLen])
	copy(h.RPIDHash[:], encoded[1+keyIDLen:1+keyIDLen+rpHashLen])
	return h, nil
}

// HMACSigner is the stdlib-backed Signer: HMAC-SHA-256 under a fixed
// device secret established at process start.
type HMACSigner struct {
	secret []byte
}

func NewHMACSigner(secret []byte) *HMACSigner { return &HMACSigner{secret: secret} }

func (s *HMACSigner) Tag(msg []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(msg)
	return mac.Sum(nil)
}
